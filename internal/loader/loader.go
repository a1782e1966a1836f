package loader

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/synchrony/internal/effect"
	"github.com/roach88/synchrony/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

// Error codes.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeParseFailed = "E004" // File does not parse
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeSchema      = "E006" // CUE schema violation
	ErrCodeFormat      = "E008" // Unsupported file extension
	ErrCodeInvalidTx   = "E120" // Transaction does not compile
)

// LoadError is a batch file error with a CUE position when one is known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsLoadError reports whether err is or wraps a *LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// File is a decoded batch file.
type File struct {
	Accounts     map[string]any  `json:"accounts,omitempty" yaml:"accounts,omitempty"`
	Transactions []effect.TxSpec `json:"transactions" yaml:"transactions"`
}

// Load reads path, choosing the decoder by extension: .cue, or .yaml,
// .yml and .json.
func Load(path string) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("batch file not found: %s", path)}
		}
		return nil, &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return DecodeCUE(path, src)
	case ".yaml", ".yml", ".json":
		return DecodeYAML(path, src)
	default:
		return nil, &LoadError{Code: ErrCodeFormat, Message: fmt.Sprintf("unsupported batch file %s (want .cue, .yaml, .yml or .json)", path)}
	}
}

// DecodeCUE validates src against the batch schema and decodes it.
func DecodeCUE(name string, src []byte) (*File, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile batch schema: %w", err)
	}

	v := ctx.CompileBytes(src, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, fromCUE(ErrCodeParseFailed, err)
	}
	v = schema.LookupPath(cue.ParsePath("#File")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fromCUE(ErrCodeSchema, err)
	}

	data, err := v.MarshalJSON()
	if err != nil {
		return nil, fromCUE(ErrCodeSchema, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, &LoadError{Code: ErrCodeParseFailed, Message: fmt.Sprintf("%s: %v", name, err)}
	}
	return &f, nil
}

// DecodeYAML decodes a YAML (or JSON) batch file.
func DecodeYAML(name string, src []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, &LoadError{Code: ErrCodeParseFailed, Message: fmt.Sprintf("%s: %v", name, err)}
	}
	return &f, nil
}

// Batch compiles the file's transactions.
func (f *File) Batch() (ir.Batch, error) {
	batch, err := effect.BuildBatch(f.Transactions)
	if err != nil {
		if ir.IsValidationError(err) {
			return nil, err
		}
		return nil, &LoadError{Code: ErrCodeInvalidTx, Message: err.Error()}
	}
	return batch, nil
}

// InitialState returns the file's accounts section as IR values.
func (f *File) InitialState() (map[ir.AccountKey]ir.IRValue, error) {
	out := make(map[ir.AccountKey]ir.IRValue, len(f.Accounts))
	for k, raw := range f.Accounts {
		v, err := ir.FromAny(raw)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeParseFailed, Message: fmt.Sprintf("accounts.%s: %v", k, err)}
		}
		out[ir.AccountKey(k)] = v
	}
	return out, nil
}

// fromCUE keeps the first CUE error and its position.
func fromCUE(code string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error()}
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		le.Pos = pos[0]
	}
	return le
}
