package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/synchrony/internal/commit"
	"github.com/roach88/synchrony/internal/effect"
	"github.com/roach88/synchrony/internal/engine"
)

// Scenario defines an end-to-end test: an initial state, batches submitted
// in order, and assertions on the final committed state.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Accounts is committed as a seed batch before the first batch.
	Accounts map[string]any `yaml:"accounts,omitempty"`

	// Batches are submitted in order. A failed batch does not stop the run.
	Batches []BatchStep `yaml:"batches"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`

	// Workers is the executor pool size. Defaults to 4.
	Workers int `yaml:"workers,omitempty"`

	// Verify is the linearizability check mode. Defaults to strict.
	Verify string `yaml:"verify,omitempty"`

	// BatchPrefix prefixes generated batch ids. Defaults to "b".
	BatchPrefix string `yaml:"batch_prefix,omitempty"`
}

// BatchStep is one submitted batch.
type BatchStep struct {
	Transactions []effect.TxSpec `yaml:"transactions"`

	// CrashAt simulates a process death at the given commit crash point.
	CrashAt string `yaml:"crash_at,omitempty"`

	// Expect validates the batch outcome. If nil the batch must commit.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies what should happen to a batch.
type ExpectClause struct {
	// Outcome is one of committed, rejected, invalid, rolled_back, crashed.
	Outcome string `yaml:"outcome"`

	// Levels, when set, must equal the schedule exactly.
	Levels [][]string `yaml:"levels,omitempty"`

	// Conflicts must each appear in the batch's conflict list, written as
	// "KIND(first, second, account)".
	Conflicts []string `yaml:"conflicts,omitempty"`

	// ErrorContains must be a substring of the batch error.
	ErrorContains string `yaml:"error_contains,omitempty"`
}

// Assertion validates the final state or the ledger.
type Assertion struct {
	// Type specifies the assertion type:
	// - "balance": Key holds Value
	// - "absent": Key does not exist
	// - "seq": the last committed seq equals Value
	// - "accounts": the state holds Value accounts
	// - "audit": the ledger holds Count audit rows of Kind
	// - "history": the ledger holds Count commits
	Type string `yaml:"type"`

	Key   string `yaml:"key,omitempty"`
	Value any    `yaml:"value,omitempty"`
	Kind  string `yaml:"kind,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertBalance  = "balance"
	AssertAbsent   = "absent"
	AssertSeq      = "seq"
	AssertAccounts = "accounts"
	AssertAudit    = "audit"
	AssertHistory  = "history"
)

var outcomes = []string{OutcomeCommitted, OutcomeRejected, OutcomeInvalid, OutcomeRolledBack, OutcomeCrashed}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Batches) == 0 {
		return fmt.Errorf("batches list is required and must be non-empty")
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers must be non-negative")
	}
	if _, err := engine.ParseVerifyMode(s.Verify); err != nil {
		return err
	}

	for i, b := range s.Batches {
		if b.CrashAt != "" && !slices.Contains(commit.CrashPoints, commit.CrashPoint(b.CrashAt)) {
			return fmt.Errorf("batches[%d]: unknown crash point %q", i, b.CrashAt)
		}
		if b.Expect == nil {
			continue
		}
		if !slices.Contains(outcomes, b.Expect.Outcome) {
			return fmt.Errorf("batches[%d].expect: unknown outcome %q", i, b.Expect.Outcome)
		}
		if b.CrashAt != "" && b.Expect.Outcome != OutcomeCrashed {
			return fmt.Errorf("batches[%d].expect: crash_at requires outcome %q", i, OutcomeCrashed)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertBalance:
		if a.Key == "" || a.Value == nil {
			return fmt.Errorf("assertions[%d]: key and value are required for balance", index)
		}
	case AssertAbsent:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for absent", index)
		}
	case AssertSeq, AssertAccounts:
		if _, ok := a.Value.(int); !ok {
			return fmt.Errorf("assertions[%d]: integer value is required for %s", index, a.Type)
		}
	case AssertAudit:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for audit", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertHistory:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
