package effect

import (
	"fmt"
	"slices"

	"github.com/roach88/synchrony/internal/ir"
)

// Kind names an operation.
type Kind string

const (
	KindSet      Kind = "set"
	KindAdd      Kind = "add"
	KindTransfer Kind = "transfer"
	KindDelete   Kind = "delete"
	KindCopy     Kind = "copy"
	KindRequire  Kind = "require"
	KindFail     Kind = "fail"
)

var kinds = []Kind{KindSet, KindAdd, KindTransfer, KindDelete, KindCopy, KindRequire, KindFail}

// Op is one step of an effect program.
//
// Fields used per kind:
//
//	set       key, value
//	add       key, amount (may be negative; missing account counts as 0)
//	transfer  from, to, amount (> 0)
//	delete    key
//	copy      from, to
//	require   key, min (account must exist, hold an int and be >= min)
//	fail      message
type Op struct {
	Kind    Kind
	Key     ir.AccountKey
	From    ir.AccountKey
	To      ir.AccountKey
	Amount  int64
	Min     int64
	Value   ir.IRValue
	Message string
}

// Validate checks that the op carries the fields its kind needs.
func (o Op) Validate() error {
	switch o.Kind {
	case KindSet:
		if o.Key == "" {
			return fmt.Errorf("set: missing key")
		}
		if o.Value == nil {
			return fmt.Errorf("set %s: missing value", o.Key)
		}
		if _, isNull := o.Value.(ir.IRNull); isNull {
			return fmt.Errorf("set %s: null value", o.Key)
		}
	case KindAdd:
		if o.Key == "" {
			return fmt.Errorf("add: missing key")
		}
	case KindTransfer:
		if o.From == "" || o.To == "" {
			return fmt.Errorf("transfer: missing from/to")
		}
		if o.From == o.To {
			return fmt.Errorf("transfer: from and to are both %s", o.From)
		}
		if o.Amount <= 0 {
			return fmt.Errorf("transfer %s -> %s: amount must be positive, got %d", o.From, o.To, o.Amount)
		}
	case KindDelete:
		if o.Key == "" {
			return fmt.Errorf("delete: missing key")
		}
	case KindCopy:
		if o.From == "" || o.To == "" {
			return fmt.Errorf("copy: missing from/to")
		}
	case KindRequire:
		if o.Key == "" {
			return fmt.Errorf("require: missing key")
		}
	case KindFail:
	default:
		return fmt.Errorf("unknown op %q", o.Kind)
	}
	return nil
}

// Footprint returns the accounts op reads and writes. Accounts that are
// written are not repeated in reads since write-set keys are readable.
func (o Op) Footprint() (reads, writes []ir.AccountKey) {
	switch o.Kind {
	case KindSet, KindAdd, KindDelete:
		return nil, []ir.AccountKey{o.Key}
	case KindTransfer:
		return nil, []ir.AccountKey{o.From, o.To}
	case KindCopy:
		return []ir.AccountKey{o.From}, []ir.AccountKey{o.To}
	case KindRequire:
		return []ir.AccountKey{o.Key}, nil
	}
	return nil, nil
}

// Infer derives a minimal declared footprint for a program.
func Infer(ops []Op) (reads, writes ir.KeySet) {
	reads, writes = ir.NewKeySet(), ir.NewKeySet()
	for _, o := range ops {
		r, w := o.Footprint()
		for _, k := range w {
			writes[k] = struct{}{}
		}
		for _, k := range r {
			reads[k] = struct{}{}
		}
	}
	for k := range writes {
		delete(reads, k)
	}
	return reads, writes
}

// ToIR encodes op as an IR object with only the fields its kind uses.
func (o Op) ToIR() ir.IRObject {
	obj := ir.IRObject{"op": ir.IRString(o.Kind)}
	switch o.Kind {
	case KindSet:
		obj["key"] = ir.IRString(o.Key)
		obj["value"] = o.Value
	case KindAdd:
		obj["key"] = ir.IRString(o.Key)
		obj["amount"] = ir.IRInt(o.Amount)
	case KindTransfer:
		obj["from"] = ir.IRString(o.From)
		obj["to"] = ir.IRString(o.To)
		obj["amount"] = ir.IRInt(o.Amount)
	case KindDelete:
		obj["key"] = ir.IRString(o.Key)
	case KindCopy:
		obj["from"] = ir.IRString(o.From)
		obj["to"] = ir.IRString(o.To)
	case KindRequire:
		obj["key"] = ir.IRString(o.Key)
		obj["min"] = ir.IRInt(o.Min)
	case KindFail:
		if o.Message != "" {
			obj["message"] = ir.IRString(o.Message)
		}
	}
	return obj
}

// ProgramToIR encodes a whole program.
func ProgramToIR(ops []Op) ir.IRArray {
	out := make(ir.IRArray, len(ops))
	for i, o := range ops {
		out[i] = o.ToIR()
	}
	return out
}

// ParseOp decodes an op from its IR object form.
func ParseOp(v ir.IRValue) (Op, error) {
	obj, ok := v.(ir.IRObject)
	if !ok {
		return Op{}, fmt.Errorf("op must be an object, got %T", v)
	}
	kindVal, ok := obj["op"].(ir.IRString)
	if !ok {
		return Op{}, fmt.Errorf("op: missing or non-string \"op\" field")
	}
	o := Op{Kind: Kind(kindVal)}
	if !slices.Contains(kinds, o.Kind) {
		return Op{}, fmt.Errorf("unknown op %q", o.Kind)
	}

	for _, field := range obj.SortedKeys() {
		val := obj[field]
		var err error
		switch field {
		case "op":
		case "key":
			o.Key, err = accountField(field, val)
		case "from":
			o.From, err = accountField(field, val)
		case "to":
			o.To, err = accountField(field, val)
		case "amount":
			o.Amount, err = intField(field, val)
		case "min":
			o.Min, err = intField(field, val)
		case "value":
			o.Value = val
		case "message":
			s, ok := val.(ir.IRString)
			if !ok {
				err = fmt.Errorf("message must be a string")
			}
			o.Message = string(s)
		default:
			err = fmt.Errorf("unknown field %q", field)
		}
		if err != nil {
			return Op{}, fmt.Errorf("op %s: %w", o.Kind, err)
		}
	}
	if err := o.Validate(); err != nil {
		return Op{}, err
	}
	return o, nil
}

// ParseProgram decodes every op of a program.
func ParseProgram(arr ir.IRArray) ([]Op, error) {
	ops := make([]Op, len(arr))
	for i, v := range arr {
		o, err := ParseOp(v)
		if err != nil {
			return nil, fmt.Errorf("ops[%d]: %w", i, err)
		}
		ops[i] = o
	}
	return ops, nil
}

func accountField(name string, v ir.IRValue) (ir.AccountKey, error) {
	s, ok := v.(ir.IRString)
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string", name)
	}
	return ir.AccountKey(s), nil
}

func intField(name string, v ir.IRValue) (int64, error) {
	n, ok := v.(ir.IRInt)
	if !ok {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return int64(n), nil
}
