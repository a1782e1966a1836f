package effect

import (
	"errors"
	"fmt"
	"math"

	"github.com/roach88/synchrony/internal/ir"
)

// DomainError is a business failure raised by a running program: an
// insufficient balance, a failed requirement or an explicit fail op.
type DomainError struct {
	Step    int
	Kind    Kind
	Message string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	return fmt.Sprintf("step %d (%s): %s", e.Step, e.Kind, e.Message)
}

// IsDomainError reports whether err wraps a DomainError.
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// Compile validates ops and returns an effect that runs them in order.
// The effect is deterministic and only touches state through its accessor.
func Compile(ops []Op) (ir.Effect, error) {
	for i, o := range ops {
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("ops[%d]: %w", i, err)
		}
	}
	program := append([]Op(nil), ops...)
	return func(acc ir.Accessor) error {
		for i, o := range program {
			if err := apply(acc, i, o); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func apply(acc ir.Accessor, step int, o Op) error {
	fail := func(format string, args ...any) error {
		return &DomainError{Step: step, Kind: o.Kind, Message: fmt.Sprintf(format, args...)}
	}

	switch o.Kind {
	case KindSet:
		return acc.Set(o.Key, o.Value)

	case KindAdd:
		bal, err := balance(acc, o.Key)
		if err != nil {
			return err
		}
		sum, ok := addInt64(bal, o.Amount)
		if !ok {
			return fail("overflow adding %d to %s", o.Amount, o.Key)
		}
		return acc.Set(o.Key, ir.IRInt(sum))

	case KindTransfer:
		from, err := balance(acc, o.From)
		if err != nil {
			return err
		}
		if from < o.Amount {
			return fail("insufficient balance in %s: have %d, need %d", o.From, from, o.Amount)
		}
		to, err := balance(acc, o.To)
		if err != nil {
			return err
		}
		credited, ok := addInt64(to, o.Amount)
		if !ok {
			return fail("overflow crediting %s", o.To)
		}
		if err := acc.Set(o.From, ir.IRInt(from-o.Amount)); err != nil {
			return err
		}
		return acc.Set(o.To, ir.IRInt(credited))

	case KindDelete:
		return acc.Delete(o.Key)

	case KindCopy:
		v, ok, err := acc.Get(o.From)
		if err != nil {
			return err
		}
		if !ok {
			return fail("copy source %s does not exist", o.From)
		}
		return acc.Set(o.To, v)

	case KindRequire:
		v, ok, err := acc.Get(o.Key)
		if err != nil {
			return err
		}
		if !ok {
			return fail("required account %s does not exist", o.Key)
		}
		n, isInt := ir.AsInt(v)
		if !isInt {
			return fail("account %s is not an integer", o.Key)
		}
		if n < o.Min {
			return fail("account %s holds %d, below minimum %d", o.Key, n, o.Min)
		}
		return nil

	case KindFail:
		msg := o.Message
		if msg == "" {
			msg = "explicit failure"
		}
		return fail("%s", msg)
	}
	return fmt.Errorf("unknown op %q", o.Kind)
}

// balance reads key as an integer. A missing account is 0.
func balance(acc ir.Accessor, key ir.AccountKey) (int64, error) {
	v, ok, err := acc.Get(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, isInt := ir.AsInt(v)
	if !isInt {
		return 0, fmt.Errorf("account %s holds %s, not an integer", key, ir.Render(v))
	}
	return n, nil
}

func addInt64(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}
