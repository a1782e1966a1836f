package graph

import (
	"fmt"
	"strings"

	"github.com/roach88/synchrony/internal/ir"
)

// ConflictKind classifies how two transactions collide on one account.
type ConflictKind int

const (
	// RAW: the earlier transaction writes, the later one reads.
	RAW ConflictKind = iota + 1
	// WAW: both write.
	WAW
	// WAR: the earlier transaction reads, the later one writes.
	WAR
)

// String implements fmt.Stringer.
func (k ConflictKind) String() string {
	switch k {
	case RAW:
		return "RAW"
	case WAW:
		return "WAW"
	case WAR:
		return "WAR"
	default:
		return fmt.Sprintf("ConflictKind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k ConflictKind) MarshalText() ([]byte, error) {
	switch k {
	case RAW, WAW, WAR:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("invalid conflict kind %d", int(k))
	}
}

// UnmarshalText decodes a kind name.
func (k *ConflictKind) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "RAW":
		*k = RAW
	case "WAW":
		*k = WAW
	case "WAR":
		*k = WAR
	default:
		return fmt.Errorf("unknown conflict kind %q", text)
	}
	return nil
}

// Conflict is one conflicting access pattern between two transactions.
// TxA is always the transaction that executes first.
type Conflict struct {
	TxA     ir.TxID       `json:"tx_a"`
	TxB     ir.TxID       `json:"tx_b"`
	Account ir.AccountKey `json:"account"`
	Kind    ConflictKind  `json:"kind"`
}

// String renders the conflict as "WAW(t1, t2, alice)".
func (c Conflict) String() string {
	return fmt.Sprintf("%s(%s, %s, %s)", c.Kind, c.TxA, c.TxB, c.Account)
}

// Winner returns the transaction whose write survives a WAW conflict: the
// later one, since the earlier write is applied first. For other kinds it
// returns the empty id.
func (c Conflict) Winner() ir.TxID {
	if c.Kind == WAW {
		return c.TxB
	}
	return ""
}

// classify returns the conflicts between a (earlier) and b (later) on acct,
// in kind order.
func classify(a, b *ir.Transaction, acct ir.AccountKey) []ConflictKind {
	var kinds []ConflictKind
	aw, ar := a.Writes(acct), a.Reads(acct)
	bw, br := b.Writes(acct), b.Reads(acct)
	if aw && br {
		kinds = append(kinds, RAW)
	}
	if aw && bw {
		kinds = append(kinds, WAW)
	}
	if ar && bw {
		kinds = append(kinds, WAR)
	}
	return kinds
}

// Detect classifies every account on every edge of g. Output is ordered by
// source submission index, target submission index, account, then kind.
// Hint-only edges yield nothing.
//
// An edge claiming an account on which its endpoints do not conflict is a
// defect in graph construction and returns ConflictReportingError.
func Detect(g *Graph, batch ir.Batch) ([]Conflict, error) {
	txs := make(map[ir.TxID]*ir.Transaction, len(batch))
	for i := range batch {
		txs[batch[i].ID] = &batch[i]
	}

	var out []Conflict
	for _, e := range g.Edges() {
		if len(e.Accounts) == 0 {
			continue
		}
		a, b := txs[e.From], txs[e.To]
		if a == nil || b == nil {
			return nil, NewConflictReportingError(e.From, e.To, "", "edge endpoint not in batch")
		}
		for _, acct := range e.Accounts {
			kinds := classify(a, b, acct)
			if len(kinds) == 0 {
				return nil, NewConflictReportingError(e.From, e.To, acct, "no conflicting access on reported account")
			}
			for _, k := range kinds {
				out = append(out, Conflict{TxA: e.From, TxB: e.To, Account: acct, Kind: k})
			}
		}
	}
	return out, nil
}
