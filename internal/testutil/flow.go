package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator generates batch ids "<prefix>-1", "<prefix>-2", ...
//
// Unlike engine.FixedGenerator, which replays a given list, this generator
// only needs a prefix, so one instance can outlive an engine restart and
// keep numbering where it left off.
//
// Thread-safety: SequenceGenerator is safe for concurrent use.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix defaults to
// "batch".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "batch"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id.
//
// Implements engine.BatchIDGenerator.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
