package testutil

import (
	"fmt"
	"sync"
)

// SequenceTraceGenerator produces trace ids "<prefix>-0001", "<prefix>-0002", ...
//
// The same scenario run with a fresh SequenceTraceGenerator produces
// byte-identical audit trails, which golden files depend on.
//
// Thread-safety: SequenceTraceGenerator is safe for concurrent use.
type SequenceTraceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceTraceGenerator creates a generator. An empty prefix becomes "trace".
func NewSequenceTraceGenerator(prefix string) *SequenceTraceGenerator {
	if prefix == "" {
		prefix = "trace"
	}
	return &SequenceTraceGenerator{prefix: prefix}
}

// Generate returns the next id in the sequence.
func (g *SequenceTraceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *SequenceTraceGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
