package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator hands out predictable instance uuids:
// "<prefix>-0001", "<prefix>-0002", ...
//
// The same scenario run with a fresh SequenceGenerator produces identical
// uuids, which keeps golden files stable.
//
// Thread-safety: safe for concurrent use.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix uses "test".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "test"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next uuid.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Reset starts the sequence over.
func (g *SequenceGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
