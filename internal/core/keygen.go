package core

import "sync"

// TempKeyGenerator hands out negative placeholder keys for identity-generated
// types. The counter only moves downwards and is never reset.
type TempKeyGenerator struct {
	mu   sync.Mutex
	next int64
}

// NewTempKeyGenerator starts a generator at -1.
func NewTempKeyGenerator() *TempKeyGenerator {
	return &TempKeyGenerator{next: -1}
}

// Next returns the next value not reported as in use.
func (g *TempKeyGenerator) Next(inUse func(int64) bool) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next >= 0 {
		g.next = -1
	}
	for {
		v := g.next
		g.next--
		if inUse == nil || !inUse(v) {
			return v
		}
	}
}
