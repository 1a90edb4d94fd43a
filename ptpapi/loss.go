package ptpapi

import (
	"sync"

	"golang.org/x/exp/rand"
)

// LossSimulator decides whether a segment is lost. Each call is an independent
// Bernoulli trial.
type LossSimulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewLossSimulator(seed uint64) *LossSimulator {
	return &LossSimulator{rng: rand.New(rand.NewSource(seed))}
}

// ShouldDrop returns true with probability p.
func (l *LossSimulator) ShouldDrop(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64() < p
}
