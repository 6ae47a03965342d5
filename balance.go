package olfactoryreaction

import "math/rand/v2"

// BalancePool hands out reversed/normal orderings so that every batch of
// 2*count trials holds exactly count of each.
type BalancePool struct {
	count   int
	rng     *rand.Rand
	pending []bool
}

// NewBalancePool expects count > 0; Config.Validate rejects anything else.
func NewBalancePool(count int, rng *rand.Rand) *BalancePool {
	return &BalancePool{
		count:   count,
		rng:     rng,
		pending: make([]bool, 0, 2*count),
	}
}

// Draw returns true for a reversed trial.
func (p *BalancePool) Draw() bool {
	if len(p.pending) == 0 {
		p.refill()
	}
	last := len(p.pending) - 1
	reversed := p.pending[last]
	p.pending = p.pending[:last]
	return reversed
}

// Remaining is the number of draws left before the next refill.
func (p *BalancePool) Remaining() int {
	return len(p.pending)
}

func (p *BalancePool) refill() {
	for i := 0; i < p.count; i++ {
		p.pending = append(p.pending, true)
	}
	for i := 0; i < p.count; i++ {
		p.pending = append(p.pending, false)
	}
	p.rng.Shuffle(len(p.pending), func(i, j int) {
		p.pending[i], p.pending[j] = p.pending[j], p.pending[i]
	})
}
