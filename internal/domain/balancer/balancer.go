// Package balancer selects one live instance for a submission. Each policy
// is a pure function of the candidate list at call time (plus its own RNG or
// counter state).
package balancer

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"muse/internal/domain/instance"
)

// Policy names accepted by New.
const (
	PolicyBestWaitIdle = "BestWaitIdle"
	PolicyRoundRobin   = "RoundRobin"
	PolicyRandom       = "Random"
	PolicyWeight       = "Weight"
)

// Chooser picks one instance from a candidate list. Implementations return
// nil on empty input and never mutate the list.
type Chooser interface {
	Choose(candidates []*instance.Runtime) *instance.Runtime
}

// New builds the chooser for a policy name.
func New(policy string) (Chooser, error) {
	switch policy {
	case PolicyBestWaitIdle, "":
		return NewBestWaitIdle(), nil
	case PolicyRoundRobin:
		return NewRoundRobin(), nil
	case PolicyRandom:
		return NewRandom(), nil
	case PolicyWeight:
		return NewWeight(), nil
	default:
		return nil, fmt.Errorf("unknown balancer policy %q", policy)
	}
}

// BestWaitIdle prefers the instance with the most free execution slots and,
// when every instance is saturated, the one with the lowest load ratio
// (running + queued, normalized by concurrency).
type BestWaitIdle struct{}

func NewBestWaitIdle() *BestWaitIdle {
	return &BestWaitIdle{}
}

func (b *BestWaitIdle) Choose(candidates []*instance.Runtime) *instance.Runtime {
	if len(candidates) == 0 {
		return nil
	}

	var best *instance.Runtime
	bestFree := 0
	for _, r := range candidates {
		free := r.Account().EffectiveCoreSize() - r.FutureLen()
		if free > bestFree {
			best, bestFree = r, free
		}
	}
	if best != nil {
		return best
	}

	// Everyone is saturated: pick the smallest backlog per slot.
	best = candidates[0]
	bestLoad := load(best)
	for _, r := range candidates[1:] {
		if l := load(r); l < bestLoad {
			best, bestLoad = r, l
		}
	}
	return best
}

func load(r *instance.Runtime) float64 {
	return float64(r.FutureLen()+r.QueueLen()) / float64(r.Account().EffectiveCoreSize())
}

// RoundRobin cycles through the candidate list with a monotonic counter.
// The counter is process-local and starts before the first element.
type RoundRobin struct {
	pos atomic.Int64
}

func NewRoundRobin() *RoundRobin {
	rr := &RoundRobin{}
	rr.pos.Store(-1)
	return rr
}

func (b *RoundRobin) Choose(candidates []*instance.Runtime) *instance.Runtime {
	if len(candidates) == 0 {
		return nil
	}
	p := b.pos.Add(1)
	return candidates[p%int64(len(candidates))]
}

// Random picks uniformly.
type Random struct {
	intN func(int) int
}

func NewRandom() *Random {
	return &Random{intN: rand.IntN}
}

func (b *Random) Choose(candidates []*instance.Runtime) *instance.Runtime {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[b.intN(len(candidates))]
}

// Weight samples proportionally to each account's weight. Instances with
// weight zero are never chosen unless every weight is zero, in which case the
// pick degrades to uniform.
type Weight struct {
	intN func(int) int
}

func NewWeight() *Weight {
	return &Weight{intN: rand.IntN}
}

func (b *Weight) Choose(candidates []*instance.Runtime) *instance.Runtime {
	if len(candidates) == 0 {
		return nil
	}
	total := 0
	for _, r := range candidates {
		total += r.Account().Weight
	}
	if total <= 0 {
		return candidates[b.intN(len(candidates))]
	}
	r := b.intN(total)
	cum := 0
	for _, c := range candidates {
		cum += c.Account().Weight
		if cum > r {
			return c
		}
	}
	return candidates[len(candidates)-1]
}
