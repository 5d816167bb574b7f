package imagerouter

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// StrategyName identifies a rotation strategy in configuration.
type StrategyName string

const (
	StrategyRoundRobin  StrategyName = "round_robin"
	StrategyLeastUsed   StrategyName = "least_used"
	StrategyLeastRecent StrategyName = "least_recent"
	StrategyWeighted    StrategyName = "weighted"
	StrategyHybrid      StrategyName = "hybrid"
)

// Strategy selects the next credential among eligible candidates.
// Candidates are non-empty and sorted by ID; implementations must not
// mutate them.
type Strategy interface {
	Name() StrategyName
	Select(candidates []TokenRecord, h History) (TokenRecord, error)
}

// History is the selection state persisted alongside the pool.
type History struct {
	// Cursor is the id last handed out by round-robin.
	Cursor string
}

// NewStrategy returns the strategy for name. src seeds the weighted
// strategy; nil uses a random seed.
func NewStrategy(name StrategyName, src rand.Source) (Strategy, error) {
	switch name {
	case StrategyRoundRobin:
		return RoundRobin{}, nil
	case StrategyLeastUsed:
		return LeastUsed{}, nil
	case StrategyLeastRecent:
		return LeastRecent{}, nil
	case StrategyWeighted:
		return NewWeighted(src), nil
	case StrategyHybrid, "":
		return Hybrid{}, nil
	default:
		return nil, fmt.Errorf("imagerouter: unknown strategy %q", name)
	}
}

// RoundRobin walks the candidates in ID order, starting after the cursor.
type RoundRobin struct{}

func (RoundRobin) Name() StrategyName { return StrategyRoundRobin }

func (RoundRobin) Select(candidates []TokenRecord, h History) (TokenRecord, error) {
	if len(candidates) == 0 {
		return TokenRecord{}, ErrPoolExhausted
	}
	for _, c := range candidates {
		if c.ID > h.Cursor {
			return c, nil
		}
	}
	return candidates[0], nil
}

// LeastUsed picks the smallest UsedToday.
type LeastUsed struct{}

func (LeastUsed) Name() StrategyName { return StrategyLeastUsed }

func (LeastUsed) Select(candidates []TokenRecord, _ History) (TokenRecord, error) {
	if len(candidates) == 0 {
		return TokenRecord{}, ErrPoolExhausted
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.UsedToday < best.UsedToday || (c.UsedToday == best.UsedToday && c.ID < best.ID) {
			best = c
		}
	}
	return best, nil
}

// LeastRecent picks the oldest LastUsedAt; never-used records come first.
type LeastRecent struct{}

func (LeastRecent) Name() StrategyName { return StrategyLeastRecent }

func (LeastRecent) Select(candidates []TokenRecord, _ History) (TokenRecord, error) {
	if len(candidates) == 0 {
		return TokenRecord{}, ErrPoolExhausted
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if usedBefore(c.LastUsedAt, best.LastUsedAt) || (c.LastUsedAt.Equal(best.LastUsedAt) && c.ID < best.ID) {
			best = c
		}
	}
	return best, nil
}

func usedBefore(a, b time.Time) bool {
	if a.IsZero() {
		return !b.IsZero()
	}
	if b.IsZero() {
		return false
	}
	return a.Before(b)
}

// Weighted samples candidates proportionally to Weight.
type Weighted struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewWeighted returns a weighted strategy drawing from src.
func NewWeighted(src rand.Source) *Weighted {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Weighted{rnd: rand.New(src)}
}

func (*Weighted) Name() StrategyName { return StrategyWeighted }

func (w *Weighted) Select(candidates []TokenRecord, _ History) (TokenRecord, error) {
	if len(candidates) == 0 {
		return TokenRecord{}, ErrPoolExhausted
	}
	total := 0.0
	for _, c := range candidates {
		total += weightOf(c)
	}

	w.mu.Lock()
	r := w.rnd.Float64() * total
	w.mu.Unlock()

	for _, c := range candidates {
		r -= weightOf(c)
		if r < 0 {
			return c, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

func weightOf(r TokenRecord) float64 {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}

// Hybrid prefers healthy records (no consecutive failures) by least use and
// falls back to least recent use over everything when none are healthy.
type Hybrid struct{}

func (Hybrid) Name() StrategyName { return StrategyHybrid }

func (Hybrid) Select(candidates []TokenRecord, h History) (TokenRecord, error) {
	if len(candidates) == 0 {
		return TokenRecord{}, ErrPoolExhausted
	}
	var healthy []TokenRecord
	for _, c := range candidates {
		if c.ConsecutiveFailures == 0 {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) > 0 {
		return LeastUsed{}.Select(healthy, h)
	}
	return LeastRecent{}.Select(candidates, h)
}
