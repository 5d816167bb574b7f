package imagerouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultStoreRetries = 16

// Pool hands out credentials from a TokenStore and records their outcomes.
// All state lives in the store; the pool itself only keeps the secrets,
// which are per-instance configuration and never leave the process.
type Pool struct {
	store        TokenStore
	strategy     Strategy
	clock        Clock
	health       HealthPolicy
	meter        Meter
	logger       *slog.Logger
	storeRetries int

	mu      sync.RWMutex
	secrets map[string]string
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithClock sets the clock used for quota days and cooldowns.
func WithClock(c Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// WithHealthPolicy sets cooldown and ban parameters.
func WithHealthPolicy(h HealthPolicy) PoolOption {
	return func(p *Pool) { p.health = h }
}

// WithPoolMeter sets the meter notified of status transitions.
func WithPoolMeter(m Meter) PoolOption {
	return func(p *Pool) { p.meter = m }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithStoreRetries bounds compare-and-swap retries per operation.
func WithStoreRetries(n int) PoolOption {
	return func(p *Pool) { p.storeRetries = n }
}

// NewPool creates a Pool over store using strategy.
func NewPool(store TokenStore, strategy Strategy, opts ...PoolOption) (*Pool, error) {
	if store == nil {
		return nil, fmt.Errorf("imagerouter: token store is required")
	}
	if strategy == nil {
		return nil, fmt.Errorf("imagerouter: rotation strategy is required")
	}
	p := &Pool{
		store:    store,
		strategy: strategy,
		secrets:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = SystemClock{}
	}
	if p.meter == nil {
		p.meter = noopMeter{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.storeRetries <= 0 {
		p.storeRetries = defaultStoreRetries
	}
	p.health = p.health.withDefaults()
	return p, nil
}

// Strategy returns the configured rotation strategy.
func (p *Pool) Strategy() Strategy { return p.strategy }

// Load installs records (typically from configuration). Records already in
// the store keep their runtime state; missing ones are removed.
func (p *Pool) Load(ctx context.Context, records []TokenRecord) error {
	next := make(map[string]string, len(records))
	stripped := make([]TokenRecord, 0, len(records))
	for _, r := range records {
		if _, dup := next[r.ID]; dup {
			return fmt.Errorf("imagerouter: duplicate token id %q", r.ID)
		}
		next[r.ID] = r.Secret
		r.Secret = ""
		stripped = append(stripped, r)
	}

	// Publish new secrets before the store can hand out their ids.
	p.mu.Lock()
	for id, s := range next {
		p.secrets[id] = s
	}
	p.mu.Unlock()

	if err := p.store.Load(ctx, stripped); err != nil {
		return fmt.Errorf("imagerouter: load tokens: %w", err)
	}

	p.mu.Lock()
	p.secrets = next
	p.mu.Unlock()

	p.logger.Info("tokens loaded", "count", len(records), "strategy", p.strategy.Name())
	return nil
}

// Acquire selects an eligible credential not in exclude and charges one use
// against its daily quota before returning it. Round-robin advances its
// cursor to the selected credential.
func (p *Pool) Acquire(ctx context.Context, exclude map[string]struct{}) (TokenRecord, error) {
	return p.acquire(ctx, exclude, true)
}

// AcquireNext is Acquire for the fallback attempts of a request: round-robin
// selects from the current cursor without moving it.
func (p *Pool) AcquireNext(ctx context.Context, exclude map[string]struct{}) (TokenRecord, error) {
	return p.acquire(ctx, exclude, false)
}

func (p *Pool) acquire(ctx context.Context, exclude map[string]struct{}, advance bool) (TokenRecord, error) {
	budget := p.storeRetries
	roundRobin := p.strategy.Name() == StrategyRoundRobin

	for budget > 0 {
		now := p.clock.Now()
		raw, err := p.store.ListEligible(ctx, func(r TokenRecord) bool {
			if _, skip := exclude[r.ID]; skip {
				return false
			}
			// Another instance may have loaded ids this one has no secret for.
			if !p.hasSecret(r.ID) {
				return false
			}
			r.Normalize(now)
			return r.Eligible()
		})
		if err != nil {
			return TokenRecord{}, fmt.Errorf("imagerouter: list tokens: %w", err)
		}
		if len(raw) == 0 {
			return TokenRecord{}, ErrPoolExhausted
		}

		candidates := make([]TokenRecord, len(raw))
		byID := make(map[string]TokenRecord, len(raw))
		for i, r := range raw {
			byID[r.ID] = r
			r.Normalize(now)
			candidates[i] = r
		}

		var cursor Cursor
		if roundRobin {
			if cursor, err = p.store.Cursor(ctx); err != nil {
				return TokenRecord{}, fmt.Errorf("imagerouter: read cursor: %w", err)
			}
		}

		pick, err := p.strategy.Select(candidates, History{Cursor: cursor.Position})
		if err != nil {
			return TokenRecord{}, err
		}

		if roundRobin && advance {
			ok, err := p.store.AdvanceCursor(ctx, cursor.Version, pick.ID)
			if err != nil {
				return TokenRecord{}, fmt.Errorf("imagerouter: advance cursor: %w", err)
			}
			if !ok {
				budget--
				continue
			}
		}

		rec, charged, err := p.charge(ctx, byID[pick.ID], &budget)
		if err != nil {
			return TokenRecord{}, err
		}
		if charged {
			return rec, nil
		}
		budget--
	}
	return TokenRecord{}, ErrStoreConflict
}

// AcquireToken charges the credential id directly, bypassing rotation.
// It fails with ErrPoolExhausted when id is not currently eligible.
func (p *Pool) AcquireToken(ctx context.Context, id string) (TokenRecord, error) {
	budget := p.storeRetries
	cur, err := p.store.Get(ctx, id)
	if err != nil {
		return TokenRecord{}, err
	}
	if !p.hasSecret(id) {
		return TokenRecord{}, ErrPoolExhausted
	}
	rec, charged, err := p.charge(ctx, cur, &budget)
	switch {
	case err != nil:
		return TokenRecord{}, err
	case charged:
		return rec, nil
	case budget > 0:
		return TokenRecord{}, ErrPoolExhausted
	default:
		return TokenRecord{}, ErrStoreConflict
	}
}

// charge debits one use from cur. It re-reads and retries on conflict while
// the record stays eligible; charged=false asks the caller to reselect.
func (p *Pool) charge(ctx context.Context, cur TokenRecord, budget *int) (TokenRecord, bool, error) {
	id := cur.ID
	for *budget > 0 {
		now := p.clock.Now()
		next := cur
		next.Normalize(now)
		if !next.Eligible() || !p.hasSecret(id) {
			return TokenRecord{}, false, nil
		}
		next.UsedToday++
		next.LastUsedAt = now
		reason := ""
		if next.overLimit() {
			next.Status = StatusExhausted
			reason = "daily limit reached"
		}

		ok, err := p.store.CompareAndSwap(ctx, id, cur.Version, next)
		if err != nil {
			return TokenRecord{}, false, fmt.Errorf("imagerouter: charge %s: %w", id, err)
		}
		if ok {
			next.Version = cur.Version + 1
			p.noteTransition(cur, next, reason)
			return p.withSecret(next), true, nil
		}

		*budget--
		cur, err = p.store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return TokenRecord{}, false, nil
		}
		if err != nil {
			return TokenRecord{}, false, fmt.Errorf("imagerouter: charge %s: %w", id, err)
		}
	}
	return TokenRecord{}, false, nil
}

// ReportSuccess records a successful call made with id.
func (p *Pool) ReportSuccess(ctx context.Context, id string) error {
	return p.update(ctx, id, func(r *TokenRecord, now time.Time) string {
		return applySuccess(r, now)
	})
}

// ReportFailure records a failed call made with id and applies the
// cooldown/ban transitions for kind.
func (p *Pool) ReportFailure(ctx context.Context, id string, kind ErrorKind) error {
	return p.update(ctx, id, func(r *TokenRecord, now time.Time) string {
		return p.health.applyFailure(r, kind, now)
	})
}

// Unban returns a banned credential to service. Other statuses are untouched.
func (p *Pool) Unban(ctx context.Context, id string) error {
	return p.update(ctx, id, func(r *TokenRecord, now time.Time) string {
		if r.Status != StatusBanned {
			return ""
		}
		r.Status = StatusActive
		r.ConsecutiveFailures = 0
		r.Normalize(now)
		return "operator unban"
	})
}

// MarkAgeVerified records that the credential id passed age verification.
func (p *Pool) MarkAgeVerified(ctx context.Context, id string) error {
	return p.update(ctx, id, func(r *TokenRecord, _ time.Time) string {
		r.AgeVerified = true
		return ""
	})
}

// Snapshot returns every record as of now, without secrets.
func (p *Pool) Snapshot(ctx context.Context) ([]TokenRecord, error) {
	records, err := p.store.ListEligible(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("imagerouter: snapshot: %w", err)
	}
	now := p.clock.Now()
	for i := range records {
		records[i].Normalize(now)
		records[i].Secret = ""
	}
	return records, nil
}

func (p *Pool) update(ctx context.Context, id string, mutate func(*TokenRecord, time.Time) string) error {
	for try := 0; try < p.storeRetries; try++ {
		cur, err := p.store.Get(ctx, id)
		if err != nil {
			return err
		}
		now := p.clock.Now()
		next := cur
		next.Normalize(now)
		reason := mutate(&next, now)

		ok, err := p.store.CompareAndSwap(ctx, id, cur.Version, next)
		if err != nil {
			return fmt.Errorf("imagerouter: update %s: %w", id, err)
		}
		if ok {
			p.noteTransition(cur, next, reason)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrStoreConflict, id)
}

func (p *Pool) noteTransition(from, to TokenRecord, reason string) {
	if from.Status == to.Status {
		return
	}
	if reason == "" {
		reason = "expired"
	}
	p.logger.Info("token status changed",
		"token", to.ID,
		"from", from.Status,
		"to", to.Status,
		"reason", reason,
		"consecutive_failures", to.ConsecutiveFailures,
	)
	p.meter.OnTransition(TransitionEvent{
		TokenID:       to.ID,
		From:          from.Status,
		To:            to.Status,
		CooldownUntil: to.CooldownUntil,
		Reason:        reason,
	})
}

func (p *Pool) hasSecret(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.secrets[id] != ""
}

func (p *Pool) withSecret(r TokenRecord) TokenRecord {
	p.mu.RLock()
	r.Secret = p.secrets[r.ID]
	p.mu.RUnlock()
	return r
}
