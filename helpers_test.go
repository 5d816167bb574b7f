package imagerouter_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ir "github.com/ineyio/imagerouter"
	"github.com/ineyio/imagerouter/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingMeter keeps every event it sees.
type recordingMeter struct {
	mu          sync.Mutex
	routes      []ir.RouteEvent
	results     []ir.ResultEvent
	transitions []ir.TransitionEvent
}

func (m *recordingMeter) OnRoute(e ir.RouteEvent) {
	m.mu.Lock()
	m.routes = append(m.routes, e)
	m.mu.Unlock()
}

func (m *recordingMeter) OnResult(e ir.ResultEvent) {
	m.mu.Lock()
	m.results = append(m.results, e)
	m.mu.Unlock()
}

func (m *recordingMeter) OnTransition(e ir.TransitionEvent) {
	m.mu.Lock()
	m.transitions = append(m.transitions, e)
	m.mu.Unlock()
}

type poolFixture struct {
	pool  *ir.Pool
	store *store.MemoryStore
	clock *fakeClock
	ids   map[string]string // secret -> id
}

func newTestPool(t *testing.T, strategy ir.Strategy, limit int64, secrets []string, opts ...ir.PoolOption) *poolFixture {
	t.Helper()
	clock := newFakeClock(t0)
	s := store.NewMemoryStore()
	opts = append([]ir.PoolOption{ir.WithClock(clock), ir.WithPoolLogger(quiet)}, opts...)
	p, err := ir.NewPool(s, strategy, opts...)
	require.NoError(t, err)

	ids := make(map[string]string, len(secrets))
	records := make([]ir.TokenRecord, 0, len(secrets))
	for _, secret := range secrets {
		rec := ir.NewTokenRecord(secret, limit, 1, t0)
		ids[secret] = rec.ID
		records = append(records, rec)
	}
	require.NoError(t, p.Load(context.Background(), records))
	return &poolFixture{pool: p, store: s, clock: clock, ids: ids}
}

func (f *poolFixture) get(t *testing.T, secret string) ir.TokenRecord {
	t.Helper()
	rec, err := f.store.Get(context.Background(), f.ids[secret])
	require.NoError(t, err)
	rec.Normalize(f.clock.Now())
	return rec
}
