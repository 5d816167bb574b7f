package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/imagerouter"
	"github.com/ineyio/imagerouter/store"
)

var day = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestMemoryStore_LoadAndGet(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	rec := imagerouter.NewTokenRecord("secret-a", 10, 1, day)
	require.NoError(t, s.Load(ctx, []imagerouter.TokenRecord{rec}))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Empty(t, got.Secret, "secrets must not be stored")
	assert.Equal(t, int64(0), got.Version)

	_, err = s.Get(ctx, "sso-missing")
	assert.ErrorIs(t, err, imagerouter.ErrNotFound)
}

func TestMemoryStore_ReloadKeepsState(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	a := imagerouter.NewTokenRecord("secret-a", 10, 1, day)
	b := imagerouter.NewTokenRecord("secret-b", 10, 1, day)
	require.NoError(t, s.Load(ctx, []imagerouter.TokenRecord{a, b}))

	cur, _ := s.Get(ctx, a.ID)
	cur.UsedToday = 7
	ok, err := s.CompareAndSwap(ctx, a.ID, cur.Version, cur)
	require.NoError(t, err)
	require.True(t, ok)

	a.DailyLimit = 20
	require.NoError(t, s.Load(ctx, []imagerouter.TokenRecord{a}))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UsedToday)
	assert.Equal(t, int64(20), got.DailyLimit)

	_, err = s.Get(ctx, b.ID)
	assert.ErrorIs(t, err, imagerouter.ErrNotFound)
}

func TestMemoryStore_CompareAndSwapConflict(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	rec := imagerouter.NewTokenRecord("secret-a", 10, 1, day)
	require.NoError(t, s.Load(ctx, []imagerouter.TokenRecord{rec}))

	ok, err := s.CompareAndSwap(ctx, rec.ID, 0, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, rec.ID, 0, rec)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must conflict")

	got, _ := s.Get(ctx, rec.ID)
	assert.Equal(t, int64(1), got.Version)

	_, err = s.CompareAndSwap(ctx, "sso-missing", 0, rec)
	assert.ErrorIs(t, err, imagerouter.ErrNotFound)
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	rec := imagerouter.NewTokenRecord("secret-a", 0, 1, day)
	require.NoError(t, s.Load(ctx, []imagerouter.TokenRecord{rec}))

	var wg sync.WaitGroup
	var conflicts atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cur, err := s.Get(ctx, rec.ID)
				if err != nil {
					return
				}
				cur.UsedToday++
				ok, _ := s.CompareAndSwap(ctx, rec.ID, cur.Version, cur)
				if ok {
					return
				}
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, rec.ID)
	assert.Equal(t, int64(50), got.UsedToday)
	assert.Equal(t, int64(50), got.Version)
}

func TestMemoryStore_ListEligibleSorted(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	var records []imagerouter.TokenRecord
	for _, secret := range []string{"one", "two", "three", "four"} {
		records = append(records, imagerouter.NewTokenRecord(secret, 5, 1, day))
	}
	require.NoError(t, s.Load(ctx, records))

	all, err := s.ListEligible(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}

	skip := all[0].ID
	some, err := s.ListEligible(ctx, func(r imagerouter.TokenRecord) bool { return r.ID != skip })
	require.NoError(t, err)
	assert.Len(t, some, 3)
}

func TestMemoryStore_Cursor(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, imagerouter.Cursor{}, c)

	ok, err := s.AdvanceCursor(ctx, 0, "sso-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AdvanceCursor(ctx, 0, "sso-b")
	require.NoError(t, err)
	assert.False(t, ok)

	c, _ = s.Cursor(ctx)
	assert.Equal(t, imagerouter.Cursor{Position: "sso-a", Version: 1}, c)
}

func TestMemoryStore_ReaddedTokenKeepsVersionMonotonic(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	a := imagerouter.NewTokenRecord("secret-a", 10, 1, day)
	require.NoError(t, s.Load(ctx, []imagerouter.TokenRecord{a}))

	stale, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	stale.UsedToday = 9

	require.NoError(t, s.Load(ctx, nil))
	require.NoError(t, s.Load(ctx, []imagerouter.TokenRecord{a}))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Greater(t, got.Version, stale.Version)

	ok, err := s.CompareAndSwap(ctx, a.ID, stale.Version, stale)
	require.NoError(t, err)
	assert.False(t, ok, "a version read before removal must not match the re-added record")

	got, _ = s.Get(ctx, a.ID)
	assert.Equal(t, int64(0), got.UsedToday)
}
