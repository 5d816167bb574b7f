// Package redis provides a Redis-backed TokenStore for imagerouter.
//
// Each record is a hash holding a version counter and the JSON-encoded record.
// Swaps run as Lua scripts so that concurrent gateway instances sharing one
// Redis never lose an update.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/imagerouter"
)

// Store is a Redis-backed TokenStore.
type Store struct {
	client     goredis.UniversalClient
	keyPrefix  string
	maxRetries int
}

var _ imagerouter.TokenStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "imagerouter:"). Keys are
// written as "{prefix}..." so that every key of one store shares a cluster
// hash slot.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithMaxRetries bounds the merge retries performed by Load (default 16).
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// New creates a new Redis-backed TokenStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  "imagerouter:",
		maxRetries: 16,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(suffix string) string  { return "{" + s.keyPrefix + "}" + suffix }
func (s *Store) tokenKey(id string) string { return s.key("token:" + id) }
func (s *Store) idsKey() string            { return s.key("ids") }
func (s *Store) cursorKey() string         { return s.key("cursor") }

// createScript inserts a record only when absent.
// KEYS[1] = token hash key
// KEYS[2] = id set key
// ARGV[1] = id
// ARGV[2] = data (JSON)
//
// Returns 1 when created, 0 when the record already exists.
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "version", "0", "data", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

// casScript swaps the record data when the version matches.
// KEYS[1] = token hash key
// ARGV[1] = expected version
// ARGV[2] = data (JSON)
//
// Returns:
//
//	1  = swapped
//	0  = version conflict
//	-1 = record not found
var casScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
local version = tonumber(redis.call("HGET", KEYS[1], "version") or "0")
if version ~= tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", KEYS[1], "version", tostring(version + 1), "data", ARGV[2])
return 1
`)

// cursorScript advances the round-robin cursor when the version matches.
// KEYS[1] = cursor hash key
// ARGV[1] = expected version
// ARGV[2] = position
var cursorScript = goredis.NewScript(`
local version = tonumber(redis.call("HGET", KEYS[1], "version") or "0")
if version ~= tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", KEYS[1], "version", tostring(version + 1), "position", ARGV[2])
return 1
`)

// removeScript deletes a record and its id set membership.
// KEYS[1] = token hash key
// KEYS[2] = id set key
// ARGV[1] = id
var removeScript = goredis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return 1
`)

// Load creates new records, merges configuration into existing ones and
// removes ids that are no longer configured.
func (s *Store) Load(ctx context.Context, records []imagerouter.TokenRecord) error {
	keep := make(map[string]bool, len(records))
	for _, r := range records {
		if keep[r.ID] {
			return fmt.Errorf("imagerouter/redis: duplicate token id %q", r.ID)
		}
		keep[r.ID] = true
		if err := s.upsert(ctx, r); err != nil {
			return err
		}
	}

	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return fmt.Errorf("imagerouter/redis: list ids: %w", err)
	}
	for _, id := range ids {
		if keep[id] {
			continue
		}
		if err := removeScript.Run(ctx, s.client, []string{s.tokenKey(id), s.idsKey()}, id).Err(); err != nil {
			return fmt.Errorf("imagerouter/redis: remove %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, r imagerouter.TokenRecord) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	for try := 0; try < s.maxRetries; try++ {
		created, err := createScript.Run(ctx, s.client,
			[]string{s.tokenKey(r.ID), s.idsKey()},
			r.ID, data,
		).Int64()
		if err != nil {
			return fmt.Errorf("imagerouter/redis: create %s: %w", r.ID, err)
		}
		if created == 1 {
			return nil
		}

		cur, err := s.Get(ctx, r.ID)
		if errors.Is(err, imagerouter.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		ok, err := s.CompareAndSwap(ctx, r.ID, cur.Version, imagerouter.MergeConfig(cur, r))
		if err != nil && !errors.Is(err, imagerouter.ErrNotFound) {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: load %s", imagerouter.ErrStoreConflict, r.ID)
}

// Get returns the record for id.
func (s *Store) Get(ctx context.Context, id string) (imagerouter.TokenRecord, error) {
	vals, err := s.client.HMGet(ctx, s.tokenKey(id), "version", "data").Result()
	if err != nil {
		return imagerouter.TokenRecord{}, fmt.Errorf("imagerouter/redis: get %s: %w", id, err)
	}
	r, ok, err := decode(vals)
	if err != nil {
		return imagerouter.TokenRecord{}, fmt.Errorf("imagerouter/redis: get %s: %w", id, err)
	}
	if !ok {
		return imagerouter.TokenRecord{}, fmt.Errorf("%w: %s", imagerouter.ErrNotFound, id)
	}
	return r, nil
}

// CompareAndSwap stores next when the stored version equals expectedVersion.
func (s *Store) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, next imagerouter.TokenRecord) (bool, error) {
	next.ID = id
	data, err := encode(next)
	if err != nil {
		return false, err
	}
	result, err := casScript.Run(ctx, s.client, []string{s.tokenKey(id)}, expectedVersion, data).Int64()
	if err != nil {
		return false, fmt.Errorf("imagerouter/redis: swap %s: %w", id, err)
	}
	switch result {
	case 1:
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, fmt.Errorf("%w: %s", imagerouter.ErrNotFound, id)
	default:
		return false, fmt.Errorf("imagerouter/redis: unexpected swap result: %d", result)
	}
}

// ListEligible returns the records accepted by keep, sorted by ID.
func (s *Store) ListEligible(ctx context.Context, keep func(imagerouter.TokenRecord) bool) ([]imagerouter.TokenRecord, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("imagerouter/redis: list ids: %w", err)
	}

	cmds := make([]*goredis.SliceCmd, len(ids))
	pipe := s.client.Pipeline()
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.tokenKey(id), "version", "data")
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("imagerouter/redis: list: %w", err)
		}
	}

	out := make([]imagerouter.TokenRecord, 0, len(ids))
	for i, cmd := range cmds {
		r, ok, err := decode(cmd.Val())
		if err != nil {
			return nil, fmt.Errorf("imagerouter/redis: list %s: %w", ids[i], err)
		}
		// Removed between SMEMBERS and HMGET.
		if !ok {
			continue
		}
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Cursor returns the round-robin position.
func (s *Store) Cursor(ctx context.Context) (imagerouter.Cursor, error) {
	vals, err := s.client.HMGet(ctx, s.cursorKey(), "version", "position").Result()
	if err != nil {
		return imagerouter.Cursor{}, fmt.Errorf("imagerouter/redis: cursor: %w", err)
	}
	var c imagerouter.Cursor
	if v, ok := vals[0].(string); ok {
		c.Version, _ = strconv.ParseInt(v, 10, 64)
	}
	if p, ok := vals[1].(string); ok {
		c.Position = p
	}
	return c, nil
}

// AdvanceCursor moves the round-robin position when expectedVersion matches.
func (s *Store) AdvanceCursor(ctx context.Context, expectedVersion int64, position string) (bool, error) {
	result, err := cursorScript.Run(ctx, s.client, []string{s.cursorKey()}, expectedVersion, position).Int64()
	if err != nil {
		return false, fmt.Errorf("imagerouter/redis: advance cursor: %w", err)
	}
	return result == 1, nil
}

func encode(r imagerouter.TokenRecord) (string, error) {
	r.Secret = ""
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("imagerouter/redis: encode %s: %w", r.ID, err)
	}
	return string(b), nil
}

// decode turns an HMGET(version, data) reply into a record. ok is false when
// the hash does not exist.
func decode(vals []interface{}) (imagerouter.TokenRecord, bool, error) {
	if len(vals) != 2 || vals[1] == nil {
		return imagerouter.TokenRecord{}, false, nil
	}
	data, _ := vals[1].(string)
	var r imagerouter.TokenRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return imagerouter.TokenRecord{}, false, err
	}
	version, _ := vals[0].(string)
	v, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return imagerouter.TokenRecord{}, false, fmt.Errorf("bad version %q: %w", version, err)
	}
	r.Version = v
	return r, true, nil
}
