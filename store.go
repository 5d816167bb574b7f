package imagerouter

import "context"

// TokenStore holds TokenRecords for one or many gateway instances. Every
// mutation is a compare-and-swap on the record's Version.
type TokenStore interface {
	// Load inserts new records, deletes records whose ids are absent and
	// applies MergeConfig to the rest, keeping their runtime state.
	Load(ctx context.Context, records []TokenRecord) error

	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (TokenRecord, error)

	// CompareAndSwap stores next if the current version equals expectedVersion.
	// The stored version becomes expectedVersion+1. A false result is a conflict.
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, next TokenRecord) (bool, error)

	// ListEligible returns the records accepted by keep, sorted by ID.
	// A nil keep returns every record.
	ListEligible(ctx context.Context, keep func(TokenRecord) bool) ([]TokenRecord, error)

	// Cursor returns the round-robin position.
	Cursor(ctx context.Context) (Cursor, error)

	// AdvanceCursor moves the round-robin position if its version matches.
	AdvanceCursor(ctx context.Context, expectedVersion int64, position string) (bool, error)
}

// Cursor is the persisted round-robin position: the id last handed out.
type Cursor struct {
	Position string
	Version  int64
}
