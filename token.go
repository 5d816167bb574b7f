package imagerouter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Status is the health state of a credential.
type Status string

const (
	StatusActive      Status = "active"
	StatusCoolingDown Status = "cooling_down"
	StatusExhausted   Status = "exhausted"
	StatusBanned      Status = "banned"
)

// TokenRecord describes one SSO credential and its usage/health state.
// Zero time values mean "never".
type TokenRecord struct {
	ID     string `json:"id"`
	Secret string `json:"-"`

	DailyLimit int64     `json:"daily_limit"`
	UsedToday  int64     `json:"used_today"`
	QuotaDay   time.Time `json:"quota_day"`

	LastUsedAt    time.Time `json:"last_used_at"`
	LastSuccessAt time.Time `json:"last_success_at"`
	LastFailureAt time.Time `json:"last_failure_at"`

	ConsecutiveFailures int     `json:"consecutive_failures"`
	Weight              float64 `json:"weight"`

	Status        Status    `json:"status"`
	CooldownUntil time.Time `json:"cooldown_until"`

	// AgeVerified is set once the upstream account accepted a birth date.
	AgeVerified bool `json:"age_verified"`

	// Version is owned by the TokenStore and bumped on every successful swap.
	Version int64 `json:"version"`
}

// TokenID derives a stable identifier from a raw secret.
func TokenID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return "sso-" + hex.EncodeToString(sum[:])[:12]
}

// NewTokenRecord returns a fresh active record for secret.
func NewTokenRecord(secret string, dailyLimit int64, weight float64, now time.Time) TokenRecord {
	if weight <= 0 {
		weight = 1
	}
	return TokenRecord{
		ID:         TokenID(secret),
		Secret:     secret,
		DailyLimit: dailyLimit,
		Weight:     weight,
		Status:     StatusActive,
		QuotaDay:   utcDay(now),
	}
}

// MergeConfig applies the configuration fields of incoming to an existing
// record while keeping its runtime state.
func MergeConfig(existing, incoming TokenRecord) TokenRecord {
	existing.DailyLimit = incoming.DailyLimit
	existing.Weight = incoming.Weight
	if existing.Weight <= 0 {
		existing.Weight = 1
	}
	return existing
}

// MaskSecret renders a secret for logs: only the last 4 characters survive.
func MaskSecret(secret string) string {
	if len(secret) < 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

func (r TokenRecord) String() string {
	return fmt.Sprintf("%s(%s used=%d/%d failures=%d)", r.ID, r.Status, r.UsedToday, r.DailyLimit, r.ConsecutiveFailures)
}

// Normalize applies the time-driven transitions to r as of now: UTC day
// rollover, cooldown expiry and limit changes made by a reload.
// It reports whether anything changed.
func (r *TokenRecord) Normalize(now time.Time) bool {
	changed := false
	today := utcDay(now)

	if today.After(r.QuotaDay) {
		r.QuotaDay = today
		r.UsedToday = 0
		changed = true
	}

	if r.Status == StatusCoolingDown && !now.Before(r.CooldownUntil) {
		r.Status = StatusActive
		r.CooldownUntil = time.Time{}
		changed = true
	}

	switch r.Status {
	case StatusExhausted:
		if !r.overLimit() {
			r.Status = StatusActive
			changed = true
		}
	case StatusActive:
		if r.overLimit() {
			r.Status = StatusExhausted
			changed = true
		}
	}
	return changed
}

// Eligible reports whether r may be selected. Call Normalize first so that
// expired cooldowns and day rollovers are accounted for.
func (r TokenRecord) Eligible() bool {
	return r.Status == StatusActive && !r.overLimit()
}

func (r TokenRecord) overLimit() bool {
	return r.DailyLimit > 0 && r.UsedToday >= r.DailyLimit
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
