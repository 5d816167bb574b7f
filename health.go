package imagerouter

import (
	"math"
	"time"
)

const (
	defaultCooldownBase           = 30 * time.Second
	defaultCooldownMax            = 30 * time.Minute
	defaultCooldownMultiplier     = 2.0
	defaultMaxConsecutiveFailures = 5
)

// HealthPolicy decides how failures move a credential between statuses.
type HealthPolicy struct {
	CooldownBase       time.Duration
	CooldownMax        time.Duration
	CooldownMultiplier float64
	// MaxConsecutiveFailures bans a credential once its consecutive
	// failure count exceeds it. Zero uses the default.
	MaxConsecutiveFailures int
}

// DefaultHealthPolicy returns 30s base, 30m cap, doubling, ban after 5.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		CooldownBase:           defaultCooldownBase,
		CooldownMax:            defaultCooldownMax,
		CooldownMultiplier:     defaultCooldownMultiplier,
		MaxConsecutiveFailures: defaultMaxConsecutiveFailures,
	}
}

func (h HealthPolicy) withDefaults() HealthPolicy {
	d := DefaultHealthPolicy()
	if h.CooldownBase <= 0 {
		h.CooldownBase = d.CooldownBase
	}
	if h.CooldownMax <= 0 {
		h.CooldownMax = d.CooldownMax
	}
	if h.CooldownMultiplier < 1 {
		h.CooldownMultiplier = d.CooldownMultiplier
	}
	if h.MaxConsecutiveFailures <= 0 {
		h.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	return h
}

// Backoff returns the cooldown after the given number of consecutive failures.
func (h HealthPolicy) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := float64(h.CooldownBase) * math.Pow(h.CooldownMultiplier, float64(failures-1))
	if d >= float64(h.CooldownMax) || math.IsInf(d, 1) {
		return h.CooldownMax
	}
	return time.Duration(d)
}

// applyFailure records a failure of the given kind on r. It returns a short
// reason when the status changed.
func (h HealthPolicy) applyFailure(r *TokenRecord, kind ErrorKind, now time.Time) string {
	r.ConsecutiveFailures++
	r.LastFailureAt = now

	if r.Status == StatusBanned {
		return ""
	}
	if kind == KindInvalid {
		r.Status = StatusBanned
		r.CooldownUntil = time.Time{}
		return "credential rejected"
	}
	if r.ConsecutiveFailures > h.MaxConsecutiveFailures {
		r.Status = StatusBanned
		r.CooldownUntil = time.Time{}
		return "too many consecutive failures"
	}
	if r.Status == StatusExhausted {
		return ""
	}
	if kind == KindRateLimited || kind == KindForbidden {
		r.Status = StatusCoolingDown
		r.CooldownUntil = now.Add(h.Backoff(r.ConsecutiveFailures))
		return kind.String()
	}
	return ""
}

func applySuccess(r *TokenRecord, now time.Time) string {
	r.LastSuccessAt = now
	r.ConsecutiveFailures = 0
	if r.Status == StatusCoolingDown {
		r.Status = StatusActive
		r.CooldownUntil = time.Time{}
		return "success"
	}
	return ""
}
