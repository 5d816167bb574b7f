package imagerouter_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	ir "github.com/ineyio/imagerouter"
)

func TestTokenID_StableAndOpaque(t *testing.T) {
	a := ir.TokenID("secret-value")
	assert.Equal(t, a, ir.TokenID("secret-value"))
	assert.NotEqual(t, a, ir.TokenID("secret-other"))
	assert.True(t, strings.HasPrefix(a, "sso-"))
	assert.Len(t, a, len("sso-")+12)
	assert.NotContains(t, a, "secret")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****1234", ir.MaskSecret("abcdef1234"))
	assert.Equal(t, "****", ir.MaskSecret("abc"))
}

func TestNewTokenRecord_Defaults(t *testing.T) {
	r := ir.NewTokenRecord("s", 10, 0, t0.Add(3*time.Hour))
	assert.Equal(t, ir.StatusActive, r.Status)
	assert.Equal(t, 1.0, r.Weight)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), r.QuotaDay)
	assert.True(t, r.Eligible())
}

func TestNormalize_DayRollover(t *testing.T) {
	r := ir.NewTokenRecord("s", 5, 1, t0)
	r.UsedToday = 5
	r.Status = ir.StatusExhausted

	assert.False(t, r.Normalize(t0.Add(time.Hour)), "same UTC day changes nothing")
	assert.Equal(t, ir.StatusExhausted, r.Status)

	next := time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC)
	assert.True(t, r.Normalize(next))
	assert.Equal(t, int64(0), r.UsedToday)
	assert.Equal(t, ir.StatusActive, r.Status)
	assert.True(t, r.Eligible())
}

func TestNormalize_CooldownExpiry(t *testing.T) {
	r := ir.NewTokenRecord("s", 0, 1, t0)
	r.Status = ir.StatusCoolingDown
	r.CooldownUntil = t0.Add(30 * time.Second)

	r.Normalize(t0.Add(29 * time.Second))
	assert.Equal(t, ir.StatusCoolingDown, r.Status)
	assert.False(t, r.Eligible())

	r.Normalize(t0.Add(30 * time.Second))
	assert.Equal(t, ir.StatusActive, r.Status)
	assert.True(t, r.CooldownUntil.IsZero())
}

func TestNormalize_BannedIsTerminal(t *testing.T) {
	r := ir.NewTokenRecord("s", 5, 1, t0)
	r.Status = ir.StatusBanned
	r.UsedToday = 5

	r.Normalize(t0.Add(48 * time.Hour))
	assert.Equal(t, ir.StatusBanned, r.Status)
	assert.Equal(t, int64(0), r.UsedToday)
	assert.False(t, r.Eligible())
}

func TestNormalize_LimitChanges(t *testing.T) {
	r := ir.NewTokenRecord("s", 5, 1, t0)
	r.UsedToday = 5
	r.Status = ir.StatusExhausted

	r = ir.MergeConfig(r, ir.NewTokenRecord("s", 10, 2, t0))
	r.Normalize(t0)
	assert.Equal(t, ir.StatusActive, r.Status, "raised limit frees the token")
	assert.Equal(t, 2.0, r.Weight)

	r = ir.MergeConfig(r, ir.NewTokenRecord("s", 3, 1, t0))
	r.Normalize(t0)
	assert.Equal(t, ir.StatusExhausted, r.Status, "lowered limit exhausts it")
}

func TestEligible_Unlimited(t *testing.T) {
	r := ir.NewTokenRecord("s", 0, 1, t0)
	r.UsedToday = 1_000_000
	assert.True(t, r.Eligible())
}
