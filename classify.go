package imagerouter

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Classifier maps upstream errors to ErrorKinds. The tables come from
// configuration so thresholds can be tuned without code changes.
type Classifier struct {
	Statuses map[int]ErrorKind
	Codes    map[string]ErrorKind
}

// DefaultClassifier returns the mapping observed against the imagine backend.
func DefaultClassifier() *Classifier {
	return &Classifier{
		Statuses: map[int]ErrorKind{
			http.StatusTooManyRequests: KindRateLimited,
			http.StatusForbidden:       KindForbidden,
			http.StatusUnauthorized:    KindInvalid,
			http.StatusRequestTimeout:  KindTimeout,
			http.StatusGatewayTimeout:  KindTimeout,
		},
		Codes: map[string]ErrorKind{
			"rate_limit_exceeded": KindRateLimited,
			"unauthorized":        KindInvalid,
			"forbidden":           KindForbidden,
			"blocked":             KindOtherTransient,
		},
	}
}

// Classify returns the kind for err. A nil Classifier uses the defaults.
func (c *Classifier) Classify(err error) ErrorKind {
	if c == nil {
		c = DefaultClassifier()
	}

	var ue *UpstreamError
	if errors.As(err, &ue) {
		if ue.Kind != nil {
			return *ue.Kind
		}
		if ue.Code != "" {
			if k, ok := c.Codes[strings.ToLower(ue.Code)]; ok {
				return k
			}
		}
		if ue.StatusCode != 0 {
			if k, ok := c.Statuses[ue.StatusCode]; ok {
				return k
			}
		}
		return KindOtherTransient
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindOtherTransient
}
