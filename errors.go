package imagerouter

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sentinel errors.
var (
	ErrPoolExhausted    = errors.New("imagerouter: no eligible credential")
	ErrRetriesExhausted = errors.New("imagerouter: all attempts failed")
	ErrCancelled        = errors.New("imagerouter: request cancelled")
	ErrStoreConflict    = errors.New("imagerouter: store conflict")
	ErrNotFound         = errors.New("imagerouter: token not found")
)

// ErrorKind classifies a failed upstream attempt.
type ErrorKind int

const (
	KindOtherTransient ErrorKind = iota
	KindRateLimited
	KindForbidden
	KindInvalid
	KindTimeout
)

var kindNames = map[ErrorKind]string{
	KindOtherTransient: "other_transient",
	KindRateLimited:    "rate_limited",
	KindForbidden:      "forbidden",
	KindInvalid:        "invalid",
	KindTimeout:        "timeout",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseErrorKind parses the names produced by ErrorKind.String.
func ParseErrorKind(s string) (ErrorKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("imagerouter: unknown error kind %q", s)
}

// UnmarshalYAML lets classification tables name kinds in config files.
func (k *ErrorKind) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseErrorKind(value.Value)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// UpstreamError is returned by Caller implementations. Kind is optional; when
// unset, the Classifier derives it from Code and StatusCode.
type UpstreamError struct {
	Kind       *ErrorKind
	StatusCode int
	Code       string
	Message    string
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Code != "" && e.StatusCode != 0:
		return fmt.Sprintf("upstream: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("upstream: code=%s: %s", e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream: status=%d: %s", e.StatusCode, e.Message)
	default:
		return "upstream: " + e.Message
	}
}

// WithKind returns an UpstreamError with an explicit classification.
func WithKind(kind ErrorKind, msg string) *UpstreamError {
	return &UpstreamError{Kind: &kind, Message: msg}
}

// DispatchReason is the terminal outcome of a failed Execute call.
type DispatchReason string

const (
	ReasonPoolExhausted    DispatchReason = "pool_exhausted"
	ReasonRetriesExhausted DispatchReason = "retries_exhausted"
	ReasonCancelled        DispatchReason = "cancelled"
)

// DispatchError wraps a terminal dispatch failure with routing context.
type DispatchError struct {
	Reason   DispatchReason
	Attempts int
	// LastKind and LastErr describe the most recent failed attempt, if any.
	LastKind ErrorKind
	LastErr  error
	TokenID  string
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("imagerouter: dispatch failed: reason=%s attempts=%d", e.Reason, e.Attempts)
	if e.LastErr != nil {
		msg += fmt.Sprintf(" last_kind=%s token=%s: %v", e.LastKind, e.TokenID, e.LastErr)
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	switch e.Reason {
	case ReasonPoolExhausted:
		return ErrPoolExhausted
	case ReasonRetriesExhausted:
		return ErrRetriesExhausted
	case ReasonCancelled:
		return ErrCancelled
	}
	return nil
}
