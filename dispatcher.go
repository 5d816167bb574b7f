package imagerouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

// Dispatcher runs one generation request against the pool, falling back to
// other credentials on failure.
type Dispatcher struct {
	pool           *Pool
	caller         Caller
	classifier     *Classifier
	meter          Meter
	logger         *slog.Logger
	maxAttempts    int
	attemptTimeout time.Duration
	verifier       AgeVerifier
}

// AgeVerifier confirms the account behind a secret as an adult before its
// first generation. Upstream callers may implement it.
type AgeVerifier interface {
	VerifyAge(ctx context.Context, secret string) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxAttempts bounds the number of credentials tried per request.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// WithAttemptTimeout bounds a single upstream call. Zero means no bound
// beyond the request context.
func WithAttemptTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.attemptTimeout = t }
}

// WithClassifier sets the error classifier.
func WithClassifier(c *Classifier) Option {
	return func(d *Dispatcher) { d.classifier = c }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(d *Dispatcher) { d.meter = m }
}

// WithAgeVerifier runs v once for every credential not yet marked as age
// verified. A failed verification is logged and the attempt proceeds.
func WithAgeVerifier(v AgeVerifier) Option {
	return func(d *Dispatcher) { d.verifier = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher. Defaults: 3 attempts, default
// classifier, no-op meter, slog.Default().
func NewDispatcher(pool *Pool, caller Caller, opts ...Option) (*Dispatcher, error) {
	if pool == nil {
		return nil, fmt.Errorf("imagerouter: pool is required")
	}
	if caller == nil {
		return nil, fmt.Errorf("imagerouter: caller is required")
	}

	d := &Dispatcher{
		pool:   pool,
		caller: caller,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	if d.classifier == nil {
		d.classifier = DefaultClassifier()
	}
	if d.meter == nil {
		d.meter = noopMeter{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

// Execute runs req with up to MaxAttempts distinct credentials. It returns
// a *DispatchError when no attempt succeeds.
func (d *Dispatcher) Execute(ctx context.Context, req GenerationRequest) (MediaResult, error) {
	requestID := uuid.New().String()
	maxAttempts := d.maxAttempts
	if req.TokenID != "" {
		maxAttempts = 1
	}

	tried := make(map[string]struct{}, maxAttempts)
	failure := &DispatchError{}
	fail := func(reason DispatchReason) (MediaResult, error) {
		failure.Reason = reason
		d.logger.Warn("dispatch failed",
			"request_id", requestID,
			"reason", reason,
			"attempts", failure.Attempts,
			"last_kind", failure.LastKind,
		)
		return MediaResult{}, failure
	}

	for failure.Attempts < maxAttempts {
		if ctx.Err() != nil {
			return fail(ReasonCancelled)
		}

		rec, err := d.acquire(ctx, req, tried)
		if err != nil {
			switch {
			case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrNotFound):
				return fail(ReasonPoolExhausted)
			case ctx.Err() != nil:
				return fail(ReasonCancelled)
			}
			// Store trouble costs the attempt but is not any credential's fault.
			failure.Attempts++
			failure.LastKind, failure.LastErr, failure.TokenID = KindOtherTransient, err, ""
			d.logger.Warn("acquire failed", "request_id", requestID, "error", err)
			continue
		}

		failure.Attempts++
		tried[rec.ID] = struct{}{}

		d.meter.OnRoute(RouteEvent{
			RequestID:  requestID,
			TokenID:    rec.ID,
			Strategy:   d.pool.Strategy().Name(),
			AttemptNum: failure.Attempts,
			UsedToday:  rec.UsedToday,
			DailyLimit: rec.DailyLimit,
		})

		if d.verifier != nil && !rec.AgeVerified {
			d.verifyAge(ctx, requestID, rec)
		}

		start := time.Now()
		res, timedOut, err := d.call(ctx, rec.Secret, req)
		duration := time.Since(start)

		// Outcomes are recorded even when the request itself was cancelled.
		reportCtx := context.WithoutCancel(ctx)

		if err == nil {
			if rerr := d.pool.ReportSuccess(reportCtx, rec.ID); rerr != nil {
				d.logger.Warn("report success failed", "token", rec.ID, "error", rerr)
			}
			d.meter.OnResult(ResultEvent{
				RequestID:  requestID,
				TokenID:    rec.ID,
				AttemptNum: failure.Attempts,
				Success:    true,
				Duration:   duration,
			})
			res.Routing = RoutingInfo{
				RequestID: requestID,
				TokenID:   rec.ID,
				Attempts:  failure.Attempts,
			}
			return res, nil
		}

		kind := d.classifier.Classify(err)
		if timedOut || ctx.Err() != nil {
			kind = KindTimeout
		}
		if rerr := d.pool.ReportFailure(reportCtx, rec.ID, kind); rerr != nil {
			d.logger.Warn("report failure failed", "token", rec.ID, "error", rerr)
		}
		d.meter.OnResult(ResultEvent{
			RequestID:  requestID,
			TokenID:    rec.ID,
			AttemptNum: failure.Attempts,
			Kind:       kind,
			Duration:   duration,
			Error:      err,
		})
		d.logger.Info("attempt failed",
			"request_id", requestID,
			"token", rec.ID,
			"attempt", failure.Attempts,
			"max_attempts", maxAttempts,
			"kind", kind,
			"error", err,
		)

		failure.LastKind, failure.LastErr, failure.TokenID = kind, err, rec.ID
		if ctx.Err() != nil {
			return fail(ReasonCancelled)
		}
	}

	return fail(ReasonRetriesExhausted)
}

func (d *Dispatcher) acquire(ctx context.Context, req GenerationRequest, tried map[string]struct{}) (TokenRecord, error) {
	switch {
	case req.TokenID != "":
		return d.pool.AcquireToken(ctx, req.TokenID)
	case len(tried) == 0:
		return d.pool.Acquire(ctx, tried)
	default:
		// Fallbacks do not move the round-robin cursor again.
		return d.pool.AcquireNext(ctx, tried)
	}
}

func (d *Dispatcher) verifyAge(ctx context.Context, requestID string, rec TokenRecord) {
	if err := d.verifier.VerifyAge(ctx, rec.Secret); err != nil {
		d.logger.Warn("age verification failed", "request_id", requestID, "token", rec.ID, "error", err)
		return
	}
	if err := d.pool.MarkAgeVerified(context.WithoutCancel(ctx), rec.ID); err != nil {
		d.logger.Warn("record age verification failed", "token", rec.ID, "error", err)
		return
	}
	d.logger.Info("token age verified", "request_id", requestID, "token", rec.ID)
}

// call runs one upstream attempt. timedOut reports whether the per-attempt
// deadline fired.
func (d *Dispatcher) call(ctx context.Context, secret string, req GenerationRequest) (MediaResult, bool, error) {
	if d.attemptTimeout <= 0 {
		res, err := d.caller.Call(ctx, secret, req)
		return res, false, err
	}
	callCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()
	res, err := d.caller.Call(callCtx, secret, req)
	return res, err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded), err
}
