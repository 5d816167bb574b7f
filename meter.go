package imagerouter

import "time"

// Meter observes routing events for monitoring/logging.
type Meter interface {
	// OnRoute is called when a credential has been acquired for an attempt.
	OnRoute(event RouteEvent)

	// OnResult is called when an upstream attempt returns.
	OnResult(event ResultEvent)

	// OnTransition is called when a credential changes status.
	OnTransition(event TransitionEvent)
}

// RouteEvent describes a routing decision.
type RouteEvent struct {
	RequestID  string
	TokenID    string
	Strategy   StrategyName
	AttemptNum int
	UsedToday  int64
	DailyLimit int64
}

// ResultEvent describes the outcome of an upstream call.
type ResultEvent struct {
	RequestID  string
	TokenID    string
	AttemptNum int
	Success    bool
	Kind       ErrorKind
	Duration   time.Duration
	Error      error
}

// TransitionEvent describes a status change of one credential.
type TransitionEvent struct {
	TokenID       string
	From          Status
	To            Status
	CooldownUntil time.Time
	Reason        string
}

type noopMeter struct{}

func (noopMeter) OnRoute(RouteEvent)           {}
func (noopMeter) OnResult(ResultEvent)         {}
func (noopMeter) OnTransition(TransitionEvent) {}
