package meter

import "github.com/ineyio/imagerouter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ imagerouter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRoute(imagerouter.RouteEvent)           {}
func (m *NoopMeter) OnResult(imagerouter.ResultEvent)         {}
func (m *NoopMeter) OnTransition(imagerouter.TransitionEvent) {}

// Multi fans every event out to each meter in order.
type Multi []imagerouter.Meter

var _ imagerouter.Meter = Multi(nil)

func (ms Multi) OnRoute(e imagerouter.RouteEvent) {
	for _, m := range ms {
		m.OnRoute(e)
	}
}

func (ms Multi) OnResult(e imagerouter.ResultEvent) {
	for _, m := range ms {
		m.OnResult(e)
	}
}

func (ms Multi) OnTransition(e imagerouter.TransitionEvent) {
	for _, m := range ms {
		m.OnTransition(e)
	}
}
