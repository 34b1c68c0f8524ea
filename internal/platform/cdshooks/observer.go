package cdshooks

import "time"

// Request outcomes reported to Observer.RequestFinished.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeDropped   = "dropped"
)

// Observer receives engine events, typically to feed metrics. Calls are made
// from worker goroutines and must not block.
type Observer interface {
	DiscoveryAttempt(endpoint string, err error)
	EndpointState(endpoint, state string)
	ServiceInvoked(endpoint, hook, serviceID string, elapsed time.Duration, err error)
	RequestFinished(endpoint, hook, outcome string)
}

type nopObserver struct{}

func (nopObserver) DiscoveryAttempt(string, error)                              {}
func (nopObserver) EndpointState(string, string)                                {}
func (nopObserver) ServiceInvoked(string, string, string, time.Duration, error) {}
func (nopObserver) RequestFinished(string, string, string)                      {}

// WithObserver reports discovery, invocation and request events to o.
func WithObserver(o Observer) Option {
	return func(c *DiscoveryClient) { c.observer = o }
}
