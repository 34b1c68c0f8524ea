// Package events delivers cdshook trigger and response events to subscribers:
// NATS subjects for other services, and a websocket hub for browsers.
package events

import (
	"context"
	"errors"
)

// Publisher delivers payload to subscribers of subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// NoOpPublisher discards every event.
type NoOpPublisher struct{}

// Publish is a no-op.
func (NoOpPublisher) Publish(context.Context, string, any) error { return nil }

// CallbackPublisher hands every event to a function. Handy in tests.
type CallbackPublisher struct {
	callback func(ctx context.Context, subject string, payload any) error
}

// NewCallbackPublisher creates a CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, subject string, payload any) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// Publish calls the callback.
func (p *CallbackPublisher) Publish(ctx context.Context, subject string, payload any) error {
	return p.callback(ctx, subject, payload)
}

// Multi fans an event out to several publishers. Every publisher is tried;
// the failures are joined.
type Multi []Publisher

// Publish publishes to each member in order.
func (m Multi) Publish(ctx context.Context, subject string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, subject, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
