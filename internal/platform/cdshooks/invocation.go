package cdshooks

import (
	"context"
	"sync"
)

// InvocationRequest invokes, one after another, every service of a hook type
// at a single endpoint. The completion callback fires exactly once when the
// last service has answered, or sooner when the request is aborted.
type InvocationRequest struct {
	client     *DiscoveryClient
	hookType   string
	hookCtx    *HookContext
	onComplete func(*InvocationRequest)

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	responses []*Response
	completed bool
	aborted   bool
	dropped   bool
	done      chan struct{}
}

func newInvocationRequest(c *DiscoveryClient, hookType string, hookCtx *HookContext, onComplete func(*InvocationRequest)) *InvocationRequest {
	ctx, cancel := context.WithCancelCause(c.lifetime)
	return &InvocationRequest{
		client:     c,
		hookType:   hookType,
		hookCtx:    hookCtx.Clone(),
		onComplete: onComplete,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// HookType returns the hook this request was created for.
func (r *InvocationRequest) HookType() string { return r.hookType }

// Context returns a copy of the hook context.
func (r *InvocationRequest) Context() *HookContext { return r.hookCtx.Clone() }

// Endpoint returns the discovery endpoint that owns this request.
func (r *InvocationRequest) Endpoint() string { return r.client.endpoint }

// Abort stops the request before its next service call. A call already in
// flight runs to completion and its result is discarded. Aborting a request
// that has already completed has no effect. Safe to call repeatedly.
func (r *InvocationRequest) Abort() {
	r.cancel(errAborted)
}

// Aborted reports whether the request was aborted. Once completed the answer
// is fixed.
func (r *InvocationRequest) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return r.aborted
	}
	return r.ctx.Err() != nil
}

// Responses returns the responses gathered so far, in catalog order. An
// aborted request has none.
func (r *InvocationRequest) Responses() []*Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Response, len(r.responses))
	copy(out, r.responses)
	return out
}

// Dropped reports whether the request was discarded because its endpoint went
// inactive before it could run. A dropped request never calls its callback.
func (r *InvocationRequest) Dropped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Done is closed after the completion callback returns, or when the request
// is dropped.
func (r *InvocationRequest) Done() <-chan struct{} { return r.done }

// Wait blocks until Done is closed or ctx ends.
func (r *InvocationRequest) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *InvocationRequest) run() {
	defer close(r.done)

	services, err := r.client.Catalog().Services(r.hookType)
	if err != nil {
		r.client.logger.Error().Err(err).Str("hook", r.hookType).Msg("invocation dispatched without a catalog")
	}

	for _, svc := range services {
		if r.ctx.Err() != nil {
			break
		}
		resp := r.client.invoke(r.hookCtx, svc)
		r.mu.Lock()
		r.responses = append(r.responses, resp)
		r.mu.Unlock()
	}

	outcome := OutcomeCompleted
	if r.complete() {
		outcome = OutcomeAborted
	}
	r.client.observer.RequestFinished(r.client.endpoint, r.hookType, outcome)
	if r.onComplete != nil {
		r.onComplete(r)
	}
}

// complete fixes the abort state and clears responses of an aborted request.
// It reports whether the request was aborted.
func (r *InvocationRequest) complete() bool {
	r.mu.Lock()
	r.completed = true
	r.aborted = r.ctx.Err() != nil
	if r.aborted {
		r.responses = nil
	}
	aborted := r.aborted
	r.mu.Unlock()
	r.cancel(nil)
	return aborted
}

func (r *InvocationRequest) drop() {
	r.mu.Lock()
	r.completed = true
	r.dropped = true
	r.aborted = r.ctx.Err() != nil
	r.mu.Unlock()
	r.cancel(nil)
	r.client.observer.RequestFinished(r.client.endpoint, r.hookType, OutcomeDropped)
	close(r.done)
}
