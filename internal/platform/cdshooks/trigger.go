package cdshooks

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const publishTimeout = 5 * time.Second

// Publisher delivers an event to subscribers of subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// EventName builds a cdshook event subject: "cdshook.<eventType>" followed by
// each component with its dots replaced by underscores.
func EventName(eventType string, components ...string) string {
	var b strings.Builder
	b.WriteString("cdshook.")
	b.WriteString(eventType)
	for _, c := range components {
		b.WriteByte('.')
		b.WriteString(strings.ReplaceAll(c, ".", "_"))
	}
	return b.String()
}

// TriggerEvent is published when a hook fires.
type TriggerEvent struct {
	Hook    string       `json:"hook"`
	Context *HookContext `json:"context"`
	FiredAt time.Time    `json:"firedAt"`
}

// Trigger fires one hook type across a ClientRegistry. Firing aborts whatever
// the previous firing still has in flight, so only the latest context
// produces published responses.
type Trigger struct {
	hookType  string
	registry  *ClientRegistry
	publisher Publisher
	logger    zerolog.Logger

	mu       sync.Mutex
	inflight map[*InvocationRequest]struct{}
}

// NewTrigger creates a trigger for hookType.
func NewTrigger(hookType string, registry *ClientRegistry, publisher Publisher, logger zerolog.Logger) *Trigger {
	return &Trigger{
		hookType:  hookType,
		registry:  registry,
		publisher: publisher,
		logger:    logger.With().Str("hook", hookType).Logger(),
		inflight:  make(map[*InvocationRequest]struct{}),
	}
}

// HookType returns the hook this trigger fires.
func (t *Trigger) HookType() string { return t.hookType }

// InFlight returns the number of requests still running.
func (t *Trigger) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Fire aborts the previous firing, announces the trigger and creates one
// invocation request per endpoint. Entries for inactive endpoints are nil.
func (t *Trigger) Fire(ctx context.Context, hookCtx *HookContext) []*InvocationRequest {
	t.logger.Info().Msg("cds hooks type was triggered")

	t.mu.Lock()
	defer t.mu.Unlock()

	for r := range t.inflight {
		r.Abort()
	}
	t.inflight = make(map[*InvocationRequest]struct{})

	event := TriggerEvent{Hook: t.hookType, Context: hookCtx, FiredAt: time.Now().UTC()}
	if err := t.publisher.Publish(ctx, EventName("trigger", t.hookType), event); err != nil {
		t.logger.Warn().Err(err).Msg("failed to publish trigger event")
	}

	requests := t.registry.CreateInvocationRequests(t.hookType, hookCtx, t.processResponses)
	for _, r := range requests {
		// Callbacks block on t.mu until this loop is done, so none has run yet.
		if r != nil {
			t.inflight[r] = struct{}{}
			go t.untrackDropped(r)
		}
	}
	return requests
}

// untrackDropped forgets r once its endpoint drops it. Dropped requests never
// reach processResponses.
func (t *Trigger) untrackDropped(r *InvocationRequest) {
	<-r.Done()
	if !r.Dropped() {
		return
	}
	t.mu.Lock()
	delete(t.inflight, r)
	t.mu.Unlock()
}

func (t *Trigger) processResponses(r *InvocationRequest) {
	t.mu.Lock()
	delete(t.inflight, r)
	t.mu.Unlock()

	if r.Aborted() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, resp := range r.Responses() {
		subject := EventName("response", t.hookType, resp.Service().ID)
		if err := t.publisher.Publish(ctx, subject, resp); err != nil {
			t.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish cds hooks response")
		}
	}
}

// Triggers lazily creates one Trigger per hook type.
type Triggers struct {
	registry  *ClientRegistry
	publisher Publisher
	logger    zerolog.Logger

	mu     sync.Mutex
	byHook map[string]*Trigger
}

// NewTriggers creates an empty trigger set.
func NewTriggers(registry *ClientRegistry, publisher Publisher, logger zerolog.Logger) *Triggers {
	return &Triggers{
		registry:  registry,
		publisher: publisher,
		logger:    logger,
		byHook:    make(map[string]*Trigger),
	}
}

// Get returns the trigger for hookType, creating it on first use.
func (ts *Triggers) Get(hookType string) *Trigger {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.byHook[hookType]
	if !ok {
		t = NewTrigger(hookType, ts.registry, ts.publisher, ts.logger)
		ts.byHook[hookType] = t
	}
	return t
}
