package cdshooks

import "encoding/json"

// Response is the outcome of invoking one service: either the cards it
// returned or the error that prevented it. Immutable once built.
type Response struct {
	service       Service
	cards         []Card
	systemActions []Action
	err           error
}

func newResponse(service Service, hr *HookResponse) *Response {
	r := &Response{service: service}
	if hr != nil {
		r.cards = hr.Cards
		r.systemActions = hr.SystemActions
	}
	return r
}

func newErrorResponse(service Service, err error) *Response {
	return &Response{service: service, err: err}
}

// Service returns the service that produced this response.
func (r *Response) Service() Service { return r.service }

// Cards returns the decision cards; empty for an error response.
func (r *Response) Cards() []Card {
	out := make([]Card, len(r.cards))
	copy(out, r.cards)
	return out
}

// SystemActions returns the system actions, if the service sent any.
func (r *Response) SystemActions() []Action {
	out := make([]Action, len(r.systemActions))
	copy(out, r.systemActions)
	return out
}

// Err returns the captured failure, or nil on success.
func (r *Response) Err() error { return r.err }

// HasError reports whether the invocation failed.
func (r *Response) HasError() bool { return r.err != nil }

type responseJSON struct {
	ServiceID     string   `json:"serviceId"`
	Hook          string   `json:"hook"`
	Cards         []Card   `json:"cards"`
	SystemActions []Action `json:"systemActions,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// MarshalJSON is the shape published on the event bus.
func (r *Response) MarshalJSON() ([]byte, error) {
	out := responseJSON{
		ServiceID:     r.service.ID,
		Hook:          r.service.Hook,
		Cards:         r.cards,
		SystemActions: r.systemActions,
	}
	if out.Cards == nil {
		out.Cards = []Card{}
	}
	if r.err != nil {
		out.Error = r.err.Error()
	}
	return json.Marshal(out)
}
