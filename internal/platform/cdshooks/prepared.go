package cdshooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/cdshooks/internal/platform/fhirclient"
)

// FHIRClient resolves prefetch queries. *fhirclient.Client implements it.
type FHIRClient interface {
	Read(ctx context.Context, reference string) (json.RawMessage, error)
	Search(ctx context.Context, query string) (json.RawMessage, error)
}

// PreparedRequest is a fully resolved invocation payload for one service.
// It can be sent any number of times; each Body call gets a new hookInstance.
type PreparedRequest struct {
	service Service
	release fhirclient.Release

	mu      sync.Mutex
	request HookRequest
}

// NewPreparedRequest builds the request for service and eagerly resolves every
// prefetch template through fhir. Any placeholder or fetch failure fails the
// whole request: a declared prefetch is required by the service.
func NewPreparedRequest(ctx context.Context, fhir FHIRClient, resolvers *ResolverRegistry, service Service, hookCtx *HookContext, release fhirclient.Release) (*PreparedRequest, error) {
	p := &PreparedRequest{
		service: service,
		release: release,
		request: HookRequest{
			Hook:    service.Hook,
			Context: hookCtx.Clone(),
		},
	}
	if b, ok := fhir.(interface{ BaseURL() string }); ok {
		p.request.FHIRServer = b.BaseURL()
	}
	if err := p.processPrefetch(ctx, fhir, resolvers); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PreparedRequest) processPrefetch(ctx context.Context, fhir FHIRClient, resolvers *ResolverRegistry) error {
	if len(p.service.Prefetch) == 0 {
		return nil
	}
	if fhir == nil {
		return fmt.Errorf("service %s declares prefetch but no fhir client is configured", p.service.ID)
	}

	keys := make([]string, 0, len(p.service.Prefetch))
	for k := range p.service.Prefetch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	prefetch := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		query, err := resolvers.Expand(p.service.Prefetch[key], &p.request)
		if err != nil {
			return fmt.Errorf("prefetch %q: %w", key, err)
		}

		var resource json.RawMessage
		if isReadQuery(query) {
			resource, err = fhir.Read(ctx, query)
		} else {
			resource, err = fhir.Search(ctx, query)
		}
		if err != nil {
			return fmt.Errorf("prefetch %q (%s): %w", key, query, err)
		}
		prefetch[key] = wrapPrefetch(p.release, resource)
	}
	p.request.Prefetch = prefetch
	return nil
}

// Service returns the target service.
func (p *PreparedRequest) Service() Service {
	return p.service
}

// Prefetch returns the resolved prefetch entries as they will be sent.
func (p *PreparedRequest) Prefetch() map[string]json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]json.RawMessage, len(p.request.Prefetch))
	for k, v := range p.request.Prefetch {
		out[k] = v
	}
	return out
}

// Body serializes the request with a freshly generated hookInstance.
func (p *PreparedRequest) Body() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.request.HookInstance = uuid.NewString()
	body, err := json.Marshal(&p.request)
	if err != nil {
		return nil, fmt.Errorf("encode hook request: %w", err)
	}
	return body, nil
}

// HookInstance returns the instance id assigned by the most recent Body call.
func (p *PreparedRequest) HookInstance() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.request.HookInstance
}

// isReadQuery reports whether query addresses a single resource by id
// ("Patient/123", "Patient/123/_history/2" or an absolute URL ending in
// Type/id) rather than a search.
func isReadQuery(query string) bool {
	if strings.ContainsRune(query, '?') {
		return false
	}
	path := query
	if u, err := url.Parse(query); err == nil && u.IsAbs() {
		path = u.Path
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if n := len(segs); n >= 4 && segs[n-2] == "_history" && segs[n-1] != "" {
		segs = segs[:n-2]
	}
	n := len(segs)
	if n < 2 {
		return false
	}
	typ, id := segs[n-2], segs[n-1]
	if typ == "" || typ[0] < 'A' || typ[0] > 'Z' {
		return false
	}
	return id != "" && id[0] != '$' && id[0] != '_'
}

// wrapPrefetch applies the release-specific prefetch encoding. DSTU2
// services expect the CDS Hooks 1.0 {response, resource} envelope.
func wrapPrefetch(release fhirclient.Release, resource json.RawMessage) json.RawMessage {
	if release != fhirclient.ReleaseDSTU2 {
		return resource
	}
	wrapped, err := json.Marshal(struct {
		Response struct {
			Status string `json:"status"`
		} `json:"response"`
		Resource json.RawMessage `json:"resource"`
	}{
		Response: struct {
			Status string `json:"status"`
		}{Status: "200 OK"},
		Resource: resource,
	})
	if err != nil {
		return resource
	}
	return wrapped
}
