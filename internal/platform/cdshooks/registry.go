package cdshooks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ClientRegistry holds one DiscoveryClient per endpoint and fans hook
// invocations out across all of them.
type ClientRegistry struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients []*DiscoveryClient
	byURL   map[string]*DiscoveryClient
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry(logger zerolog.Logger) *ClientRegistry {
	return &ClientRegistry{
		logger: logger,
		byURL:  make(map[string]*DiscoveryClient),
	}
}

// Register adds c. Registering a second client for the same endpoint fails.
func (r *ClientRegistry) Register(c *DiscoveryClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byURL[c.Endpoint()]; dup {
		return fmt.Errorf("cds hooks endpoint %s already registered", c.Endpoint())
	}
	r.byURL[c.Endpoint()] = c
	r.clients = append(r.clients, c)
	return nil
}

// Client returns the client for endpoint, which may be given with or without
// the /cds-services suffix.
func (r *ClientRegistry) Client(endpoint string) (*DiscoveryClient, bool) {
	ep, err := NormalizeEndpoint(endpoint)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byURL[ep]
	return c, ok
}

// Clients returns every client in registration order.
func (r *ClientRegistry) Clients() []*DiscoveryClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DiscoveryClient, len(r.clients))
	copy(out, r.clients)
	return out
}

// Len returns the number of registered clients.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CreateInvocationRequests creates one request per registered client, in
// registration order. Entries for inactive clients are nil.
func (r *ClientRegistry) CreateInvocationRequests(hookType string, hookCtx *HookContext, onComplete func(*InvocationRequest)) []*InvocationRequest {
	clients := r.Clients()
	out := make([]*InvocationRequest, len(clients))
	for i, c := range clients {
		out[i] = c.CreateInvocationRequest(hookType, hookCtx, onComplete)
	}
	return out
}

// CreateClients builds and registers a client for each endpoint. Invalid or
// duplicate endpoints are logged and skipped; the number registered is returned.
func (r *ClientRegistry) CreateClients(ctx context.Context, endpoints []string, opts ...Option) int {
	n := 0
	for _, ep := range endpoints {
		if _, dup := r.Client(ep); dup {
			r.logger.Warn().Str("endpoint", ep).Msg("skipping duplicate cds hooks endpoint")
			continue
		}
		c, err := NewDiscoveryClient(ctx, ep, opts...)
		if err != nil {
			r.logger.Error().Err(err).Str("endpoint", ep).Msg("skipping cds hooks endpoint")
			continue
		}
		if err := r.Register(c); err != nil {
			r.logger.Warn().Err(err).Msg("skipping cds hooks endpoint")
			continue
		}
		n++
	}
	return n
}

// SplitEndpoints parses a comma separated endpoint list, dropping blanks.
func SplitEndpoints(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
