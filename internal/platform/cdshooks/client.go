// Package cdshooks is a CDS Hooks 2.0 client engine. It discovers the services
// advertised by remote CDS endpoints, resolves their prefetch templates against
// a FHIR server, invokes every service subscribed to a hook and hands the
// collected responses back through a completion callback.
//
// Each endpoint is owned by a DiscoveryClient whose catalog loads in the
// background with bounded retry:
//
//	Unloaded -> Loading -> Ready
//	                    \-> Inactive (retries exhausted, permanent)
//
// Invocation requests created while loading are queued and dispatched in
// submission order once the catalog is ready.
package cdshooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/ehr/cdshooks/internal/platform/fhirclient"
	"github.com/ehr/cdshooks/internal/platform/workerpool"
)

const (
	// DefaultRetryAttempts is the number of discovery attempts before an endpoint goes inactive.
	DefaultRetryAttempts = 5
	// DefaultRetryInterval is the pause between discovery attempts.
	DefaultRetryInterval = 10 * time.Second

	discoverySuffix = "/cds-services"
	maxBodyBytes    = 8 << 20
)

// State is the lifecycle state of a DiscoveryClient.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateInactive:
		return "inactive"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Option configures a DiscoveryClient.
type Option func(*DiscoveryClient)

// WithHTTPClient overrides the HTTP client used for discovery and invocation.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *DiscoveryClient) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *DiscoveryClient) { c.logger = l }
}

// WithPool runs discovery attempts and invocations on a shared worker pool.
func WithPool(p *workerpool.Pool) Option {
	return func(c *DiscoveryClient) { c.pool = p }
}

// WithFHIRClient sets the client used to resolve prefetch queries.
func WithFHIRClient(f FHIRClient) Option {
	return func(c *DiscoveryClient) { c.fhir = f }
}

// WithFHIRRelease selects the prefetch wire format.
func WithFHIRRelease(r fhirclient.Release) Option {
	return func(c *DiscoveryClient) { c.release = r }
}

// WithResolvers sets the placeholder resolver registry.
func WithResolvers(r *ResolverRegistry) Option {
	return func(c *DiscoveryClient) { c.resolvers = r }
}

// WithRetry sets the discovery attempt bound and the pause between attempts.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(c *DiscoveryClient) {
		c.retryAttempts = attempts
		c.retryInterval = interval
	}
}

// WithInvokeTimeout bounds each discovery GET and each service POST.
func WithInvokeTimeout(d time.Duration) Option {
	return func(c *DiscoveryClient) { c.invokeTimeout = d }
}

// WithTokenSigner authenticates requests with a CDS client JWT.
func WithTokenSigner(s *TokenSigner) Option {
	return func(c *DiscoveryClient) { c.signer = s }
}

// DiscoveryClient owns one CDS discovery endpoint.
type DiscoveryClient struct {
	endpoint string
	lifetime context.Context

	httpClient    *http.Client
	logger        zerolog.Logger
	pool          *workerpool.Pool
	fhir          FHIRClient
	release       fhirclient.Release
	resolvers     *ResolverRegistry
	signer        *TokenSigner
	observer      Observer
	retryAttempts int
	retryInterval time.Duration
	invokeTimeout time.Duration

	mu       sync.Mutex
	state    State
	catalog  *Catalog
	pending  []*InvocationRequest
	attempts int
	lastErr  error
	loaded   chan struct{}
}

// NormalizeEndpoint trims endpoint and makes sure it ends in /cds-services.
func NormalizeEndpoint(raw string) (string, error) {
	ep := strings.TrimRight(strings.TrimSpace(raw), "/")
	if ep == "" {
		return "", fmt.Errorf("%w: empty url", ErrInvalidEndpoint)
	}
	if !strings.HasSuffix(ep, discoverySuffix) {
		ep += discoverySuffix
	}
	u, err := url.Parse(ep)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	return ep, nil
}

// NewDiscoveryClient creates a client for endpoint and immediately starts
// loading its catalog in the background. ctx bounds the client's lifetime:
// cancelling it stops discovery and aborts running invocations.
func NewDiscoveryClient(ctx context.Context, endpoint string, opts ...Option) (*DiscoveryClient, error) {
	ep, err := NormalizeEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	c := &DiscoveryClient{
		endpoint:      ep,
		lifetime:      ctx,
		httpClient:    &http.Client{},
		logger:        zerolog.Nop(),
		observer:      nopObserver{},
		retryAttempts: DefaultRetryAttempts,
		retryInterval: DefaultRetryInterval,
		loaded:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retryAttempts < 1 {
		c.retryAttempts = 1
	}
	if c.retryInterval <= 0 {
		c.retryInterval = DefaultRetryInterval
	}
	if c.invokeTimeout <= 0 {
		c.invokeTimeout = c.retryInterval
	}
	if c.resolvers == nil {
		c.resolvers = NewResolverRegistry()
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.pool == nil {
		c.pool = workerpool.New(workerpool.DefaultSize, c.logger)
	}
	c.logger = c.logger.With().Str("endpoint", c.endpoint).Logger()

	c.logger.Info().Msg("retrieving cds hooks catalog")
	go c.loadCatalog()
	return c, nil
}

// Endpoint returns the normalized discovery URL.
func (c *DiscoveryClient) Endpoint() string {
	return c.endpoint
}

// State returns the current lifecycle state.
func (c *DiscoveryClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Catalog returns the loaded catalog, or nil while loading or when inactive.
func (c *DiscoveryClient) Catalog() *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog
}

// Service returns the service with the given id.
func (c *DiscoveryClient) Service(id string) (Service, error) {
	cat := c.Catalog()
	if cat == nil {
		return Service{}, ErrCatalogNotLoaded
	}
	svc, ok := cat.Service(id)
	if !ok {
		return Service{}, fmt.Errorf("%w: %q", ErrServiceNotFound, id)
	}
	return svc, nil
}

// WaitLoaded blocks until discovery finishes. It returns nil once the client
// is ready and an error if the endpoint went inactive or ctx ended first.
func (c *DiscoveryClient) WaitLoaded(ctx context.Context) error {
	select {
	case <-c.loaded:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.State() != StateReady {
		return fmt.Errorf("cds hooks endpoint %s is inactive", c.endpoint)
	}
	return nil
}

// Status is a point-in-time snapshot of a client, for the admin API.
type Status struct {
	Endpoint  string   `json:"endpoint"`
	State     string   `json:"state"`
	Services  int      `json:"services"`
	HookTypes []string `json:"hookTypes,omitempty"`
	Pending   int      `json:"pending"`
	Attempts  int      `json:"attempts"`
	LastError string   `json:"lastError,omitempty"`
}

// Status returns a snapshot of the client.
func (c *DiscoveryClient) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Endpoint: c.endpoint,
		State:    c.state.String(),
		Pending:  len(c.pending),
		Attempts: c.attempts,
	}
	if c.catalog != nil {
		st.Services = len(c.catalog.services)
		st.HookTypes = c.catalog.HookTypes()
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// CreateInvocationRequest creates a request that invokes every service of
// hookType at this endpoint. A ready client starts it at once; a loading client
// queues it. An inactive client returns nil: the feature is unavailable for
// this endpoint, which is not an error.
func (c *DiscoveryClient) CreateInvocationRequest(hookType string, hookCtx *HookContext, onComplete func(*InvocationRequest)) *InvocationRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateInactive {
		return nil
	}

	r := newInvocationRequest(c, hookType, hookCtx, onComplete)
	if c.state == StateReady {
		c.dispatch(r)
	} else {
		c.pending = append(c.pending, r)
	}
	return r
}

// dispatch must be called with c.mu held; Pool.Go never blocks.
func (c *DiscoveryClient) dispatch(r *InvocationRequest) {
	c.pool.Go("cds hooks invocation for type "+r.hookType, r.run)
}

func (c *DiscoveryClient) loadCatalog() {
	c.mu.Lock()
	c.state = StateLoading
	c.mu.Unlock()
	c.observer.EndpointState(c.endpoint, StateLoading.String())

	backoff := retry.WithMaxRetries(uint64(c.retryAttempts-1), retry.NewConstant(c.retryInterval))
	err := retry.Do(c.lifetime, backoff, func(ctx context.Context) error {
		catalog, err := c.fetchCatalogOnPool(ctx)

		c.mu.Lock()
		c.attempts++
		remaining := c.retryAttempts - c.attempts
		if err != nil {
			c.lastErr = err
		}
		c.mu.Unlock()
		c.observer.DiscoveryAttempt(c.endpoint, err)

		if err != nil {
			c.logger.Warn().Err(err).Int("retries_remaining", remaining).Msg("failed to load cds hooks catalog")
			return retry.RetryableError(err)
		}
		c.ready(catalog)
		return nil
	})
	if err != nil {
		c.deactivate(err)
	}
}

// fetchCatalogOnPool holds a pool slot for one discovery attempt only, never
// across the pause between attempts.
func (c *DiscoveryClient) fetchCatalogOnPool(ctx context.Context) (*Catalog, error) {
	type result struct {
		catalog *Catalog
		err     error
	}
	out := make(chan result, 1)
	err := c.pool.Do(ctx, "cds hooks catalog retrieval", func() {
		catalog, err := c.fetchCatalog(ctx)
		out <- result{catalog, err}
	})
	if err != nil {
		return nil, err
	}
	res := <-out
	return res.catalog, res.err
}

func (c *DiscoveryClient) fetchCatalog(ctx context.Context) (*Catalog, error) {
	ctx, cancel := context.WithTimeout(ctx, c.invokeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(req, c.endpoint); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{Method: http.MethodGet, URL: c.endpoint, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read discovery response: %w", err)
	}
	return ParseCatalog(body)
}

// ready installs the catalog and drains the queue in submission order.
func (c *DiscoveryClient) ready(catalog *Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.catalog = catalog
	c.state = StateReady
	c.lastErr = nil
	for _, r := range c.pending {
		c.dispatch(r)
	}
	queued := len(c.pending)
	c.pending = nil
	close(c.loaded)
	c.observer.EndpointState(c.endpoint, StateReady.String())

	c.logger.Info().
		Int("services", len(catalog.services)).
		Int("queued_requests", queued).
		Msg("cds hooks catalog loaded")
}

// deactivate marks the endpoint permanently unavailable and drops the queue.
func (c *DiscoveryClient) deactivate(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateInactive
	dropped := c.pending
	c.pending = nil
	close(c.loaded)
	for _, r := range dropped {
		r.drop()
	}
	c.observer.EndpointState(c.endpoint, StateInactive.String())

	c.logger.Error().Err(err).
		Int("attempts", c.attempts).
		Int("dropped_requests", len(dropped)).
		Msg("maximum retries exceeded loading cds hooks catalog; this service will be unavailable")
}

func (c *DiscoveryClient) authorize(req *http.Request, audience string) error {
	if c.signer == nil {
		return nil
	}
	tok, err := c.signer.Sign(audience)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// serviceURL is {endpoint}/{serviceId}.
func (c *DiscoveryClient) serviceURL(id string) string {
	return c.endpoint + "/" + url.PathEscape(id)
}

// invoke prepares and POSTs one service call. It never fails: any error is
// captured in the returned Response. The call runs on the client lifetime, so
// aborting the owning request does not interrupt it.
func (c *DiscoveryClient) invoke(hookCtx *HookContext, svc Service) *Response {
	start := time.Now()
	resp, err := c.post(hookCtx, svc)
	c.observer.ServiceInvoked(c.endpoint, svc.Hook, svc.ID, time.Since(start), err)
	if err != nil {
		c.logger.Error().Err(err).
			Str("hook", svc.Hook).
			Str("service", svc.ID).
			Msg("error invoking cds hook")
		return newErrorResponse(svc, err)
	}
	return newResponse(svc, resp)
}

func (c *DiscoveryClient) post(hookCtx *HookContext, svc Service) (*HookResponse, error) {
	prepared, err := NewPreparedRequest(c.lifetime, c.fhir, c.resolvers, svc, hookCtx, c.release)
	if err != nil {
		return nil, err
	}
	body, err := prepared.Body()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(c.lifetime, c.invokeTimeout)
	defer cancel()

	target := c.serviceURL(svc.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build invocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(req, target); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", svc.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{Method: http.MethodPost, URL: target, StatusCode: resp.StatusCode}
	}
	var hr HookResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&hr); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", svc.ID, err)
	}
	return &hr, nil
}
