package cdshooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/workerpool"
)

// ---------------------------------------------------------------------------
// Fake CDS service endpoint
// ---------------------------------------------------------------------------

// serviceFunc answers one invocation. A zero status means 200.
type serviceFunc func(req HookRequest) (int, *HookResponse)

type recordedCall struct {
	ServiceID     string
	Request       HookRequest
	Authorization string
}

type fakeCDSServer struct {
	srv *httptest.Server

	mu                sync.Mutex
	services          []Service
	handlers          map[string]serviceFunc
	discoveryFailures int
	discoveryBody     string
	discoveryCalls    int
	discoveryAuth     string
	gate              chan struct{}
	calls             []recordedCall
}

func newFakeCDSServer(t *testing.T, services ...Service) *fakeCDSServer {
	t.Helper()
	f := &fakeCDSServer{
		services: services,
		handlers: make(map[string]serviceFunc),
	}

	e := echo.New()
	e.GET("/cds-services", f.discovery)
	e.POST("/cds-services/:id", f.invoke)
	f.srv = httptest.NewServer(e)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCDSServer) URL() string { return f.srv.URL }

// handle installs the behaviour of service id; unset services answer one card.
func (f *fakeCDSServer) handle(id string, fn serviceFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[id] = fn
}

// failDiscovery makes the first n discovery calls answer 503.
func (f *fakeCDSServer) failDiscovery(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoveryFailures = n
}

// holdDiscovery blocks discovery until the returned func is called.
func (f *fakeCDSServer) holdDiscovery() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	var once sync.Once
	gate := f.gate
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeCDSServer) discovery(c echo.Context) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoveryCalls++
	f.discoveryAuth = c.Request().Header.Get("Authorization")
	if f.discoveryCalls <= f.discoveryFailures {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	if f.discoveryBody != "" {
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(f.discoveryBody))
	}
	services := f.services
	if services == nil {
		services = []Service{}
	}
	return c.JSON(http.StatusOK, map[string][]Service{"services": services})
}

func (f *fakeCDSServer) invoke(c echo.Context) error {
	id := c.Param("id")
	var req HookRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{ServiceID: id, Request: req, Authorization: c.Request().Header.Get("Authorization")})
	fn := f.handlers[id]
	f.mu.Unlock()

	if fn == nil {
		return c.JSON(http.StatusOK, &HookResponse{Cards: []Card{{Summary: "card from " + id, Indicator: "info", Source: Source{Label: id}}}})
	}
	status, resp := fn(req)
	if status == 0 {
		status = http.StatusOK
	}
	if resp == nil {
		return c.NoContent(status)
	}
	return c.JSON(status, resp)
}

func (f *fakeCDSServer) Calls() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeCDSServer) DiscoveryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discoveryCalls
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testOptions(opts ...Option) []Option {
	base := []Option{
		WithRetry(5, 5*time.Millisecond),
		WithInvokeTimeout(5 * time.Second),
		WithPool(workerpool.New(8, zerolog.Nop())),
	}
	return append(base, opts...)
}

func newReadyClient(t *testing.T, f *fakeCDSServer, opts ...Option) *DiscoveryClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c, err := NewDiscoveryClient(ctx, f.URL(), testOptions(opts...)...)
	if err != nil {
		t.Fatalf("NewDiscoveryClient: %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := c.WaitLoaded(waitCtx); err != nil {
		t.Fatalf("WaitLoaded: %v", err)
	}
	return c
}

func waitDone(t *testing.T, r *InvocationRequest) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("request did not complete: %v", err)
	}
}

func svc(id, hook string) Service {
	return Service{ID: id, Hook: hook, Description: id + " service"}
}
