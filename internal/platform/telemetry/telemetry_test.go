package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ehr/cdshooks/internal/platform/cdshooks"
)

var _ cdshooks.Observer = (*Metrics)(nil)

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestMiddleware_ActiveRequests(t *testing.T) {
	m := NewMetrics()
	activeObserved := make(chan float64, 1)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/slow", func(c echo.Context) error {
		activeObserved <- testutil.ToFloat64(m.httpActive)
		return c.String(http.StatusOK, "ok")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))

	if active := <-activeObserved; active != 1 {
		t.Fatalf("expected 1 active request during handling, got %v", active)
	}
	if active := testutil.ToFloat64(m.httpActive); active != 0 {
		t.Fatalf("expected 0 active requests after handling, got %v", active)
	}
}

func TestMiddleware_LabelsUseRoutePattern(t *testing.T) {
	m := NewMetrics()
	e := echo.New()
	e.Use(m.Middleware())
	e.POST("/cds-hooks/hooks/:hook/trigger", func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	})
	e.GET("/missing", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})

	for _, hook := range []string{"patient-view", "order-select"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/cds-hooks/hooks/"+hook+"/trigger", nil))
	}
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	if n := testutil.CollectAndCount(m.httpDuration); n != 2 {
		t.Fatalf("expected 2 label sets, got %d", n)
	}
	body := scrape(t, m)
	if !strings.Contains(body, `route="/cds-hooks/hooks/:hook/trigger",status_code="202"`) {
		t.Errorf("route pattern label missing:\n%s", body)
	}
	if !strings.Contains(body, `route="/missing",status_code="404"`) {
		t.Errorf("HTTPError status not used:\n%s", body)
	}
}

// ---------------------------------------------------------------------------
// Engine observer
// ---------------------------------------------------------------------------

func TestObserver_Discovery(t *testing.T) {
	m := NewMetrics()
	ep := "https://cds.example/cds-services"

	m.DiscoveryAttempt(ep, errors.New("503"))
	m.DiscoveryAttempt(ep, errors.New("503"))
	m.DiscoveryAttempt(ep, nil)

	if v := testutil.ToFloat64(m.discovery.WithLabelValues(ep, resultError)); v != 2 {
		t.Errorf("error attempts = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.discovery.WithLabelValues(ep, resultSuccess)); v != 1 {
		t.Errorf("success attempts = %v, want 1", v)
	}
}

func TestObserver_EndpointStateIsOneHot(t *testing.T) {
	m := NewMetrics()
	ep := "https://cds.example/cds-services"

	m.EndpointState(ep, "loading")
	m.EndpointState(ep, "ready")

	for _, s := range endpointStates {
		want := 0.0
		if s == "ready" {
			want = 1
		}
		if v := testutil.ToFloat64(m.endpointState.WithLabelValues(ep, s)); v != want {
			t.Errorf("state %s = %v, want %v", s, v, want)
		}
	}
}

func TestObserver_Invocations(t *testing.T) {
	m := NewMetrics()
	ep := "https://cds.example/cds-services"

	m.ServiceInvoked(ep, "patient-view", "a", 20*time.Millisecond, nil)
	m.ServiceInvoked(ep, "patient-view", "b", 30*time.Millisecond, errors.New("500"))
	m.RequestFinished(ep, "patient-view", cdshooks.OutcomeCompleted)
	m.RequestFinished(ep, "patient-view", cdshooks.OutcomeAborted)
	m.RequestFinished(ep, "patient-view", cdshooks.OutcomeAborted)

	if v := testutil.ToFloat64(m.serviceCalls.WithLabelValues(ep, "patient-view", "b", resultError)); v != 1 {
		t.Errorf("failed calls of b = %v", v)
	}
	if v := testutil.ToFloat64(m.requests.WithLabelValues("patient-view", cdshooks.OutcomeAborted)); v != 2 {
		t.Errorf("aborted requests = %v", v)
	}
	body := scrape(t, m)
	if !strings.Contains(body, `cdshooks_service_invocation_duration_seconds_count{hook="patient-view"} 2`) {
		t.Errorf("latency histogram missing:\n%s", body)
	}
}

func TestSetDBPool(t *testing.T) {
	m := NewMetrics()
	m.SetDBPool(5, 10)
	if testutil.ToFloat64(m.dbActive) != 5 || testutil.ToFloat64(m.dbIdle) != 10 {
		t.Fatal("db pool gauges not set")
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func TestHandler_ExpositionFormat(t *testing.T) {
	m := NewMetrics()
	m.DiscoveryAttempt("https://cds.example/cds-services", nil)

	body := scrape(t, m)
	for _, name := range []string{
		"cdshooks_discovery_attempts_total",
		"http_server_active_requests",
		"db_pool_idle_connections",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %q in output", name)
		}
	}
	if !strings.Contains(body, "# HELP") || !strings.Contains(body, "# TYPE") {
		t.Error("expected HELP and TYPE comments")
	}
}

func TestMetrics_ConcurrentSafe(t *testing.T) {
	m := NewMetrics()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/cds-hooks/endpoints", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	var wg sync.WaitGroup
	const goroutines, perGoroutine = 20, 25
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cds-hooks/endpoints", nil))
				m.ServiceInvoked("ep", "patient-view", fmt.Sprintf("svc-%d", g%3), time.Millisecond, nil)
			}
		}(g)
	}
	wg.Wait()

	body := scrape(t, m)
	want := fmt.Sprintf(`http_server_request_duration_seconds_count{method="GET",route="/cds-hooks/endpoints",status_code="200"} %d`, goroutines*perGoroutine)
	if !strings.Contains(body, want) {
		t.Fatalf("expected %q in output", want)
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	e := echo.New()
	e.GET("/metrics", m.Handler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	return rec.Body.String()
}
