package cdshooks

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the engine over HTTP for operators and integration tests.
type Handler struct {
	registry *ClientRegistry
	triggers *Triggers
}

// NewHandler creates a Handler.
func NewHandler(registry *ClientRegistry, triggers *Triggers) *Handler {
	return &Handler{registry: registry, triggers: triggers}
}

// RegisterRoutes registers the admin routes on g (conventionally /cds-hooks).
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/endpoints", h.ListEndpoints)
	g.GET("/endpoints/services", h.ListServices)
	g.POST("/hooks/:hook/trigger", h.FireHook)
}

// ListEndpoints handles GET /endpoints.
func (h *Handler) ListEndpoints(c echo.Context) error {
	clients := h.registry.Clients()
	out := make([]Status, 0, len(clients))
	for _, cl := range clients {
		out = append(out, cl.Status())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  out,
		"total": len(out),
	})
}

// ListServices handles GET /endpoints/services?endpoint=...
func (h *Handler) ListServices(c echo.Context) error {
	endpoint := c.QueryParam("endpoint")
	if endpoint == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "endpoint query parameter is required")
	}
	cl, ok := h.registry.Client(endpoint)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "endpoint not found")
	}
	services, err := cl.Catalog().All()
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, "endpoint "+cl.State().String()+": "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string][]Service{"services": services})
}

type fireRequest struct {
	Context *HookContext `json:"context"`
}

type fireResponse struct {
	Requests int `json:"requests"`
	Skipped  int `json:"skipped"`
}

// FireHook handles POST /hooks/:hook/trigger. The invocations run in the
// background; responses are delivered to the event publisher.
func (h *Handler) FireHook(c echo.Context) error {
	hook := c.Param("hook")
	var req fireRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Context == nil {
		req.Context = NewHookContext()
	}

	var resp fireResponse
	for _, r := range h.triggers.Get(hook).Fire(c.Request().Context(), req.Context) {
		if r == nil {
			resp.Skipped++
		} else {
			resp.Requests++
		}
	}
	return c.JSON(http.StatusAccepted, resp)
}
