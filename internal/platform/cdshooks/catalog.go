package cdshooks

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Catalog is the immutable set of services offered by one discovery endpoint,
// indexed by service id and by hook type. A nil *Catalog is an endpoint whose
// discovery has not completed; querying it returns ErrCatalogNotLoaded.
type Catalog struct {
	services []Service

	once   sync.Once
	byID   map[string]int
	byHook map[string][]int
	// builds counts index constructions. Only tests read it.
	builds int
}

// NewCatalog creates a catalog from already-decoded services.
func NewCatalog(services []Service) *Catalog {
	c := &Catalog{services: make([]Service, len(services))}
	copy(c.services, services)
	return c
}

// ParseCatalog decodes a discovery document ({"services": [...]}).
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc discoveryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Services))
	for i, svc := range doc.Services {
		if svc.ID == "" {
			return nil, fmt.Errorf("service #%d: id is required", i)
		}
		if svc.Hook == "" {
			return nil, fmt.Errorf("service %q: hook is required", svc.ID)
		}
		if _, dup := seen[svc.ID]; dup {
			return nil, fmt.Errorf("service %q: duplicate id", svc.ID)
		}
		seen[svc.ID] = struct{}{}
	}
	return NewCatalog(doc.Services), nil
}

// index builds both lookup maps together, exactly once.
func (c *Catalog) index() *Catalog {
	c.once.Do(func() {
		byID := make(map[string]int, len(c.services))
		byHook := make(map[string][]int)
		for i, svc := range c.services {
			byID[svc.ID] = i
			byHook[svc.Hook] = append(byHook[svc.Hook], i)
		}
		c.byID = byID
		c.byHook = byHook
		c.builds++
	})
	return c
}

// IsEmpty reports whether the catalog has no services. An unloaded catalog is empty.
func (c *Catalog) IsEmpty() bool {
	return c == nil || len(c.services) == 0
}

// All returns every service in declaration order.
func (c *Catalog) All() ([]Service, error) {
	if c == nil {
		return nil, ErrCatalogNotLoaded
	}
	out := make([]Service, len(c.services))
	copy(out, c.services)
	return out, nil
}

// Services returns the services subscribed to hookType, in declaration order.
func (c *Catalog) Services(hookType string) ([]Service, error) {
	if c == nil {
		return nil, ErrCatalogNotLoaded
	}
	idx := c.index().byHook[hookType]
	out := make([]Service, 0, len(idx))
	for _, i := range idx {
		out = append(out, c.services[i])
	}
	return out, nil
}

// Service returns the service with the given id.
func (c *Catalog) Service(id string) (Service, bool) {
	if c == nil {
		return Service{}, false
	}
	i, ok := c.index().byID[id]
	if !ok {
		return Service{}, false
	}
	return c.services[i], true
}

// HookTypes returns the distinct hook types offered, sorted.
func (c *Catalog) HookTypes() []string {
	if c == nil {
		return nil
	}
	hooks := make([]string, 0, len(c.index().byHook))
	for h := range c.byHook {
		hooks = append(hooks, h)
	}
	sort.Strings(hooks)
	return hooks
}
