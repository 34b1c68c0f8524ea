package cdshooks

import (
	"errors"
	"sync"
	"testing"
)

func TestCatalog_ServicesKeepDeclarationOrder(t *testing.T) {
	c := NewCatalog([]Service{
		svc("pv-1", "patient-view"),
		svc("os-1", "order-select"),
		svc("pv-2", "patient-view"),
		svc("pv-3", "patient-view"),
	})

	got, err := c.Services("patient-view")
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	want := []string{"pv-1", "pv-2", "pv-3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d services, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("services[%d] = %s, want %s", i, got[i].ID, id)
		}
	}

	none, err := c.Services("encounter-start")
	if err != nil || len(none) != 0 {
		t.Fatalf("unknown hook should give an empty list, got %v, %v", none, err)
	}

	if hooks := c.HookTypes(); len(hooks) != 2 || hooks[0] != "order-select" || hooks[1] != "patient-view" {
		t.Errorf("unexpected hook types %v", hooks)
	}
	if s, ok := c.Service("os-1"); !ok || s.Hook != "order-select" {
		t.Errorf("Service(os-1) = %+v, %v", s, ok)
	}
	if _, ok := c.Service("missing"); ok {
		t.Error("missing service should not be found")
	}
}

func TestCatalog_ResultsAreCopies(t *testing.T) {
	c := NewCatalog([]Service{svc("a", "patient-view")})
	all, _ := c.All()
	all[0].ID = "mutated"
	again, _ := c.All()
	if again[0].ID != "a" {
		t.Fatal("All must not expose internal storage")
	}
}

func TestCatalog_NilIsNotLoaded(t *testing.T) {
	var c *Catalog
	if _, err := c.Services("patient-view"); !errors.Is(err, ErrCatalogNotLoaded) {
		t.Errorf("Services: expected ErrCatalogNotLoaded, got %v", err)
	}
	if _, err := c.All(); !errors.Is(err, ErrCatalogNotLoaded) {
		t.Errorf("All: expected ErrCatalogNotLoaded, got %v", err)
	}
	if !c.IsEmpty() {
		t.Error("nil catalog should be empty")
	}
	if c.HookTypes() != nil {
		t.Error("nil catalog has no hook types")
	}
}

func TestCatalog_IndexBuiltOnce(t *testing.T) {
	c := NewCatalog([]Service{svc("a", "patient-view"), svc("b", "order-select")})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				c.Services("patient-view")
			} else {
				c.Service("b")
			}
		}(i)
	}
	wg.Wait()

	if c.builds != 1 {
		t.Fatalf("expected index built once, got %d", c.builds)
	}
}

func TestParseCatalog(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"valid", `{"services":[{"hook":"patient-view","id":"a","description":"x","prefetch":{"p":"Patient/{{context.patientId}}"}}]}`, 1, false},
		{"empty", `{"services":[]}`, 0, false},
		{"missing services", `{}`, 0, false},
		{"not json", `<html>`, 0, true},
		{"missing id", `{"services":[{"hook":"patient-view"}]}`, 0, true},
		{"missing hook", `{"services":[{"id":"a"}]}`, 0, true},
		{"duplicate id", `{"services":[{"hook":"h","id":"a"},{"hook":"h","id":"a"}]}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCatalog([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCatalog: %v", err)
			}
			all, _ := c.All()
			if len(all) != tt.want {
				t.Fatalf("expected %d services, got %d", tt.want, len(all))
			}
		})
	}
}
