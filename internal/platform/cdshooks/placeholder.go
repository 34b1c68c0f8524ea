package cdshooks

import (
	"fmt"
	"strings"
	"sync"
)

// PlaceholderResolver substitutes one family of {{type.name}} prefetch tokens.
type PlaceholderResolver interface {
	// Type is the token prefix this resolver handles, e.g. "context".
	Type() string
	// Resolve returns the value for name against the request being prepared.
	Resolve(name string, req *HookRequest) (string, error)
}

// ResolverFunc adapts a function to PlaceholderResolver.
type ResolverFunc struct {
	Name string
	Fn   func(name string, req *HookRequest) (string, error)
}

func (f ResolverFunc) Type() string { return f.Name }

func (f ResolverFunc) Resolve(name string, req *HookRequest) (string, error) {
	return f.Fn(name, req)
}

// contextResolver resolves {{context.key}} from the request's hook context.
// A missing key resolves to the empty string.
type contextResolver struct{}

func (contextResolver) Type() string { return "context" }

func (contextResolver) Resolve(name string, req *HookRequest) (string, error) {
	if req == nil {
		return "", nil
	}
	v, _ := req.Context.Get(name)
	return v, nil
}

// ResolverRegistry holds placeholder resolvers keyed by type. It is built by
// the composition root and shared by every prepared request.
type ResolverRegistry struct {
	mu        sync.RWMutex
	resolvers map[string]PlaceholderResolver
}

// NewResolverRegistry creates a registry with the built-in "context" resolver.
func NewResolverRegistry() *ResolverRegistry {
	r := &ResolverRegistry{resolvers: make(map[string]PlaceholderResolver)}
	r.MustRegister(contextResolver{})
	return r
}

// Register adds a resolver. Registering a type twice is a programming error
// and returns ErrDuplicateResolver.
func (r *ResolverRegistry) Register(res PlaceholderResolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := res.Type()
	if _, exists := r.resolvers[t]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateResolver, t)
	}
	r.resolvers[t] = res
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *ResolverRegistry) MustRegister(res PlaceholderResolver) {
	if err := r.Register(res); err != nil {
		panic(err)
	}
}

// Resolve resolves one qualified token such as "context.patientId". A token
// without a dot is unresolvable; an empty name ("context.") is passed through
// to the resolver.
func (r *ResolverRegistry) Resolve(token string, req *HookRequest) (string, error) {
	typ, name, found := strings.Cut(token, ".")
	if !found {
		return "", fmt.Errorf("%w '%s'", ErrUnresolvablePlaceholder, token)
	}
	r.mu.RLock()
	res, ok := r.resolvers[typ]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w '%s'", ErrUnresolvablePlaceholder, token)
	}
	v, err := res.Resolve(name, req)
	if err != nil {
		return "", fmt.Errorf("resolve placeholder '%s': %w", token, err)
	}
	return v, nil
}

// Expand replaces every {{...}} span in template, left to right. Spans do not
// nest and there is no escaping. An opening {{ without a closing }} leaves the
// rest of the template untouched.
func (r *ResolverRegistry) Expand(template string, req *HookRequest) (string, error) {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start+2:], "}}")
		if end < 0 {
			break
		}
		end += start + 2
		v, err := r.Resolve(rest[start+2:end], req)
		if err != nil {
			return "", err
		}
		b.WriteString(rest[:start])
		b.WriteString(v)
		rest = rest[end+2:]
	}
	b.WriteString(rest)
	return b.String(), nil
}
