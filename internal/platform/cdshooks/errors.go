package cdshooks

import (
	"errors"
	"fmt"
)

var (
	// ErrCatalogNotLoaded is returned when a catalog is queried before discovery completed.
	ErrCatalogNotLoaded = errors.New("cds hooks catalog not loaded")

	// ErrUnresolvablePlaceholder is returned for a prefetch token no resolver can handle.
	ErrUnresolvablePlaceholder = errors.New("unresolvable placeholder")

	// ErrDuplicateResolver is returned when a resolver type is registered twice.
	ErrDuplicateResolver = errors.New("duplicate placeholder resolver")

	// ErrServiceNotFound is returned when a service id is not in the catalog.
	ErrServiceNotFound = errors.New("cds service not found")

	// ErrInvalidEndpoint is returned for a discovery endpoint that is not an http(s) URL.
	ErrInvalidEndpoint = errors.New("invalid discovery endpoint")

	// errAborted is the cancellation cause recorded by InvocationRequest.Abort.
	errAborted = errors.New("invocation request aborted")
)

// HTTPStatusError reports a non-success status from a CDS service endpoint.
type HTTPStatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}
