// Package fhirclient is a minimal FHIR REST client used to resolve CDS Hooks
// prefetch queries. It supports read by reference, search by query string and
// CapabilityStatement lookup for release detection.
package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const fhirJSON = "application/fhir+json"

// maxBodyBytes bounds how much of a FHIR response is read into memory.
const maxBodyBytes = 32 << 20

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAccessToken sends "Authorization: Bearer <token>" on every request.
func WithAccessToken(token string) Option {
	return func(c *Client) { c.accessToken = token }
}

// Client talks to one FHIR server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	accessToken string
}

// New creates a client for the FHIR server rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid fhir base url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("fhir base url scheme must be http or https, got %q", u.Scheme)
	}
	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the server root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Read fetches a single resource. reference is "Type/id" relative to the base
// URL, or an absolute URL under it.
func (c *Client) Read(ctx context.Context, reference string) (json.RawMessage, error) {
	body, err := c.get(ctx, reference)
	if err != nil {
		return nil, err
	}
	want := resourceTypeOf(reference)
	got, err := decodeResourceType(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", reference, err)
	}
	if want != "" && got != want {
		return nil, fmt.Errorf("read %s: expected %s, got %s", reference, want, got)
	}
	return body, nil
}

// Search runs a search such as "Observation?patient=123" and returns the Bundle.
func (c *Client) Search(ctx context.Context, query string) (json.RawMessage, error) {
	body, err := c.get(ctx, query)
	if err != nil {
		return nil, err
	}
	got, err := decodeResourceType(body)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", query, err)
	}
	if got != "Bundle" {
		return nil, fmt.Errorf("search %s: expected Bundle, got %s", query, got)
	}
	return body, nil
}

// CapabilityStatement holds the fields of /metadata this client uses.
type CapabilityStatement struct {
	ResourceType string `json:"resourceType"`
	FHIRVersion  string `json:"fhirVersion"`
	Software     *struct {
		Name    string `json:"name"`
		Version string `json:"version,omitempty"`
	} `json:"software,omitempty"`
}

// Capabilities fetches the server's CapabilityStatement.
func (c *Client) Capabilities(ctx context.Context) (*CapabilityStatement, error) {
	body, err := c.get(ctx, "metadata")
	if err != nil {
		return nil, err
	}
	var cs CapabilityStatement
	if err := json.Unmarshal(body, &cs); err != nil {
		return nil, fmt.Errorf("decode capability statement: %w", err)
	}
	// DSTU2 servers answer with a Conformance resource.
	if cs.ResourceType != "CapabilityStatement" && cs.ResourceType != "Conformance" {
		return nil, fmt.Errorf("metadata: unexpected resource type %q", cs.ResourceType)
	}
	return &cs, nil
}

// DetectRelease reads /metadata and maps fhirVersion to a Release.
func (c *Client) DetectRelease(ctx context.Context) (Release, error) {
	cs, err := c.Capabilities(ctx)
	if err != nil {
		return ReleaseUnknown, err
	}
	return ParseRelease(cs.FHIRVersion)
}

// ErrForeignReference is returned for an absolute reference outside the base URL.
var ErrForeignReference = errors.New("reference is outside the fhir base url")

// resolve makes ref absolute. Absolute references must live under the base
// URL so the access token never leaves the FHIR server.
func (c *Client) resolve(ref string) (string, error) {
	lower := strings.ToLower(ref)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return c.baseURL + "/" + strings.TrimLeft(ref, "/"), nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", ref, err)
	}
	base, _ := url.Parse(c.baseURL)
	if !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) || u.User != nil {
		return "", fmt.Errorf("%w: %s", ErrForeignReference, ref)
	}
	if u.Path != base.Path && !strings.HasPrefix(u.Path, strings.TrimRight(base.Path, "/")+"/") {
		return "", fmt.Errorf("%w: %s", ErrForeignReference, ref)
	}
	return ref, nil
}

func (c *Client) get(ctx context.Context, ref string) (json.RawMessage, error) {
	target, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", fhirJSON)
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newStatusError(target, resp.StatusCode, body)
	}
	return json.RawMessage(body), nil
}

// resourceTypeOf returns "Patient" for "Patient/123", "http://x/fhir/Patient/123"
// or "Patient/123/_history/2"; empty when the reference has no type segment.
func resourceTypeOf(ref string) string {
	if i := strings.IndexByte(ref, '?'); i >= 0 {
		ref = ref[:i]
	}
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		ref = u.Path
	}
	segs := strings.Split(strings.Trim(ref, "/"), "/")
	if n := len(segs); n >= 4 && segs[n-2] == "_history" {
		segs = segs[:n-2]
	}
	if n := len(segs); n >= 2 {
		return segs[n-2]
	}
	return ""
}

func decodeResourceType(body []byte) (string, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return "", fmt.Errorf("decode resource: %w", err)
	}
	if head.ResourceType == "" {
		return "", fmt.Errorf("decode resource: missing resourceType")
	}
	return head.ResourceType, nil
}
