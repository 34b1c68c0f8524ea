package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/config"
	"github.com/ehr/cdshooks/internal/platform/fhirclient"
	"github.com/ehr/cdshooks/internal/platform/workerpool"
)

// ---------------------------------------------------------------------------
// Command construction
// ---------------------------------------------------------------------------

func TestNewRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"serve": false, "discover": false, "invoke": false, "endpoints": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("root command is missing %q", name)
		}
	}

	eps, _, err := root.Find([]string{"endpoints"})
	if err != nil {
		t.Fatalf("Find(endpoints): %v", err)
	}
	var subs []string
	for _, c := range eps.Commands() {
		subs = append(subs, c.Name())
	}
	if len(subs) != 3 || subs[0] != "add" || subs[1] != "disable" || subs[2] != "list" {
		t.Errorf("endpoints subcommands = %v, want [add disable list]", subs)
	}
}

func TestCommands_RequireOneArgument(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"discover"}, {"invoke"}, {"endpoints", "add"}, {"endpoints", "disable"}} {
		cmd, _, err := root.Find(path)
		if err != nil {
			t.Fatalf("Find(%v): %v", path, err)
		}
		if err := cmd.Args(cmd, nil); err == nil {
			t.Errorf("%v accepted no arguments", path)
		}
		if err := cmd.Args(cmd, []string{"a", "b"}); err == nil {
			t.Errorf("%v accepted two arguments", path)
		}
		if err := cmd.Args(cmd, []string{"a"}); err != nil {
			t.Errorf("%v rejected one argument: %v", path, err)
		}
	}
}

func TestInvokeCmd_Flags(t *testing.T) {
	cmd := invokeCmd()
	if f := cmd.Flags().Lookup("context"); f == nil {
		t.Error("missing --context flag")
	}
	f := cmd.Flags().Lookup("timeout")
	if f == nil || f.DefValue != "2m0s" {
		t.Errorf("unexpected --timeout flag %+v", f)
	}
}

func TestParseContext(t *testing.T) {
	hc, err := parseContext([]string{"userId=Practitioner/1", "patientId=123", "note=a=b"})
	if err != nil {
		t.Fatalf("parseContext: %v", err)
	}
	keys := hc.Keys()
	if len(keys) != 3 || keys[0] != "userId" || keys[1] != "patientId" || keys[2] != "note" {
		t.Fatalf("keys = %v, want insertion order", keys)
	}
	if v, _ := hc.Get("note"); v != "a=b" {
		t.Errorf("note = %q, want %q", v, "a=b")
	}

	for _, bad := range []string{"patientId", "=123"} {
		if _, err := parseContext([]string{bad}); err == nil {
			t.Errorf("parseContext(%q) should fail", bad)
		}
	}
}

// ---------------------------------------------------------------------------
// Endpoint sources
// ---------------------------------------------------------------------------

func TestMergeEndpoints(t *testing.T) {
	configured := []string{"https://a.example", "https://b.example/cds-services/", "not a url"}
	stored := []string{"https://c.example/cds-services", "https://a.example/cds-services", "https://b.example"}

	got := mergeEndpoints(configured, stored)
	want := []string{
		"https://a.example/cds-services",
		"https://b.example/cds-services",
		"not a url",
		"https://c.example/cds-services",
	}
	if len(got) != len(want) {
		t.Fatalf("mergeEndpoints = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("mergeEndpoints[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEngineEndpoints_ConfigOnly(t *testing.T) {
	eng := &engine{logger: zerolog.Nop()}
	cfg := &config.Config{CDSHooksEndpoints: " https://a.example/ ,, https://a.example/cds-services , http://b.example:8080/api"}

	got, err := eng.endpoints(context.Background(), cfg)
	if err != nil {
		t.Fatalf("endpoints: %v", err)
	}
	if len(got) != 2 || got[0] != "https://a.example/cds-services" || got[1] != "http://b.example:8080/api/cds-services" {
		t.Fatalf("endpoints = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Client options
// ---------------------------------------------------------------------------

func TestNewHTTPClient(t *testing.T) {
	if hc := newHTTPClient(&config.Config{}, zerolog.Nop()); hc.Transport != nil {
		t.Error("default client should use the default transport")
	}

	hc := newHTTPClient(&config.Config{CDSHooksInsecureTLS: true}, zerolog.Nop())
	tr, ok := hc.Transport.(*http.Transport)
	if !ok || tr.TLSClientConfig == nil || !tr.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("insecure client should skip verification, got %#v", hc.Transport)
	}
	if http.DefaultTransport.(*http.Transport).TLSClientConfig != nil {
		t.Error("the default transport must not be modified")
	}
}

func newMetadataServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fhir/metadata" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDetectRelease(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   fhirclient.Release
	}{
		{"dstu2", http.StatusOK, `{"resourceType":"Conformance","fhirVersion":"1.0.2"}`, fhirclient.ReleaseDSTU2},
		{"r4", http.StatusOK, `{"resourceType":"CapabilityStatement","fhirVersion":"4.0.1"}`, fhirclient.ReleaseR4},
		{"server error falls back", http.StatusInternalServerError, `{}`, fhirclient.ReleaseR4},
		{"unknown version falls back", http.StatusOK, `{"resourceType":"CapabilityStatement","fhirVersion":"0.1"}`, fhirclient.ReleaseR4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newMetadataServer(t, tt.status, tt.body)
			fc, err := fhirclient.New(srv.URL + "/fhir")
			if err != nil {
				t.Fatalf("fhirclient.New: %v", err)
			}
			if got := detectRelease(context.Background(), fc, zerolog.Nop()); got != tt.want {
				t.Errorf("detectRelease = %s, want %s", got, tt.want)
			}
		})
	}
}

func writeRSAKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "client.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestLoadTokenSigner(t *testing.T) {
	cfg := &config.Config{CDSHooksJWTIssuer: "https://ehr.example", CDSHooksJWTKeyFile: writeRSAKey(t), CDSHooksJWTKeyID: "k1"}
	signer, err := loadTokenSigner(cfg)
	if err != nil {
		t.Fatalf("loadTokenSigner: %v", err)
	}
	if signer.Algorithm() != "RS384" {
		t.Errorf("Algorithm = %s, want RS384", signer.Algorithm())
	}

	cfg.CDSHooksJWTKeyFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := loadTokenSigner(cfg); err == nil {
		t.Error("missing key file should fail")
	}
}

func TestClientOptions(t *testing.T) {
	pool := workerpool.New(1, zerolog.Nop())
	base := config.Config{CDSHooksRetryAttempts: 3, CDSHooksRetryIntervalSecs: 1}

	opts, err := clientOptions(context.Background(), &base, zerolog.Nop(), pool)
	if err != nil {
		t.Fatalf("clientOptions: %v", err)
	}
	if len(opts) != 5 {
		t.Errorf("expected 5 base options, got %d", len(opts))
	}

	withFHIR := base
	withFHIR.FHIRServerURL = newMetadataServer(t, http.StatusOK, `{"resourceType":"CapabilityStatement","fhirVersion":"4.0.1"}`).URL + "/fhir"
	opts, err = clientOptions(context.Background(), &withFHIR, zerolog.Nop(), pool)
	if err != nil {
		t.Fatalf("clientOptions with fhir: %v", err)
	}
	if len(opts) != 7 {
		t.Errorf("expected fhir client and release options, got %d options", len(opts))
	}

	withJWT := base
	withJWT.CDSHooksJWTIssuer = "https://ehr.example"
	withJWT.CDSHooksJWTKeyFile = writeRSAKey(t)
	opts, err = clientOptions(context.Background(), &withJWT, zerolog.Nop(), pool)
	if err != nil {
		t.Fatalf("clientOptions with jwt: %v", err)
	}
	if len(opts) != 6 {
		t.Errorf("expected a token signer option, got %d options", len(opts))
	}

	withJWT.CDSHooksJWTKeyFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := clientOptions(context.Background(), &withJWT, zerolog.Nop(), pool); err == nil {
		t.Error("unreadable jwt key should fail")
	}

	badFHIR := base
	badFHIR.FHIRServerURL = "ftp://fhir.example"
	if _, err := clientOptions(context.Background(), &badFHIR, zerolog.Nop(), pool); err == nil {
		t.Error("non-http fhir url should fail")
	}
}
