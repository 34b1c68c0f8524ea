package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/config"
	"github.com/ehr/cdshooks/internal/platform/cdshooks"
	"github.com/ehr/cdshooks/internal/platform/db"
	"github.com/ehr/cdshooks/internal/platform/fhirclient"
	"github.com/ehr/cdshooks/internal/platform/telemetry"
	"github.com/ehr/cdshooks/internal/platform/workerpool"
)

// engine is the composition root shared by the serve and invoke commands.
type engine struct {
	logger   zerolog.Logger
	pool     *workerpool.Pool
	registry *cdshooks.ClientRegistry
	metrics  *telemetry.Metrics
	dbPool   *pgxpool.Pool
}

// newEngine wires the worker pool, the FHIR client, the JWT signer and one
// discovery client per endpoint. ctx bounds the lifetime of every client.
func newEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*engine, error) {
	eng := &engine{
		logger:   logger,
		pool:     workerpool.New(cfg.CDSHooksWorkers, logger),
		registry: cdshooks.NewClientRegistry(logger),
		metrics:  telemetry.NewMetrics(),
	}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		eng.dbPool = pool
		logger.Info().Msg("connected to database")
	}

	opts, err := clientOptions(ctx, cfg, logger, eng.pool)
	if err != nil {
		eng.Close()
		return nil, err
	}
	opts = append(opts, cdshooks.WithObserver(eng.metrics))

	endpoints, err := eng.endpoints(ctx, cfg)
	if err != nil {
		eng.Close()
		return nil, err
	}
	n := eng.registry.CreateClients(ctx, endpoints, opts...)
	logger.Info().Int("endpoints", n).Msg("cds hooks clients created")
	return eng, nil
}

// endpoints merges configured endpoints with the active database rows,
// configured first, duplicates dropped.
func (e *engine) endpoints(ctx context.Context, cfg *config.Config) ([]string, error) {
	var stored []string
	if e.dbPool != nil {
		store := db.NewEndpointStore(e.dbPool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		var err error
		if stored, err = store.ListActive(ctx); err != nil {
			return nil, err
		}
	}
	return mergeEndpoints(cfg.Endpoints(), stored), nil
}

// mergeEndpoints normalizes and concatenates the lists, keeping the first of
// each normalized duplicate. Invalid entries pass through unchanged.
func mergeEndpoints(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, ep := range list {
			norm, err := cdshooks.NormalizeEndpoint(ep)
			if err != nil {
				// CreateClients logs it.
				out = append(out, ep)
				continue
			}
			if _, dup := seen[norm]; dup {
				continue
			}
			seen[norm] = struct{}{}
			out = append(out, norm)
		}
	}
	return out
}

// Close releases the database pool.
func (e *engine) Close() {
	if e.dbPool != nil {
		e.dbPool.Close()
	}
}

func clientOptions(ctx context.Context, cfg *config.Config, logger zerolog.Logger, pool *workerpool.Pool) ([]cdshooks.Option, error) {
	opts := []cdshooks.Option{
		cdshooks.WithLogger(logger),
		cdshooks.WithPool(pool),
		cdshooks.WithHTTPClient(newHTTPClient(cfg, logger)),
		cdshooks.WithRetry(cfg.CDSHooksRetryAttempts, cfg.RetryInterval()),
		cdshooks.WithInvokeTimeout(cfg.InvokeTimeout()),
	}

	if cfg.FHIRServerURL != "" {
		fc, err := fhirclient.New(cfg.FHIRServerURL, fhirclient.WithAccessToken(cfg.FHIRAccessToken))
		if err != nil {
			return nil, err
		}
		release := detectRelease(ctx, fc, logger)
		logger.Info().Str("fhir_server", fc.BaseURL()).Str("release", release.String()).Msg("prefetch enabled")
		opts = append(opts, cdshooks.WithFHIRClient(fc), cdshooks.WithFHIRRelease(release))
	}

	if cfg.JWTEnabled() {
		signer, err := loadTokenSigner(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("issuer", cfg.CDSHooksJWTIssuer).Str("alg", signer.Algorithm()).Msg("cds client jwt enabled")
		opts = append(opts, cdshooks.WithTokenSigner(signer))
	}
	return opts, nil
}

func newHTTPClient(cfg *config.Config, logger zerolog.Logger) *http.Client {
	httpClient := &http.Client{}
	if cfg.CDSHooksInsecureTLS {
		logger.Warn().Msg("tls certificate verification disabled for cds services")
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test environments
		httpClient.Transport = tr
	}
	return httpClient
}

// detectRelease asks the FHIR server for its version and falls back to R4.
func detectRelease(ctx context.Context, fc *fhirclient.Client, logger zerolog.Logger) fhirclient.Release {
	release, err := fc.DetectRelease(ctx)
	if err != nil {
		logger.Warn().Err(err).Str("fhir_server", fc.BaseURL()).Msg("could not detect fhir release; assuming R4")
		return fhirclient.ReleaseR4
	}
	return release
}

func loadTokenSigner(cfg *config.Config) (*cdshooks.TokenSigner, error) {
	keyPEM, err := os.ReadFile(cfg.CDSHooksJWTKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read jwt key: %w", err)
	}
	return cdshooks.NewTokenSigner(cfg.CDSHooksJWTIssuer, cfg.CDSHooksJWTKeyID, keyPEM)
}
