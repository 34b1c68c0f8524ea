package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Endpoint is a row of cds_hooks_endpoint.
type Endpoint struct {
	URL       string    `json:"url"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

const endpointSchema = `
CREATE TABLE IF NOT EXISTS cds_hooks_endpoint (
	url        TEXT PRIMARY KEY,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// EndpointStore reads and maintains the CDS discovery endpoints registered in
// the database. Configured endpoints are merged with these at startup.
type EndpointStore struct {
	db queryable
}

// NewEndpointStore creates a store over a pool, connection or transaction.
func NewEndpointStore(db queryable) *EndpointStore {
	return &EndpointStore{db: db}
}

// EnsureSchema creates the endpoint table if it does not exist.
func (s *EndpointStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, endpointSchema); err != nil {
		return fmt.Errorf("create cds_hooks_endpoint: %w", err)
	}
	return nil
}

// ListActive returns the active endpoint URLs, oldest first.
func (s *EndpointStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT url FROM cds_hooks_endpoint WHERE active ORDER BY created_at, url`)
	if err != nil {
		return nil, fmt.Errorf("list cds endpoints: %w", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan cds endpoints: %w", err)
	}
	return urls, nil
}

// List returns every endpoint row.
func (s *EndpointStore) List(ctx context.Context) ([]Endpoint, error) {
	rows, err := s.db.Query(ctx, `SELECT url, active, created_at FROM cds_hooks_endpoint ORDER BY created_at, url`)
	if err != nil {
		return nil, fmt.Errorf("list cds endpoints: %w", err)
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var ep Endpoint
		if err := rows.Scan(&ep.URL, &ep.Active, &ep.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cds endpoint: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// Add inserts url as active, or reactivates it if it already exists.
func (s *EndpointStore) Add(ctx context.Context, url string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cds_hooks_endpoint (url, active) VALUES ($1, TRUE)
		ON CONFLICT (url) DO UPDATE SET active = TRUE`, url)
	if err != nil {
		return fmt.Errorf("add cds endpoint %s: %w", url, err)
	}
	return nil
}

// SetActive enables or disables url. It reports whether the row exists.
func (s *EndpointStore) SetActive(ctx context.Context, url string, active bool) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE cds_hooks_endpoint SET active = $2 WHERE url = $1`, url, active)
	if err != nil {
		return false, fmt.Errorf("update cds endpoint %s: %w", url, err)
	}
	return tag.RowsAffected() > 0, nil
}
