package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

const defaultFetchTable = "fetches"

// FetchStore writes one row per terminal fetch outcome.
type FetchStore struct {
	pool  Pool
	table string
}

// NewFetchStore constructs a store on an existing pool. An empty table name
// selects "fetches".
func NewFetchStore(pool Pool, table string) (*FetchStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, defaultFetchTable)
	if err != nil {
		return nil, err
	}
	return &FetchStore{pool: pool, table: table}, nil
}

// StoreFetch inserts the record. Replaying a record with the same ID is a no-op.
func (s *FetchStore) StoreFetch(ctx context.Context, record crawler.FetchRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("fetch store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(record.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	url,
	final_url,
	succeeded,
	status_code,
	attempts,
	proxy,
	content_hash,
	blob_uri,
	headers,
	error_text,
	duration_ms,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
) ON CONFLICT (id) DO NOTHING`, s.table)

	args := []any{
		record.ID,
		record.RunID,
		record.URL,
		record.FinalURL,
		record.Succeeded,
		record.StatusCode,
		record.Attempts,
		record.Proxy,
		record.ContentHash,
		record.BlobURI,
		headersJSON,
		record.ErrorText,
		record.DurationMs,
		record.FetchedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert fetch: %w", err)
	}
	return nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
