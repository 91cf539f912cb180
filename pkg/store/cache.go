package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/enrich"
)

// EnrichCache exposes the enrich_cache table as an enrichment cache
// backend, so lookup results survive restarts alongside the leads they
// enriched.
func (s *Store) EnrichCache() enrich.Cache {
	return &sqlCache{s: s}
}

type sqlCache struct {
	s *Store
}

func (c *sqlCache) Get(ctx context.Context, op enrich.Op, key string) (enrich.CachedValue, bool, error) {
	row := c.s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM enrich_cache WHERE op = ? AND key = ?`,
		string(op), key)
	var raw, expires string
	if err := row.Scan(&raw, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return enrich.CachedValue{}, false, nil
		}
		return enrich.CachedValue{}, false, fmt.Errorf("cache get: %w", err)
	}
	if exp := parseTime(expires); exp.IsZero() || c.s.now().After(exp) {
		return enrich.CachedValue{}, false, nil
	}
	var v enrich.CachedValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return enrich.CachedValue{}, false, fmt.Errorf("cache decode: %w", err)
	}
	return v, true, nil
}

func (c *sqlCache) Set(ctx context.Context, op enrich.Op, key string, v enrich.CachedValue, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	expires := fmtTime(c.s.now().Add(ttl))
	return c.s.write(ctx, func() error {
		_, err := c.s.db.ExecContext(context.Background(), `
			INSERT INTO enrich_cache (op, key, value, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(op, key) DO UPDATE SET
				value = excluded.value,
				expires_at = excluded.expires_at`,
			string(op), key, string(raw), expires)
		if err != nil {
			return fmt.Errorf("cache set: %w", err)
		}
		return nil
	})
}

// PruneEnrichCache drops expired cache rows. The pipeline calls this on
// its housekeeping tick.
func (s *Store) PruneEnrichCache(ctx context.Context) (int64, error) {
	var n int64
	err := s.write(ctx, func() error {
		res, err := s.db.ExecContext(context.Background(),
			`DELETE FROM enrich_cache WHERE expires_at < ?`, fmtTime(s.now()))
		if err != nil {
			return fmt.Errorf("prune cache: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
