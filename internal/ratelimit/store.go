package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Memory keeps hits in process memory.
type Memory struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemory() *Memory {
	return &Memory{hits: map[string][]time.Time{}}
}

func (m *Memory) Take(_ context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	hits := m.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	allowed := len(hits) < limit
	if allowed {
		hits = append(hits, now)
	}
	if len(hits) == 0 {
		delete(m.hits, key)
		return allowed, 0, time.Time{}, nil
	}
	m.hits[key] = hits
	return allowed, len(hits), hits[0], nil
}

// SQLStore keeps hits in the rate_hits table.
type SQLStore struct {
	DB *sql.DB
}

func (s SQLStore) Take(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, time.Time, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, time.Time{}, err
	}
	defer tx.Rollback()

	cutoff := now.Add(-window).UnixNano()
	if _, err := tx.ExecContext(ctx, `DELETE FROM rate_hits WHERE key=? AND hit_at<=?`, key, cutoff); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("prune rate_hits: %w", err)
	}
	var count int
	var oldest sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*), MIN(hit_at) FROM rate_hits WHERE key=?`, key).Scan(&count, &oldest); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("count rate_hits: %w", err)
	}
	allowed := count < limit
	if allowed {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rate_hits(key,hit_at) VALUES (?,?)`, key, now.UnixNano()); err != nil {
			return false, 0, time.Time{}, fmt.Errorf("insert rate_hit: %w", err)
		}
		count++
		if !oldest.Valid {
			oldest = sql.NullInt64{Int64: now.UnixNano(), Valid: true}
		}
	}
	if err := tx.Commit(); err != nil {
		return false, 0, time.Time{}, err
	}
	var first time.Time
	if oldest.Valid {
		first = time.Unix(0, oldest.Int64).UTC()
	}
	return allowed, count, first, nil
}
