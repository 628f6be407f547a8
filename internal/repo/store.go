package repo

import (
	"context"
	"errors"
	"time"

	"scorebook/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned by Append when the sequence or client
	// operation id is already taken for the match.
	ErrDuplicate = errors.New("duplicate operation")
)

// Store is a durable, append-only log of match operations.
type Store interface {
	// Atomically runs fn in a transaction scoped to one match. Reads of the
	// tip and the append made through tx commit or roll back together.
	Atomically(ctx context.Context, matchID string, fn func(tx Tx) error) error
	// ListSince returns operations with sequence > since, in order.
	ListSince(ctx context.Context, matchID string, since int64) ([]domain.Operation, error)
	TipSequence(ctx context.Context, matchID string) (int64, error)
	FindByClientOperationID(ctx context.Context, matchID, clientOperationID string) (domain.Operation, error)
	ListMatches(ctx context.Context) ([]MatchSummary, error)
	Close() error
}

// Tx is the view of a Store inside Atomically.
type Tx interface {
	TipSequence(ctx context.Context, matchID string) (int64, error)
	FindByClientOperationID(ctx context.Context, matchID, clientOperationID string) (domain.Operation, error)
	Append(ctx context.Context, op domain.Operation) error
}

type MatchSummary struct {
	MatchID   string    `json:"match_id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}
