package engine

import (
	"context"
	"errors"
	"fmt"

	"scorebook/internal/export"
	"scorebook/internal/repo"
)

// Export returns the complete log of a match as an archive.
func (e Engine) Export(ctx context.Context, matchID string) (export.Archive, error) {
	ops, err := e.ListSince(ctx, matchID, 0)
	if err != nil {
		return export.Archive{}, err
	}
	return export.New(matchID, ops, e.now()), nil
}

// Import restores an archive into a match that has no operations yet.
// Sequences, client operation ids and timestamps are kept as exported.
func (e Engine) Import(ctx context.Context, a export.Archive) (int64, error) {
	if err := a.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	unlock, err := e.locks.lock(ctx, a.MatchID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	err = e.Store.Atomically(ctx, a.MatchID, func(tx repo.Tx) error {
		tip, err := tx.TipSequence(ctx, a.MatchID)
		if err != nil {
			return err
		}
		if tip != 0 {
			return fmt.Errorf("%w: match %s is at version %d", ErrLogNotEmpty, a.MatchID, tip)
		}
		for _, op := range a.Operations {
			op.RecordedAt = op.RecordedAt.UTC()
			if err := tx.Append(ctx, op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLogNotEmpty) {
			return 0, err
		}
		return 0, fmt.Errorf("import match %s: %w", a.MatchID, err)
	}
	e.logger().Printf("engine: imported %d operations into match %s", len(a.Operations), a.MatchID)
	return a.Version, nil
}
