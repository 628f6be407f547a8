// Package events delivers accepted operations to live subscribers.
package events

import (
	"context"

	"scorebook/internal/domain"
)

const UpdateType = "score:update"

// Publisher is notified after an operation is durably appended. Delivery is
// best effort; subscribers that miss an update reconcile from the log.
type Publisher interface {
	OnAccepted(ctx context.Context, matchID string, op domain.Operation, newVersion int64)
}

// Update is the message pushed to match subscribers.
type Update struct {
	Type      string           `json:"type"`
	MatchID   string           `json:"match_id"`
	Version   int64            `json:"version"`
	Operation domain.Operation `json:"operation"`
}

type Nop struct{}

func (Nop) OnAccepted(context.Context, string, domain.Operation, int64) {}

type PublisherFunc func(ctx context.Context, matchID string, op domain.Operation, newVersion int64)

func (f PublisherFunc) OnAccepted(ctx context.Context, matchID string, op domain.Operation, newVersion int64) {
	f(ctx, matchID, op, newVersion)
}

// Multi fans a notification out to several publishers in order.
type Multi []Publisher

func (m Multi) OnAccepted(ctx context.Context, matchID string, op domain.Operation, newVersion int64) {
	for _, p := range m {
		p.OnAccepted(ctx, matchID, op, newVersion)
	}
}
