package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"scorebook/internal/domain"
	"scorebook/internal/replay"
)

const DefaultMaxBatch = 50

// BatchItem is one operation of an offline queue flushed in a single call.
type BatchItem struct {
	ClientOperationID string          `json:"client_operation_id"`
	ExpectedVersion   int64           `json:"expected_version"`
	Kind              domain.Kind     `json:"kind"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

type BatchStatus string

const (
	BatchOK          BatchStatus = "ok"
	BatchDuplicate   BatchStatus = "duplicate"
	BatchConflict    BatchStatus = "conflict"
	BatchRateLimited BatchStatus = "rate_limited"
	BatchError       BatchStatus = "error"
)

type BatchItemResult struct {
	ClientOperationID string      `json:"client_operation_id"`
	Status            BatchStatus `json:"status"`
	Sequence          int64       `json:"sequence,omitempty"`
	ServerVersion     int64       `json:"server_version"`
	Error             string      `json:"error,omitempty"`
}

// ProposeBatch proposes items in order. It stops at the first version
// conflict or rate limit, since later items were built on top of the
// rejected one. Rejected input is reported per item. Storage failures abort
// the batch and return the results gathered so far with the error.
func (e Engine) ProposeBatch(ctx context.Context, matchID, actorID string, items []BatchItem) ([]BatchItemResult, error) {
	limit := DefaultMaxBatch
	if e.Config != nil && e.Config.Admission.MaxBatch > 0 {
		limit = e.Config.Admission.MaxBatch
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: operations are required", ErrInvalidRequest)
	}
	if len(items) > limit {
		return nil, fmt.Errorf("%w: %d operations, max %d", ErrBatchTooLarge, len(items), limit)
	}

	results := make([]BatchItemResult, 0, len(items))
	for _, item := range items {
		res, err := e.Propose(ctx, ProposeRequest{
			MatchID:           matchID,
			ActorID:           actorID,
			ClientOperationID: item.ClientOperationID,
			ExpectedVersion:   item.ExpectedVersion,
			Kind:              item.Kind,
			Payload:           item.Payload,
		})
		r := BatchItemResult{ClientOperationID: item.ClientOperationID}
		if err != nil {
			var te *replay.TransitionError
			if !errors.Is(err, ErrInvalidRequest) && !errors.Is(err, ErrInvalidPayload) && !errors.As(err, &te) {
				return results, err
			}
			r.Status = BatchError
			r.Error = err.Error()
			results = append(results, r)
			continue
		}
		r.Sequence = res.Sequence
		r.ServerVersion = res.CurrentVersion
		switch res.Outcome {
		case OutcomeAccepted:
			r.Status = BatchOK
		case OutcomeIdempotentReplay:
			r.Status = BatchDuplicate
		case OutcomeVersionConflict:
			r.Status = BatchConflict
		case OutcomeRateLimited:
			r.Status = BatchRateLimited
		}
		results = append(results, r)
		if r.Status == BatchConflict || r.Status == BatchRateLimited {
			break
		}
	}
	return results, nil
}
