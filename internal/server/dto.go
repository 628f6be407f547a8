package server

import (
	"encoding/json"
	"time"

	"scorebook/internal/domain"
	"scorebook/internal/engine"
	"scorebook/internal/repo"
)

// Request payloads

type ProposeOperationRequest struct {
	ClientOperationID string `json:"client_operation_id" minLength:"1"`
	ExpectedVersion   int64  `json:"expected_version" minimum:"0"`
	Kind              string `json:"kind" minLength:"1"`
	Payload           any    `json:"payload,omitempty"`
}

type ProposeBatchRequest struct {
	Operations []ProposeOperationRequest `json:"operations"`
}

// Responses

type OperationResponse struct {
	MatchID           string `json:"match_id"`
	Sequence          int64  `json:"sequence"`
	ClientOperationID string `json:"client_operation_id"`
	ActorID           string `json:"actor_id"`
	Kind              string `json:"kind"`
	Payload           any    `json:"payload,omitempty"`
	RecordedAt        string `json:"recorded_at"`
}

type ProposeOperationResponse struct {
	Outcome        string             `json:"outcome" enum:"accepted,idempotent_replay"`
	Sequence       int64              `json:"sequence"`
	CurrentVersion int64              `json:"current_version"`
	Operation      *OperationResponse `json:"operation,omitempty"`
}

type BatchItemResponse struct {
	ClientOperationID string `json:"client_operation_id"`
	Status            string `json:"status" enum:"ok,duplicate,conflict,rate_limited,error"`
	Sequence          int64  `json:"sequence,omitempty"`
	ServerVersion     int64  `json:"server_version"`
	Error             string `json:"error,omitempty"`
}

type ProposeBatchResponse struct {
	Results []BatchItemResponse `json:"results"`
}

type OperationListResponse struct {
	MatchID    string              `json:"match_id"`
	Version    int64               `json:"version"`
	Operations []OperationResponse `json:"operations"`
}

type MatchSummaryResponse struct {
	MatchID   string `json:"match_id"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type ImportResponse struct {
	MatchID string `json:"match_id"`
	Version int64  `json:"version"`
}

func operationResponse(op domain.Operation) OperationResponse {
	return OperationResponse{
		MatchID:           op.MatchID,
		Sequence:          op.Sequence,
		ClientOperationID: op.ClientOperationID,
		ActorID:           op.ActorID,
		Kind:              string(op.Kind),
		Payload:           decodePayload(op.Payload),
		RecordedAt:        op.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
}

func mapOperations(ops []domain.Operation) []OperationResponse {
	res := make([]OperationResponse, 0, len(ops))
	for _, op := range ops {
		res = append(res, operationResponse(op))
	}
	return res
}

func proposeResponse(res engine.ProposeResult) ProposeOperationResponse {
	out := ProposeOperationResponse{
		Outcome:        string(res.Outcome),
		Sequence:       res.Sequence,
		CurrentVersion: res.CurrentVersion,
	}
	if res.Operation != nil {
		op := operationResponse(*res.Operation)
		out.Operation = &op
	}
	return out
}

func batchResponse(results []engine.BatchItemResult) ProposeBatchResponse {
	out := ProposeBatchResponse{Results: make([]BatchItemResponse, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, BatchItemResponse{
			ClientOperationID: r.ClientOperationID,
			Status:            string(r.Status),
			Sequence:          r.Sequence,
			ServerVersion:     r.ServerVersion,
			Error:             r.Error,
		})
	}
	return out
}

func matchSummaries(items []repo.MatchSummary) []MatchSummaryResponse {
	res := make([]MatchSummaryResponse, 0, len(items))
	for _, m := range items {
		s := MatchSummaryResponse{MatchID: m.MatchID, Version: m.Version}
		if !m.UpdatedAt.IsZero() {
			s.UpdatedAt = m.UpdatedAt.UTC().Format(time.RFC3339Nano)
		}
		res = append(res, s)
	}
	return res
}

func decodePayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}
