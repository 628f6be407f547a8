package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"scorebook/internal/config"
	"scorebook/internal/domain"
	"scorebook/internal/events"
	"scorebook/internal/ratelimit"
	"scorebook/internal/replay"
	"scorebook/internal/repo"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrBatchTooLarge  = errors.New("batch too large")
	ErrLogNotEmpty    = errors.New("match log is not empty")
)

type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomeIdempotentReplay Outcome = "idempotent_replay"
	OutcomeVersionConflict  Outcome = "version_conflict"
	OutcomeRateLimited      Outcome = "rate_limited"
)

type Engine struct {
	Store     repo.Store
	Publisher events.Publisher
	Limiter   *ratelimit.Guard
	Config    *config.Config
	Now       func() time.Time
	Logger    *log.Logger

	locks *matchLocks
	cache *lru.Cache[string, cachedState]
}

type cachedState struct {
	tip   int64
	state domain.MatchState
}

func New(store repo.Store, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		Store:     store,
		Publisher: events.Nop{},
		Config:    cfg,
		Now:       time.Now,
		locks:     newMatchLocks(),
	}
	if size := cfg.Admission.StateCacheSize; size > 0 {
		cache, err := lru.New[string, cachedState](size)
		if err == nil {
			e.cache = cache
		}
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) replayOptions() replay.Options {
	if e.Config == nil {
		return replay.Options{}
	}
	return replay.Options{RecentWindow: e.Config.Replay.RecentWindow}
}

// ProposeRequest is one operation offered for admission.
type ProposeRequest struct {
	MatchID           string
	ActorID           string
	ClientOperationID string
	ExpectedVersion   int64
	Kind              domain.Kind
	Payload           json.RawMessage
}

// ProposeResult carries one of the four admission outcomes.
type ProposeResult struct {
	Outcome Outcome `json:"outcome"`
	// Sequence of the accepted or previously admitted operation.
	Sequence       int64             `json:"sequence,omitempty"`
	CurrentVersion int64             `json:"current_version"`
	Operation      *domain.Operation `json:"operation,omitempty"`
	RetryAfter     time.Duration     `json:"-"`
}

func validateRequest(req *ProposeRequest) error {
	switch {
	case req.MatchID == "":
		return fmt.Errorf("%w: match_id is required", ErrInvalidRequest)
	case req.ActorID == "":
		return fmt.Errorf("%w: actor_id is required", ErrInvalidRequest)
	case req.ClientOperationID == "":
		return fmt.Errorf("%w: client_operation_id is required", ErrInvalidRequest)
	case req.Kind == "":
		return fmt.Errorf("%w: kind is required", ErrInvalidRequest)
	case req.ExpectedVersion < 0:
		return fmt.Errorf("%w: expected_version must not be negative", ErrInvalidRequest)
	}
	if len(req.Payload) > 0 {
		if string(req.Payload) == "null" {
			req.Payload = nil
		} else {
			var buf bytes.Buffer
			switch err := json.Compact(&buf, req.Payload); {
			case err == nil:
				req.Payload = buf.Bytes()
			case req.Kind.Known():
				return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			default:
				// Unknown kinds are never rejected; keep the bytes as a string.
				quoted, err := json.Marshal(string(req.Payload))
				if err != nil {
					return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
				}
				req.Payload = quoted
			}
		}
	}
	if _, err := domain.DecodePayload(req.Kind, req.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Propose admits an operation under optimistic concurrency. Conflicts,
// replays and rate limiting are outcomes; only invalid input and storage
// failures are errors. Accepted operations are published after the match
// lock is released.
func (e Engine) Propose(ctx context.Context, req ProposeRequest) (ProposeResult, error) {
	if err := validateRequest(&req); err != nil {
		return ProposeResult{}, err
	}
	if d := e.Limiter.Allow(ctx, ratelimit.MatchActorKey(req.MatchID, req.ActorID)); !d.Allowed {
		return ProposeResult{Outcome: OutcomeRateLimited, RetryAfter: d.RetryAfter}, nil
	}
	res, err := e.admit(ctx, req)
	if errors.Is(err, repo.ErrDuplicate) {
		// Another writer on the same store took the slot; its result is
		// visible on a second pass.
		res, err = e.admit(ctx, req)
	}
	if err != nil {
		return ProposeResult{}, err
	}
	if res.Outcome == OutcomeAccepted && e.Publisher != nil {
		e.Publisher.OnAccepted(ctx, req.MatchID, *res.Operation, res.Sequence)
	}
	return res, nil
}

func (e Engine) admit(ctx context.Context, req ProposeRequest) (ProposeResult, error) {
	unlock, err := e.locks.lock(ctx, req.MatchID)
	if err != nil {
		return ProposeResult{}, err
	}
	defer unlock()

	var res ProposeResult
	err = e.Store.Atomically(ctx, req.MatchID, func(tx repo.Tx) error {
		tip, err := tx.TipSequence(ctx, req.MatchID)
		if err != nil {
			return fmt.Errorf("read tip: %w", err)
		}
		existing, err := tx.FindByClientOperationID(ctx, req.MatchID, req.ClientOperationID)
		switch {
		case err == nil:
			res = ProposeResult{Outcome: OutcomeIdempotentReplay, Sequence: existing.Sequence, CurrentVersion: tip, Operation: &existing}
			return nil
		case !errors.Is(err, repo.ErrNotFound):
			return fmt.Errorf("find client operation: %w", err)
		}
		if req.ExpectedVersion != tip {
			res = ProposeResult{Outcome: OutcomeVersionConflict, CurrentVersion: tip}
			return nil
		}
		if e.Config != nil && e.Config.Admission.ValidateTransitions {
			if err := e.checkTransition(ctx, req, tip); err != nil {
				return err
			}
		}
		op := domain.Operation{
			MatchID:           req.MatchID,
			Sequence:          tip + 1,
			ClientOperationID: req.ClientOperationID,
			ActorID:           req.ActorID,
			Kind:              req.Kind,
			Payload:           req.Payload,
			RecordedAt:        e.now().UTC(),
		}
		if err := tx.Append(ctx, op); err != nil {
			return err
		}
		res = ProposeResult{Outcome: OutcomeAccepted, Sequence: op.Sequence, CurrentVersion: op.Sequence, Operation: &op}
		return nil
	})
	if err != nil {
		var te *replay.TransitionError
		if errors.Is(err, repo.ErrDuplicate) || errors.As(err, &te) {
			return ProposeResult{}, err
		}
		return ProposeResult{}, fmt.Errorf("propose on match %s: %w", req.MatchID, err)
	}
	return res, nil
}

func (e Engine) checkTransition(ctx context.Context, req ProposeRequest, tip int64) error {
	if req.Kind == domain.KindUndo || !req.Kind.Known() {
		return nil
	}
	state, err := e.stateAt(ctx, req.MatchID, tip)
	if err != nil {
		return err
	}
	payload, err := domain.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return replay.CheckTransition(state, req.Kind, payload)
}

// ListSince returns the operations after since, for clients catching up.
func (e Engine) ListSince(ctx context.Context, matchID string, since int64) ([]domain.Operation, error) {
	if matchID == "" {
		return nil, fmt.Errorf("%w: match_id is required", ErrInvalidRequest)
	}
	if since < 0 {
		return nil, fmt.Errorf("%w: since must not be negative", ErrInvalidRequest)
	}
	ops, err := e.Store.ListSince(ctx, matchID, since)
	if err != nil {
		return nil, fmt.Errorf("list operations for match %s: %w", matchID, err)
	}
	if ops == nil {
		ops = []domain.Operation{}
	}
	return ops, nil
}

func (e Engine) Version(ctx context.Context, matchID string) (int64, error) {
	return e.Store.TipSequence(ctx, matchID)
}

// State reconstructs the current state of a match. The result is memoized
// per match and reused only while the log tip is unchanged.
func (e Engine) State(ctx context.Context, matchID string) (domain.MatchState, error) {
	if matchID == "" {
		return domain.MatchState{}, fmt.Errorf("%w: match_id is required", ErrInvalidRequest)
	}
	tip, err := e.Store.TipSequence(ctx, matchID)
	if err != nil {
		return domain.MatchState{}, fmt.Errorf("read tip for match %s: %w", matchID, err)
	}
	return e.stateAt(ctx, matchID, tip)
}

func (e Engine) stateAt(ctx context.Context, matchID string, tip int64) (domain.MatchState, error) {
	if e.cache != nil {
		if c, ok := e.cache.Get(matchID); ok && c.tip == tip {
			return c.state.Clone(), nil
		}
	}
	ops, err := e.Store.ListSince(ctx, matchID, 0)
	if err != nil {
		return domain.MatchState{}, fmt.Errorf("list operations for match %s: %w", matchID, err)
	}
	state := replay.Reconstruct(matchID, ops, e.replayOptions())
	if e.cache != nil && state.Version == tip {
		e.cache.Add(matchID, cachedState{tip: tip, state: state.Clone()})
	}
	return state, nil
}

func (e Engine) ListMatches(ctx context.Context) ([]repo.MatchSummary, error) {
	matches, err := e.Store.ListMatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	if matches == nil {
		matches = []repo.MatchSummary{}
	}
	return matches, nil
}
