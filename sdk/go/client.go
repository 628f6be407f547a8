package scorebooksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is a minimal Scorebook HTTP API client.
type Client struct {
	BaseURL     string
	MatchID     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set; servers
	// accept it only in local development.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxRetries bounds resends of a proposal after transport errors or 5xx.
	MaxRetries   int
	RetryBackoff time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, matchID string) *Client {
	return &Client{
		BaseURL:      baseURL,
		MatchID:      matchID,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 250 * time.Millisecond,
	}
}

// Operation is a proposal. An empty ClientOperationID is filled with a
// random one before the first attempt and reused by every retry.
type Operation struct {
	ClientOperationID string `json:"client_operation_id"`
	ExpectedVersion   int64  `json:"expected_version"`
	Kind              string `json:"kind"`
	Payload           any    `json:"payload,omitempty"`
}

type Recorded struct {
	MatchID           string          `json:"match_id"`
	Sequence          int64           `json:"sequence"`
	ClientOperationID string          `json:"client_operation_id"`
	ActorID           string          `json:"actor_id"`
	Kind              string          `json:"kind"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	RecordedAt        string          `json:"recorded_at"`
}

type ProposeResult struct {
	Outcome        string    `json:"outcome"`
	Sequence       int64     `json:"sequence"`
	CurrentVersion int64     `json:"current_version"`
	Operation      *Recorded `json:"operation,omitempty"`
}

type BatchResult struct {
	ClientOperationID string `json:"client_operation_id"`
	Status            string `json:"status"`
	Sequence          int64  `json:"sequence,omitempty"`
	ServerVersion     int64  `json:"server_version"`
	Error             string `json:"error,omitempty"`
}

type OperationList struct {
	MatchID    string     `json:"match_id"`
	Version    int64      `json:"version"`
	Operations []Recorded `json:"operations"`
}

// State is the replayed scorecard (partial).
type State struct {
	MatchID     string   `json:"match_id"`
	Version     int64    `json:"version"`
	Status      string   `json:"status"`
	Innings     int      `json:"innings"`
	Runs        int      `json:"runs"`
	Wickets     int      `json:"wickets"`
	LegalBalls  int      `json:"legal_balls"`
	Striker     string   `json:"striker"`
	NonStriker  string   `json:"non_striker"`
	Bowler      string   `json:"bowler"`
	RecentBalls []string `json:"recent_balls"`
	Target      int      `json:"target,omitempty"`
	FreeHit     bool     `json:"free_hit"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CurrentVersion returns the server version reported by a version conflict.
func CurrentVersion(err error) (int64, bool) {
	var ae *APIError
	if !errors.As(err, &ae) || ae.Code != "version_conflict" {
		return 0, false
	}
	v, ok := ae.Details["current_version"].(float64)
	return int64(v), ok
}

// RetryAfter returns the wait suggested by a rate-limited response.
func RetryAfter(err error) (time.Duration, bool) {
	var ae *APIError
	if !errors.As(err, &ae) || ae.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	ms, _ := ae.Details["retry_after_ms"].(float64)
	return time.Duration(ms) * time.Millisecond, true
}

// Propose submits op, resending it with the same client operation id after
// transport failures and 5xx responses. A resend that lands after the
// original was stored comes back as an idempotent replay.
func (c *Client) Propose(ctx context.Context, op Operation) (ProposeResult, error) {
	if op.ClientOperationID == "" {
		op.ClientOperationID = uuid.NewString()
	}
	var resp ProposeResult
	var err error
	for attempt := 0; ; attempt++ {
		err = c.do(ctx, http.MethodPost, c.matchPath("operations"), op, &resp)
		if err == nil || !retryable(err) || attempt >= c.MaxRetries {
			return resp, err
		}
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(c.RetryBackoff * time.Duration(attempt+1)):
		}
	}
}

// ProposeAtTip proposes an operation on top of the current version,
// re-reading the version after each conflict up to attempts times.
func (c *Client) ProposeAtTip(ctx context.Context, kind string, payload any, attempts int) (ProposeResult, error) {
	list, err := c.Operations(ctx, 0)
	if err != nil {
		return ProposeResult{}, err
	}
	op := Operation{ClientOperationID: uuid.NewString(), ExpectedVersion: list.Version, Kind: kind, Payload: payload}
	for i := 0; ; i++ {
		res, err := c.Propose(ctx, op)
		current, conflict := CurrentVersion(err)
		if !conflict || i+1 >= attempts {
			return res, err
		}
		op.ExpectedVersion = current
	}
}

// ProposeBatch flushes an offline queue in order.
func (c *Client) ProposeBatch(ctx context.Context, ops []Operation) ([]BatchResult, error) {
	for i := range ops {
		if ops[i].ClientOperationID == "" {
			ops[i].ClientOperationID = uuid.NewString()
		}
	}
	var resp struct {
		Results []BatchResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, c.matchPath("operations/batch"), map[string]any{"operations": ops}, &resp)
	return resp.Results, err
}

// Operations returns operations after since.
func (c *Client) Operations(ctx context.Context, since int64) (OperationList, error) {
	var resp OperationList
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s?since=%d", c.matchPath("operations"), since), nil, &resp)
	return resp, err
}

func (c *Client) State(ctx context.Context) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, c.matchPath("state"), nil, &resp)
	return resp, err
}

// Export returns the raw archive in format (json or msgpack).
func (c *Client) Export(ctx context.Context, format string) ([]byte, error) {
	var buf bytes.Buffer
	endpoint := c.matchPath("export")
	if format != "" {
		endpoint += "?format=" + url.QueryEscape(format)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &buf)
	return buf.Bytes(), err
}

func retryable(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) matchPath(p string) string {
	match := url.PathEscape(c.MatchID)
	return fmt.Sprintf("v0/matches/%s/%s", match, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
