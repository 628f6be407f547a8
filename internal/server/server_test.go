package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"scorebook/internal/app"
	"scorebook/internal/config"
	"scorebook/internal/engine/auth"
	"scorebook/internal/export"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.AllowLegacyActorHeader = true
	for _, m := range mutate {
		m(cfg)
	}
	logger := log.New(io.Discard, "", 0)
	a, err := app.Open(context.Background(), t.TempDir(), cfg, logger)
	require.NoError(t, err)

	handler, err := New(Config{
		Engine:       a.Engine,
		Hub:          a.Hub,
		BasePath:     cfg.Server.BasePath,
		PublicExport: a.PublicExport,
		Logger:       logger,
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
		},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	s := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(s.Close)
	return s
}

var scorer = map[string]string{"X-Actor-Id": "scorer"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func startInnings(cid string, expected int64) map[string]any {
	return map[string]any{
		"client_operation_id": cid,
		"expected_version":    expected,
		"kind":                "start_innings",
		"payload": map[string]any{
			"innings": 1, "batting_team_id": "home", "bowling_team_id": "away",
			"striker_id": "a1", "non_striker_id": "a2", "bowler_id": "b1",
		},
	}
}

func ball(cid string, expected int64, runs int) map[string]any {
	return map[string]any{
		"client_operation_id": cid,
		"expected_version":    expected,
		"kind":                "deliver_ball",
		"payload":             map[string]any{"runs": runs},
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestProposeOutcomes(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v0/matches/m1/operations"

	res, body := doJSON(t, srv.Client(), http.MethodPost, url, startInnings("c1", 0), scorer)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var accepted ProposeOperationResponse
	require.NoError(t, json.Unmarshal(body, &accepted))
	assert.Equal(t, "accepted", accepted.Outcome)
	assert.Equal(t, int64(1), accepted.Sequence)
	require.NotNil(t, accepted.Operation)
	assert.Equal(t, "scorer", accepted.Operation.ActorID)

	res, body = doJSON(t, srv.Client(), http.MethodPost, url, startInnings("c1", 0), scorer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var replayed ProposeOperationResponse
	require.NoError(t, json.Unmarshal(body, &replayed))
	assert.Equal(t, "idempotent_replay", replayed.Outcome)
	assert.Equal(t, int64(1), replayed.Sequence)

	doJSON(t, srv.Client(), http.MethodPost, url, ball("c2", 1, 4), scorer)
	res, body = doJSON(t, srv.Client(), http.MethodPost, url, ball("c3", 1, 1), scorer)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	env := decodeError(t, body)
	assert.Equal(t, "version_conflict", env.Error.Code)
	assert.EqualValues(t, 2, env.Error.Details["current_version"])
}

func TestProposeRejections(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v0/matches/m1/operations"

	res, _ := doJSON(t, srv.Client(), http.MethodPost, url, startInnings("c1", 0), nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, body := doJSON(t, srv.Client(), http.MethodPost, url, ball("c1", 0, 1), scorer)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(body))
	env := decodeError(t, body)
	assert.Equal(t, "bad_state_transition", env.Error.Code)
	assert.Equal(t, "not_live", env.Error.Details["reason"])

	res, body = doJSON(t, srv.Client(), http.MethodPost, url, ball("c1", 0, 12), scorer)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	assert.Equal(t, "invalid_payload", decodeError(t, body).Error.Code)

	res, body = doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"kind": "undo"}, scorer)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	// Unknown kinds are accepted and ignored by replay.
	res, body = doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{
		"client_operation_id": "c9", "expected_version": 0, "kind": "drinks_break",
	}, scorer)
	assert.Equal(t, http.StatusCreated, res.StatusCode, string(body))
}

func TestJWTMatchRoles(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.Auth.AllowLegacyActorHeader = false })
	url := srv.URL + "/v0/matches/m1/operations"

	captain, err := SignToken(testSecret, "cap", map[string]auth.Role{"m1": auth.RoleCaptain}, time.Hour)
	require.NoError(t, err)
	viewer, err := SignToken(testSecret, "fan", map[string]auth.Role{"m1": auth.RoleViewer}, time.Hour)
	require.NoError(t, err)
	forged, err := SignToken("other-secret", "cap", map[string]auth.Role{"m1": auth.RoleOwner}, time.Hour)
	require.NoError(t, err)

	res, body := doJSON(t, srv.Client(), http.MethodPost, url, startInnings("c1", 0), map[string]string{"Authorization": "Bearer " + viewer})
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(body))
	assert.Equal(t, auth.PermissionScore, decodeError(t, body).Error.Details["permission"])

	res, _ = doJSON(t, srv.Client(), http.MethodPost, url, startInnings("c1", 0), map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodPost, url, startInnings("c1", 0), scorer)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, "legacy header disabled")

	res, body = doJSON(t, srv.Client(), http.MethodPost, url, startInnings("c1", 0), map[string]string{"Authorization": "Bearer " + captain})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/matches/m1/state", nil, map[string]string{"Authorization": "Bearer " + viewer})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/matches", nil, map[string]string{"Authorization": "Bearer " + viewer})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var matches []MatchSummaryResponse
	require.NoError(t, json.Unmarshal(body, &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "m1", matches[0].MatchID)
}

func TestReadOperationsAndState(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v0/matches/m1/operations"
	doJSON(t, srv.Client(), http.MethodPost, url, startInnings("c1", 0), scorer)
	doJSON(t, srv.Client(), http.MethodPost, url, ball("c2", 1, 1), scorer)
	doJSON(t, srv.Client(), http.MethodPost, url, ball("c3", 2, 4), scorer)

	res, body := doJSON(t, srv.Client(), http.MethodGet, url+"?since=1", nil, scorer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var list OperationListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, int64(3), list.Version)
	require.Len(t, list.Operations, 2)
	assert.Equal(t, int64(2), list.Operations[0].Sequence)
	assert.Equal(t, map[string]any{"runs": float64(4)}, list.Operations[1].Payload)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/matches/m1/state", nil, scorer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var state struct {
		Version int64  `json:"version"`
		Runs    int    `json:"runs"`
		Striker string `json:"striker"`
	}
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, int64(3), state.Version)
	assert.Equal(t, 5, state.Runs)
	assert.Equal(t, "a2", state.Striker)
}

func TestProposeBatchRoute(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/matches/m1/operations/batch", map[string]any{
		"operations": []any{startInnings("c1", 0), ball("c2", 1, 2), ball("c3", 5, 1), ball("c4", 2, 1)},
	}, scorer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var out ProposeBatchResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Results, 3)
	assert.Equal(t, "ok", out.Results[0].Status)
	assert.Equal(t, "ok", out.Results[1].Status)
	assert.Equal(t, "conflict", out.Results[2].Status)
	assert.Equal(t, int64(2), out.Results[2].ServerVersion)

	state, err := srv.App.Engine.State(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, state.Runs, "payloads are forwarded as sent")
}

func TestProposeRateLimited(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.RateLimit.Propose = config.Quota{Limit: 1, Window: time.Minute} })
	url := srv.URL + "/v0/matches/m1/operations"
	res, _ := doJSON(t, srv.Client(), http.MethodPost, url, startInnings("c1", 0), scorer)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res, body := doJSON(t, srv.Client(), http.MethodPost, url, ball("c2", 1, 0), scorer)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode, string(body))
	env := decodeError(t, body)
	assert.Equal(t, "rate_limited", env.Error.Code)
	assert.Greater(t, env.Error.Details["retry_after_ms"], float64(0))
}

func TestExportAndImport(t *testing.T) {
	src := newTestServer(t)
	url := src.URL + "/v0/matches/m1/operations"
	doJSON(t, src.Client(), http.MethodPost, url, startInnings("c1", 0), scorer)
	doJSON(t, src.Client(), http.MethodPost, url, ball("c2", 1, 6), scorer)

	res, body := doJSON(t, src.Client(), http.MethodGet, src.URL+"/v0/matches/m1/export?format=msgpack", nil, scorer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Equal(t, "application/msgpack", res.Header.Get("Content-Type"))
	var archive export.Archive
	require.NoError(t, msgpack.Unmarshal(body, &archive))
	assert.Equal(t, int64(2), archive.Version)

	dst := newTestServer(t)
	req, err := http.NewRequest(http.MethodPost, dst.URL+"/v0/matches/m1/import?format=msgpack", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/msgpack")
	req.Header.Set("X-Actor-Id", "owner")
	imported, err := dst.Client().Do(req)
	require.NoError(t, err)
	data, _ := io.ReadAll(imported.Body)
	imported.Body.Close()
	require.Equal(t, http.StatusOK, imported.StatusCode, string(data))

	want, err := src.App.Engine.State(context.Background(), "m1")
	require.NoError(t, err)
	got, err := dst.App.Engine.State(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	req, _ = http.NewRequest(http.MethodPost, dst.URL+"/v0/matches/m1/import?format=msgpack", bytes.NewReader(body))
	req.Header.Set("X-Actor-Id", "owner")
	again, err := dst.Client().Do(req)
	require.NoError(t, err)
	again.Body.Close()
	assert.Equal(t, http.StatusConflict, again.StatusCode)
}

func TestPublicExportIsRateLimited(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.RateLimit.PublicExport = config.Quota{Limit: 1, Window: time.Minute} })
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/matches/m1/operations", startInnings("c1", 0), scorer)

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/public/matches/m1/export", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var archive export.Archive
	require.NoError(t, json.Unmarshal(body, &archive))
	assert.Equal(t, "m1", archive.MatchID)
	assert.Len(t, archive.Operations, 1)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/public/matches/m1/export", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode, string(body))
}

func TestLiveChannel(t *testing.T) {
	srv := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(liveFrame{Type: frameJoin, MatchID: "m1"}))
	var joined liveFrame
	require.NoError(t, conn.ReadJSON(&joined))
	assert.Equal(t, frameJoined, joined.Type)
	assert.Equal(t, "m1", joined.MatchID)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/matches/m1/operations", startInnings("c1", 0), scorer)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))

	var update struct {
		Type      string `json:"type"`
		MatchID   string `json:"match_id"`
		Version   int64  `json:"version"`
		Operation struct {
			Kind string `json:"kind"`
		} `json:"operation"`
	}
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "score:update", update.Type)
	assert.Equal(t, int64(1), update.Version)
	assert.Equal(t, "start_innings", update.Operation.Kind)

	require.NoError(t, conn.WriteJSON(liveFrame{Type: "shout"}))
	var bad liveFrame
	require.NoError(t, conn.ReadJSON(&bad))
	assert.Equal(t, frameError, bad.Type)
	assert.Equal(t, "unknown_frame", bad.Code)
}

func TestLiveJoinRateLimit(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Broadcast.JoinRate = 0.001
		c.Broadcast.JoinBurst = 1
	})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(liveFrame{Type: frameJoin, MatchID: "m1"}))
	require.NoError(t, conn.WriteJSON(liveFrame{Type: frameJoin, MatchID: "m2"}))
	var first, second liveFrame
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, frameJoined, first.Type)
	assert.Equal(t, frameError, second.Type)
	assert.Equal(t, "join_rate_limited", second.Code)
}
