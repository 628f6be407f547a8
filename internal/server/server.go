package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"scorebook/internal/domain"
	"scorebook/internal/engine"
	"scorebook/internal/engine/auth"
	"scorebook/internal/events"
	"scorebook/internal/export"
	"scorebook/internal/ratelimit"
	"scorebook/internal/replay"
	"scorebook/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Hub      *events.Hub
	BasePath string
	Auth     AuthConfig
	// PublicExport limits the unauthenticated export route per remote address.
	PublicExport *ratelimit.Guard
	Logger       *log.Logger
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"expected version 3, match is at 4"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current_version\":4}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the scorebook API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Scorebook API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMatches(group, cfg.Engine)
	registerOperations(group, cfg.Engine)
	registerState(group, cfg.Engine)
	registerExport(group, cfg.Engine, cfg.PublicExport)
	registerOpenAPI(router, api, basePath)
	if cfg.Hub != nil {
		router.Get(path.Join(basePath, "live"), liveHandler(cfg.Hub, cfg.logger()))
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission, "match_id": fe.MatchID})
	}
	var te *replay.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "bad_state_transition", err.Error(), map[string]any{"reason": te.Code})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrInvalidPayload):
		return newAPIError(http.StatusBadRequest, "invalid_payload", msg, nil)
	case errors.Is(err, engine.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, engine.ErrBatchTooLarge):
		return newAPIError(http.StatusBadRequest, "batch_too_large", msg, nil)
	case errors.Is(err, engine.ErrLogNotEmpty):
		return newAPIError(http.StatusConflict, "log_not_empty", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "request cancelled", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func conflictError(matchID string, expected, current int64) huma.StatusError {
	return newAPIError(http.StatusConflict, "version_conflict",
		fmt.Sprintf("expected version %d, match %s is at %d", expected, matchID, current),
		map[string]any{"current_version": current})
}

func rateLimitedError(res engine.ProposeResult) huma.StatusError {
	return newAPIError(http.StatusTooManyRequests, "rate_limited", "too many operations, retry later",
		map[string]any{"retry_after_ms": res.RetryAfter.Milliseconds()})
}

func requireMatch(ctx context.Context, matchID string, check func(auth.Principal, string) error) (auth.Principal, error) {
	p, authErr := principalFromContext(ctx)
	if authErr != nil {
		return auth.Principal{}, authErr
	}
	if err := check(p, matchID); err != nil {
		return auth.Principal{}, err
	}
	return p, nil
}

func canScore(p auth.Principal, matchID string) error { return p.CanScore(matchID) }
func canRead(p auth.Principal, matchID string) error  { return p.CanRead(matchID) }
func canImport(p auth.Principal, matchID string) error {
	return p.Require(matchID, "match.import", auth.RoleOwner)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	publicPrefix := path.Join("/", basePath, "public") + "/"
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || strings.HasPrefix(route, publicPrefix) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Scorebook API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-matches",
		Method:      http.MethodGet,
		Path:        "/matches",
		Summary:     "List matches with their log version",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []MatchSummaryResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListMatches(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		visible := items[:0]
		for _, m := range items {
			if p.CanRead(m.MatchID) == nil {
				visible = append(visible, m)
			}
		}
		return &struct {
			Body []MatchSummaryResponse `json:"body"`
		}{Body: matchSummaries(visible)}, nil
	})
}

type matchPath struct {
	MatchID string `path:"match_id"`
}

func registerOperations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "propose-operation",
		Method:        http.MethodPost,
		Path:          "/matches/{match_id}/operations",
		Summary:       "Propose an operation",
		Description:   "201 when accepted, 200 when the client operation id was already admitted.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		MatchID string                  `path:"match_id"`
		Body    ProposeOperationRequest `json:"body"`
	}) (*struct {
		Status int
		Body   ProposeOperationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := requireMatch(ctx, input.MatchID, canScore)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Propose(ctx, engine.ProposeRequest{
			MatchID:           input.MatchID,
			ActorID:           p.ActorID,
			ClientOperationID: input.Body.ClientOperationID,
			ExpectedVersion:   input.Body.ExpectedVersion,
			Kind:              domain.Kind(input.Body.Kind),
			Payload:           rawBodyMap(ctx)["payload"],
		})
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusCreated
		switch res.Outcome {
		case engine.OutcomeIdempotentReplay:
			status = http.StatusOK
		case engine.OutcomeVersionConflict:
			return nil, conflictError(input.MatchID, input.Body.ExpectedVersion, res.CurrentVersion)
		case engine.OutcomeRateLimited:
			return nil, rateLimitedError(res)
		}
		return &struct {
			Status int
			Body   ProposeOperationResponse `json:"body"`
		}{Status: status, Body: proposeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "propose-operations-batch",
		Method:      http.MethodPost,
		Path:        "/matches/{match_id}/operations/batch",
		Summary:     "Propose a queue of operations in order",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		MatchID string              `path:"match_id"`
		Body    ProposeBatchRequest `json:"body"`
	}) (*struct {
		Body ProposeBatchResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := requireMatch(ctx, input.MatchID, canScore)
		if err != nil {
			return nil, handleError(err)
		}
		raw := rawBatchPayloads(ctx)
		items := make([]engine.BatchItem, 0, len(input.Body.Operations))
		for i, op := range input.Body.Operations {
			item := engine.BatchItem{
				ClientOperationID: op.ClientOperationID,
				ExpectedVersion:   op.ExpectedVersion,
				Kind:              domain.Kind(op.Kind),
			}
			if i < len(raw) {
				item.Payload = raw[i]
			}
			items = append(items, item)
		}
		results, err := e.ProposeBatch(ctx, input.MatchID, p.ActorID, items)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposeBatchResponse `json:"body"`
		}{Body: batchResponse(results)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/matches/{match_id}/operations",
		Summary:     "List operations after a sequence",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MatchID string `path:"match_id"`
		Since   int64  `query:"since" minimum:"0" default:"0"`
	}) (*struct {
		Body OperationListResponse `json:"body"`
	}, error) {
		if _, err := requireMatch(ctx, input.MatchID, canRead); err != nil {
			return nil, handleError(err)
		}
		ops, err := e.ListSince(ctx, input.MatchID, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		version, err := e.Version(ctx, input.MatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationListResponse `json:"body"`
		}{Body: OperationListResponse{MatchID: input.MatchID, Version: version, Operations: mapOperations(ops)}}, nil
	})
}

func registerState(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "match-state",
		Method:      http.MethodGet,
		Path:        "/matches/{match_id}/state",
		Summary:     "Replay the match log into its current state",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *matchPath) (*struct {
		Body domain.MatchState `json:"body"`
	}, error) {
		if _, err := requireMatch(ctx, input.MatchID, canRead); err != nil {
			return nil, handleError(err)
		}
		state, err := e.State(ctx, input.MatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MatchState `json:"body"`
		}{Body: state}, nil
	})
}

type archiveOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

func encodeArchive(ctx context.Context, e engine.Engine, matchID, format string) (*archiveOutput, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	archive, err := e.Export(ctx, matchID)
	if err != nil {
		return nil, handleError(err)
	}
	var buf bytes.Buffer
	if err := export.Encode(&buf, archive, f); err != nil {
		return nil, handleError(err)
	}
	return &archiveOutput{
		ContentType:        f.ContentType(),
		ContentDisposition: fmt.Sprintf(`attachment; filename="%s.%s"`, matchID, f),
		Body:               buf.Bytes(),
	}, nil
}

func registerExport(api huma.API, e engine.Engine, public *ratelimit.Guard) {
	huma.Register(api, huma.Operation{
		OperationID: "export-match",
		Method:      http.MethodGet,
		Path:        "/matches/{match_id}/export",
		Summary:     "Export the match log",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MatchID string `path:"match_id"`
		Format  string `query:"format" enum:"json,msgpack" default:"json"`
	}) (*archiveOutput, error) {
		if _, err := requireMatch(ctx, input.MatchID, canRead); err != nil {
			return nil, handleError(err)
		}
		return encodeArchive(ctx, e, input.MatchID, input.Format)
	})

	huma.Register(api, huma.Operation{
		OperationID: "public-export-match",
		Method:      http.MethodGet,
		Path:        "/public/matches/{match_id}/export",
		Summary:     "Export the match log without credentials",
		Errors:      []int{http.StatusBadRequest, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		MatchID string `path:"match_id"`
		Format  string `query:"format" enum:"json,msgpack" default:"json"`
	}) (*archiveOutput, error) {
		key := "public-export:" + remoteHost(ctx)
		if d := public.Allow(ctx, key); !d.Allowed {
			return nil, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many export requests, retry later",
				map[string]any{"retry_after_ms": d.RetryAfter.Milliseconds()})
		}
		return encodeArchive(ctx, e, input.MatchID, input.Format)
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-match",
		Method:      http.MethodPost,
		Path:        "/matches/{match_id}/import",
		Summary:     "Restore an exported log into an empty match",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MatchID string `path:"match_id"`
		Format  string `query:"format" enum:"json,msgpack" default:"json"`
	}) (*struct {
		Body ImportResponse `json:"body"`
	}, error) {
		if _, err := requireMatch(ctx, input.MatchID, canImport); err != nil {
			return nil, handleError(err)
		}
		f, err := export.ParseFormat(input.Format)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		data := bodyBytes(ctx)
		if len(data) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		archive, err := export.Decode(bytes.NewReader(data), f)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if archive.MatchID != input.MatchID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("archive is for match %s", archive.MatchID), nil)
		}
		version, err := e.Import(ctx, archive)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportResponse `json:"body"`
		}{Body: ImportResponse{MatchID: input.MatchID, Version: version}}, nil
	})
}

func remoteHost(ctx context.Context) string {
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

// rawBatchPayloads returns each batch item's payload bytes as sent.
func rawBatchPayloads(ctx context.Context) []json.RawMessage {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(rawBodyMap(ctx)["operations"], &items); err != nil {
		return nil
	}
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = item["payload"]
	}
	return out
}
