package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"scorebook/internal/config"
	"scorebook/internal/domain"
	"scorebook/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
)

// WebhookDispatcher follows every match log and posts new operations to the
// configured hooks. Delivery is at least once; the delivery header carries
// match and sequence so receivers can deduplicate.
type WebhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *log.Logger
	interval time.Duration

	mu      sync.Mutex
	primed  bool
	cursors map[cursorKey]int64
}

type cursorKey struct {
	hook    int
	matchID string
}

// NewWebhookDispatcher returns nil when no hook is configured.
func NewWebhookDispatcher(e engine.Engine, hooks []config.WebhookConfig, logger *log.Logger) *WebhookDispatcher {
	if len(hooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = log.Default()
	}
	return &WebhookDispatcher{
		engine:   e,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		interval: defaultWebhookInterval,
		cursors:  make(map[cursorKey]int64),
	}
}

// Run polls until ctx is done. Operations already in the log when Run starts
// are not delivered.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if d == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every match and hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	matches, err := d.engine.ListMatches(ctx)
	if err != nil {
		d.logger.Printf("webhook: list matches failed: %v", err)
		return
	}
	d.mu.Lock()
	if !d.primed {
		for i := range d.webhooks {
			for _, m := range matches {
				d.cursors[cursorKey{i, m.MatchID}] = m.Version
			}
		}
		d.primed = true
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		matchFilter := newFilter(hook.Matches)
		for _, m := range matches {
			if !matchFilter.match(m.MatchID) {
				continue
			}
			d.dispatchMatch(ctx, i, hook, m.MatchID, m.Version)
		}
	}
}

func (d *WebhookDispatcher) dispatchMatch(ctx context.Context, idx int, hook config.WebhookConfig, matchID string, tip int64) {
	key := cursorKey{idx, matchID}
	cursor := d.cursor(key)
	if cursor >= tip {
		return
	}
	ops, err := d.engine.ListSince(ctx, matchID, cursor)
	if err != nil {
		d.logger.Printf("webhook: list operations for %s failed: %v", matchID, err)
		return
	}
	kinds := newFilter(hook.Kinds)
	for _, op := range ops {
		if !kinds.match(string(op.Kind)) {
			d.setCursor(key, op.Sequence)
			continue
		}
		if err := d.postOperation(ctx, hook, op); err != nil {
			d.logger.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(key, op.Sequence)
	}
}

func (d *WebhookDispatcher) cursor(key cursorKey) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[key]
}

func (d *WebhookDispatcher) setCursor(key cursorKey, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookOperation struct {
	MatchID           string          `json:"match_id"`
	Sequence          int64           `json:"sequence"`
	ClientOperationID string          `json:"client_operation_id"`
	ActorID           string          `json:"actor_id"`
	Kind              string          `json:"kind"`
	RecordedAt        string          `json:"recorded_at"`
	Payload           json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postOperation(ctx context.Context, hook config.WebhookConfig, op domain.Operation) error {
	payload := json.RawMessage("{}")
	if len(op.Payload) > 0 {
		payload = op.Payload
	}
	data, err := json.Marshal(webhookOperation{
		MatchID:           op.MatchID,
		Sequence:          op.Sequence,
		ClientOperationID: op.ClientOperationID,
		ActorID:           op.ActorID,
		Kind:              string(op.Kind),
		RecordedAt:        op.RecordedAt.UTC().Format(time.RFC3339Nano),
		Payload:           payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Scorebook-Event", string(op.Kind))
	req.Header.Set("X-Scorebook-Delivery", fmt.Sprintf("%s:%d", op.MatchID, op.Sequence))
	req.Header.Set("X-Scorebook-Match", op.MatchID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Scorebook-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type filter struct {
	all bool
	set map[string]struct{}
}

func newFilter(values []string) filter {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if key := strings.TrimSpace(v); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return filter{all: true}
	}
	return filter{set: set}
}

func (f filter) match(v string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[v]
	return ok
}
