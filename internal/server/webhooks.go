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

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   engine.Engine
	tenant   string
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	tenantID := e.Config.Tenant.ID
	if strings.TrimSpace(tenantID) == "" {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		tenant:   tenantID,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	records, err := d.engine.Audit.After(ctx, defaultWebhookBatch, cursor, d.tenant)
	if err != nil {
		log.Printf("webhook: fetch audit records failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, rec := range records {
		evtType := eventTypeFor(rec)
		if evtType == "" || !filter.match(evtType) {
			d.setCursor(idx, rec.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evtType, rec); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, rec.ID)
	}
}

// eventTypeFor maps audit actions onto the outbound event vocabulary. Actions
// without an outbound translation are skipped but still advance the cursor.
func eventTypeFor(rec domain.AuditRecord) string {
	switch rec.Action {
	case domain.ActionDelegated:
		return "task.delegated"
	case domain.ActionReviewRequested:
		return "review.requested"
	case domain.ActionApproved, domain.ActionRejected:
		return "review.decided"
	case domain.ActionStarted, domain.ActionCompleted, domain.ActionBlocked, domain.ActionUnblocked, domain.ActionReopened:
		return "task.status_changed"
	case domain.ActionCreated, domain.ActionSubtaskAdded:
		// Creation only notifies when the task arrived with an assignee.
		if rec.EntityKind == "task" && strings.Contains(rec.Detail, `"assignee_id"`) {
			return "task.assigned"
		}
		return ""
	default:
		return ""
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Audit.LatestID(context.Background(), d.tenant)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actor_id"`
	ActorKind  string          `json:"actor_kind"`
	TS         string          `json:"ts"`
	Detail     json.RawMessage `json:"detail"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evtType string, rec domain.AuditRecord) error {
	detail := json.RawMessage("{}")
	if rec.Detail != "" && json.Valid([]byte(rec.Detail)) {
		detail = json.RawMessage(rec.Detail)
	}
	body := webhookEvent{
		ID:         rec.ID,
		Type:       evtType,
		TenantID:   rec.TenantID,
		EntityKind: rec.EntityKind,
		EntityID:   rec.EntityID,
		Action:     rec.Action,
		ActorID:    rec.ActorID,
		ActorKind:  rec.ActorKind,
		TS:         rec.CreatedAt,
		Detail:     detail,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskline-Event", evtType)
	req.Header.Set("X-Taskline-Delivery", fmt.Sprintf("%d", rec.ID))
	req.Header.Set("X-Taskline-Tenant", d.tenant)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Taskline-Secret", hook.Secret)
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

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
