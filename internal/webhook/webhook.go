// Package webhook delivers lifecycle events to user-registered HTTP
// receivers. Deliveries are asynchronous and audited: every attempt writes a
// WebhookDelivery row and refreshes the webhook's last-delivery summary.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/events"
	"github.com/labmesh-io/labmesh/internal/metrics"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

const (
	deliveryTimeout = 30 * time.Second
	userAgent       = "labmesh-webhook/1.0"
)

// Dispatcher fans events out to matching webhooks. It implements
// events.Publisher; Publish never blocks on slow receivers.
type Dispatcher struct {
	webhooks repositories.WebhookRepository
	http     *http.Client
	log      *zap.Logger
	wg       sync.WaitGroup
}

func NewDispatcher(webhooks repositories.WebhookRepository, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		webhooks: webhooks,
		http:     &http.Client{Timeout: deliveryTimeout},
		log:      log.Named("webhook"),
	}
}

// Publish matches the event against the owner's enabled webhooks and
// delivers asynchronously.
func (d *Dispatcher) Publish(ctx context.Context, event events.Event) {
	hooks, err := d.webhooks.ListEnabledByOwner(ctx, event.OwnerID)
	if err != nil {
		d.log.Error("webhook lookup failed",
			zap.String("event", event.Event), zap.Error(err))
		return
	}
	for i := range hooks {
		hook := hooks[i]
		if !Matches(&hook, event) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(context.Background(), &hook, event)
		}()
	}
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and in
// tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Test sends a synthetic "test" event to one webhook through the normal
// delivery machinery, returning the delivery error if any.
func (d *Dispatcher) Test(ctx context.Context, hook *db.Webhook) error {
	event := events.New(events.Test, hook.OwnerID)
	event.Detail = "test delivery"
	return d.deliver(ctx, hook, event)
}

// Matches reports whether a webhook subscribes to the event: the event name
// must be in the webhook's event list, and a lab-scoped webhook only matches
// events of its lab.
func Matches(hook *db.Webhook, event events.Event) bool {
	var subscribed []string
	if err := json.Unmarshal([]byte(hook.Events), &subscribed); err != nil {
		return false
	}
	found := false
	for _, name := range subscribed {
		if name == event.Event {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if hook.LabID != nil {
		if event.LabID == nil || *event.LabID != *hook.LabID {
			return false
		}
	}
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, hook *db.Webhook, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", event.Event)
	req.Header.Set("X-Webhook-Delivery", event.ID.String())
	if hook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Signature(hook.Secret, body))
	}
	// Custom headers merge on top of, and may override, the standard set.
	var custom map[string]string
	if hook.CustomHeaders != "" {
		if err := json.Unmarshal([]byte(hook.CustomHeaders), &custom); err == nil {
			for k, v := range custom {
				req.Header.Set(k, v)
			}
		}
	}

	start := time.Now()
	resp, err := d.http.Do(req)
	duration := time.Since(start)

	statusCode := 0
	errText := ""
	if err != nil {
		errText = err.Error()
	} else {
		statusCode = resp.StatusCode
		resp.Body.Close()
	}
	success := err == nil && statusCode >= 200 && statusCode < 300

	outcome := "failure"
	if success {
		outcome = "success"
	}
	metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()

	d.record(hook, event, statusCode, errText, duration, success)

	if !success {
		if err != nil {
			return fmt.Errorf("webhook: deliver to %s: %w", hook.URL, err)
		}
		return fmt.Errorf("webhook: deliver to %s: status %d", hook.URL, statusCode)
	}
	return nil
}

func (d *Dispatcher) record(hook *db.Webhook, event events.Event, statusCode int, errText string, duration time.Duration, success bool) {
	// Audit writes use a fresh context: the delivery context may already be
	// cancelled and the audit trail must survive regardless.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delivery := &db.WebhookDelivery{
		WebhookID:  hook.ID,
		EventID:    event.ID,
		Event:      event.Event,
		StatusCode: statusCode,
		Error:      errText,
		DurationMS: duration.Milliseconds(),
		Success:    success,
	}
	if err := d.webhooks.CreateDelivery(ctx, delivery); err != nil {
		d.log.Warn("delivery audit failed", zap.Error(err))
	}
	if err := d.webhooks.RecordDeliverySummary(ctx, hook.ID, time.Now().UTC(), statusCode, success); err != nil {
		d.log.Warn("delivery summary update failed", zap.Error(err))
	}
	if !success {
		d.log.Warn("webhook delivery failed",
			zap.String("url", hook.URL),
			zap.String("event", event.Event),
			zap.Int("status", statusCode),
			zap.String("error", errText))
	}
}

// Signature computes the delivery signature header value:
// sha256=<hex HMAC-SHA256 of the exact request body>.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
