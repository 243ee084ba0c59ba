package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/repositories"
	"github.com/labmesh-io/labmesh/internal/webhook"
)

// WebhookHandler serves webhook CRUD, test deliveries and the delivery audit
// trail.
type WebhookHandler struct {
	repo       repositories.WebhookRepository
	dispatcher *webhook.Dispatcher
	logger     *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(repo repositories.WebhookRepository, dispatcher *webhook.Dispatcher, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger.Named("webhook_handler"),
	}
}

// webhookRequest is the body of POST /webhooks and PATCH /webhooks/{id}.
// Secret is write-only; it never appears in responses.
type webhookRequest struct {
	OwnerID       uuid.UUID         `json:"owner_id"`
	LabID         *uuid.UUID        `json:"lab_id"`
	URL           string            `json:"url"`
	Secret        *string           `json:"secret"`
	Events        []string          `json:"events"`
	CustomHeaders map[string]string `json:"custom_headers"`
	Enabled       *bool             `json:"enabled"`
}

// webhookResponse is the JSON representation of a webhook.
type webhookResponse struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"owner_id"`
	LabID              *string    `json:"lab_id"`
	URL                string     `json:"url"`
	Events             []string   `json:"events"`
	Enabled            bool       `json:"enabled"`
	HasSecret          bool       `json:"has_secret"`
	LastDeliveryAt     *time.Time `json:"last_delivery_at"`
	LastDeliveryStatus int        `json:"last_delivery_status"`
	LastDeliveryOK     bool       `json:"last_delivery_ok"`
	CreatedAt          time.Time  `json:"created_at"`
}

func webhookToResponse(hook *db.Webhook) webhookResponse {
	var events []string
	_ = json.Unmarshal([]byte(hook.Events), &events)
	resp := webhookResponse{
		ID:                 hook.ID.String(),
		OwnerID:            hook.OwnerID.String(),
		URL:                hook.URL,
		Events:             events,
		Enabled:            hook.Enabled,
		HasSecret:          hook.Secret != "",
		LastDeliveryAt:     hook.LastDeliveryAt,
		LastDeliveryStatus: hook.LastDeliveryStatus,
		LastDeliveryOK:     hook.LastDeliveryOK,
		CreatedAt:          hook.CreatedAt,
	}
	if hook.LabID != nil {
		s := hook.LabID.String()
		resp.LabID = &s
	}
	return resp
}

// Create handles POST /webhooks.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OwnerID == uuid.Nil {
		ErrBadRequest(w, "owner_id is required")
		return
	}
	if req.URL == "" {
		ErrBadRequest(w, "url is required")
		return
	}
	if len(req.Events) == 0 {
		ErrBadRequest(w, "at least one event is required")
		return
	}

	events, _ := json.Marshal(req.Events)
	hook := &db.Webhook{
		OwnerID: req.OwnerID,
		LabID:   req.LabID,
		URL:     req.URL,
		Events:  string(events),
		Enabled: true,
	}
	if req.Secret != nil {
		hook.Secret = *req.Secret
	}
	if req.CustomHeaders != nil {
		headers, _ := json.Marshal(req.CustomHeaders)
		hook.CustomHeaders = string(headers)
	}
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
	}

	if err := h.repo.Create(r.Context(), hook); err != nil {
		h.logger.Error("webhook create failed", zap.String("url", req.URL), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, webhookToResponse(hook))
}

type listWebhooksResponse struct {
	Items []webhookResponse `json:"items"`
	Total int64             `json:"total"`
}

// List handles GET /webhooks?owner_id=....
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.Parse(r.URL.Query().Get("owner_id"))
	if err != nil {
		ErrBadRequest(w, "owner_id query parameter is required")
		return
	}
	hooks, total, err := h.repo.ListByOwner(r.Context(), ownerID, paginationOpts(r))
	if err != nil {
		h.logger.Error("webhook listing failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]webhookResponse, len(hooks))
	for i := range hooks {
		items[i] = webhookToResponse(&hooks[i])
	}
	Ok(w, listWebhooksResponse{Items: items, Total: total})
}

// GetByID handles GET /webhooks/{id}.
func (h *WebhookHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.lookup(w, r)
	if !ok {
		return
	}
	Ok(w, webhookToResponse(hook))
}

// Update handles PATCH /webhooks/{id}. Only provided fields are applied.
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.URL != "" {
		hook.URL = req.URL
	}
	if req.LabID != nil {
		hook.LabID = req.LabID
	}
	if len(req.Events) > 0 {
		events, _ := json.Marshal(req.Events)
		hook.Events = string(events)
	}
	if req.Secret != nil {
		hook.Secret = *req.Secret
	}
	if req.CustomHeaders != nil {
		headers, _ := json.Marshal(req.CustomHeaders)
		hook.CustomHeaders = string(headers)
	}
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
	}

	if err := h.repo.Update(r.Context(), hook); err != nil {
		h.logger.Error("webhook update failed", zap.String("id", hook.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, webhookToResponse(hook))
}

// Delete handles DELETE /webhooks/{id}.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("webhook delete failed", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// testResponse reports the outcome of a synchronous test delivery.
type testResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Test handles POST /webhooks/{id}/test: a synthetic event through the real
// delivery machinery, with the outcome reported synchronously.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.dispatcher.Test(r.Context(), hook); err != nil {
		Ok(w, testResponse{Success: false, Error: err.Error()})
		return
	}
	Ok(w, testResponse{Success: true})
}

// deliveryResponse is one delivery audit row.
type deliveryResponse struct {
	EventID    string    `json:"event_id"`
	Event      string    `json:"event"`
	StatusCode int       `json:"status_code"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	CreatedAt  time.Time `json:"created_at"`
}

type listDeliveriesResponse struct {
	Items []deliveryResponse `json:"items"`
	Total int64              `json:"total"`
}

// Deliveries handles GET /webhooks/{id}/deliveries.
func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.lookup(w, r)
	if !ok {
		return
	}
	deliveries, total, err := h.repo.ListDeliveries(r.Context(), hook.ID, paginationOpts(r))
	if err != nil {
		h.logger.Error("delivery listing failed", zap.String("id", hook.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]deliveryResponse, len(deliveries))
	for i, d := range deliveries {
		items[i] = deliveryResponse{
			EventID:    d.EventID.String(),
			Event:      d.Event,
			StatusCode: d.StatusCode,
			Error:      d.Error,
			DurationMS: d.DurationMS,
			Success:    d.Success,
			CreatedAt:  d.CreatedAt,
		}
	}
	Ok(w, listDeliveriesResponse{Items: items, Total: total})
}

func (h *WebhookHandler) lookup(w http.ResponseWriter, r *http.Request) (*db.Webhook, bool) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return nil, false
	}
	hook, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("webhook lookup failed", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	return hook, true
}
