package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/ws"
)

// WSHandler handles the live-event WebSocket endpoint GET /ws.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter, comma-separated:
//
//	ws://host/api/v1/ws?topics=job:uuid1,lab:uuid2
//
// Unknown topic strings are accepted and simply never receive messages.
type WSHandler struct {
	hub    *ws.Hub
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *ws.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /ws. It upgrades the connection and starts the client
// pumps; the handler blocks until the connection closes, which is the
// expected shape for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := resolveTopics(r)
	if len(topics) == 0 {
		ErrBadRequest(w, "at least one topic is required")
		return
	}

	client, err := ws.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader has already written the handshake error response.
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics))

	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("remote_addr", r.RemoteAddr))
}

// resolveTopics builds the deduplicated topic list from the query parameter.
func resolveTopics(r *http.Request) []string {
	seen := make(map[string]struct{})
	var topics []string
	for _, t := range strings.Split(r.URL.Query().Get("topics"), ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}
	return topics
}
