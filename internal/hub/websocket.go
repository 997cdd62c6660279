package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/previewd/internal/logging"
)

const (
	// pingInterval keeps idle connections alive through proxies.
	pingInterval = 54 * time.Second
	// writeTimeout bounds a single frame write to a slow client.
	writeTimeout = 10 * time.Second
)

// StreamConfig holds WebSocket endpoint options.
type StreamConfig struct {
	// AllowedOrigins lists origin host patterns accepted for cross-origin
	// connections (e.g. "localhost:3000", "*.example.com"). Empty means
	// same-host origins only.
	AllowedOrigins []string
	// ProjectKnown reports whether a project ID is currently registered.
	// Nil disables the check.
	ProjectKnown func(projectID string) bool
	Logger       logging.Logger
}

// StreamHandler upgrades HTTP requests to WebSocket connections and pumps
// hub messages to them as JSON. The subscription scope comes from the
// ?project query parameter; absent means the global catalogue. Clients
// never send data messages, so inbound traffic closes the connection.
type StreamHandler struct {
	hub          *Hub
	origins      []string
	projectKnown func(string) bool
	logger       logging.Logger
}

// NewStreamHandler creates the WebSocket endpoint for h.
func NewStreamHandler(h *Hub, config StreamConfig) *StreamHandler {
	logger := config.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &StreamHandler{
		hub:          h,
		origins:      config.AllowedOrigins,
		projectKnown: config.ProjectKnown,
		logger:       logger.WithComponent("websocket"),
	}
}

// ServeHTTP implements http.Handler. It blocks for the lifetime of the
// connection.
func (sh *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if projectID != "" && sh.projectKnown != nil && !sh.projectKnown(projectID) {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  sh.origins,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		// Accept already wrote the refusal response; origin rejections
		// land here.
		sh.logger.Warn(r.Context(), err, "websocket upgrade refused",
			"remote_addr", r.RemoteAddr,
			"origin", r.Header.Get("Origin"),
		)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusInternalError, "stream aborted")
	}()

	sub := sh.hub.Subscribe(projectID)
	defer sh.hub.Unsubscribe(sub)

	sh.logger.Debug(r.Context(), "websocket client connected",
		"subscription_id", sub.ID,
		"project_id", projectID,
		"remote_addr", r.RemoteAddr,
	)

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away or violates the server-push-only protocol.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "subscription closed")
				return
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				sh.logger.Debug(ctx, "websocket write failed",
					"subscription_id", sub.ID,
					"error", err.Error(),
				)
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// writeMessage serializes one hub message onto the connection with a
// bounded write deadline.
func writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
