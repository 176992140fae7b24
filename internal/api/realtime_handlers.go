package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/onnwee/livetrack/internal/middleware"
	"github.com/onnwee/livetrack/internal/realtime"
)

// RealtimeConfig configures the WebSocket endpoint.
type RealtimeConfig struct {
	Relay realtime.Relay
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
	SendQueueSize  int
	Metrics        *realtime.Metrics
	Logger         *slog.Logger
}

// RealtimeHandlers upgrades connections and hands them to realtime clients.
type RealtimeHandlers struct {
	relay     realtime.Relay
	upgrader  websocket.Upgrader
	queueSize int
	metrics   *realtime.Metrics
	logger    *slog.Logger
}

// NewRealtimeHandlers creates a new RealtimeHandlers instance.
func NewRealtimeHandlers(cfg RealtimeConfig) *RealtimeHandlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeHandlers{
		relay: cfg.Relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.NewOriginAllowlist(cfg.AllowedOrigins).CheckOrigin,
		},
		queueSize: cfg.SendQueueSize,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// ServeWS handles GET /ws?encoding=json|cbor.
// The connection lives until the peer leaves or the server shuts down.
func (h *RealtimeHandlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	encoding := r.URL.Query().Get("encoding")
	if encoding != "" && encoding != "json" && encoding != "cbor" {
		writeCode(w, r, ErrCodeValidation, "encoding must be json or cbor")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.WarnContext(ctx, "failed to upgrade websocket connection",
			"error", err,
			"origin", r.Header.Get("Origin"),
		)
		return
	}

	requestID := middleware.GetRequestID(ctx)
	client := realtime.NewClient(conn, h.relay, realtime.Options{
		Codec:         realtime.CodecFor(encoding),
		SendQueueSize: h.queueSize,
		Metrics:       h.metrics,
		Logger:        h.logger.With(slog.String("request_id", requestID)),
	})

	h.logger.InfoContext(ctx, "websocket client connected",
		"connection_id", client.ID(),
		"request_id", requestID,
		"encoding", realtime.CodecFor(encoding).Name(),
	)
	client.Serve(ctx)
	h.logger.InfoContext(ctx, "websocket client disconnected",
		"connection_id", client.ID(),
		"request_id", requestID,
	)
}
