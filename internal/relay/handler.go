package relay

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/greenview-ai/wardline/internal/observe"
	"github.com/greenview-ai/wardline/pkg/provider/realtime"
)

// Handler accepts client WebSocket connections and serves one [Session] per
// connection. Each accepted client gets its own freshly dialed upstream
// session; a failure in one connection never affects the others.
type Handler struct {
	provider    realtime.Provider
	upstreamCfg realtime.SessionConfig
	registry    *Registry
	gain        float32
	log         *slog.Logger
	metrics     *observe.Metrics
}

// HandlerOption is a functional option for configuring a Handler.
type HandlerOption func(*Handler)

// WithRegistry tracks served sessions in reg.
func WithRegistry(reg *Registry) HandlerOption {
	return func(h *Handler) { h.registry = reg }
}

// WithInputGain scales microphone samples before they go upstream.
func WithInputGain(gain float32) HandlerOption {
	return func(h *Handler) { h.gain = gain }
}

// WithLogger sets the logger connections report to.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithMetrics sets the instrumentation connections record to.
func WithMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a Handler that dials upstream sessions through provider
// with upstreamCfg.
func NewHandler(provider realtime.Provider, upstreamCfg realtime.SessionConfig, opts ...HandlerOption) *Handler {
	h := &Handler{
		provider:    provider,
		upstreamCfg: upstreamCfg,
		gain:        1,
	}
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeHTTP upgrades the request and serves the connection until the client
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}

	id := uuid.NewString()

	cfg := h.upstreamCfg
	if cfg.OnEvent == nil {
		ctx := r.Context()
		cfg.OnEvent = func(eventType string) {
			h.metrics.RecordProviderEvent(ctx, eventType)
		}
	}

	upstream, err := h.provider.Connect(r.Context(), cfg)
	if err != nil {
		h.log.Error("upstream connect failed", "connection_id", id, "error", err)
		conn.Close(websocket.StatusInternalError, "upstream unavailable")
		return
	}

	sess, err := NewSession(SessionConfig{
		ID:        id,
		Conn:      conn,
		Upstream:  upstream,
		Registry:  h.registry,
		InputGain: h.gain,
		Logger:    h.log,
		Metrics:   h.metrics,
	})
	if err != nil {
		h.log.Error("session setup failed", "connection_id", id, "error", err)
		upstream.Close()
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	h.metrics.ActiveConnections.Add(r.Context(), 1)
	defer h.metrics.ActiveConnections.Add(r.Context(), -1)

	if err := sess.Run(r.Context()); err != nil {
		h.log.Warn("session ended with error", "connection_id", id, "error", err)
	}
}
