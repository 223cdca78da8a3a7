package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/greenview-ai/wardline/internal/observe"
	"github.com/greenview-ai/wardline/pkg/audio"
	"github.com/greenview-ai/wardline/pkg/provider/realtime"
)

// outboundBuffer bounds the queue between the upstream-delivery path and the
// single client-socket writer.
const outboundBuffer = 16

// Session bridges one client connection to one upstream realtime session.
//
// Three goroutines serve it: the caller's read loop (Run), a forward loop
// draining reassembled upstream audio, and a single writer that owns every
// write to the client socket. Upstream callbacks never touch the socket
// directly; they enqueue envelopes for the writer.
type Session struct {
	id       string
	conn     *websocket.Conn
	upstream realtime.SessionHandle
	registry *Registry
	gain     float32
	log      *slog.Logger
	metrics  *observe.Metrics

	outbound chan Envelope

	ctx         context.Context
	cancel      context.CancelFunc
	cleanupOnce sync.Once
}

// SessionConfig carries everything a Session needs.
type SessionConfig struct {
	// ID is the unique connection identifier.
	ID string

	// Conn is the accepted client WebSocket.
	Conn *websocket.Conn

	// Upstream is the provider session this client owns. Required.
	Upstream realtime.SessionHandle

	// Registry tracks the session while it is alive. Optional.
	Registry *Registry

	// InputGain scales microphone samples before they go upstream. Values
	// <= 0 and exactly 1 leave frames untouched.
	InputGain float32

	// Logger receives per-connection log records. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics receives per-connection instrumentation. Defaults to
	// observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// NewSession creates a Session from cfg. Call Run to serve it.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("relay: session config missing client conn")
	}
	if cfg.Upstream == nil {
		return nil, fmt.Errorf("relay: session config missing upstream session")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Session{
		id:       cfg.ID,
		conn:     cfg.Conn,
		upstream: cfg.Upstream,
		registry: cfg.Registry,
		gain:     cfg.InputGain,
		log:      log.With("connection_id", cfg.ID),
		metrics:  metrics,
		outbound: make(chan Envelope, outboundBuffer),
	}, nil
}

// ID returns the connection identifier.
func (s *Session) ID() string { return s.id }

// Run serves the connection until the client disconnects, the context is
// cancelled or the socket fails. It always releases the upstream session and
// deregisters the connection exactly once before returning.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cleanup()

	if s.registry != nil {
		s.registry.Insert(s)
	}

	go s.writeLoop()
	go s.forwardLoop()

	s.send(Envelope{EventType: EventConnectivity, EventData: ConnectivityAck})
	s.log.Info("client connected")

	return s.readLoop()
}

// readLoop consumes client messages until the socket dies. Unrecognized
// message shapes are logged and skipped, never fatal.
func (s *Session) readLoop() error {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			s.log.Info("client disconnected", "reason", err)
			return nil
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			s.log.Warn("skipping malformed client message", "error", err)
			continue
		}

		switch env.EventType {
		case EventAudioInput:
			s.handleAudioInput(env.EventData)
		default:
			s.log.Debug("ignoring unrecognized client event", "event_type", env.EventType)
		}
	}
}

// handleAudioInput forwards one microphone frame upstream. Frames are dropped
// with a warning when the upstream link is down; they are never queued.
func (s *Session) handleAudioInput(frame string) {
	s.metrics.RecordClientFrame(s.ctx, "in")

	if !s.upstream.IsConnected() {
		s.metrics.RecordFrameDropped(s.ctx, "upstream_disconnected")
		s.log.Warn("dropping audio frame, upstream disconnected")
		return
	}

	if frame == "" {
		return
	}

	if err := s.upstream.AppendAudio(s.applyGain(frame)); err != nil {
		s.metrics.RecordFrameDropped(s.ctx, "append_failed")
		s.log.Warn("dropping audio frame, append failed", "error", err)
	}
}

// applyGain scales the frame's samples by the configured input gain. A gain
// of 1 (or an unset one) passes the frame through untouched.
func (s *Session) applyGain(frame string) string {
	if s.gain <= 0 || s.gain == 1 {
		return frame
	}
	samples := audio.DecodePCM16(frame)
	if len(samples) == 0 {
		return frame
	}
	return audio.EncodePCM16(audio.Gain(samples, s.gain))
}

// forwardLoop drains reassembled upstream audio and enqueues it for the
// client. It exits when the upstream session ends or the connection closes.
func (s *Session) forwardLoop() {
	for {
		select {
		case buf, ok := <-s.upstream.Audio():
			if !ok {
				return
			}
			s.metrics.RecordAudioResponse(s.ctx)
			s.send(Envelope{EventType: EventAudioResponse, EventData: buf})
		case <-s.ctx.Done():
			return
		}
	}
}

// writeLoop is the single writer to the client socket.
func (s *Session) writeLoop() {
	for {
		select {
		case env := <-s.outbound:
			data, err := env.Encode()
			if err != nil {
				s.log.Error("encoding outbound envelope failed", "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			err = s.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					s.log.Warn("client write failed", "error", err)
				}
				return
			}
			if env.EventType == EventAudioResponse {
				s.metrics.RecordClientFrame(s.ctx, "out")
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// send enqueues env for the writer without ever blocking the caller past
// connection teardown.
func (s *Session) send(env Envelope) {
	select {
	case s.outbound <- env:
	case <-s.ctx.Done():
	}
}

// cleanup releases the upstream session and deregisters the connection.
// Guaranteed to run exactly once no matter which path detected disconnect.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.cancel()
		if err := s.upstream.Close(); err != nil {
			s.log.Warn("closing upstream session failed", "error", err)
		}
		if s.registry != nil {
			s.registry.Remove(s.id)
		}
		s.conn.Close(websocket.StatusNormalClosure, "session ended")
		s.log.Info("session cleaned up")
	})
}
