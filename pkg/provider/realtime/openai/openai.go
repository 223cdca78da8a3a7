// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks. Completed caller
// transcripts trigger the retrieval-augmented answer protocol: the grounded
// answer is injected as a conversation item and the model is asked to speak
// it. Synthesized audio deltas are accumulated per response and emitted as one
// reassembled buffer when the provider signals the response complete.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/greenview-ai/wardline/pkg/audio"
	"github.com/greenview-ai/wardline/pkg/knowledge"
	"github.com/greenview-ai/wardline/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// ragTopic tags out-of-band answer generations so their completion events
	// can be told apart from ordinary responses.
	ragTopic = "rag"

	// dedupWindow bounds the processed-event-ID memory. Realtime sessions are
	// long-lived; an unbounded set would grow for their entire lifetime.
	dedupWindow = 512
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger sessions report protocol anomalies to.
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Connect establishes a new OpenAI Realtime session. The returned handle is in
// the ready state: it accepts audio immediately, though the provider discards
// input until the session.created / session.update handshake completes.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	if cfg.Answerer == nil {
		return nil, fmt.Errorf("openai: session config missing answerer")
	}
	if cfg.FallbackAnswer == "" {
		cfg.FallbackAnswer = knowledge.FallbackAnswer
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		cfg:      cfg,
		log:      p.log,
		state:    realtime.StateConnecting,
		events:   make(chan *serverEvent, 64),
		audioCh:  make(chan string, 8),
		ragAbort: make(chan struct{}, 1),
		dedup:    newDedupRing(dedupWindow),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		sessCancel()
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sess.conn = conn
	sess.setState(realtime.StateReady)

	go sess.receiveLoop()
	go sess.runLoop()

	return sess, nil
}

// ── session ────────────────────────────────────────────────────────────────────

// session is one live Realtime conversation.
//
// Two goroutines serve it: receiveLoop reads and decodes wire events,
// runLoop is the single consumer that applies state transitions. All
// turn-protocol state (fragments, dedup window, last transcript, in-flight
// flag) is owned by runLoop and needs no locking; the mutex guards only the
// fields read from other goroutines.
type session struct {
	conn *websocket.Conn
	cfg  realtime.SessionConfig
	log  *slog.Logger

	events   chan *serverEvent
	audioCh  chan string
	ragAbort chan struct{}

	mu     sync.Mutex
	state  realtime.State
	errVal error
	closed bool

	// runLoop-owned turn state.
	dedup          *dedupRing
	fragments      []string
	lastTranscript string
	ragInFlight    bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// receiveLoop reads wire messages, decodes them once at the ingress boundary
// and hands the typed events to runLoop. Non-JSON payloads are logged and
// skipped; they never terminate the session.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			s.setState(realtime.StateClosed)
			return
		}

		evt, err := decodeServerEvent(data)
		if err != nil {
			s.log.Warn("skipping malformed provider event", "error", err)
			continue
		}

		select {
		case s.events <- evt:
		case <-s.ctx.Done():
			return
		}
	}
}

// runLoop is the single consumer of decoded provider events. Every state
// transition of the session happens here.
func (s *session) runLoop() {
	defer s.closeAudio()

	for {
		select {
		case evt, ok := <-s.events:
			if !ok {
				return
			}
			if s.dedup.Observe(evt.EventID) {
				s.log.Debug("dropping duplicate provider event", "event_id", evt.EventID, "type", evt.Type)
				continue
			}
			if s.cfg.OnEvent != nil {
				s.cfg.OnEvent(evt.Type)
			}
			s.apply(evt)
		case <-s.ragAbort:
			s.ragInFlight = false
			s.setState(realtime.StateSessionReady)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) apply(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		if err := s.sendSessionUpdate(); err != nil {
			s.log.Error("session configuration failed", "error", err)
			return
		}
		s.setState(realtime.StateConfiguring)

	case "session.updated":
		s.setState(realtime.StateSessionReady)

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		s.fragments = append(s.fragments, evt.Delta)

	case "response.audio.done":
		s.flushAudio()

	case "response.audio_transcript.done":
		s.handleTranscript(evt.Transcript)

	case "response.done":
		if !evt.Response.isRAG() {
			return
		}
		text := evt.Response.answerText()
		if text == "" {
			s.log.Warn("grounded response carried no text, speaking fallback")
			text = s.cfg.FallbackAnswer
		}
		if err := s.speakAnswer(text); err != nil {
			s.log.Error("injecting grounded answer failed", "error", err)
			s.abortRAGTurn()
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.log.Warn("provider reported error", "message", msg)
	}
}

// handleTranscript starts a retrieval turn for a completed caller transcript.
// A transcript identical to the immediately preceding one is treated as a
// provider retransmission, and at most one turn may be in flight at a time.
func (s *session) handleTranscript(text string) {
	if text == "" {
		return
	}
	if text == s.lastTranscript {
		s.log.Debug("suppressing repeated transcript", "transcript", text)
		return
	}
	if s.ragInFlight {
		s.log.Debug("retrieval turn already in flight, ignoring transcript", "transcript", text)
		return
	}

	s.lastTranscript = text
	s.ragInFlight = true
	s.setState(realtime.StateRAGPending)

	// Retrieval must not stall event delivery; deltas for the eventual
	// response keep arriving while the lookup runs.
	go s.runRAGTurn(text)
}

// runRAGTurn resolves one caller question to a spoken answer. Retrieval
// failure or timeout degrades to the fixed fallback phrase; only a dead
// provider link aborts the turn outright.
func (s *session) runRAGTurn(question string) {
	if s.cfg.OutOfBandRAG {
		directive, err := s.cfg.Answerer.OutOfBand(s.ctx, question)
		if err == nil {
			if werr := s.writeJSON(oobResponseCreate(directive)); werr != nil {
				s.log.Error("out-of-band answer request failed", "error", werr)
				s.abortRAGTurn()
			}
			return
		}
		s.log.Warn("out-of-band retrieval failed, speaking fallback", "error", err)
		s.speakAnswerOrAbort(s.cfg.FallbackAnswer)
		return
	}

	answer, err := s.cfg.Answerer.Answer(s.ctx, question)
	if err != nil {
		if errors.Is(err, knowledge.ErrRetrievalUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("retrieval unavailable, speaking fallback", "question", question, "error", err)
		} else {
			s.log.Error("answering failed, speaking fallback", "question", question, "error", err)
		}
		answer = s.cfg.FallbackAnswer
	}
	s.speakAnswerOrAbort(answer)
}

func (s *session) speakAnswerOrAbort(answer string) {
	if err := s.speakAnswer(answer); err != nil {
		s.log.Error("injecting answer failed", "error", err)
		s.abortRAGTurn()
	}
}

// speakAnswer submits answer as a conversation item and asks the model to
// voice it. The item carries a fresh event ID so the provider's echo of it is
// recognised and skipped by deduplication.
func (s *session) speakAnswer(answer string) error {
	msg := createConversationItemMessage{
		Type:    "conversation.item.create",
		EventID: uuid.NewString(),
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: answer},
			},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return err
	}
	return s.writeJSON(responseCreateMessage{Type: "response.create"})
}

// abortRAGTurn returns the session to the ready state when a pending turn can
// no longer complete. Safe to call from any goroutine; runLoop applies it.
func (s *session) abortRAGTurn() {
	select {
	case s.ragAbort <- struct{}{}:
	default:
	}
}

// flushAudio drains the accumulated fragment sequence through the reassembler
// and emits the result as one buffer. An empty reassembly means nothing to
// play. Completing a response also completes any in-flight retrieval turn.
func (s *session) flushAudio() {
	fragments := s.fragments
	s.fragments = nil

	if encoded := audio.EncodePCM16(audio.Reconstruct(fragments)); encoded != "" {
		select {
		case s.audioCh <- encoded:
		case <-s.ctx.Done():
		}
	}

	if s.ragInFlight {
		s.ragInFlight = false
	}
	if st := s.State(); st != realtime.StateClosed && st != realtime.StateDisconnected {
		s.setState(realtime.StateSessionReady)
	}
}

// sendSessionUpdate sends a session.update event carrying the assistant
// persona, voice and audio formats.
func (s *session) sendSessionUpdate() error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if s.cfg.Voice != "" {
		params.Voice = s.cfg.Voice
	}
	if s.cfg.Instructions != "" {
		params.Instructions = s.cfg.Instructions
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// oobResponseCreate builds the out-of-band generation request: detached from
// the default conversation and tagged so its completion can be recognised.
func oobResponseCreate(d knowledge.OutOfBandDirective) responseCreateMessage {
	return responseCreateMessage{
		Type: "response.create",
		Response: &responseParams{
			Conversation: "none",
			Metadata:     map[string]string{"topic": d.Topic},
			Modalities:   []string{"text", "audio"},
			Instructions: d.Instructions,
			Input:        []any{},
		},
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) setState(st realtime.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == realtime.StateClosed {
		return
	}
	s.state = st
}

func (s *session) closeAudio() {
	s.closeOnce.Do(func() { close(s.audioCh) })
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// AppendAudio forwards one base64 PCM16 frame to the provider. Frames are
// never queued: a closed session is an error the caller drops the frame on.
func (s *session) AppendAudio(b64 string) error {
	if b64 == "" {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	if s.state == realtime.StateSessionReady {
		s.state = realtime.StateStreaming
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: b64,
	})
}

// IsConnected reports whether the provider link is up.
func (s *session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.state != realtime.StateClosed && s.state != realtime.StateDisconnected
}

// Audio returns the channel on which reassembled response audio arrives.
func (s *session) Audio() <-chan string { return s.audioCh }

// State returns the session's current lifecycle state.
func (s *session) State() realtime.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = realtime.StateClosed
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
