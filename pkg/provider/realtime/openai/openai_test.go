package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/greenview-ai/wardline/pkg/audio"
	"github.com/greenview-ai/wardline/pkg/knowledge"
	"github.com/greenview-ai/wardline/pkg/provider/realtime"
	"github.com/greenview-ai/wardline/pkg/provider/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test
// finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// writeRaw sends data verbatim as a text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

// pumpToChannel forwards every client message the server reads onto msgs
// until the connection dies.
func pumpToChannel(conn *websocket.Conn, msgs chan<- map[string]any) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		var m map[string]any
		if json.Unmarshal(data, &m) == nil {
			select {
			case msgs <- m:
			default:
			}
		}
	}
}

// stubAnswerer implements realtime.Answerer with canned behaviour.
type stubAnswerer struct {
	mu        sync.Mutex
	answer    string
	err       error
	questions []string
}

func (a *stubAnswerer) Answer(ctx context.Context, question string) (string, error) {
	a.mu.Lock()
	a.questions = append(a.questions, question)
	answer, err := a.answer, a.err
	a.mu.Unlock()
	return answer, err
}

func (a *stubAnswerer) OutOfBand(ctx context.Context, question string) (knowledge.OutOfBandDirective, error) {
	a.mu.Lock()
	a.questions = append(a.questions, question)
	err := a.err
	a.mu.Unlock()
	if err != nil {
		return knowledge.OutOfBandDirective{}, err
	}
	return knowledge.OutOfBandDirective{Instructions: "answer from the records", Topic: "rag"}, nil
}

func (a *stubAnswerer) asked() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]string, len(a.questions))
	copy(cp, a.questions)
	return cp
}

func connect(t *testing.T, srv *httptest.Server, cfg realtime.SessionConfig, opts ...openai.Option) realtime.SessionHandle {
	t.Helper()
	if cfg.Answerer == nil {
		cfg.Answerer = &stubAnswerer{answer: "unused"}
	}
	opts = append(opts, openai.WithBaseURL(wsURL(srv)))
	p := openai.New("key", opts...)
	handle, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	return handle
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsAuthHeadersAndModel(t *testing.T) {
	t.Parallel()

	type dialInfo struct {
		auth  string
		beta  string
		model string
	}
	dialed := make(chan dialInfo, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		dialed <- dialInfo{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("my-secret-token", openai.WithModel("gpt-4o-mini-realtime"), openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{Answerer: &stubAnswerer{}})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case info := <-dialed:
		if info.auth != "Bearer my-secret-token" {
			t.Errorf("Authorization = %q; want Bearer my-secret-token", info.auth)
		}
		if info.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q; want realtime=v1", info.beta)
		}
		if info.model != "gpt-4o-mini-realtime" {
			t.Errorf("model in URL = %q; want gpt-4o-mini-realtime", info.model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_HandleIsReadyBeforeHandshake(t *testing.T) {
	t.Parallel()

	// A silent server: no session.created yet, so the handle sits at the end
	// of the connecting transition.
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	if got := handle.State(); got != realtime.StateReady {
		t.Errorf("state after Connect = %v; want %v", got, realtime.StateReady)
	}
}

func TestConnect_MissingAnswerer_ReturnsError(t *testing.T) {
	t.Parallel()

	p := openai.New("key")
	if _, err := p.Connect(context.Background(), realtime.SessionConfig{}); err == nil {
		t.Fatal("Connect without an answerer should return an error")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Connect(ctx, realtime.SessionConfig{Answerer: &stubAnswerer{}}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

// ── Configuration handshake ───────────────────────────────────────────────────

func TestSessionCreated_TriggersExactlyOneSessionUpdate(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 16)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "session.created", "event_id": "ev-1"})
		pumpToChannel(conn, msgs)
	})

	handle := connect(t, srv, realtime.SessionConfig{
		Instructions: "You are the hospital reception assistant.",
		Voice:        "alloy",
	})

	select {
	case msg := <-msgs:
		if msg["type"] != "session.update" {
			t.Fatalf("type = %v; want session.update", msg["type"])
		}
		sess, _ := msg["session"].(map[string]any)
		if sess["instructions"] != "You are the hospital reception assistant." {
			t.Errorf("instructions = %v", sess["instructions"])
		}
		if sess["voice"] != "alloy" {
			t.Errorf("voice = %v; want alloy", sess["voice"])
		}
		if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
			t.Errorf("audio formats = %v / %v; want pcm16", sess["input_audio_format"], sess["output_audio_format"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}

	// No second configuration message may follow.
	select {
	case msg := <-msgs:
		t.Fatalf("unexpected extra message: %v", msg)
	case <-time.After(150 * time.Millisecond):
	}

	waitFor(t, "configuring state", func() bool {
		return handle.State() == realtime.StateConfiguring
	})
}

func TestSessionUpdated_MovesToSessionReady(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "session.created", "event_id": "ev-1"})
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "session.updated", "event_id": "ev-2"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	waitFor(t, "session-ready state", func() bool {
		return handle.State() == realtime.StateSessionReady
	})
}

// ── Audio input ───────────────────────────────────────────────────────────────

func TestAppendAudio_ForwardsFrame(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 16)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		pumpToChannel(conn, msgs)
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	frame := base64.StdEncoding.EncodeToString([]byte{0x10, 0x20, 0x30, 0x40})
	if err := handle.AppendAudio(frame); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg["type"] != "input_audio_buffer.append" {
			t.Errorf("type = %v; want input_audio_buffer.append", msg["type"])
		}
		if msg["audio"] != frame {
			t.Errorf("audio = %v; want %q", msg["audio"], frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append message")
	}
}

func TestAppendAudio_EmptyFrame_IsNoOp(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 16)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		pumpToChannel(conn, msgs)
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	if err := handle.AppendAudio(""); err != nil {
		t.Fatalf("AppendAudio(\"\"): %v", err)
	}

	select {
	case msg := <-msgs:
		t.Fatalf("empty frame should not reach the wire, got %v", msg)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestAppendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})
	_ = handle.Close()

	if err := handle.AppendAudio("AAAA"); err == nil {
		t.Fatal("AppendAudio after Close should return an error")
	}
	if handle.IsConnected() {
		t.Error("IsConnected should be false after Close")
	}
}

// ── Retrieval turns ───────────────────────────────────────────────────────────

// driveHandshake replays the configuration handshake so the session reaches
// the ready state before the test scenario begins.
func driveHandshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"type": "session.created", "event_id": "handshake-1"})
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"type": "session.updated", "event_id": "handshake-2"})
}

func TestTranscriptDone_RunsRetrievalAndInjectsAnswer(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 16)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		driveHandshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":       "response.audio_transcript.done",
			"event_id":   "ev-tx-1",
			"transcript": "Where is the hospital?",
		})
		pumpToChannel(conn, msgs)
	})

	answerer := &stubAnswerer{answer: "Greenview Medical Centre is on Elm Street."}
	connect(t, srv, realtime.SessionConfig{Answerer: answerer})

	var item map[string]any
	select {
	case item = <-msgs:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for conversation.item.create")
	}

	if item["type"] != "conversation.item.create" {
		t.Fatalf("type = %v; want conversation.item.create", item["type"])
	}
	if item["event_id"] == "" || item["event_id"] == nil {
		t.Error("conversation.item.create should carry an event_id")
	}
	inner, _ := item["item"].(map[string]any)
	content, _ := inner["content"].([]any)
	if len(content) == 0 {
		t.Fatal("conversation item has no content")
	}
	part, _ := content[0].(map[string]any)
	if part["text"] != "Greenview Medical Centre is on Elm Street." {
		t.Errorf("injected text = %v", part["text"])
	}

	select {
	case msg := <-msgs:
		if msg["type"] != "response.create" {
			t.Errorf("type = %v; want response.create", msg["type"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}

	if got := answerer.asked(); len(got) != 1 || got[0] != "Where is the hospital?" {
		t.Errorf("answerer questions = %v; want exactly [Where is the hospital?]", got)
	}
}

func TestDuplicateEventID_TriggersOneTurn(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		driveHandshake(t, conn)
		for range 2 {
			writeJSON(t, conn, map[string]any{
				"type":       "response.audio_transcript.done",
				"event_id":   "ev-dup",
				"transcript": "What are the visiting hours?",
			})
		}
		pumpToChannel(conn, make(chan map[string]any, 16))
	})

	answerer := &stubAnswerer{answer: "Nine to five."}
	connect(t, srv, realtime.SessionConfig{Answerer: answerer})

	waitFor(t, "retrieval call", func() bool { return len(answerer.asked()) >= 1 })
	time.Sleep(150 * time.Millisecond)

	if got := answerer.asked(); len(got) != 1 {
		t.Errorf("answerer invoked %d times; want 1", len(got))
	}
}

func TestRepeatedTranscriptText_IsSuppressed(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		driveHandshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.done", "event_id": "ev-1",
			"transcript": "Do you have a pharmacy?",
		})
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.done", "event_id": "ev-2",
			"transcript": "Do you have a pharmacy?",
		})
		pumpToChannel(conn, make(chan map[string]any, 16))
	})

	answerer := &stubAnswerer{answer: "Yes, on the ground floor."}
	connect(t, srv, realtime.SessionConfig{Answerer: answerer})

	waitFor(t, "retrieval call", func() bool { return len(answerer.asked()) >= 1 })
	time.Sleep(150 * time.Millisecond)

	if got := answerer.asked(); len(got) != 1 {
		t.Errorf("answerer invoked %d times; want 1 (retransmission must be suppressed)", len(got))
	}
}

func TestSecondTranscriptWhileTurnInFlight_IsIgnored(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	answerer := &blockingAnswerer{release: release}

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		driveHandshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.done", "event_id": "ev-1",
			"transcript": "First question?",
		})
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.done", "event_id": "ev-2",
			"transcript": "Second question?",
		})
		pumpToChannel(conn, make(chan map[string]any, 16))
	})

	connect(t, srv, realtime.SessionConfig{Answerer: answerer})

	waitFor(t, "first retrieval call", func() bool { return answerer.calls() >= 1 })
	time.Sleep(150 * time.Millisecond)

	if got := answerer.calls(); got != 1 {
		t.Errorf("answerer invoked %d times while a turn was in flight; want 1", got)
	}
	close(release)
}

// blockingAnswerer parks Answer calls until release is closed.
type blockingAnswerer struct {
	mu      sync.Mutex
	n       int
	release chan struct{}
}

func (a *blockingAnswerer) Answer(ctx context.Context, question string) (string, error) {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
	select {
	case <-a.release:
	case <-ctx.Done():
	}
	return "done", nil
}

func (a *blockingAnswerer) OutOfBand(ctx context.Context, question string) (knowledge.OutOfBandDirective, error) {
	return knowledge.OutOfBandDirective{}, fmt.Errorf("not used")
}

func (a *blockingAnswerer) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

func TestRetrievalFailure_SpeaksFallback(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 16)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		driveHandshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.done", "event_id": "ev-1",
			"transcript": "Where is radiology?",
		})
		pumpToChannel(conn, msgs)
	})

	answerer := &stubAnswerer{err: fmt.Errorf("%w: search: connection refused", knowledge.ErrRetrievalUnavailable)}
	handle := connect(t, srv, realtime.SessionConfig{Answerer: answerer})

	select {
	case item := <-msgs:
		inner, _ := item["item"].(map[string]any)
		content, _ := inner["content"].([]any)
		if len(content) == 0 {
			t.Fatal("conversation item has no content")
		}
		part, _ := content[0].(map[string]any)
		if part["text"] != knowledge.FallbackAnswer {
			t.Errorf("injected text = %v; want fallback %q", part["text"], knowledge.FallbackAnswer)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for fallback injection")
	}

	// The session must stay usable for the next utterance.
	if !handle.IsConnected() {
		t.Error("session should remain connected after a failed retrieval")
	}
}

// recoveringAnswerer times out on its first call and answers normally
// afterwards.
type recoveringAnswerer struct {
	mu        sync.Mutex
	answer    string
	questions []string
}

func (a *recoveringAnswerer) Answer(ctx context.Context, question string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.questions = append(a.questions, question)
	if len(a.questions) == 1 {
		return "", context.DeadlineExceeded
	}
	return a.answer, nil
}

func (a *recoveringAnswerer) OutOfBand(ctx context.Context, question string) (knowledge.OutOfBandDirective, error) {
	return knowledge.OutOfBandDirective{}, fmt.Errorf("not used")
}

func (a *recoveringAnswerer) asked() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]string, len(a.questions))
	copy(cp, a.questions)
	return cp
}

func TestRetrievalTimeout_SessionRecoversForNextTranscript(t *testing.T) {
	t.Parallel()

	frag := audio.EncodePCM16([]float32{0.2, -0.1})
	firstItem := make(chan map[string]any, 1)
	msgs := make(chan map[string]any, 16)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		driveHandshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.done", "event_id": "ev-1",
			"transcript": "Where is the MRI suite?",
		})
		// The timed-out turn degrades to the fallback injection.
		var item, rc map[string]any
		readJSON(t, conn, &item)
		readJSON(t, conn, &rc)
		firstItem <- item
		// Synthesize the fallback reply, completing the failed turn.
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "event_id": "ev-d", "delta": frag})
		writeJSON(t, conn, map[string]any{"type": "response.audio.done", "event_id": "ev-done"})
		// Leave a window for the ready state to be observed, then a fresh
		// transcript must start a new turn.
		time.Sleep(300 * time.Millisecond)
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.done", "event_id": "ev-2",
			"transcript": "When does visiting end?",
		})
		pumpToChannel(conn, msgs)
	})

	answerer := &recoveringAnswerer{answer: "Visiting hours end at eight."}
	handle := connect(t, srv, realtime.SessionConfig{Answerer: answerer})

	select {
	case item := <-firstItem:
		inner, _ := item["item"].(map[string]any)
		content, _ := inner["content"].([]any)
		if len(content) == 0 {
			t.Fatal("fallback conversation item has no content")
		}
		part, _ := content[0].(map[string]any)
		if part["text"] != knowledge.FallbackAnswer {
			t.Errorf("injected text = %v; want fallback %q", part["text"], knowledge.FallbackAnswer)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for fallback injection")
	}

	select {
	case <-handle.Audio():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for fallback audio")
	}

	waitFor(t, "session-ready state after failed turn", func() bool {
		return handle.State() == realtime.StateSessionReady
	})
	waitFor(t, "second retrieval call", func() bool { return len(answerer.asked()) == 2 })

	if got := answerer.asked(); got[1] != "When does visiting end?" {
		t.Errorf("second question = %q; want When does visiting end?", got[1])
	}

	select {
	case item := <-msgs:
		if item["type"] != "conversation.item.create" {
			t.Fatalf("type = %v; want conversation.item.create", item["type"])
		}
		inner, _ := item["item"].(map[string]any)
		content, _ := inner["content"].([]any)
		part, _ := content[0].(map[string]any)
		if part["text"] != "Visiting hours end at eight." {
			t.Errorf("recovered answer = %v; want Visiting hours end at eight.", part["text"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for the recovered turn's injection")
	}
}

// ── Out-of-band turns ─────────────────────────────────────────────────────────

func TestOutOfBandRAG_SendsDetachedResponseCreate(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 16)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		driveHandshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.done", "event_id": "ev-1",
			"transcript": "How do I book an appointment?",
		})
		pumpToChannel(conn, msgs)
	})

	answerer := &stubAnswerer{}
	connect(t, srv, realtime.SessionConfig{Answerer: answerer, OutOfBandRAG: true})

	select {
	case msg := <-msgs:
		if msg["type"] != "response.create" {
			t.Fatalf("type = %v; want response.create", msg["type"])
		}
		resp, _ := msg["response"].(map[string]any)
		if resp["conversation"] != "none" {
			t.Errorf("conversation = %v; want none", resp["conversation"])
		}
		meta, _ := resp["metadata"].(map[string]any)
		if meta["topic"] != "rag" {
			t.Errorf("metadata.topic = %v; want rag", meta["topic"])
		}
		if resp["instructions"] != "answer from the records" {
			t.Errorf("instructions = %v", resp["instructions"])
		}
		if input, ok := resp["input"].([]any); !ok || len(input) != 0 {
			t.Errorf("input = %v; want empty array", resp["input"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for out-of-band response.create")
	}
}

func TestResponseDoneWithRAGMetadata_SpeaksGeneratedAnswer(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 16)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		driveHandshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":     "response.done",
			"event_id": "ev-done-1",
			"response": map[string]any{
				"metadata": map[string]any{"topic": "rag"},
				"output": []any{
					map[string]any{
						"content": []any{
							map[string]any{"type": "text", "text": "The pharmacy opens at eight."},
						},
					},
				},
			},
		})
		pumpToChannel(conn, msgs)
	})

	connect(t, srv, realtime.SessionConfig{})

	select {
	case item := <-msgs:
		if item["type"] != "conversation.item.create" {
			t.Fatalf("type = %v; want conversation.item.create", item["type"])
		}
		inner, _ := item["item"].(map[string]any)
		content, _ := inner["content"].([]any)
		part, _ := content[0].(map[string]any)
		if part["text"] != "The pharmacy opens at eight." {
			t.Errorf("spoken text = %v", part["text"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for answer injection")
	}
}

func TestResponseDoneWithoutRAGMetadata_IsIgnored(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 16)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		driveHandshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":     "response.done",
			"event_id": "ev-done-1",
			"response": map[string]any{
				"output": []any{
					map[string]any{"content": []any{map[string]any{"type": "text", "text": "chit-chat"}}},
				},
			},
		})
		pumpToChannel(conn, msgs)
	})

	connect(t, srv, realtime.SessionConfig{})

	select {
	case msg := <-msgs:
		t.Fatalf("ordinary response.done must not inject anything, got %v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

// ── Audio reassembly ──────────────────────────────────────────────────────────

func TestAudioDeltas_EmitOneReassembledBuffer(t *testing.T) {
	t.Parallel()

	f1 := audio.EncodePCM16([]float32{0.1, 0.2})
	f2 := audio.EncodePCM16([]float32{-0.3})
	f3 := audio.EncodePCM16([]float32{0.4, 0.5, 0.6})
	want := audio.EncodePCM16(audio.Reconstruct([]string{f1, f2, f3}))

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		driveHandshake(t, conn)
		for i, frag := range []string{f1, f2, f3} {
			writeJSON(t, conn, map[string]any{
				"type": "response.audio.delta", "event_id": fmt.Sprintf("ev-delta-%d", i), "delta": frag,
			})
		}
		writeJSON(t, conn, map[string]any{"type": "response.audio.done", "event_id": "ev-done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	select {
	case got, ok := <-handle.Audio():
		if !ok {
			t.Fatal("audio channel closed unexpectedly")
		}
		if got != want {
			t.Errorf("reassembled audio = %q; want %q", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reassembled audio")
	}

	// Exactly one buffer per response.
	select {
	case extra, ok := <-handle.Audio():
		if ok {
			t.Fatalf("unexpected second audio emission: %q", extra)
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func TestAudioDone_WithoutDeltas_EmitsNothing(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		driveHandshake(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio.done", "event_id": "ev-done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	select {
	case got, ok := <-handle.Audio():
		if ok {
			t.Fatalf("empty response must emit no audio, got %q", got)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAudioDone_CompletesRetrievalTurn(t *testing.T) {
	t.Parallel()

	frag := audio.EncodePCM16([]float32{0.5})

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		driveHandshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.done", "event_id": "ev-1",
			"transcript": "Where is the lab?",
		})
		// Consume item.create + response.create, then synthesize the reply.
		var raw map[string]any
		readJSON(t, conn, &raw)
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "event_id": "ev-d", "delta": frag})
		writeJSON(t, conn, map[string]any{"type": "response.audio.done", "event_id": "ev-done"})

		// A fresh transcript afterwards must start a new turn.
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.done", "event_id": "ev-2",
			"transcript": "And the cafeteria?",
		})
		pumpToChannel(conn, make(chan map[string]any, 16))
	})

	answerer := &stubAnswerer{answer: "Second floor."}
	handle := connect(t, srv, realtime.SessionConfig{Answerer: answerer})

	select {
	case <-handle.Audio():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reassembled audio")
	}

	waitFor(t, "second retrieval call", func() bool { return len(answerer.asked()) == 2 })

	if got := answerer.asked(); got[1] != "And the cafeteria?" {
		t.Errorf("second question = %q; want And the cafeteria?", got[1])
	}
}

// ── Robustness ────────────────────────────────────────────────────────────────

func TestMalformedPayload_DoesNotTerminateSession(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeRaw(t, conn, "this is not json{{{")
		driveHandshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	waitFor(t, "session-ready state after garbage", func() bool {
		return handle.State() == realtime.StateSessionReady
	})
	if err := handle.Err(); err != nil {
		t.Errorf("Err() = %v; want nil", err)
	}
}

func TestProviderErrorEvent_IsNonFatal(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type":     "error",
			"event_id": "ev-err",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "audio_unintelligible",
				"message": "Could not understand audio.",
			},
		})
		driveHandshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	waitFor(t, "session-ready state after provider error", func() bool {
		return handle.State() == realtime.StateSessionReady
	})
	if !handle.IsConnected() {
		t.Error("session should survive a provider error event")
	}
}

// ── Event observation ─────────────────────────────────────────────────────────

func TestOnEvent_ObservesEachAppliedEventOnce(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "session.created", "event_id": "ev-1"})
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "session.updated", "event_id": "ev-2"})
		// Redelivery of the same event must not be observed twice.
		writeJSON(t, conn, map[string]any{"type": "session.updated", "event_id": "ev-2"})
		<-conn.CloseRead(context.Background()).Done()
	})

	var mu sync.Mutex
	var observed []string
	handle := connect(t, srv, realtime.SessionConfig{
		OnEvent: func(eventType string) {
			mu.Lock()
			observed = append(observed, eventType)
			mu.Unlock()
		},
	})

	waitFor(t, "session-ready state", func() bool {
		return handle.State() == realtime.StateSessionReady
	})
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"session.created", "session.updated"}
	if len(observed) != len(want) {
		t.Fatalf("observed events = %v; want %v", observed, want)
	}
	for i := range want {
		if observed[i] != want[i] {
			t.Errorf("observed[%d] = %q; want %q", i, observed[i], want[i])
		}
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
	if handle.State() != realtime.StateClosed {
		t.Errorf("state = %v; want closed", handle.State())
	}
}

func TestClose_ClosesAudioChannel(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})
	_ = handle.Close()

	select {
	case _, open := <-handle.Audio():
		if open {
			t.Error("audio channel should be closed after Close()")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio channel to close")
	}
}

func TestConcurrentAppendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	const goroutines = 8
	const framesPerGoroutine = 16

	frame := base64.StdEncoding.EncodeToString([]byte{0xCA, 0xFE, 0xBA, 0xBE})

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range framesPerGoroutine {
				_ = handle.AppendAudio(frame)
			}
		})
	}
	wg.Wait()
}
