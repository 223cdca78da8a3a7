// Package realtime defines the provider abstraction for the upstream
// realtime speech link.
//
// A Provider dials the speech service and returns a SessionHandle: one live
// duplex conversation that accepts caller audio, runs the retrieval-augmented
// answer protocol on completed transcripts, and emits fully reassembled
// synthesized responses. The relay layer owns exactly one SessionHandle per
// client connection and never touches session state directly — it only
// appends audio and drains the output channel.
package realtime

import (
	"context"

	"github.com/greenview-ai/wardline/pkg/knowledge"
)

// State names a session's position in its lifecycle. Transitions are driven
// exclusively by the provider's event-delivery path.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateConfiguring  State = "session-configuring"
	StateSessionReady State = "session-ready"
	StateStreaming    State = "streaming"
	StateRAGPending   State = "rag-pending"

	// StateClosed is terminal and reachable from any state on fatal error or
	// explicit stop.
	StateClosed State = "closed"
)

// Answerer is the retrieval capability a session invokes when a completed
// caller transcript arrives. Implementations enforce their own retrieval
// deadline; when Answer fails or times out the session degrades to the
// fallback answer instead of aborting the turn.
//
// knowledge.Answerer satisfies this interface.
type Answerer interface {
	// Answer returns the grounded textual answer for question.
	Answer(ctx context.Context, question string) (string, error)

	// OutOfBand returns a directive instructing the provider to generate the
	// grounded answer itself, out of band of the default conversation.
	OutOfBand(ctx context.Context, question string) (knowledge.OutOfBandDirective, error)
}

// SessionConfig carries everything a Provider needs to open a session.
type SessionConfig struct {
	// Instructions is the assistant persona sent during the configuration
	// handshake.
	Instructions string

	// Voice selects the synthesized voice, provider-specific.
	Voice string

	// Answerer serves RAG turns. Required.
	Answerer Answerer

	// OutOfBandRAG selects the out-of-band variant of the RAG protocol: the
	// provider generates the grounded answer itself and the session
	// round-trips it back as a spoken turn. When false, the Answerer's
	// completion backend generates the answer text directly.
	OutOfBandRAG bool

	// FallbackAnswer is spoken when retrieval fails or times out. Defaults
	// to knowledge.FallbackAnswer.
	FallbackAnswer string

	// OnEvent, when set, observes every upstream event the session applies,
	// identified by its wire type. Redelivered duplicates are not reported.
	// Called from the session's event loop; implementations must not block.
	OnEvent func(eventType string)
}

// SessionHandle is one live upstream conversation.
//
// Audio delivery is strictly ordered: fragments of one response are
// reassembled internally and emitted as a single element on Audio() only
// after the provider signals the response complete.
type SessionHandle interface {
	// AppendAudio forwards one base64 PCM16 frame to the provider. Returns
	// an error if the session is closed; callers gate on IsConnected and
	// drop (never queue) frames when the link is down.
	AppendAudio(b64 string) error

	// IsConnected reports whether the provider link is up.
	IsConnected() bool

	// Audio emits one base64 PCM16 buffer per completed response. The
	// channel closes when the session ends.
	Audio() <-chan string

	// State returns the session's current lifecycle state.
	State() State

	// Err returns the first fatal error that terminated the session, if any.
	Err() error

	// Close tears the session down. Idempotent; cancels any pending RAG
	// turn.
	Close() error
}

// Provider dials the upstream speech service.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
