// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the audio stream and inspect which methods the relay layer
// invoked.
//
// Example:
//
//	sess := &mock.Session{AudioCh: make(chan string, 8), Connected: true}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/greenview-ai/wardline/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default connected Session with a buffered audio channel.
	Session realtime.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		AudioCh:   make(chan string, 8),
		Connected: true,
	}, nil
}

// Calls returns a copy of all recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	calls := make([]ConnectCall, len(p.ConnectCalls))
	copy(calls, p.ConnectCalls)
	return calls
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// Session is a mock implementation of realtime.SessionHandle.
// Callers should pre-populate AudioCh, then close it to signal end-of-session.
type Session struct {
	mu sync.Mutex

	// AudioCh is the channel returned by Audio(). Callers own this channel.
	AudioCh chan string

	// Connected is what IsConnected reports.
	Connected bool

	// CurrentState is what State reports.
	CurrentState realtime.State

	// AppendAudioErr, if non-nil, is returned by every AppendAudio call.
	AppendAudioErr error

	// ErrVal is returned by Err.
	ErrVal error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// AppendAudioCalls records the frame passed to every AppendAudio call, in
	// order.
	AppendAudioCalls []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// AppendAudio records the call and returns AppendAudioErr.
func (s *Session) AppendAudio(b64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendAudioCalls = append(s.AppendAudioCalls, b64)
	return s.AppendAudioErr
}

// IsConnected reports Connected.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Connected
}

// SetConnected flips the reported link state. Thread-safe.
func (s *Session) SetConnected(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Connected = up
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AudioCh
}

// State returns CurrentState.
func (s *Session) State() realtime.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CurrentState
}

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call, marks the session disconnected and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.Connected = false
	s.CurrentState = realtime.StateClosed
	return s.CloseErr
}

// CloseCalls returns the number of times Close was called. Thread-safe.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Appended returns a copy of all frames passed to AppendAudio. Thread-safe.
func (s *Session) Appended() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.AppendAudioCalls))
	copy(cp, s.AppendAudioCalls)
	return cp
}

// Ensure Session implements realtime.SessionHandle at compile time.
var _ realtime.SessionHandle = (*Session)(nil)
