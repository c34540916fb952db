// Package mock provides scriptable fakes of the live interfaces for tests.
//
// The fakes are driven from test code: Emit* methods push inbound traffic,
// Fail simulates a transport failure, and recorded calls can be inspected
// through accessor methods. All fakes are safe for concurrent use.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/strandworks/sitevox/pkg/live"
)

// Compile-time checks that the fakes satisfy the interfaces they mock.
var (
	_ live.Session  = (*Session)(nil)
	_ live.Provider = (*Provider)(nil)
)

// ── Session ────────────────────────────────────────────────────────────────────

// Session is a scripted implementation of live.Session.
type Session struct {
	mu       sync.Mutex
	sent     [][]byte
	results  []live.ToolResult
	closeN   int
	closed   bool
	err      error
	termOnce sync.Once

	audioCh chan live.AudioPayload
	toolCh  chan live.ToolCallRequest
	turnCh  chan struct{}
	done    chan struct{}

	// SendAudioError, when set, is returned by every SendAudio call.
	SendAudioError error
	// SendToolResultError, when set, is returned by every SendToolResult call.
	SendToolResultError error
}

// NewSession creates a connected mock session with buffered inbound channels.
func NewSession() *Session {
	return &Session{
		audioCh: make(chan live.AudioPayload, 64),
		toolCh:  make(chan live.ToolCallRequest, 16),
		turnCh:  make(chan struct{}, 4),
		done:    make(chan struct{}),
	}
}

// EmitAudio scripts one inbound synthesised-speech payload.
func (s *Session) EmitAudio(p live.AudioPayload) {
	s.audioCh <- p
}

// EmitToolCall scripts one inbound tool invocation.
func (s *Session) EmitToolCall(req live.ToolCallRequest) {
	s.toolCh <- req
}

// EmitTurnComplete scripts a model turn boundary.
func (s *Session) EmitTurnComplete() {
	select {
	case s.turnCh <- struct{}{}:
	default:
	}
}

// Fail simulates a mid-session transport failure: the error is latched,
// Done is released and the inbound channels close.
func (s *Session) Fail(err error) {
	s.terminate(err)
}

func (s *Session) terminate(err error) {
	s.termOnce.Do(func() {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		close(s.audioCh)
		close(s.toolCh)
		close(s.turnCh)
	})
}

// SendAudio records the chunk. Returns SendAudioError when scripted, or an
// error when the session has terminated.
func (s *Session) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: session closed")
	}
	if s.SendAudioError != nil {
		return s.SendAudioError
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.sent = append(s.sent, cp)
	return nil
}

// SendToolResult records the result. Returns SendToolResultError when
// scripted, or an error when the session has terminated.
func (s *Session) SendToolResult(_ context.Context, res live.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: session closed")
	}
	if s.SendToolResultError != nil {
		return s.SendToolResultError
	}
	s.results = append(s.results, res)
	return nil
}

// Audio returns the scripted audio channel.
func (s *Session) Audio() <-chan live.AudioPayload { return s.audioCh }

// ToolCalls returns the scripted tool-call channel.
func (s *Session) ToolCalls() <-chan live.ToolCallRequest { return s.toolCh }

// TurnComplete returns the scripted turn-boundary channel.
func (s *Session) TurnComplete() <-chan struct{} { return s.turnCh }

// Done returns a channel closed by Fail or Close.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the latched terminal error, nil after a clean Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the session cleanly and counts the call.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeN++
	s.mu.Unlock()
	s.terminate(nil)
	return nil
}

// SentAudio returns a copy of all chunks passed to SendAudio.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// ToolResults returns a copy of all results passed to SendToolResult.
func (s *Session) ToolResults() []live.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]live.ToolResult, len(s.results))
	copy(out, s.results)
	return out
}

// CloseCount reports how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeN
}

// Closed reports whether the session has terminated.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Provider ───────────────────────────────────────────────────────────────────

// ConnectCall records the configuration of one Connect invocation.
type ConnectCall struct {
	Config live.SessionConfig
}

// Provider is a scripted implementation of live.Provider.
type Provider struct {
	mu    sync.Mutex
	calls []ConnectCall

	// SessionResult is returned by Connect. When nil, Connect creates a
	// fresh mock Session per call.
	SessionResult *Session
	// ConnectError, when set, is returned by Connect instead of a session.
	ConnectError error
}

// Connect returns the scripted session or error and records the call.
func (p *Provider) Connect(_ context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.calls = append(p.calls, ConnectCall{Config: cfg})
	p.mu.Unlock()

	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	if p.SessionResult != nil {
		return p.SessionResult, nil
	}
	return NewSession(), nil
}

// ConnectCalls returns a copy of all recorded Connect invocations.
func (p *Provider) ConnectCalls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.calls))
	copy(out, p.calls)
	return out
}
