// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.Source], and [audio.Scheduler] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(16)
//	sched := &mock.Scheduler{}
//	dev := &mock.Device{CaptureResult: src, PlaybackResult: sched}
//	src.Emit(audio.Frame{Data: pcm, SampleRate: 48000, Channels: 1})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/strandworks/sitevox/pkg/audio"
)

// Compile-time interface checks.
var (
	_ audio.Source    = (*Source)(nil)
	_ audio.Scheduler = (*Scheduler)(nil)
	_ audio.Device    = (*Device)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Create one with
// [NewSource] and feed it frames via [Source.Emit].
type Source struct {
	mu      sync.Mutex
	ch      chan audio.Frame
	stopped bool

	// StopError is returned by the first Stop call.
	StopError error

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// NewSource creates a Source whose frame channel holds buf frames.
func NewSource(buf int) *Source {
	return &Source{ch: make(chan audio.Frame, buf)}
}

// Emit delivers one frame to the stream. Returns false when the source is
// already stopped (the frame is discarded, mirroring real devices).
func (s *Source) Emit(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.Frame {
	return s.ch
}

// Stop implements [audio.Source]. The first call closes the frame channel;
// subsequent calls are no-ops returning nil.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.ch)
	return s.StopError
}

// Stopped reports whether Stop has been called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// ─── Scheduler ────────────────────────────────────────────────────────────────

// Scheduler is a mock implementation of [audio.Scheduler]. By default
// completion callbacks are held until the test fires them via
// [Scheduler.CompleteNext], so chaining order is observable; set AutoComplete
// to run each callback on its own goroutine immediately.
type Scheduler struct {
	mu sync.Mutex

	// AutoComplete, when true, invokes each Start's done callback
	// asynchronously right away.
	AutoComplete bool

	// StartError is returned by Start without recording a pending callback.
	StartError error

	// StartCalls records the frames passed to Start, in order.
	StartCalls []audio.Frame

	// FlushCount records how many times Flush was called.
	FlushCount int

	pending []func()
}

// Start implements [audio.Scheduler].
func (s *Scheduler) Start(f audio.Frame, done func()) error {
	s.mu.Lock()
	if s.StartError != nil {
		err := s.StartError
		s.mu.Unlock()
		return err
	}
	s.StartCalls = append(s.StartCalls, f)
	auto := s.AutoComplete
	if !auto {
		s.pending = append(s.pending, done)
	}
	s.mu.Unlock()

	if auto && done != nil {
		go done()
	}
	return nil
}

// Flush implements [audio.Scheduler]. Pending completion callbacks are
// dropped without being invoked.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlushCount++
	s.pending = nil
}

// CompleteNext fires the oldest pending completion callback, simulating the
// device finishing one buffer. Returns an error when nothing is pending.
func (s *Scheduler) CompleteNext() error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return errors.New("mock scheduler: no pending playback")
	}
	done := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()

	if done != nil {
		done()
	}
	return nil
}

// Pending reports how many buffers have been started but not completed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Started returns a copy of the frames passed to Start so far.
func (s *Scheduler) Started() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Frame, len(s.StartCalls))
	copy(out, s.StartCalls)
	return out
}

// ─── Device ───────────────────────────────────────────────────────────────────

// CaptureCall records the arguments of a single [Device.Capture] invocation.
type CaptureCall struct {
	// Config is the constraint set passed to Capture.
	Config audio.CaptureConfig
}

// PlaybackCall records the arguments of a single [Device.Playback] invocation.
type PlaybackCall struct {
	// Config is the format passed to Playback.
	Config audio.PlaybackConfig
}

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// CaptureResult is the [audio.Source] returned by Capture.
	CaptureResult *Source

	// CaptureError is the error returned by Capture (e.g., to simulate a
	// microphone permission denial).
	CaptureError error

	// PlaybackResult is the [audio.Scheduler] returned by Playback.
	PlaybackResult *Scheduler

	// PlaybackError is the error returned by Playback.
	PlaybackError error

	// CaptureCalls records all Capture invocations.
	CaptureCalls []CaptureCall

	// PlaybackCalls records all Playback invocations.
	PlaybackCalls []PlaybackCall
}

// Capture implements [audio.Device].
func (d *Device) Capture(_ context.Context, cfg audio.CaptureConfig) (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CaptureCalls = append(d.CaptureCalls, CaptureCall{Config: cfg})
	if d.CaptureError != nil {
		return nil, d.CaptureError
	}
	return d.CaptureResult, nil
}

// Playback implements [audio.Device].
func (d *Device) Playback(_ context.Context, cfg audio.PlaybackConfig) (audio.Scheduler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PlaybackCalls = append(d.PlaybackCalls, PlaybackCall{Config: cfg})
	if d.PlaybackError != nil {
		return nil, d.PlaybackError
	}
	return d.PlaybackResult, nil
}
