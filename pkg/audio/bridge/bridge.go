// Package bridge implements [audio.Device] for a field panel connected over
// WebSocket.
//
// The panel (a technician's tablet) dials /panel/ws and speaks a small JSON
// control protocol on text frames; binary frames carry audio. Uplink binary
// frames are microphone audio in the codec the panel declared in its hello
// (raw PCM16 or Opus packets); downlink binary frames are PCM16 playback
// audio, each announced by a "play" control message carrying its sequence
// number and format. The panel acks every played buffer, which is what
// drives the [audio.Scheduler] completion callbacks.
//
// One panel at a time: a second connection is rejected with a policy
// violation close. When the attached panel disconnects mid-session, any open
// capture source closes its frame channel, which the session manager
// observes as "capture source closed" and tears the session down.
package bridge

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

	"github.com/strandworks/sitevox/pkg/audio"
)

// Compile-time interface checks.
var (
	_ audio.Device    = (*Bridge)(nil)
	_ audio.Source    = (*panelSource)(nil)
	_ audio.Scheduler = (*panelScheduler)(nil)
	_ http.Handler    = (*Bridge)(nil)
)

// Sentinel errors reported by the device operations.
var (
	// ErrNoPanel is returned when a capture or playback operation needs an
	// attached panel and none is connected.
	ErrNoPanel = errors.New("bridge: no panel connected")

	// ErrCaptureActive is returned by Capture while an earlier capture
	// source is still open.
	ErrCaptureActive = errors.New("bridge: capture already active")
)

// Uplink codecs a panel may declare in its hello.
const (
	CodecPCM  = "pcm"
	CodecOpus = "opus"
)

const (
	// helloTimeout bounds how long a fresh connection may sit silent before
	// it must have sent its hello.
	helloTimeout = 5 * time.Second

	// writeTimeout bounds a single control or audio write to the panel.
	writeTimeout = 3 * time.Second

	// frameBuffer is the capture frame channel capacity. The capture pump
	// drains it continuously; the buffer only absorbs scheduling jitter.
	frameBuffer = 32
)

// control is the JSON shape of every text frame in both directions. Type
// selects which of the optional fields are meaningful.
type control struct {
	Type string `json:"type"`

	// hello, capture, capturing
	Codec      string `json:"codec,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`

	// capture constraints
	EchoCancellation bool `json:"echo_cancellation,omitempty"`
	NoiseSuppression bool `json:"noise_suppression,omitempty"`
	AutoGainControl  bool `json:"auto_gain_control,omitempty"`

	// play, played
	Seq uint64 `json:"seq,omitempty"`

	// state broadcast
	State string `json:"state,omitempty"`

	// error, capture_error
	Error string `json:"error,omitempty"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge's logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithCodec restricts the uplink codec panels may declare. Empty accepts
// both pcm and opus.
func WithCodec(codec string) Option {
	return func(b *Bridge) { b.codec = codec }
}

// WithSessionControl wires the panel's start/stop buttons to the session
// lifecycle. The callbacks run on their own goroutine per press; onStart's
// error, if any, is reported back to the panel.
func WithSessionControl(onStart func(ctx context.Context) error, onStop func()) Option {
	return func(b *Bridge) {
		b.onStart = onStart
		b.onStop = onStop
	}
}

// WithConnectionListener registers a callback invoked when a panel attaches
// (true) or detaches (false). Used to keep the connected-panels gauge
// current.
func WithConnectionListener(fn func(connected bool)) Option {
	return func(b *Bridge) { b.onConnect = fn }
}

// Bridge accepts one panel WebSocket connection and exposes it as an
// [audio.Device]. All methods are safe for concurrent use.
type Bridge struct {
	log       *slog.Logger
	codec     string
	onStart   func(ctx context.Context) error
	onStop    func()
	onConnect func(connected bool)

	mu      sync.Mutex
	panel   *panel
	capture *panelSource
	sched   *panelScheduler
	pending chan control // capturing / capture_error answers for an in-flight Capture
	seq     uint64
}

// New creates a Bridge with no panel attached.
func New(opts ...Option) *Bridge {
	b := &Bridge{log: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// panel is the state of one attached connection.
type panel struct {
	conn     *websocket.Conn
	codec    string
	rate     int
	channels int
	opus     *opusDecoder

	// writeMu serialises writes to the socket; the control and audio paths
	// both write.
	writeMu sync.Mutex
}

// ── Connection handling ────────────────────────────────────────────────────────

// ServeHTTP accepts a panel connection, runs its hello exchange and then
// reads frames until the panel disconnects. Mount it on the /panel/ws route.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.log.Warn("panel accept failed", "error", err)
		return
	}

	p, err := b.attach(r.Context(), conn)
	if err != nil {
		b.log.Warn("panel rejected", "error", err)
		return
	}
	b.log.Info("panel connected",
		"codec", p.codec, "sample_rate", p.rate, "channels", p.channels)
	if b.onConnect != nil {
		b.onConnect(true)
	}

	b.readLoop(p)

	b.detach(p)
	conn.Close(websocket.StatusNormalClosure, "bye")
	if b.onConnect != nil {
		b.onConnect(false)
	}
	b.log.Info("panel disconnected")
}

// attach performs the hello exchange and claims the single panel slot. The
// connection is closed with an explanatory status on any failure.
func (b *Bridge) attach(ctx context.Context, conn *websocket.Conn) (*panel, error) {
	b.mu.Lock()
	if b.panel != nil {
		b.mu.Unlock()
		conn.Close(websocket.StatusPolicyViolation, "panel already connected")
		return nil, errors.New("bridge: a panel is already connected")
	}
	b.mu.Unlock()

	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	typ, data, err := conn.Read(helloCtx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "hello expected")
		return nil, fmt.Errorf("bridge: read hello: %w", err)
	}
	if typ != websocket.MessageText {
		conn.Close(websocket.StatusProtocolError, "hello must be a text frame")
		return nil, errors.New("bridge: first frame was not text")
	}

	var hello control
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != "hello" {
		conn.Close(websocket.StatusProtocolError, "malformed hello")
		return nil, fmt.Errorf("bridge: malformed hello: %w", err)
	}
	if hello.Codec == "" {
		hello.Codec = CodecPCM
	}
	if hello.Codec != CodecPCM && hello.Codec != CodecOpus {
		conn.Close(websocket.StatusProtocolError, "unknown codec")
		return nil, fmt.Errorf("bridge: unknown codec %q", hello.Codec)
	}
	if b.codec != "" && hello.Codec != b.codec {
		conn.Close(websocket.StatusPolicyViolation, "codec not allowed")
		return nil, fmt.Errorf("bridge: codec %q not allowed, want %q", hello.Codec, b.codec)
	}
	if hello.Channels <= 0 {
		hello.Channels = 1
	}

	p := &panel{conn: conn, codec: hello.Codec, rate: hello.SampleRate, channels: hello.Channels}
	if p.codec == CodecOpus {
		// Opus fixes the decoded rate regardless of what the hello claimed.
		p.rate = opusSampleRate
		dec, err := newOpusDecoder(p.channels)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "opus unavailable")
			return nil, err
		}
		p.opus = dec
	}
	if p.rate <= 0 {
		conn.Close(websocket.StatusProtocolError, "sample_rate required")
		return nil, errors.New("bridge: hello without a sample rate")
	}

	b.mu.Lock()
	// Re-check: another connection may have won the slot during the hello.
	if b.panel != nil {
		b.mu.Unlock()
		conn.Close(websocket.StatusPolicyViolation, "panel already connected")
		return nil, errors.New("bridge: a panel is already connected")
	}
	b.panel = p
	b.mu.Unlock()
	return p, nil
}

// detach releases the panel slot and closes whatever depends on the
// connection: an open capture source ends its stream, a pending Capture call
// fails, the scheduler drops its pending acks.
func (b *Bridge) detach(p *panel) {
	b.mu.Lock()
	if b.panel != p {
		b.mu.Unlock()
		return
	}
	b.panel = nil
	capture := b.capture
	b.capture = nil
	pending := b.pending
	b.pending = nil
	sched := b.sched
	b.sched = nil
	b.mu.Unlock()

	if pending != nil {
		close(pending)
	}
	if capture != nil {
		capture.endStream()
	}
	if sched != nil {
		sched.panelGone()
	}
}

// readLoop consumes panel frames until the connection dies. Binary frames
// are uplink audio; text frames are control messages.
func (b *Bridge) readLoop(p *panel) {
	start := time.Now()
	for {
		typ, data, err := p.conn.Read(context.Background())
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			b.handleUplink(p, data, time.Since(start))
		case websocket.MessageText:
			var msg control
			if err := json.Unmarshal(data, &msg); err != nil {
				b.log.Debug("skipping malformed panel frame", "error", err)
				continue
			}
			b.handleControl(msg)
		}
	}
}

// handleUplink converts one binary mic frame and delivers it to the open
// capture source. Frames arriving while no capture is open are dropped
// silently, that is the normal state between sessions.
func (b *Bridge) handleUplink(p *panel, data []byte, ts time.Duration) {
	b.mu.Lock()
	capture := b.capture
	b.mu.Unlock()
	if capture == nil {
		return
	}

	pcm := data
	if p.opus != nil {
		decoded, err := p.opus.decode(data)
		if err != nil {
			b.log.Debug("dropping undecodable opus packet", "error", err)
			return
		}
		pcm = decoded
	}

	capture.deliver(audio.Frame{
		Data:       pcm,
		SampleRate: capture.rate,
		Channels:   capture.channels,
		Timestamp:  ts,
	})
}

// handleControl reacts to one panel control message.
func (b *Bridge) handleControl(msg control) {
	switch msg.Type {
	case "start":
		if b.onStart == nil {
			return
		}
		go func() {
			if err := b.onStart(context.Background()); err != nil {
				b.NotifyError(err.Error())
			}
		}()
	case "stop":
		if b.onStop != nil {
			go b.onStop()
		}
	case "capturing", "capture_error":
		b.mu.Lock()
		pending := b.pending
		b.pending = nil
		b.mu.Unlock()
		if pending == nil {
			b.log.Debug("unsolicited capture answer from panel", "type", msg.Type)
			return
		}
		pending <- msg
		close(pending)
	case "played":
		b.mu.Lock()
		sched := b.sched
		b.mu.Unlock()
		if sched != nil {
			sched.acked(msg.Seq)
		}
	default:
		b.log.Debug("unknown panel control message", "type", msg.Type)
	}
}

// writeControl sends one control message to the attached panel.
func (b *Bridge) writeControl(msg control) error {
	b.mu.Lock()
	p := b.panel
	b.mu.Unlock()
	if p == nil {
		return ErrNoPanel
	}
	return p.write(websocket.MessageText, mustJSON(msg))
}

// write serialises one frame to the panel with a bounded deadline.
func (p *panel) write(typ websocket.MessageType, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return p.conn.Write(ctx, typ, data)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// control is a plain struct of scalars; marshal cannot fail.
		panic(err)
	}
	return data
}

// ── Device: capture ────────────────────────────────────────────────────────────

// Capture asks the attached panel to start miking and waits for it to
// confirm. A capture_error from the panel (microphone permission denied, no
// input device) fails the call; so does an absent panel or a second capture
// while one is open.
func (b *Bridge) Capture(ctx context.Context, cfg audio.CaptureConfig) (audio.Source, error) {
	b.mu.Lock()
	p := b.panel
	if p == nil {
		b.mu.Unlock()
		return nil, ErrNoPanel
	}
	if b.capture != nil {
		b.mu.Unlock()
		return nil, ErrCaptureActive
	}
	pending := make(chan control, 1)
	b.pending = pending
	b.mu.Unlock()

	err := p.write(websocket.MessageText, mustJSON(control{
		Type:             "capture",
		SampleRate:       cfg.SampleRate,
		Channels:         cfg.Channels,
		EchoCancellation: cfg.EchoCancellation,
		NoiseSuppression: cfg.NoiseSuppression,
		AutoGainControl:  cfg.AutoGainControl,
	}))
	if err != nil {
		b.clearPending(pending)
		return nil, fmt.Errorf("bridge: request capture: %w", err)
	}

	select {
	case <-ctx.Done():
		b.clearPending(pending)
		return nil, fmt.Errorf("bridge: capture: %w", ctx.Err())
	case answer, ok := <-pending:
		if !ok {
			return nil, ErrNoPanel
		}
		if answer.Type == "capture_error" {
			return nil, fmt.Errorf("bridge: panel capture failed: %s", answer.Error)
		}
		// The panel reports the format it actually granted; fall back to
		// its hello declaration when it does not.
		rate := answer.SampleRate
		if rate <= 0 {
			rate = p.rate
		}
		channels := answer.Channels
		if channels <= 0 {
			channels = p.channels
		}

		src := &panelSource{
			bridge:   b,
			rate:     rate,
			channels: channels,
			frames:   make(chan audio.Frame, frameBuffer),
		}
		b.mu.Lock()
		b.capture = src
		b.mu.Unlock()
		return src, nil
	}
}

// clearPending drops the pending capture answer slot if it is still ours.
func (b *Bridge) clearPending(pending chan control) {
	b.mu.Lock()
	if b.pending == pending {
		b.pending = nil
	}
	b.mu.Unlock()
}

// panelSource is the live capture stream of the attached panel.
type panelSource struct {
	bridge   *Bridge
	rate     int
	channels int
	frames   chan audio.Frame

	mu      sync.Mutex
	stopped bool
}

// Frames implements [audio.Source].
func (s *panelSource) Frames() <-chan audio.Frame {
	return s.frames
}

// Stop implements [audio.Source]: tells the panel to release the microphone
// and closes the frame channel. Idempotent.
func (s *panelSource) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	b := s.bridge
	b.mu.Lock()
	if b.capture == s {
		b.capture = nil
	}
	b.mu.Unlock()

	// Best effort: the panel may already be gone, the stream ends either way.
	if err := b.writeControl(control{Type: "capture_stop"}); err != nil && !errors.Is(err, ErrNoPanel) {
		b.log.Debug("capture_stop not delivered", "error", err)
	}

	close(s.frames)
	return nil
}

// endStream closes the frame channel without talking to the (gone) panel.
func (s *panelSource) endStream() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.frames)
}

// deliver hands one frame to the consumer. When the buffer is full the frame
// is dropped; stalling the panel reader would back audio up in the socket.
func (s *panelSource) deliver(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	select {
	case s.frames <- f:
	default:
		s.bridge.log.Debug("capture buffer full, dropping frame")
	}
}

// ── Device: playback ───────────────────────────────────────────────────────────

// Playback opens the downlink side. Buffers started on the returned
// scheduler are announced with a "play" control message and sent as binary
// PCM16; the panel's "played" acks complete them in order.
func (b *Bridge) Playback(_ context.Context, cfg audio.PlaybackConfig) (audio.Scheduler, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panel == nil {
		return nil, ErrNoPanel
	}
	sched := &panelScheduler{bridge: b, cfg: cfg}
	b.sched = sched
	return sched, nil
}

// panelScheduler plays buffers on the panel one ack at a time.
type panelScheduler struct {
	bridge *Bridge
	cfg    audio.PlaybackConfig

	mu      sync.Mutex
	pending []pendingPlay
	closed  bool
}

type pendingPlay struct {
	seq  uint64
	done func()
}

// Start implements [audio.Scheduler]: announces and sends one buffer. done
// fires when the panel acks it as played.
func (s *panelScheduler) Start(f audio.Frame, done func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNoPanel
	}
	s.mu.Unlock()

	b := s.bridge
	b.mu.Lock()
	p := b.panel
	if p == nil {
		b.mu.Unlock()
		return ErrNoPanel
	}
	b.seq++
	seq := b.seq
	b.mu.Unlock()

	s.mu.Lock()
	s.pending = append(s.pending, pendingPlay{seq: seq, done: done})
	s.mu.Unlock()

	announce := mustJSON(control{
		Type:       "play",
		Seq:        seq,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	})
	if err := p.write(websocket.MessageText, announce); err != nil {
		s.unqueue(seq)
		return fmt.Errorf("bridge: announce playback: %w", err)
	}
	if err := p.write(websocket.MessageBinary, f.Data); err != nil {
		s.unqueue(seq)
		return fmt.Errorf("bridge: send playback audio: %w", err)
	}
	return nil
}

// Flush implements [audio.Scheduler]: pending completions are suppressed and
// the panel is told to drop whatever it has buffered.
func (s *panelScheduler) Flush() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	if err := s.bridge.writeControl(control{Type: "flush"}); err != nil && !errors.Is(err, ErrNoPanel) {
		s.bridge.log.Debug("flush not delivered", "error", err)
	}
}

// acked completes the pending buffer with the given sequence number. Acks
// for flushed buffers are ignored.
func (s *panelScheduler) acked(seq uint64) {
	s.mu.Lock()
	var done func()
	for i, pp := range s.pending {
		if pp.seq == seq {
			done = pp.done
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if done != nil {
		done()
	}
}

// unqueue removes a pending entry whose send failed.
func (s *panelScheduler) unqueue(seq uint64) {
	s.mu.Lock()
	for i, pp := range s.pending {
		if pp.seq == seq {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// panelGone marks the scheduler unusable after its panel disconnected.
// Pending completions are dropped, not fired: the audio never played.
func (s *panelScheduler) panelGone() {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
}

// ── Panel notifications ────────────────────────────────────────────────────────

// BroadcastState pushes a session state change to the panel, which mirrors
// it on the technician's screen. A missing panel is not an error.
func (b *Bridge) BroadcastState(state string) {
	if err := b.writeControl(control{Type: "state", State: state}); err != nil && !errors.Is(err, ErrNoPanel) {
		b.log.Debug("state broadcast not delivered", "state", state, "error", err)
	}
}

// NotifyError reports a session-level failure to the panel.
func (b *Bridge) NotifyError(msg string) {
	if err := b.writeControl(control{Type: "error", Error: msg}); err != nil && !errors.Is(err, ErrNoPanel) {
		b.log.Debug("error notification not delivered", "error", err)
	}
}

// Connected reports whether a panel is currently attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.panel != nil
}
