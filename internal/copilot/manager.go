// Package copilot runs the duplex voice session between a technician's
// field panel and the live model: one session at a time, microphone audio
// up, synthesised speech down, tool calls dispatched in between.
//
// The [Manager] owns the session lifecycle. Start wires capture, playback,
// the uplink queue and the pump goroutines; Stop (or a transport failure)
// tears everything down in a fixed order and closes the job log. There is
// no automatic reconnect: when a session dies the technician taps start
// again, which is both simpler and less surprising on a flaky site uplink.
package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strandworks/sitevox/internal/observe"
	"github.com/strandworks/sitevox/internal/recap"
	"github.com/strandworks/sitevox/internal/tools"
	"github.com/strandworks/sitevox/internal/transcript"
	"github.com/strandworks/sitevox/pkg/audio"
	"github.com/strandworks/sitevox/pkg/live"
)

// ErrSessionActive is returned by Start while a session is running.
var ErrSessionActive = errors.New("copilot: session already active")

const (
	// uplinkRate is the sample rate the model expects on microphone audio.
	uplinkRate = 16000
	// playbackRate is the sample rate the playback device is opened at.
	// Model output arrives at this rate already; anything else is resampled
	// by the playback queue before it reaches the device.
	playbackRate = 24000

	defaultChunkSamples = 4096
	defaultSendBuffer   = 32

	// journalWriteTimeout bounds a single job log write. The log is
	// best-effort: a slow store must never hold up session teardown.
	journalWriteTimeout = 5 * time.Second
	// journalBuffer is the journal channel capacity. Events beyond it are
	// dropped rather than letting a stalled store back up into the session.
	journalBuffer = 64
	// recapTimeout bounds post-session recap generation.
	recapTimeout = 60 * time.Second
)

// Config carries the per-session parameters of a [Manager].
type Config struct {
	// Model is the live model resource name.
	Model string
	// Voice selects the synthesised voice.
	Voice string
	// SeedContext is the site briefing sent to the model at session start.
	SeedContext string
	// Project is the customer project recorded in the job log.
	Project string
	// Panel identifies the field panel recorded in the job log.
	Panel string
	// ChunkSamples is the uplink chunk size in samples at 16 kHz.
	// Defaults to 4096 (256 ms).
	ChunkSamples int
	// SendBuffer is the uplink queue capacity in chunks. Defaults to 32.
	SendBuffer int
	// ToolTimeout bounds a single tool handler execution. Zero keeps the
	// dispatcher default.
	ToolTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithRecap enables post-session recap generation through s.
func WithRecap(s recap.Summariser) Option {
	return func(m *Manager) { m.summariser = s }
}

// WithStateListener registers a callback invoked after every state change.
// The callback runs outside the manager's locks but must still be quick;
// the panel bridge uses it to push state updates to the technician's screen.
func WithStateListener(fn func(State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// Manager drives at most one duplex voice session at a time.
//
// All methods are safe for concurrent use. Start and Stop serialise on an
// internal lifecycle lock; state reads never block on lifecycle work.
type Manager struct {
	provider   live.Provider
	device     audio.Device
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	store      transcript.Store
	summariser recap.Summariser
	log        *slog.Logger
	metrics    *observe.Metrics
	cfg        Config
	onState    func(State)

	stateMu sync.Mutex
	state   State

	// mu serialises the session lifecycle: Start, Stop and teardown.
	mu        sync.Mutex
	sess      live.Session
	source    audio.Source
	queue     *sendQueue
	play      *playbackQueue
	cancel    context.CancelFunc
	sessionID string
	pumps     sync.WaitGroup

	jmu         sync.Mutex
	journalCh   chan transcript.Event
	journalDone chan struct{}
}

// NewManager creates a Manager. The provider, device, registry and store are
// required; cfg zero-values fall back to documented defaults.
func NewManager(provider live.Provider, device audio.Device, registry *tools.Registry, store transcript.Store, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		device:   device,
		registry: registry,
		store:    store,
		cfg:      cfg,
		log:      slog.Default(),
		state:    StateIdle,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.cfg.ChunkSamples <= 0 {
		m.cfg.ChunkSamples = defaultChunkSamples
	}
	if m.cfg.SendBuffer <= 0 {
		m.cfg.SendBuffer = defaultSendBuffer
	}

	dopts := []tools.DispatcherOption{
		tools.WithLogger(m.log),
		tools.WithMetrics(m.metrics),
		tools.WithJournal(m.journalToolEvent),
	}
	if m.cfg.ToolTimeout > 0 {
		dopts = append(dopts, tools.WithTimeout(m.cfg.ToolTimeout))
	}
	m.dispatcher = tools.NewDispatcher(registry, dopts...)
	return m
}

// State returns the current session state.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// SessionID returns the job log ID of the running session, or "" when idle
// or when the log could not be opened.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Start establishes a new voice session: it opens the job log, connects to
// the live provider, acquires capture and playback, and spawns the pump
// goroutines. ctx bounds establishment only; once Start returns the session
// is detached and runs until [Manager.Stop] or a transport failure.
//
// Start succeeds only from the idle state; any other state returns
// [ErrSessionActive]. A failed Start leaves the manager idle again.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil || m.State() != StateIdle {
		return ErrSessionActive
	}

	// The job log is best-effort: a dead store must not keep the
	// technician from working, it only costs the office the record.
	meta := transcript.SessionMeta{Project: m.cfg.Project, Panel: m.cfg.Panel, Model: m.cfg.Model}
	sid, err := m.store.BeginSession(ctx, meta)
	if err != nil {
		m.log.Warn("job log unavailable, session will not be recorded", "error", err)
		sid = ""
	}
	m.sessionID = sid
	m.openJournal(sid)

	m.setState(StateConnecting)

	started := time.Now()
	sess, err := m.provider.Connect(ctx, live.SessionConfig{
		Model:       m.cfg.Model,
		Voice:       m.cfg.Voice,
		SeedContext: m.cfg.SeedContext,
		Tools:       m.registry.Declarations(),
	})
	if err != nil {
		m.metrics.RecordConnect(ctx, "error", time.Since(started).Seconds())
		return m.abortStart(ctx, "connect", err, nil, nil)
	}
	m.metrics.RecordConnect(ctx, "ok", time.Since(started).Seconds())

	if m.cfg.SeedContext != "" {
		m.journal(transcript.KindSeed, "", m.cfg.SeedContext)
	}

	source, err := m.device.Capture(ctx, audio.CaptureConfig{
		SampleRate:       uplinkRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	})
	if err != nil {
		return m.abortStart(ctx, "capture", err, sess, nil)
	}

	sched, err := m.device.Playback(ctx, audio.PlaybackConfig{
		SampleRate: playbackRate,
		Channels:   1,
	})
	if err != nil {
		return m.abortStart(ctx, "playback", err, sess, source)
	}

	queue := newSendQueue(m.cfg.SendBuffer, m.metrics)
	play := newPlaybackQueue(sched, playbackRate, m.log, m.metrics, m.onPlaybackActive)

	// Pumps outlive ctx: they stop when their inputs close during teardown.
	pumpCtx, cancel := context.WithCancel(context.Background())

	m.sess = sess
	m.source = source
	m.queue = queue
	m.play = play
	m.cancel = cancel

	m.pumps.Go(func() { m.capturePump(sess, source, queue) })
	m.pumps.Go(func() { m.sendPump(pumpCtx, sess, queue) })
	m.pumps.Go(func() { m.receivePump(pumpCtx, sess, play) })
	m.pumps.Go(func() { m.turnPump(sess) })
	m.pumps.Go(func() { m.dispatcher.Run(pumpCtx, sess) })
	m.pumps.Go(func() { m.watchSession(sess) })

	m.setState(StateListening)
	m.metrics.RecordSessionStart(ctx, "ok")
	m.metrics.ActiveSessions.Add(ctx, 1)
	m.log.Info("voice session started",
		"session_id", sid, "model", m.cfg.Model, "tools", m.registry.Len())
	return nil
}

// abortStart unwinds a partially established session. Called with mu held;
// sess and source are whatever was already acquired, in acquisition order.
func (m *Manager) abortStart(ctx context.Context, stage string, cause error, sess live.Session, source audio.Source) error {
	m.log.Error("voice session start failed", "stage", stage, "error", cause)

	if source != nil {
		if err := source.Stop(); err != nil {
			m.log.Warn("capture stop failed during abort", "error", err)
		}
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			m.log.Warn("session close failed during abort", "error", err)
		}
	}

	m.journal(transcript.KindError, stage, cause.Error())
	m.metrics.RecordSessionError(ctx, stage)
	m.metrics.RecordSessionStart(ctx, "error")

	m.setState(StateIdle)
	m.closeJournal()
	m.endSession(stage + " failed")
	m.sessionID = ""

	return fmt.Errorf("copilot: %s: %w", stage, cause)
}

// Stop tears down the running session. Safe to call at any time: stopping
// an idle manager is a no-op, and concurrent Stops collapse into one.
func (m *Manager) Stop() {
	m.teardown(nil, "user stop", nil)
}

// teardown dismantles the session in a fixed order: capture stops so no new
// frames enter, the send queue closes so the sender exits, the socket
// closes, playback flushes, and only then are the pumps joined. target
// filters stale triggers: a pump noticing its (already replaced) session
// died must not tear down the next one. nil targets the current session.
func (m *Manager) teardown(target live.Session, reason string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || (target != nil && target != m.sess) {
		return
	}

	sid := m.sessionID
	m.log.Info("stopping voice session", "session_id", sid, "reason", reason)

	if err := m.source.Stop(); err != nil {
		m.log.Warn("capture stop failed", "error", err)
	}
	m.queue.close()
	if err := m.sess.Close(); err != nil {
		m.log.Warn("session close failed", "error", err)
	}
	m.play.Flush()
	m.cancel()
	m.pumps.Wait()

	if cause != nil {
		m.journal(transcript.KindError, reason, cause.Error())
		m.metrics.RecordSessionError(context.Background(), reason)
	}

	m.setState(StateIdle)
	m.closeJournal()
	m.endSession(reason)
	m.metrics.ActiveSessions.Add(context.Background(), -1)

	m.sess = nil
	m.source = nil
	m.queue = nil
	m.play = nil
	m.cancel = nil
	m.sessionID = ""

	if m.summariser != nil && sid != "" {
		meta := transcript.SessionMeta{Project: m.cfg.Project, Panel: m.cfg.Panel, Model: m.cfg.Model}
		go m.recordRecap(sid, meta)
	}
	m.log.Info("voice session stopped", "session_id", sid, "reason", reason)
}

// endSession closes the job log. Called with mu held.
func (m *Manager) endSession(reason string) {
	if m.sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := m.store.EndSession(ctx, m.sessionID, reason); err != nil {
		m.log.Warn("failed to close job log", "session_id", m.sessionID, "error", err)
	}
}

// recordRecap summarises a finished session and appends the recap to its
// job log. Runs on its own goroutine after teardown; failures are logged
// and swallowed, the log simply stays without a recap.
func (m *Manager) recordRecap(sessionID string, meta transcript.SessionMeta) {
	ctx, cancel := context.WithTimeout(context.Background(), recapTimeout)
	defer cancel()

	events, err := m.store.Events(ctx, sessionID)
	if err != nil {
		m.log.Warn("recap skipped, could not load job log", "session_id", sessionID, "error", err)
		return
	}
	entry, err := m.summariser.Summarise(ctx, meta, events)
	if err != nil {
		m.log.Warn("recap generation failed", "session_id", sessionID, "error", err)
		return
	}
	if entry == "" {
		return
	}
	if err := m.store.Append(ctx, sessionID, transcript.Event{
		Kind:    transcript.KindRecap,
		Payload: entry,
	}); err != nil {
		m.log.Warn("recap write failed", "session_id", sessionID, "error", err)
		return
	}
	m.log.Info("session recap recorded", "session_id", sessionID)
}

// ── State handling ─────────────────────────────────────────────────────────────

// setState applies a transition, journals it and notifies the listener.
// Illegal transitions are rejected and logged; returns whether the
// transition was applied. Same-state calls are no-ops.
func (m *Manager) setState(to State) bool {
	m.stateMu.Lock()
	from := m.state
	if from == to {
		m.stateMu.Unlock()
		return true
	}
	if !canTransition(from, to) {
		m.stateMu.Unlock()
		m.log.Error("rejected illegal state transition", "from", from.String(), "to", to.String())
		return false
	}
	m.state = to
	m.stateMu.Unlock()

	m.log.Info("session state", "from", from.String(), "to", to.String())
	m.journal(transcript.KindState, to.String(), "")
	if m.onState != nil {
		m.onState(to)
	}
	return true
}

// onPlaybackActive flips between speaking and listening as the playback
// queue starts and drains. Late flips after teardown fall on the idle state
// and are rejected by the transition table.
func (m *Manager) onPlaybackActive(active bool) {
	if active {
		m.setState(StateSpeaking)
	} else {
		m.setState(StateListening)
	}
}

// ── Job log journal ────────────────────────────────────────────────────────────

// openJournal starts the journal pump for one session. With an empty
// sessionID (log unavailable) the pump drains and drops.
func (m *Manager) openJournal(sessionID string) {
	ch := make(chan transcript.Event, journalBuffer)
	done := make(chan struct{})
	m.jmu.Lock()
	m.journalCh = ch
	m.journalDone = done
	m.jmu.Unlock()
	go m.journalPump(sessionID, ch, done)
}

// journalPump is the single writer to the job log for a session. Events
// arrive in emit order and are written one at a time, so tool_call rows
// always precede their tool_result.
func (m *Manager) journalPump(sessionID string, ch <-chan transcript.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range ch {
		if sessionID == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		if err := m.store.Append(ctx, sessionID, ev); err != nil {
			m.log.Warn("job log append failed",
				"session_id", sessionID, "kind", string(ev.Kind), "error", err)
		}
		cancel()
	}
}

// journal emits one event to the journal pump. Never blocks: with the
// buffer full the event is dropped, the audio path outranks the log.
func (m *Manager) journal(kind transcript.Kind, name, payload string) {
	m.jmu.Lock()
	defer m.jmu.Unlock()
	if m.journalCh == nil {
		return
	}
	select {
	case m.journalCh <- transcript.Event{Kind: kind, Name: name, Payload: payload, At: time.Now()}:
	default:
		m.log.Debug("job log buffer full, dropping event", "kind", string(kind))
	}
}

// closeJournal stops accepting events and waits for the pump to flush, so
// EndSession runs only after every accepted event is written.
func (m *Manager) closeJournal() {
	m.jmu.Lock()
	ch, done := m.journalCh, m.journalDone
	m.journalCh = nil
	m.journalDone = nil
	m.jmu.Unlock()
	if ch == nil {
		return
	}
	close(ch)
	<-done
}

// journalToolEvent records one dispatched tool call and its result.
func (m *Manager) journalToolEvent(req live.ToolCallRequest, res live.ToolResult) {
	m.journal(transcript.KindToolCall, req.Name, encodeArgs(req.Args))
	m.journal(transcript.KindToolResult, res.Name, encodeArgs(res.Response))
}

func encodeArgs(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// ── Pumps ──────────────────────────────────────────────────────────────────────

// receivePump moves synthesised speech from the session into the playback
// queue until the session's audio channel closes.
func (m *Manager) receivePump(ctx context.Context, sess live.Session, play *playbackQueue) {
	for payload := range sess.Audio() {
		m.metrics.FramesReceived.Add(ctx, 1)
		play.Enqueue(payload)
	}
}

// turnPump drains turn boundaries. The playback queue already derives the
// speaking/listening flip from buffer activity; turn completes are only
// interesting for debugging.
func (m *Manager) turnPump(sess live.Session) {
	for range sess.TurnComplete() {
		m.log.Debug("model turn complete")
	}
}

// watchSession waits for the session to terminate. A terminal error means
// the transport died underneath us and the session must be dismantled; a
// nil error is the echo of our own Close during teardown.
func (m *Manager) watchSession(sess live.Session) {
	<-sess.Done()
	if err := sess.Err(); err != nil {
		go m.teardown(sess, "transport error", err)
	}
}
