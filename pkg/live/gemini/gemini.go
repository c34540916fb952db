// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol:
// a setup frame carrying model, generation config and tool declarations, a
// seed client turn, then streaming realtime_input media chunks out and
// serverContent / toolCall frames back in. Audio travels as base64-encoded
// PCM16 chunks.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/strandworks/sitevox/pkg/audio"
	"github.com/strandworks/sitevox/pkg/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "models/gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// inputMimeType labels outbound media chunks. Input is always PCM16
	// 16 kHz mono; the rate is fixed by the protocol, not the chunk.
	inputMimeType = "audio/pcm"

	// defaultOutputRate is the documented synthesis rate, used when an
	// inbound chunk's mime type does not carry an explicit rate.
	defaultOutputRate = 24000

	handshakeTimeout  = 15 * time.Second
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	audioBuffer    = 64
	toolCallBuffer = 16
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used when [live.SessionConfig.Model] is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger for per-frame diagnostics (dropped payloads,
// skipped frames). Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	creds   live.CredentialSource
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a Gemini Live Provider. Every Connect fetches a fresh
// credential from creds before dialing.
func New(creds live.CredentialSource, opts ...Option) *Provider {
	p := &Provider{
		creds:   creds,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Live session: credential fetch, dial, setup
// frame, setupComplete ack, seed turn. The returned Session is ready to
// accept audio. Any failure along the way tears down whatever was opened and
// returns an error; in particular no socket is ever dialed without a
// credential in hand.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	token, err := p.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: credential: %w", err)
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, token,
	)

	dialCtx, dialCancel := context.WithTimeout(ctx, handshakeTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		log:     p.log,
		audioCh: make(chan live.AudioPayload, audioBuffer),
		toolCh:  make(chan live.ToolCallRequest, toolCallBuffer),
		turnCh:  make(chan struct{}, 4),
		done:    make(chan struct{}),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := sess.handshake(dialCtx, p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("gemini: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model            string           `json:"model"`
	GenerationConfig generationConfig `json:"generation_config"`
	Tools            []toolSet        `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"response_modalities"`
	SpeechConfig       *speechConfig `json:"speech_config,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voice_config"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

type toolSet struct {
	FunctionDeclarations []functionDeclaration `json:"function_declarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtime_input"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"media_chunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64-encoded PCM16
}

type clientContentMessage struct {
	ClientContent clientContent `json:"client_content"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turn_complete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"tool_response"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"function_responses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	Error         *apiError        `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded PCM16
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	log     *slog.Logger
	audioCh chan live.AudioPayload
	toolCh  chan live.ToolCallRequest
	turnCh  chan struct{}

	mu     sync.Mutex
	errVal error
	closed bool

	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	termOnce sync.Once
}

// handshake performs the setup exchange on the freshly dialed connection:
// setup frame out, setupComplete ack in, seed turn out. It runs before the
// receive loop starts, so reads here are the only reads on the socket.
func (s *session) handshake(ctx context.Context, defaultModel string, cfg live.SessionConfig) error {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []toolSet{{FunctionDeclarations: decls}}
	}

	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	// The server acks the setup before anything else flows.
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("setup ack: %w", err)
	}
	var ack serverMessage
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("setup ack: decode: %w", err)
	}
	if ack.Error != nil {
		return fmt.Errorf("setup rejected: %s", ack.Error.Message)
	}
	if ack.SetupComplete == nil {
		return fmt.Errorf("setup ack: unexpected first frame")
	}

	if cfg.SeedContext != "" {
		seed := clientContentMessage{
			ClientContent: clientContent{
				Turns: []contentTurn{
					{Role: "user", Parts: []part{{Text: cfg.SeedContext}}},
				},
				TurnComplete: true,
			},
		}
		if err := s.writeJSON(ctx, seed); err != nil {
			return fmt.Errorf("seed turn: %w", err)
		}
	}

	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and fans them out. It owns
// the inbound channels: it closes them when it exits, after recording the
// terminating error.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// A cancelled session context means Close ran; that is a clean end.
			if s.ctx.Err() != nil {
				s.terminate(nil)
				return
			}
			s.terminate(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("gemini: skipping malformed frame", "error", err)
			continue
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		s.log.Warn("gemini: server error frame",
			"code", msg.Error.Code, "status", msg.Error.Status, "message", msg.Error.Message)
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		s.handleToolCall(msg.ToolCall)
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := audio.DecodePCM16(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				// A bad chunk costs a few ms of speech; the session goes on.
				s.log.Debug("gemini: dropping undecodable audio chunk", "error", err)
				continue
			}
			payload := live.AudioPayload{
				Data:       pcm,
				SampleRate: parseRate(p.InlineData.MIMEType),
			}
			select {
			case s.audioCh <- payload:
			case <-s.ctx.Done():
				return
			default:
				// Consumer is behind: drop the oldest payload so fresh
				// speech wins over stale speech.
				select {
				case <-s.audioCh:
				default:
				}
				select {
				case s.audioCh <- payload:
				default:
				}
				s.log.Debug("gemini: audio buffer full, dropped oldest payload")
			}
		}
	}

	if sc.TurnComplete || sc.Interrupted {
		select {
		case s.turnCh <- struct{}{}:
		default:
		}
	}
}

// handleToolCall forwards each function call in slice order. The send blocks
// (bounded by session lifetime) rather than dropping: tool calls carry
// effects and their order is part of the contract.
func (s *session) handleToolCall(tc *toolCallMsg) {
	for _, fc := range tc.FunctionCalls {
		req := live.ToolCallRequest{
			ID:   fc.ID,
			Name: fc.Name,
			Args: fc.Args,
		}
		select {
		case s.toolCh <- req:
		case <-s.ctx.Done():
			return
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the connection alive through
// idle stretches while the technician works silently.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// terminate latches the session's terminal state: first error wins, the
// context is cancelled, the socket is closed and Done is released. Safe to
// call from any goroutine, any number of times.
func (s *session) terminate(err error) {
	s.termOnce.Do(func() {
		s.mu.Lock()
		if s.errVal == nil {
			s.errVal = err
		}
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		close(s.done)
	})
}

// closeChannels is deferred by receiveLoop so channel closes happen on the
// same goroutine as channel sends.
func (s *session) closeChannels() {
	close(s.audioCh)
	close(s.toolCh)
	close(s.turnCh)
}

// parseRate extracts the sample rate from a mime type such as
// "audio/pcm;rate=24000". Missing or malformed rates fall back to the
// documented synthesis rate.
func parseRate(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";")[1:] {
		param = strings.TrimSpace(param)
		if v, ok := strings.CutPrefix(param, "rate="); ok {
			if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return defaultOutputRate
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio delivers one PCM16 16 kHz mono chunk to the model.
func (s *session) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: session closed")
	}
	s.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: inputMimeType, Data: audio.EncodePCM16(pcm)},
			},
		},
	}
	return s.writeJSON(ctx, msg)
}

// SendToolResult returns one tool outcome to the model. Results attempted
// after the session closed are rejected with an error, never a panic, so
// in-flight executors may finish safely during teardown.
func (s *session) SendToolResult(ctx context.Context, res live.ToolResult) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: session closed")
	}
	s.mu.Unlock()

	msg := toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{
				{ID: res.ID, Name: res.Name, Response: res.Response},
			},
		},
	}
	return s.writeJSON(ctx, msg)
}

// Audio returns the channel of synthesised speech payloads.
func (s *session) Audio() <-chan live.AudioPayload { return s.audioCh }

// ToolCalls returns the channel of tool invocations in arrival order.
func (s *session) ToolCalls() <-chan live.ToolCallRequest { return s.toolCh }

// TurnComplete returns the model-turn boundary notification channel.
func (s *session) TurnComplete() <-chan struct{} { return s.turnCh }

// Done returns a channel closed once the session has terminated.
func (s *session) Done() <-chan struct{} { return s.done }

// Err returns the error that terminated the session, nil after a clean Close.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.terminate(nil)
	return nil
}
