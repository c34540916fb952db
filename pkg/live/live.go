// Package live defines the Provider and Session interfaces for realtime
// duplex speech backends.
//
// A live provider wraps a speech-to-speech service that accepts streaming PCM
// input and returns synthesised audio plus tool invocations over a single
// stateful connection — no separate STT → LLM → TTS hops. The concrete wire
// protocol lives in subpackages (live/gemini); this package carries only the
// protocol-independent contract the session manager programs against.
//
// Inbound traffic is channel-based by design: one receive goroutine inside
// the implementation fans frames out to Audio, ToolCalls, and TurnComplete
// channels, so consumers get ordering guarantees without sharing the socket.
//
// All implementations must be safe for concurrent use.
package live

import "context"

// ToolDeclaration describes one callable tool as offered to the model during
// session setup. Parameters is a JSON-schema-shaped map carried opaquely to
// the provider; no validation happens at this layer.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCallRequest is one tool invocation requested by the model.
type ToolCallRequest struct {
	// ID correlates the eventual ToolResult with this request. Some providers
	// omit it, in which case Name alone correlates.
	ID string

	// Name is the tool name as declared at setup.
	Name string

	// Args holds the decoded invocation arguments.
	Args map[string]any
}

// ToolResult is the structured outcome of one tool invocation, returned to
// the model.
type ToolResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// AudioPayload is one decoded chunk of synthesised model speech.
type AudioPayload struct {
	// Data is raw PCM16 little-endian mono.
	Data []byte

	// SampleRate in Hz, parsed from the payload's mime type when present,
	// otherwise the provider's documented output rate.
	SampleRate int
}

// SessionConfig is the initial configuration for a new duplex session.
type SessionConfig struct {
	// Model is the model identifier requested in the setup frame.
	Model string

	// Voice optionally selects a prebuilt voice for synthesised output.
	Voice string

	// SeedContext is the first client turn sent right after setup completes.
	// It primes the model with the application situation (current project,
	// mounted workspace, field vocabulary) before the user speaks.
	SeedContext string

	// Tools is the registry snapshot declared to the model at setup. The wire
	// protocols only accept tool declarations in the setup frame, so this is
	// the model's tool view for the whole session.
	Tools []ToolDeclaration
}

// Session is an open duplex connection. Callers must call Close when the
// session is no longer needed.
//
// The session is the hot path of the copilot pipeline — every method must
// return quickly, and the inbound channels must be drained promptly so the
// receive loop never stalls on a slow consumer.
type Session interface {
	// SendAudio delivers one chunk of PCM16 16 kHz mono input audio to the
	// model. Returns an error when the session is closed or the transport
	// write fails; transport failures are fatal to the session.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendToolResult returns the outcome of a tool invocation to the model.
	// Sending on a closed session returns an error rather than panicking, so
	// late results from in-flight executors are safe to attempt.
	SendToolResult(ctx context.Context, res ToolResult) error

	// Audio returns the channel of synthesised speech chunks. The channel is
	// closed when the session ends. When the consumer falls behind, the
	// oldest buffered payload is dropped in favor of fresh audio.
	Audio() <-chan AudioPayload

	// ToolCalls returns the channel of tool invocations in arrival order.
	// The channel is closed when the session ends. Consumers dispatch these
	// strictly serially to preserve the model's intended effect order.
	ToolCalls() <-chan ToolCallRequest

	// TurnComplete returns a notification channel that receives one value per
	// completed model turn. Consumers may ignore it; the channel never blocks
	// the receive loop.
	TurnComplete() <-chan struct{}

	// Done returns a channel closed when the session has fully terminated,
	// whether by Close or by a transport failure.
	Done() <-chan struct{}

	// Err returns the error that terminated the session, or nil while the
	// session is healthy or after a clean Close.
	Err() error

	// Close terminates the session and closes all inbound channels. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime duplex backend.
type Provider interface {
	// Connect performs credential acquisition and the protocol handshake and
	// returns a Session that is ready to accept audio. The supplied ctx
	// bounds the handshake only; the session's lifetime is governed by Close.
	//
	// Returns an error if the credential cannot be obtained or the handshake
	// fails; no partial session is ever returned.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
