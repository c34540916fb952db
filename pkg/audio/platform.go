// Package audio defines the frame types, sample-format conversions and device
// interfaces for sitevox audio transport.
//
// The three device abstractions are:
//
//   - [Device] — opens capture and playback streams on whatever hardware or
//     transport backs the deployment.
//   - [Source] — a live microphone stream delivering [Frame] values.
//   - [Scheduler] — a playback sink that plays one buffer at a time and
//     reports completion, which is what strict-FIFO gapless playback needs.
//
// Implementations are provided by adapter packages (audio/bridge for a panel
// connected over WebSocket, audio/mock for tests). The interfaces are
// intentionally narrow to keep the session manager decoupled from transport
// details.
//
// This package lives under pkg/ because external code (alternative device
// adapters) is expected to implement [Device].
package audio

import "context"

// Source is a live capture stream obtained from [Device.Capture].
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Frames returns the channel delivering captured audio. The channel is
	// closed when the stream ends, either by Stop or because the underlying
	// device went away. Each Frame reports the rate and channel count the
	// device actually granted; callers must not assume a fixed rate.
	Frames() <-chan Frame

	// Stop releases the underlying tracks and closes the frame channel.
	// After Stop returns no further frames are delivered. Stop is idempotent;
	// subsequent calls are no-ops and return nil.
	Stop() error
}

// Scheduler plays back audio buffers one at a time.
//
// Implementations must be safe for concurrent use.
type Scheduler interface {
	// Start schedules a single buffer for playback. done is invoked exactly
	// once when the buffer has finished playing, on an internal goroutine;
	// callers must not block in it. Start returns an error when the sink is
	// closed. Callers are expected to chain Start calls from done to keep
	// playback gapless; implementations do not queue.
	Start(f Frame, done func()) error

	// Flush drops any buffer currently scheduled and suppresses its pending
	// completion callback. Safe to call at any time.
	Flush()
}

// Device is the entry point for an audio transport adapter. Implementations
// wrap whatever actually moves samples (a WebSocket-connected field panel,
// an in-memory script for tests) and expose uniform capture and playback
// streams.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Capture acquires the microphone with the given constraints and returns
	// a live [Source]. The supplied ctx governs the acquisition attempt only;
	// once open, the Source remains alive until [Source.Stop].
	//
	// A permission denial or absent microphone returns an error; callers
	// treat that as a reported startup failure, never a silent one.
	Capture(ctx context.Context, cfg CaptureConfig) (Source, error)

	// Playback opens the output side with the given format and returns a
	// [Scheduler] for it.
	Playback(ctx context.Context, cfg PlaybackConfig) (Scheduler, error)
}
