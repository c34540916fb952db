// Package transcript persists the job log of voice sessions: what seeded the
// conversation, which tools the model called with which results, state
// transitions, and errors. The log is what the office sees after the
// technician leaves the site, so writes must never block or fail the live
// audio path; callers treat append errors as log-and-continue.
package transcript

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Kind classifies a job log event.
type Kind string

const (
	// KindSeed records the context sent to the model at session start.
	KindSeed Kind = "seed"
	// KindState records a session state transition.
	KindState Kind = "state"
	// KindToolCall records a tool invocation requested by the model.
	KindToolCall Kind = "tool_call"
	// KindToolResult records the structured result returned for a call.
	KindToolResult Kind = "tool_result"
	// KindError records a session error.
	KindError Kind = "error"
	// KindRecap records the post-session summary.
	KindRecap Kind = "recap"
)

// Event is one entry in a session's job log.
type Event struct {
	// Kind classifies the entry.
	Kind Kind
	// Name identifies the subject: tool name, state name, error stage.
	Name string
	// Payload carries the body: JSON-encoded args or results, seed text,
	// or an error message.
	Payload string
	// At is the event time. The zero value means "now" to stores.
	At time.Time
}

// SessionMeta describes a session when it begins.
type SessionMeta struct {
	// Project is the customer project the technician works on.
	Project string
	// Panel identifies the field panel that ran the session.
	Panel string
	// Model is the voice model used.
	Model string
}

// Store persists session job logs.
//
// Implementations must be safe for concurrent use. Append and EndSession
// reject unknown session IDs; Append also rejects sessions that already
// ended, so a teardown bug surfaces in tests instead of silently writing
// into a closed log. The sole exception is [KindRecap]: the summary is
// generated asynchronously after teardown, so a closed log accepts exactly
// that kind as a trailing addendum.
type Store interface {
	// BeginSession opens a new job log and returns its session ID.
	BeginSession(ctx context.Context, meta SessionMeta) (string, error)

	// Append adds one event to an open session's log.
	Append(ctx context.Context, sessionID string, ev Event) error

	// EndSession closes the log with a reason ("stopped", "transport error",
	// ...). Ending an already-ended session is a no-op.
	EndSession(ctx context.Context, sessionID, reason string) error

	// Events returns a session's log in append order.
	Events(ctx context.Context, sessionID string) ([]Event, error)
}

// NewSessionID returns a fresh random session identifier. Shared by store
// implementations so IDs look the same regardless of backend.
func NewSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// time-derived ID rather than propagating an error nobody can act on.
		return "s-" + hex.EncodeToString(timeBytes())
	}
	return "s-" + hex.EncodeToString(b[:])
}

func timeBytes() []byte {
	n := time.Now().UnixNano()
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(n >> (8 * i))
	}
	return b
}
