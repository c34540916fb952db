package copilot

// State is the session manager's lifecycle state. There is exactly one state
// variable per [Manager]; every change goes through the transition table so
// an illegal jump is caught instead of silently corrupting the pipeline.
type State int

const (
	// StateIdle means no session exists. Start is the only way out.
	StateIdle State = iota

	// StateConnecting covers credential acquisition, the protocol handshake,
	// and device acquisition. Failures anywhere in between land back in idle.
	StateConnecting

	// StateListening means the duplex session is up and the technician's
	// audio is streaming to the model.
	StateListening

	// StateSpeaking means model audio is queued or playing. Capture keeps
	// running; the model handles barge-in on its side.
	StateSpeaking
)

// String returns the lowercase state name used in logs, the job log, and
// panel state broadcasts.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// validTransitions is the full FSM: teardown (to idle) is legal from every
// non-idle state, speaking and listening flip on playback queue activity.
var validTransitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateListening, StateIdle},
	StateListening:  {StateSpeaking, StateIdle},
	StateSpeaking:   {StateListening, StateIdle},
}

// canTransition reports whether from → to is a legal state change.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
