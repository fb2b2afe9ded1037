// Package relay holds the conversation core: the turn-taking state machine,
// the per-conversation session that bridges a client transport to the
// upstream speech service, and the registry that owns session lifecycles.
package relay

// TurnState is the single authority on who holds the floor. Exactly one state
// is active at a time; "user and assistant both speaking" is unrepresentable.
type TurnState int

const (
	// TurnIdle means nobody holds the floor.
	TurnIdle TurnState = iota
	// TurnUserSpeaking means upstream voice activity detection has opened a
	// user utterance that has not ended yet.
	TurnUserSpeaking
	// TurnAssistantSpeaking means an assistant response is streaming.
	TurnAssistantSpeaking
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnUserSpeaking:
		return "user_speaking"
	case TurnAssistantSpeaking:
		return "assistant_speaking"
	default:
		return "unknown"
	}
}

// TurnMachine applies conversation events to the turn state. It is not
// self-locking; the owning session serializes access.
type TurnMachine struct {
	state TurnState
}

func NewTurnMachine() *TurnMachine {
	return &TurnMachine{state: TurnIdle}
}

func (m *TurnMachine) State() TurnState { return m.state }

// UserSpeechStarted handles upstream voice activity opening an utterance.
// bargeIn reports that an assistant response was streaming and must be
// cancelled. ok is false when the event is invalid in the current state and
// was ignored.
func (m *TurnMachine) UserSpeechStarted() (bargeIn, ok bool) {
	switch m.state {
	case TurnIdle:
		m.state = TurnUserSpeaking
		return false, true
	case TurnAssistantSpeaking:
		m.state = TurnUserSpeaking
		return true, true
	default:
		return false, false
	}
}

// UserSpeechStopped closes the user utterance.
func (m *TurnMachine) UserSpeechStopped() bool {
	if m.state != TurnUserSpeaking {
		return false
	}
	m.state = TurnIdle
	return true
}

// ResponseStarted marks an assistant response as streaming. Responses start
// from idle only; a response racing a barge-in loses and the user keeps the
// floor.
func (m *TurnMachine) ResponseStarted() bool {
	if m.state != TurnIdle {
		return false
	}
	m.state = TurnAssistantSpeaking
	return true
}

// ResponseDone returns the floor to idle when a response completes.
func (m *TurnMachine) ResponseDone() bool {
	if m.state != TurnAssistantSpeaking {
		return false
	}
	m.state = TurnIdle
	return true
}

// Interrupt handles a client-requested cancellation. It only applies while a
// response is streaming; anything else is a duplicate and a no-op.
func (m *TurnMachine) Interrupt() bool {
	if m.state != TurnAssistantSpeaking {
		return false
	}
	m.state = TurnIdle
	return true
}

// Reset forces the machine back to idle. Used when the upstream socket is
// replaced and stream continuity is lost.
func (m *TurnMachine) Reset() {
	m.state = TurnIdle
}
