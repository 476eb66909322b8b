package session

import "fmt"

// Phase is the coordinator's position in the match lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSeeking
	// PhaseOffering: our status is offered(p); no transport yet.
	PhaseOffering
	// PhaseAwaitingAnswer: offerer transport created, offer sent.
	PhaseAwaitingAnswer
	// PhaseAwaitingOffer: answerer transport created, waiting for the offer.
	PhaseAwaitingOffer
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSeeking:
		return "seeking"
	case PhaseOffering:
		return "offering"
	case PhaseAwaitingAnswer:
		return "awaiting_answer"
	case PhaseAwaitingOffer:
		return "awaiting_offer"
	case PhaseConnected:
		return "connected"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is a phase plus, for every phase after seeking, the partner it
// concerns. Idle and Seeking never carry a partner.
type State struct {
	Phase   Phase
	Partner string
}

func (s State) String() string {
	if s.Partner == "" {
		return s.Phase.String()
	}
	return s.Phase.String() + "(" + s.Partner + ")"
}

// HasPartner reports whether the state is bound to a partner.
func (s State) HasPartner() bool {
	switch s.Phase {
	case PhaseOffering, PhaseAwaitingAnswer, PhaseAwaitingOffer, PhaseConnected:
		return true
	default:
		return false
	}
}

// Handshaking reports whether the state is waiting on the partner and is
// subject to the handshake timeout.
func (s State) Handshaking() bool {
	switch s.Phase {
	case PhaseOffering, PhaseAwaitingAnswer, PhaseAwaitingOffer:
		return true
	default:
		return false
	}
}

func idleState() State    { return State{Phase: PhaseIdle} }
func seekingState() State { return State{Phase: PhaseSeeking} }

func partnerState(phase Phase, partner string) State {
	return State{Phase: phase, Partner: partner}
}
