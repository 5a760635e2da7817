package flow

// State is the handshake progress of one Flow. Offerers move
// Initialized → CreatingOffer → WaitingForAnswer → WaitingToConnect,
// answerers Initialized → ReceivedOffer → CreatingAnswer → WaitingToConnect.
// Both then reach Connected. Ended is terminal and reachable from anywhere.
type State int32

const (
	StateInitialized State = iota
	StateCreatingOffer
	StateWaitingForAnswer
	StateReceivedOffer
	StateCreatingAnswer
	StateWaitingToConnect
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateCreatingOffer:
		return "CreatingOffer"
	case StateWaitingForAnswer:
		return "WaitingForAnswer"
	case StateReceivedOffer:
		return "ReceivedOffer"
	case StateCreatingAnswer:
		return "CreatingAnswer"
	case StateWaitingToConnect:
		return "WaitingToConnect"
	case StateConnected:
		return "Connected"
	case StateEnded:
		return "Ended"
	}
	return "Unknown"
}

// PastHandshake reports whether the offer/answer exchange is over.
func (s State) PastHandshake() bool {
	return s == StateWaitingToConnect || s == StateConnected
}
