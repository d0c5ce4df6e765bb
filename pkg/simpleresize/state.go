package simpleresize

import "encoding/json"

// State is a stage of the processing state machine
type State int

const (
	StateReceived State = iota
	StateFetching
	StateTransforming
	StateStoring
	StateNotifying
	StateCleaning
	StateAcknowledged
	StateFailed
)

var stateNames = map[State]string{
	StateReceived:     "Received",
	StateFetching:     "Fetching",
	StateTransforming: "Transforming",
	StateStoring:      "Storing",
	StateNotifying:    "Notifying",
	StateCleaning:     "Cleaning",
	StateAcknowledged: "Acknowledged",
	StateFailed:       "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// MarshalJSON encodes the state by name
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Terminal reports whether no further transition leaves s
func (s State) Terminal() bool {
	return s == StateAcknowledged || s == StateFailed
}

// validTransitions lists the forward edges of the state machine. Failed is
// reachable from every non-terminal state and is not listed. Fetching may
// acknowledge directly when the original was already processed and removed.
var validTransitions = map[State][]State{
	StateReceived:     {StateFetching},
	StateFetching:     {StateTransforming, StateAcknowledged},
	StateTransforming: {StateStoring},
	StateStoring:      {StateNotifying},
	StateNotifying:    {StateCleaning, StateAcknowledged},
	StateCleaning:     {StateAcknowledged},
}

// CanTransition reports whether the machine may move from one state to another
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
