package distribute

// State is a phase of a batch run.
type State int

const (
	StateIdle State = iota
	StateImporting
	StateGrouping
	StateAllocating
	StatePersisting
	StateVerifying
	StateCompleted
	StateError
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateImporting:  "importing",
	StateGrouping:   "grouping",
	StateAllocating: "allocating",
	StatePersisting: "persisting",
	StateVerifying:  "verifying",
	StateCompleted:  "completed",
	StateError:      "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
