// internal/inventory/state.go
package inventory

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle position of a CheckoutRecord.
type State string

const (
	StateActive   State = "active"
	StateOverdue  State = "overdue"
	StateReturned State = "returned"
	StateLost     State = "lost"
)

// Open reports whether the record still holds stock.
func (s State) Open() bool {
	return s == StateActive || s == StateOverdue
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateReturned || s == StateLost
}

func (s State) valid() bool {
	return s.Open() || s.Terminal()
}

// CanTransition reports whether from → to is an edge of the lifecycle.
func CanTransition(from, to State) bool {
	switch to {
	case StateOverdue:
		return from == StateActive
	case StateReturned, StateLost:
		return from.Open()
	}
	return false
}

// ParseState converts a stored or wire value into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.valid() {
		return "", fmt.Errorf("unknown checkout state %q", v)
	}
	return s, nil
}

// MarshalJSON refuses to encode a state UnmarshalJSON would reject.
func (s State) MarshalJSON() ([]byte, error) {
	if !s.valid() {
		return nil, fmt.Errorf("unknown checkout state %q", string(s))
	}
	return json.Marshal(string(s))
}

func (s *State) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
