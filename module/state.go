package module

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the category a module belongs to.
type Kind string

// The module kinds a configuration may declare.
const (
	KindHardware     = Kind("hardware")
	KindLogic        = Kind("logic")
	KindPresentation = Kind("presentation")
)

// Kinds lists every valid kind in configuration order.
var Kinds = []Kind{KindHardware, KindLogic, KindPresentation}

// Validate returns an error for anything other than the three known kinds.
func (k Kind) Validate() error {
	switch k {
	case KindHardware, KindLogic, KindPresentation:
		return nil
	}
	return errors.Errorf("unknown module kind %q", string(k))
}

// State is a module's lifecycle state.
type State int

// Lifecycle states. Unloaded is the zero value.
const (
	StateUnloaded State = iota
	StateDeactivated
	StateIdle
	StateLocked
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateDeactivated:
		return "deactivated"
	case StateIdle:
		return "idle"
	case StateLocked:
		return "locked"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Loaded is true for every state in which an instance exists and is healthy.
func (s State) Loaded() bool {
	return s == StateDeactivated || s == StateIdle || s == StateLocked
}

// Running is true for Idle and Locked.
func (s State) Running() bool {
	return s == StateIdle || s == StateLocked
}

// StateFromString parses the lowercase names produced by String.
func StateFromString(str string) (State, error) {
	for s := StateUnloaded; s <= StateError; s++ {
		if strings.EqualFold(s.String(), str) {
			return s, nil
		}
	}
	return StateUnloaded, errors.Errorf("unknown module state %q", str)
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state by name.
func (s *State) UnmarshalJSON(data []byte) (err error) {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s, err = StateFromString(str)
	return
}
