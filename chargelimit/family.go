// Package chargelimit maps a user's charge limit onto controller keys.
//
// Two hardware families exist. RangeLimited machines (Intel) hold the
// limit as a percentage in BCLM. BinaryToggle machines (Apple Silicon)
// only have the CHWA bit, which switches between an 80% cap and none.
package chargelimit

import (
	"fmt"

	"github.com/solar3s/chargelimit/smc"
)

type Family int

const (
	RangeLimited Family = Family(iota)
	BinaryToggle Family = Family(iota)
)

const (
	MinPercent     = 20
	MaxPercent     = 100
	StepPercent    = 5
	TogglePercent  = 80
	DefaultPercent = 80
)

func (f Family) String() string {
	switch f {
	case RangeLimited:
		return "RangeLimited"
	case BinaryToggle:
		return "BinaryToggle"
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Family) UnmarshalText(b []byte) error {
	switch string(b) {
	case "RangeLimited":
		*f = RangeLimited
	case "BinaryToggle":
		*f = BinaryToggle
	default:
		return fmt.Errorf("cannot unmarshal %q to Family", b)
	}
	return nil
}

// Key returns the controller key holding the family's limit.
func (f Family) Key() smc.Key {
	if f == BinaryToggle {
		return smc.KeyCHWA
	}
	return smc.KeyBCLM
}

// Unrestricted is the percentage meaning "no limit".
func (f Family) Unrestricted() int {
	return MaxPercent
}

// DefaultTarget is used when no target has been stored yet.
func (f Family) DefaultTarget() int {
	return DefaultPercent
}
