package chargelimit

import "github.com/solar3s/chargelimit/smc"

// Intention is what the user asked for.
type Intention struct {
	Enabled       bool `json:"enabled"`
	TargetPercent int  `json:"targetPercent"`
}

// Normalize fills in the family default for an unset (zero) target.
func (i Intention) Normalize(f Family) Intention {
	if i.TargetPercent == 0 {
		i.TargetPercent = f.DefaultTarget()
	}
	return i
}

// Effective is the percentage the hardware should report once
// the intention has been applied.
func (i Intention) Effective(f Family) int {
	_, b := Encode(f, i.Enabled, i.TargetPercent)
	return Decode(f, b)
}

// Encode converts an intention into the key and payload to write.
func Encode(f Family, enabled bool, target int) (smc.Key, []byte) {
	switch f {
	case BinaryToggle:
		if enabled && target <= TogglePercent {
			return smc.KeyCHWA, []byte{1}
		}
		return smc.KeyCHWA, []byte{0}
	default:
		if !enabled {
			return smc.KeyBCLM, []byte{MaxPercent}
		}
		return smc.KeyBCLM, []byte{byte(clamp(target, MinPercent, MaxPercent))}
	}
}

// Decode converts the bytes read from the family's key into a percentage.
// RangeLimited values pass through unclamped.
func Decode(f Family, b []byte) int {
	var v byte
	if len(b) > 0 {
		v = b[0]
	}
	if f == BinaryToggle {
		if v == 1 {
			return TogglePercent
		}
		return MaxPercent
	}
	return int(v)
}

// Steps lists the percentages a user can pick from, ascending.
func Steps(f Family) []int {
	if f == BinaryToggle {
		return []int{TogglePercent, MaxPercent}
	}
	steps := make([]int, 0, (MaxPercent-MinPercent)/StepPercent+1)
	for p := MinPercent; p <= MaxPercent; p += StepPercent {
		steps = append(steps, p)
	}
	return steps
}

// FromObservation is the intention consistent with what the hardware
// reports: a limit is active when the observation is below 100%.
func FromObservation(f Family, percent int) Intention {
	if percent >= MaxPercent || percent <= 0 {
		return Intention{Enabled: false, TargetPercent: MaxPercent}
	}
	if f == BinaryToggle {
		return Intention{Enabled: true, TargetPercent: f.DefaultTarget()}
	}
	// below-range reads (set by other tools) map to the lowest selectable target
	return Intention{Enabled: true, TargetPercent: clamp(percent, MinPercent, MaxPercent)}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
