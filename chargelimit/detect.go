package chargelimit

import "runtime"

// DetectFamily picks the hardware family of the running machine from
// the kernel's machine name, falling back to GOARCH.
func DetectFamily() Family {
	return familyFor(machine())
}

func familyFor(m string) Family {
	if m == "" {
		m = runtime.GOARCH
	}
	if isARM(m) {
		return BinaryToggle
	}
	return RangeLimited
}
