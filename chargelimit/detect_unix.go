//go:build darwin || linux || freebsd || netbsd || openbsd

package chargelimit

import (
	"strings"

	"golang.org/x/sys/unix"
)

// machine returns uname(2) machine, e.g. "arm64" or "x86_64".
func machine() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return ""
	}
	return unix.ByteSliceToString(u.Machine[:])
}

func isARM(m string) bool {
	return strings.HasPrefix(m, "arm64") || strings.HasPrefix(m, "aarch64")
}
