//go:build !(darwin || linux || freebsd || netbsd || openbsd)

package chargelimit

import "runtime"

func machine() string {
	return runtime.GOARCH
}

func isARM(m string) bool {
	return m == "arm64"
}
