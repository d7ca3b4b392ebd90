//go:build !darwin || !cgo

package smc

import "runtime"

// IOKitDriver is unavailable on this platform.
type IOKitDriver struct{}

func (IOKitDriver) Open() (Conn, error) {
	return nil, &unavailableError{goos: runtime.GOOS}
}

type unavailableError struct {
	goos string
}

func (e *unavailableError) Error() string {
	return ErrDriverUnavailable.Error() + ": no AppleSMC on " + e.goos
}

func (e *unavailableError) Unwrap() error {
	return ErrDriverUnavailable
}
