package smc

import (
	"errors"
	"fmt"
)

var (
	// ErrDriverUnavailable means the controller service is missing or refused to open.
	ErrDriverUnavailable = errors.New("smc: driver unavailable")
	// ErrNotPrivileged is returned by the driver when writing without root.
	ErrNotPrivileged = errors.New("smc: not privileged")
	// ErrKeyNotFound means the controller doesn't know the requested key.
	ErrKeyNotFound = errors.New("smc: key not found")
)

// ControllerError carries the raw status of a failed transaction.
// IOReturn is the kern_return_t of the user client call, Result the
// controller's result byte when the call itself went through.
type ControllerError struct {
	Key      FourCC
	IOReturn uint32
	Result   uint8
}

func (e *ControllerError) Error() string {
	if e.IOReturn != 0 {
		return fmt.Sprintf("smc: %s: call failed (kIOReturn %#x)", e.Key, e.IOReturn)
	}
	return fmt.Sprintf("smc: %s: controller returned %d", e.Key, e.Result)
}
