//go:build darwin && cgo

package smc

/*
#cgo LDFLAGS: -framework IOKit -framework CoreFoundation

#include <mach/mach.h>
#include <IOKit/IOKitLib.h>

static io_service_t smc_service(void) {
	return IOServiceGetMatchingService(0, IOServiceMatching("AppleSMC"));
}

static kern_return_t smc_open(io_service_t service, io_connect_t *conn) {
	kern_return_t kr = IOServiceOpen(service, mach_task_self(), 0, conn);
	IOObjectRelease(service);
	return kr;
}

static kern_return_t smc_call(io_connect_t conn, uint32_t selector, void *in, void *out, size_t size) {
	size_t outSize = size;
	return IOConnectCallStructMethod(conn, selector, in, size, out, &outSize);
}

static kern_return_t smc_close(io_connect_t conn) {
	return IOServiceClose(conn);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

const ioReturnNotPrivileged = 0xe00002c1

// IOKitDriver opens the AppleSMC user client.
type IOKitDriver struct{}

func (IOKitDriver) Open() (Conn, error) {
	service := C.smc_service()
	if service == 0 {
		return nil, fmt.Errorf("%w: AppleSMC service not found", ErrDriverUnavailable)
	}
	var conn C.io_connect_t
	if kr := C.smc_open(service, &conn); kr != C.KERN_SUCCESS {
		return nil, fmt.Errorf("%w: IOServiceOpen failed (%#x)", ErrDriverUnavailable, uint32(kr))
	}
	return &iokitConn{conn: conn}, nil
}

type iokitConn struct {
	conn C.io_connect_t
}

func (c *iokitConn) Call(in *Param) (*Param, error) {
	inBuf, err := in.MarshalBinary()
	if err != nil {
		return nil, err
	}
	outBuf := make([]byte, ParamSize)
	kr := C.smc_call(c.conn, C.uint32_t(SelectorHandleYPCEvent),
		unsafe.Pointer(&inBuf[0]), unsafe.Pointer(&outBuf[0]), C.size_t(ParamSize))
	switch uint32(kr) {
	case 0:
	case ioReturnNotPrivileged:
		return nil, ErrNotPrivileged
	default:
		return nil, &ControllerError{Key: in.Key, IOReturn: uint32(kr)}
	}
	out := new(Param)
	if err := out.UnmarshalBinary(outBuf); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *iokitConn) Close() error {
	if kr := C.smc_close(c.conn); kr != C.KERN_SUCCESS {
		return fmt.Errorf("smc: IOServiceClose failed (%#x)", uint32(kr))
	}
	return nil
}
