// Package smctest provides an in-memory controller for tests.
package smctest

import (
	"sync"

	"github.com/solar3s/chargelimit/smc"
)

// Driver simulates the controller: a set of one-byte-or-more registers
// addressed by key code.
type Driver struct {
	mu sync.Mutex

	// Unavailable makes Open fail as if the service didn't exist.
	Unavailable bool
	// Unprivileged makes writes fail with smc.ErrNotPrivileged.
	Unprivileged bool
	// Result, when non-zero, is returned as the controller result byte.
	Result uint8

	keys   map[smc.FourCC][]byte
	opens  int
	closes int
	calls  []smc.Param
	raw    [][]byte
}

func NewDriver() *Driver {
	return &Driver{keys: make(map[smc.FourCC][]byte)}
}

// Set stores data under k, declaring the key to the controller.
func (d *Driver) Set(k smc.Key, data ...byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[k.Code] = append([]byte(nil), data...)
}

// Get returns the stored bytes of k.
func (d *Driver) Get(k smc.Key) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.keys[k.Code]
	return append([]byte(nil), b...), ok
}

// Calls returns every request seen so far.
func (d *Driver) Calls() []smc.Param {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]smc.Param(nil), d.calls...)
}

// Raw returns the encoded request buffers seen so far.
func (d *Driver) Raw() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.raw...)
}

// Balanced reports whether every opened connection was closed.
func (d *Driver) Balanced() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens == d.closes
}

func (d *Driver) Open() (smc.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Unavailable {
		return nil, smc.ErrDriverUnavailable
	}
	d.opens++
	return &conn{d: d}, nil
}

type conn struct {
	d      *Driver
	closed bool
}

func (c *conn) Call(in *smc.Param) (*smc.Param, error) {
	raw, err := in.MarshalBinary()
	if err != nil {
		return nil, err
	}
	d := c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, *in)
	d.raw = append(d.raw, raw)

	out := &smc.Param{Key: in.Key}
	if d.Result != 0 {
		out.Result = d.Result
		return out, nil
	}
	stored, ok := d.keys[in.Key]
	switch smc.Selector(in.Data8) {
	case smc.SelectorReadKey:
		if !ok {
			out.Result = smc.ResultKeyNotFound
			break
		}
		out.KeyInfo.DataSize = in.KeyInfo.DataSize
		copy(out.Bytes[:], stored)
	case smc.SelectorWriteKey:
		if d.Unprivileged {
			return nil, smc.ErrNotPrivileged
		}
		if !ok {
			out.Result = smc.ResultKeyNotFound
			break
		}
		n := int(in.KeyInfo.DataSize)
		if n > smc.PayloadSize {
			n = smc.PayloadSize
		}
		d.keys[in.Key] = append([]byte(nil), in.Bytes[:n]...)
	case smc.SelectorGetKeyInfo:
		if !ok {
			out.Result = smc.ResultKeyNotFound
			break
		}
		out.KeyInfo = smc.KeyInfo{DataSize: uint32(len(stored)), DataType: smc.TypeUI8}
	default:
		out.Result = smc.ResultError
	}
	return out, nil
}

func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.d.mu.Lock()
	c.d.closes++
	c.d.mu.Unlock()
	return nil
}
