package smc

import (
	"errors"
	"fmt"
)

// Driver opens connections to the controller service.
type Driver interface {
	Open() (Conn, error)
}

// Conn performs raw struct calls on an open controller handle.
// Call errors are ErrNotPrivileged or *ControllerError (IOReturn set);
// the controller's own result byte is left for the caller to check.
type Conn interface {
	Call(in *Param) (*Param, error)
	Close() error
}

// Client talks to the controller one transaction at a time. Every
// convenience method opens a connection, does exactly one call and
// closes it: handles are never held across calls.
type Client struct {
	Driver Driver
}

func NewClient(d Driver) *Client {
	if d == nil {
		d = IOKitDriver{}
	}
	return &Client{Driver: d}
}

// Connection is an open controller handle.
type Connection struct {
	conn Conn
}

// Open locates and opens the controller service.
func (c *Client) Open() (*Connection, error) {
	conn, err := c.Driver.Open()
	if err != nil {
		if errors.Is(err, ErrDriverUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrDriverUnavailable, err)
	}
	return &Connection{conn: conn}, nil
}

// Close releases the handle. It is safe on a nil or half-opened Connection.
func (c *Connection) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ReadKey returns the first k.Size bytes of key k.
func (c *Connection) ReadKey(k Key) ([]byte, error) {
	in := &Param{Key: k.Code, Data8: uint8(SelectorReadKey)}
	in.KeyInfo.DataSize = k.Size
	out, err := c.call(k, in)
	if err != nil {
		return nil, err
	}
	n := k.Size
	if n > PayloadSize {
		n = PayloadSize
	}
	b := make([]byte, n)
	copy(b, out.Bytes[:n])
	return b, nil
}

// WriteKey writes data to key k, truncated or zero-padded to k.Size.
func (c *Connection) WriteKey(k Key, data []byte) error {
	in := &Param{Key: k.Code, Data8: uint8(SelectorWriteKey)}
	in.KeyInfo.DataSize = k.Size
	n := int(k.Size)
	if n > PayloadSize {
		n = PayloadSize
	}
	if len(data) < n {
		n = len(data)
	}
	copy(in.Bytes[:n], data[:n])
	_, err := c.call(k, in)
	return err
}

// KeyInfo asks the controller for the declared size and type of k.
func (c *Connection) KeyInfo(k Key) (KeyInfo, error) {
	in := &Param{Key: k.Code, Data8: uint8(SelectorGetKeyInfo)}
	out, err := c.call(k, in)
	if err != nil {
		return KeyInfo{}, err
	}
	return out.KeyInfo, nil
}

func (c *Connection) call(k Key, in *Param) (*Param, error) {
	if c == nil || c.conn == nil {
		return nil, fmt.Errorf("%w: connection is closed", ErrDriverUnavailable)
	}
	out, err := c.conn.Call(in)
	if err != nil {
		var ce *ControllerError
		if errors.As(err, &ce) && ce.Key == 0 {
			ce.Key = k.Code
		}
		return nil, err
	}
	switch out.Result {
	case ResultSuccess:
		return out, nil
	case ResultKeyNotFound:
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, k)
	default:
		return nil, &ControllerError{Key: k.Code, Result: out.Result}
	}
}

// Read opens a connection, reads k and closes.
func (c *Client) Read(k Key) ([]byte, error) {
	conn, err := c.Open()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.ReadKey(k)
}

// Write opens a connection, writes k and closes.
func (c *Client) Write(k Key, data []byte) error {
	conn, err := c.Open()
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.WriteKey(k, data)
}

// Probe checks that the controller is reachable and knows k.
func (c *Client) Probe(k Key) error {
	conn, err := c.Open()
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.KeyInfo(k)
	return err
}
