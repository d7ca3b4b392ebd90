package smc

import "fmt"

// FourCC is a 4-character code packed big-endian into a uint32,
// as used by the controller for key names and data types.
type FourCC uint32

// NewFourCC packs s into a FourCC. s must be exactly 4 bytes.
func NewFourCC(s string) (FourCC, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("smc: fourcc %q must be 4 characters", s)
	}
	var c FourCC
	for i := 0; i < 4; i++ {
		c = c<<8 | FourCC(s[i])
	}
	return c, nil
}

// MustFourCC is like NewFourCC but panics on a malformed code.
func MustFourCC(s string) FourCC {
	c, err := NewFourCC(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c FourCC) String() string {
	return string([]byte{byte(c >> 24), byte(c >> 16), byte(c >> 8), byte(c)})
}

// Key identifies a controller register along with its declared type and size.
type Key struct {
	Code FourCC
	Type FourCC
	Size uint32
}

func (k Key) String() string {
	return k.Code.String()
}

// TypeUI8 is the data type of single unsigned byte keys.
var TypeUI8 = MustFourCC("ui8 ")

var (
	// KeyBCLM holds the maximum battery charge level, 20..100 (Intel).
	KeyBCLM = Key{Code: MustFourCC("BCLM"), Type: TypeUI8, Size: 1}
	// KeyCHWA toggles the fixed 80% charge limit (Apple Silicon).
	KeyCHWA = Key{Code: MustFourCC("CHWA"), Type: TypeUI8, Size: 1}
)

// LookupKey returns the known key named name. Lookup is exact,
// callers normalize case.
func LookupKey(name string) (Key, bool) {
	switch name {
	case "BCLM":
		return KeyBCLM, true
	case "CHWA":
		return KeyCHWA, true
	}
	return Key{}, false
}
