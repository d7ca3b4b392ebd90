package smc

import (
	"encoding/binary"
	"fmt"
)

// see IOKit AppleSMC user client, SMCParamStruct.

// ParamSize is the exact stride of the controller's parameter struct.
const ParamSize = 80

// PayloadSize is the width of the data region of a transaction.
const PayloadSize = 32

// Selector is the command stored in Param.Data8.
type Selector uint8

const (
	SelectorHandleYPCEvent  Selector = 2 // struct method index passed to IOConnectCallStructMethod
	SelectorReadKey         Selector = 5
	SelectorWriteKey        Selector = 6
	SelectorGetKeyFromIndex Selector = 8
	SelectorGetKeyInfo      Selector = 9
)

// Result codes returned in Param.Result.
const (
	ResultSuccess     uint8 = 0
	ResultError       uint8 = 1
	ResultKeyNotFound uint8 = 132
)

// byte offsets inside the 80-byte struct, natural C alignment.
const (
	offKey           = 0
	offVersMajor     = 4
	offVersMinor     = 5
	offVersBuild     = 6
	offVersReserved  = 7
	offVersRelease   = 8 // uint16, then 2 bytes alignment
	offPLimitVersion = 12
	offPLimitLength  = 14
	offPLimitCPU     = 16
	offPLimitGPU     = 20
	offPLimitMem     = 24
	offInfoSize      = 28
	offInfoType      = 32
	offInfoAttr      = 36
	offPadding       = 38 // uint16
	offResult        = 40
	offStatus        = 41
	offData8         = 42 // then 1 byte alignment
	offData32        = 44
	offBytes         = 48
)

type Version struct {
	Major    uint8
	Minor    uint8
	Build    uint8
	Reserved uint8
	Release  uint16
}

type PLimitData struct {
	Version uint16
	Length  uint16
	CPU     uint32
	GPU     uint32
	Mem     uint32
}

type KeyInfo struct {
	DataSize       uint32
	DataType       FourCC
	DataAttributes uint8
}

// Param is one controller transaction, used for both request and response.
type Param struct {
	Key     FourCC
	Version Version
	PLimit  PLimitData
	KeyInfo KeyInfo
	Padding uint16
	Result  uint8
	Status  uint8
	Data8   uint8
	Data32  uint32
	Bytes   [PayloadSize]byte
}

// MarshalBinary encodes p into a fresh zero-filled ParamSize buffer.
func (p *Param) MarshalBinary() ([]byte, error) {
	b := make([]byte, ParamSize)
	le := binary.LittleEndian
	le.PutUint32(b[offKey:], uint32(p.Key))
	b[offVersMajor] = p.Version.Major
	b[offVersMinor] = p.Version.Minor
	b[offVersBuild] = p.Version.Build
	b[offVersReserved] = p.Version.Reserved
	le.PutUint16(b[offVersRelease:], p.Version.Release)
	le.PutUint16(b[offPLimitVersion:], p.PLimit.Version)
	le.PutUint16(b[offPLimitLength:], p.PLimit.Length)
	le.PutUint32(b[offPLimitCPU:], p.PLimit.CPU)
	le.PutUint32(b[offPLimitGPU:], p.PLimit.GPU)
	le.PutUint32(b[offPLimitMem:], p.PLimit.Mem)
	le.PutUint32(b[offInfoSize:], p.KeyInfo.DataSize)
	le.PutUint32(b[offInfoType:], uint32(p.KeyInfo.DataType))
	b[offInfoAttr] = p.KeyInfo.DataAttributes
	le.PutUint16(b[offPadding:], p.Padding)
	b[offResult] = p.Result
	b[offStatus] = p.Status
	b[offData8] = p.Data8
	le.PutUint32(b[offData32:], p.Data32)
	copy(b[offBytes:], p.Bytes[:])
	return b, nil
}

// UnmarshalBinary decodes a ParamSize buffer into p.
func (p *Param) UnmarshalBinary(b []byte) error {
	if len(b) != ParamSize {
		return fmt.Errorf("smc: param struct is %d bytes, want %d", len(b), ParamSize)
	}
	le := binary.LittleEndian
	*p = Param{
		Key: FourCC(le.Uint32(b[offKey:])),
		Version: Version{
			Major:    b[offVersMajor],
			Minor:    b[offVersMinor],
			Build:    b[offVersBuild],
			Reserved: b[offVersReserved],
			Release:  le.Uint16(b[offVersRelease:]),
		},
		PLimit: PLimitData{
			Version: le.Uint16(b[offPLimitVersion:]),
			Length:  le.Uint16(b[offPLimitLength:]),
			CPU:     le.Uint32(b[offPLimitCPU:]),
			GPU:     le.Uint32(b[offPLimitGPU:]),
			Mem:     le.Uint32(b[offPLimitMem:]),
		},
		KeyInfo: KeyInfo{
			DataSize:       le.Uint32(b[offInfoSize:]),
			DataType:       FourCC(le.Uint32(b[offInfoType:])),
			DataAttributes: b[offInfoAttr],
		},
		Padding: le.Uint16(b[offPadding:]),
		Result:  b[offResult],
		Status:  b[offStatus],
		Data8:   b[offData8],
		Data32:  le.Uint32(b[offData32:]),
	}
	copy(p.Bytes[:], b[offBytes:offBytes+PayloadSize])
	return nil
}
