package tee

import (
	"fmt"
	"strings"
)

// ParamType is the kind of a single parameter slot.
type ParamType uint32

const (
	ParamNone         ParamType = 0
	ParamValueInput   ParamType = 1
	ParamValueOutput  ParamType = 2
	ParamValueInout   ParamType = 3
	ParamMemrefInput  ParamType = 5
	ParamMemrefOutput ParamType = 6
	ParamMemrefInout  ParamType = 7
)

// NumParams is the fixed number of parameter slots of an invocation.
const NumParams = 4

func (p ParamType) String() string {
	switch p {
	case ParamNone:
		return "none"
	case ParamValueInput:
		return "value-in"
	case ParamValueOutput:
		return "value-out"
	case ParamValueInout:
		return "value-inout"
	case ParamMemrefInput:
		return "memref-in"
	case ParamMemrefOutput:
		return "memref-out"
	case ParamMemrefInout:
		return "memref-inout"
	default:
		return fmt.Sprintf("type(%d)", uint32(p))
	}
}

// IsMemref reports whether the slot carries a byte buffer.
func (p ParamType) IsMemref() bool {
	return p == ParamMemrefInput || p == ParamMemrefOutput || p == ParamMemrefInout
}

// IsOutput reports whether the far side may write the slot.
func (p ParamType) IsOutput() bool {
	return p == ParamValueOutput || p == ParamValueInout ||
		p == ParamMemrefOutput || p == ParamMemrefInout
}

// ParamTypes packs four ParamType values, 4 bits per slot, slot 0 in the
// lowest nibble. Two ParamTypes describe the same shape only if they are equal.
type ParamTypes uint32

// Types packs the given slot types into a ParamTypes.
func Types(t0, t1, t2, t3 ParamType) ParamTypes {
	return ParamTypes(uint32(t0&0xF) | uint32(t1&0xF)<<4 | uint32(t2&0xF)<<8 | uint32(t3&0xF)<<12)
}

// Get returns the type of slot i.
func (p ParamTypes) Get(i int) ParamType {
	return ParamType((uint32(p) >> (uint(i) * 4)) & 0xF)
}

func (p ParamTypes) String() string {
	parts := make([]string, NumParams)
	for i := 0; i < NumParams; i++ {
		parts[i] = p.Get(i).String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Param is one parameter slot. Value slots use A and B. Memref slots use
// Buffer and Size; for output memrefs Size is the capacity on the way in and
// the produced length on the way out.
type Param struct {
	A      uint32
	B      uint32
	Buffer []byte
	Size   uint32
}

// Bytes returns the meaningful part of a memref slot.
func (p *Param) Bytes() []byte {
	if int(p.Size) < len(p.Buffer) {
		return p.Buffer[:p.Size]
	}
	return p.Buffer
}

// Params is the full parameter set of an invocation.
type Params [NumParams]Param
