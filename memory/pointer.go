package memory

import (
	"encoding/binary"
	"fmt"
)

// PointerMakerFor returns a PointerMaker for a target with the
// specified endianness and pointer size in bytes.
func PointerMakerFor(endianness binary.ByteOrder, pointerSize int) (PointerMaker, error) {
	if endianness == nil {
		return PointerMaker{}, fmt.Errorf("endianness cannot be nil")
	}

	switch pointerSize {
	case 2, 4, 8:
	default:
		return PointerMaker{}, fmt.Errorf("unsupported pointer size: %d", pointerSize)
	}

	return PointerMaker{
		byteOrder: endianness,
		ptrSize:   pointerSize,
	}, nil
}

// PointerMaker decodes the raw pointers stored by a target, such as
// the contents of a GOT slot, into Addresses.
type PointerMaker struct {
	byteOrder binary.ByteOrder
	ptrSize   int
}

// PointerSize returns the target's pointer size in bytes.
func (o PointerMaker) PointerSize() int {
	return o.ptrSize
}

// FromRawBytes decodes a pointer that was read from the target.
// b must be exactly PointerSize bytes in the target's byte order.
func (o PointerMaker) FromRawBytes(b []byte) (Pointer, error) {
	if len(b) != o.ptrSize {
		return Pointer{}, fmt.Errorf("raw pointer must be %d bytes - it is %d bytes",
			o.ptrSize, len(b))
	}

	var u uint64
	switch o.ptrSize {
	case 2:
		u = uint64(o.byteOrder.Uint16(b))
	case 4:
		u = uint64(o.byteOrder.Uint32(b))
	case 8:
		u = o.byteOrder.Uint64(b)
	}

	raw := make([]byte, len(b))
	copy(raw, b)

	return Pointer{
		addr: Address(u),
		raw:  raw,
	}, nil
}

// Pointer is an Address paired with its raw, target-ordered encoding.
type Pointer struct {
	addr Address
	raw  []byte
}

// Address returns the Pointer's value.
func (o Pointer) Address() Address {
	return o.addr
}

// Bytes returns the Pointer's encoding in the target's byte order.
func (o Pointer) Bytes() []byte {
	return o.raw
}
