package memory

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotAddress is returned when a value cannot be interpreted
	// as a memory address.
	ErrNotAddress = errors.New("value is not address-like")
)

// Address is a location in a target process' virtual memory.
//
// Addresses are stored as 64-bit values regardless of the target's
// pointer size. Arithmetic is unchecked, just like it is in the
// target.
type Address uint64

// Add returns the Address plus the specified (possibly negative) offset.
func (o Address) Add(offset int64) Address {
	return Address(uint64(o) + uint64(offset))
}

// Sub returns the distance from other to the Address.
func (o Address) Sub(other Address) int64 {
	return int64(uint64(o) - uint64(other))
}

// Uint64 returns the Address as a uint64.
func (o Address) Uint64() uint64 {
	return uint64(o)
}

// String returns the Address as a hex string with a "0x" prefix.
func (o Address) String() string {
	return "0x" + strconv.FormatUint(uint64(o), 16)
}

// ParseAddressOrExit calls ParseAddress, invoking DefaultExitFn
// if an error occurs.
func ParseAddressOrExit(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to parse address - %w", err))
	}
	return addr
}

// ParseAddress parses a hex ("0x" prefixed) or decimal string into
// an Address.
func ParseAddress(s string) (Address, error) {
	u, err := ParseUint(s)
	if err != nil {
		return 0, err
	}
	return Address(u), nil
}

// ParseUint parses a hex ("0x" or "0X" prefixed) or decimal
// unsigned integer.
func ParseUint(s string) (uint64, error) {
	str := strings.TrimSpace(s)
	if str == "" {
		return 0, fmt.Errorf("integer string is empty - %w", ErrNotAddress)
	}

	base := 10
	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		str = str[2:]
		base = 16
	}

	u, err := strconv.ParseUint(str, base, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q - %w", s, ErrNotAddress)
	}

	return u, nil
}

// Addresser is implemented by types that know their own address.
type Addresser interface {
	Address() Address
}

// AddressOf converts an address-like value into an Address.
//
// Address-like values are Address, Pointer, any Addresser, unsigned
// integers, and non-negative signed integers. Anything else results
// in ErrNotAddress.
func AddressOf(v interface{}) (Address, error) {
	switch t := v.(type) {
	case Address:
		return t, nil
	case Addresser:
		return t.Address(), nil
	case uint:
		return Address(t), nil
	case uint8:
		return Address(t), nil
	case uint16:
		return Address(t), nil
	case uint32:
		return Address(t), nil
	case uint64:
		return Address(t), nil
	case uintptr:
		return Address(t), nil
	case int:
		return signedAddress(int64(t))
	case int8:
		return signedAddress(int64(t))
	case int16:
		return signedAddress(int64(t))
	case int32:
		return signedAddress(int64(t))
	case int64:
		return signedAddress(t)
	default:
		return 0, fmt.Errorf("%T - %w", v, ErrNotAddress)
	}
}

func signedAddress(i int64) (Address, error) {
	if i < 0 {
		return 0, fmt.Errorf("negative integer %d - %w", i, ErrNotAddress)
	}
	return Address(i), nil
}
