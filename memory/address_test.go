package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress_Arithmetic(t *testing.T) {
	base := Address(0x555500000000)

	assert.Equal(t, Address(0x55550000064a), base.Add(0x64a))
	assert.Equal(t, Address(0x555500000000), base.Add(0x64a).Add(-0x64a))
	assert.Equal(t, int64(0x64a), base.Add(0x64a).Sub(base))
	assert.Equal(t, "0x55550000064a", base.Add(0x64a).String())
	assert.True(t, base < base.Add(1))
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in  string
		exp Address
	}{
		{in: "0x64a", exp: 0x64a},
		{in: "0X64A", exp: 0x64a},
		{in: "1610", exp: 1610},
		{in: " 0x10 ", exp: 0x10},
	}

	for _, test := range tests {
		addr, err := ParseAddress(test.in)
		require.NoError(t, err, test.in)
		assert.Equal(t, test.exp, addr, test.in)
	}

	for _, bad := range []string{"", "0x", "strlen", "-1", "0xzz"} {
		_, err := ParseAddress(bad)
		assert.True(t, errors.Is(err, ErrNotAddress), bad)
	}
}

func TestAddressOf(t *testing.T) {
	for _, v := range []interface{}{
		Address(123),
		uint(123),
		uint32(123),
		uint64(123),
		uintptr(123),
		123,
		int64(123),
		Pointer{addr: 123},
	} {
		addr, err := AddressOf(v)
		require.NoError(t, err, "%T", v)
		assert.Equal(t, Address(123), addr, "%T", v)
	}

	for _, v := range []interface{}{"test", -1, 1.5, nil, []byte{1}} {
		_, err := AddressOf(v)
		assert.True(t, errors.Is(err, ErrNotAddress), "%T", v)
	}
}
