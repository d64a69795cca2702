package modules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/revkit/memory"
)

func rangeModule(name string, base memory.Address, size uint64) *Module {
	return NewModule(ImageInfo{Name: name, Base: base, Size: size}, nil)
}

func TestRangeIndex_Disjoint(t *testing.T) {
	a := rangeModule("a", 0x1000, 0x1000)
	b := rangeModule("b", 0x4000, 0x2000)
	empty := rangeModule("empty", 0x3000, 0)

	index := newRangeIndex([]*Module{b, empty, a})
	require.Len(t, index.ranges, 2)

	assert.Same(t, a, index.lookup(0x1000))
	assert.Same(t, a, index.lookup(0x1fff))
	assert.Nil(t, index.lookup(0x2000))
	assert.Nil(t, index.lookup(0x3000))
	assert.Same(t, b, index.lookup(0x4000))
	assert.Same(t, b, index.lookup(0x5fff))
	assert.Nil(t, index.lookup(0x6000))
	assert.Nil(t, index.lookup(0))
}

func TestRangeIndex_LaterWins(t *testing.T) {
	outer := rangeModule("outer", 0x1000, 0x4000)
	inner := rangeModule("inner", 0x2000, 0x1000)
	tail := rangeModule("tail", 0x4800, 0x1000)

	index := newRangeIndex([]*Module{outer, inner, tail})

	assert.Same(t, outer, index.lookup(0x1fff))
	assert.Same(t, inner, index.lookup(0x2000))
	assert.Same(t, inner, index.lookup(0x2fff))
	assert.Same(t, outer, index.lookup(0x3000))
	assert.Same(t, outer, index.lookup(0x47ff))
	assert.Same(t, tail, index.lookup(0x4800))
	assert.Same(t, tail, index.lookup(0x57ff))

	for i := 1; i < len(index.ranges); i++ {
		assert.LessOrEqual(t, index.ranges[i-1].end, index.ranges[i].start)
	}
}

func TestRangeIndex_Replaced(t *testing.T) {
	first := rangeModule("first", 0x1000, 0x1000)
	second := rangeModule("second", 0x800, 0x2000)

	index := newRangeIndex([]*Module{first, second})
	require.Len(t, index.ranges, 1)

	assert.Same(t, second, index.lookup(0x1800))
}
