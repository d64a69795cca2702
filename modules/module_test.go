package modules_test

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/revkit/binimg"
	"gitlab.com/stephen-fox/revkit/binimg/imgtest"
	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
)

func basicModule(t *testing.T) *modules.Module {
	t.Helper()

	img, err := binimg.Parse(imgtest.BasicELF())
	require.NoError(t, err)

	return modules.NewModule(modules.ImageInfo{
		Name: "basic_one",
		Path: "/bin/basic_one",
		Base: basicBase,
		Size: imgtest.ELFImageSize,
	}, img)
}

func TestModule_Resolve(t *testing.T) {
	cfg := imgtest.BasicELFConfig()
	m := basicModule(t)

	tests := []struct {
		name string
		exp  memory.Address
	}{
		{name: "func", exp: 0x55550000064a},
		{name: "main", exp: basicBase + 0x660},
		{name: "helper", exp: basicBase + 0x700},
		{name: "i64", exp: basicBase + 0x201020},
		{name: "counter", exp: basicBase + 0x202010},
		{name: "plt.printf", exp: basicBase + memory.Address(cfg.PLTStubDelta(0))},
		{name: "plt.puts", exp: basicBase + memory.Address(cfg.PLTStubDelta(1))},
		{name: "got.printf", exp: basicBase + memory.Address(cfg.GOTSlotDelta(0))},
		{name: "got.puts", exp: basicBase + memory.Address(cfg.GOTSlotDelta(1))},
		{name: "printf", exp: basicBase + memory.Address(cfg.PLTStubDelta(0))},
		{name: "got.stdout", exp: basicBase + memory.Address(cfg.DataGOTSlotDelta(0))},
		{name: "stdout", exp: basicBase + memory.Address(cfg.DataGOTSlotDelta(0))},
	}

	for _, test := range tests {
		addr, err := m.Resolve(test.name)
		require.NoError(t, err, test.name)
		assert.Equal(t, test.exp, addr, "%s: got %s", test.name, addr)
	}
}

func TestModule_Resolve_PLTStubStride(t *testing.T) {
	m := basicModule(t)

	first, err := m.Resolve("plt.printf")
	require.NoError(t, err)
	assert.Equal(t, basicBase+0x510+1*0x10, first)

	second, err := m.Resolve("plt.puts")
	require.NoError(t, err)
	assert.Equal(t, memory.Address(0x10), second-first)
}

func TestModule_Resolve_PLTAndGOTDiffer(t *testing.T) {
	m := basicModule(t)

	plt, err := m.Resolve("plt.printf")
	require.NoError(t, err)

	got, err := m.Resolve("got.printf")
	require.NoError(t, err)

	assert.NotEqual(t, plt, got)

	_, err = m.Resolve("plt.stdout")
	assert.ErrorIs(t, err, modules.ErrSymbolNotFound)
}

func TestModule_Resolve_NotFound(t *testing.T) {
	m := basicModule(t)

	_, err := m.Resolve("nope")
	require.ErrorIs(t, err, modules.ErrSymbolNotFound)
	assert.Contains(t, err.Error(), "basic_one:nope")
}

func TestModule_PLT(t *testing.T) {
	m := basicModule(t)

	plt, ok := m.PLT()
	require.True(t, ok)
	assert.Equal(t, uint64(0x510), plt.Uint64()&0xfff)
}

func TestModule_Symbols_Idempotent(t *testing.T) {
	m := basicModule(t)

	first, err := m.Symbols()
	require.NoError(t, err)

	second, err := m.Symbols()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, first.All(), second.All())
}

func TestModule_SetBase(t *testing.T) {
	m := basicModule(t)

	before, err := m.Symbols()
	require.NoError(t, err)

	require.NoError(t, m.SetBase(uint64(0x10000)))
	assert.Equal(t, memory.Address(0x10000), m.Base())

	after, err := m.Symbols()
	require.NoError(t, err)
	assert.NotSame(t, before, after)

	addr, err := m.Resolve("func")
	require.NoError(t, err)
	assert.Equal(t, memory.Address(0x1064a), addr)

	plt, ok := m.PLT()
	require.True(t, ok)
	assert.Equal(t, memory.Address(0x10510), plt)
}

func TestModule_SetBase_SameValueRebuilds(t *testing.T) {
	m := basicModule(t)

	before, err := m.Symbols()
	require.NoError(t, err)

	require.NoError(t, m.SetBase(m.Base()))

	after, err := m.Symbols()
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Equal(t, before.All(), after.All())
}

func TestModule_InvalidAssignment(t *testing.T) {
	m := basicModule(t)

	assert.ErrorIs(t, m.SetBase("0x1000"), modules.ErrInvalidAssignment)
	assert.ErrorIs(t, m.SetBase(-1), modules.ErrInvalidAssignment)
	assert.ErrorIs(t, m.SetBase(1.5), modules.ErrInvalidAssignment)
	assert.ErrorIs(t, m.SetName(5), modules.ErrInvalidAssignment)
	assert.ErrorIs(t, m.SetName(""), modules.ErrInvalidAssignment)
	assert.ErrorIs(t, m.SetPath(nil), modules.ErrInvalidAssignment)

	assert.Equal(t, basicBase, m.Base())
	assert.Equal(t, "basic_one", m.Name())
	assert.Equal(t, "/bin/basic_one", m.Path())

	require.NoError(t, m.SetName("renamed"))
	require.NoError(t, m.SetPath("/tmp/renamed"))
	assert.Equal(t, "renamed", m.Name())
	assert.Equal(t, "/tmp/renamed", m.Path())

	_, err := m.Resolve("func")
	assert.NoError(t, err)
}

func TestModule_FileOffset(t *testing.T) {
	m := basicModule(t)

	tests := []struct {
		name string
		exp  uint64
	}{
		{name: "func", exp: 0x64a},
		{name: "main", exp: 0x660},
		{name: "i64", exp: 0x1020},
		{name: "i32", exp: 0x1028},
	}

	for _, test := range tests {
		addr, err := m.Resolve(test.name)
		require.NoError(t, err)

		offset, err := m.FileOffset(addr)
		require.NoError(t, err, test.name)
		assert.Equal(t, test.exp, offset, test.name)

		expOffset, ok := imgtest.FileOffsetOf(uint64(addr.Sub(m.Base())))
		require.True(t, ok)
		assert.Equal(t, expOffset, offset)

		back, err := m.AddressOf(offset)
		require.NoError(t, err)
		assert.Equal(t, addr, back, test.name)
	}
}

func TestModule_FileOffset_NotFileBacked(t *testing.T) {
	m := basicModule(t)

	counter, err := m.Resolve("counter")
	require.NoError(t, err)

	_, err = m.FileOffset(counter)
	assert.ErrorIs(t, err, modules.ErrNotFileBacked)

	_, err = m.FileOffset(m.End())
	assert.ErrorIs(t, err, modules.ErrNotFileBacked)

	_, err = m.FileOffset(m.Base() - 1)
	assert.ErrorIs(t, err, modules.ErrNotFileBacked)
}

func TestModule_Contains(t *testing.T) {
	m := basicModule(t)

	assert.True(t, m.Contains(m.Base()))
	assert.True(t, m.Contains(m.End()-1))
	assert.False(t, m.Contains(m.End()))
	assert.False(t, m.Contains(m.Base()-1))
	assert.Equal(t, basicBase+imgtest.ELFImageSize, m.End())
}

func TestModule_Views(t *testing.T) {
	m := basicModule(t)

	assert.Equal(t, binimg.FormatELF, m.Format())
	assert.Equal(t, binimg.ArchAMD64, m.Arch())
	assert.Equal(t, 8, m.PointerSize())

	pm, err := m.PointerMaker()
	require.NoError(t, err)
	assert.Equal(t, 8, pm.PointerSize())

	segs, err := m.Segments()
	require.NoError(t, err)
	assert.Len(t, segs, 2)

	assert.Equal(t, "basic_one 0x555500000000-0x555500203000 /bin/basic_one", m.String())
}

func TestModule_NoImage(t *testing.T) {
	m := modules.NewModule(modules.ImageInfo{Name: "empty", Size: 0x1000}, nil)

	_, err := m.Resolve("func")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, modules.ErrSymbolNotFound))

	_, ok := m.PLT()
	assert.False(t, ok)

	assert.Equal(t, binimg.FormatUnknown, m.Format())
	assert.Equal(t, 0, m.PointerSize())

	_, err = m.File()
	assert.ErrorIs(t, err, modules.ErrFileNotFound)
}

func TestModule_File(t *testing.T) {
	target := newFakeTarget()
	target.add("basic_one", basicBase, imgtest.ELFImageSize, imgtest.BasicELF())

	index, err := modules.NewIndex(target, modules.Config{})
	require.NoError(t, err)

	m, err := index.Lookup("basic_one")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f, err := m.File()
		require.NoError(t, err)

		magic := make([]byte, 4)
		_, err = io.ReadFull(f, magic)
		require.NoError(t, err)
		assert.Equal(t, []byte("\x7fELF"), magic)

		require.NoError(t, f.Close())
	}

	assert.Equal(t, 3, target.opens)
}

func TestModule_ReadPointer(t *testing.T) {
	cfg := imgtest.BasicELFConfig()

	target := newFakeTarget()
	target.add("basic_one", basicBase, imgtest.ELFImageSize, imgtest.BasicELF())

	index, err := modules.NewIndex(target, modules.Config{})
	require.NoError(t, err)

	m, err := index.Lookup("basic_one")
	require.NoError(t, err)

	slot := basicBase + memory.Address(cfg.GOTSlotDelta(0))

	pointer, err := m.ReadPointer(slot)
	require.NoError(t, err)
	assert.Equal(t, memory.Address(cfg.PLTStubDelta(0)+6), pointer.Address())
	assert.Len(t, pointer.Bytes(), 8)

	addr, ok := m.Relocate(pointer.Address())
	require.True(t, ok)
	assert.Equal(t, basicBase+memory.Address(cfg.PLTStubDelta(0)+6), addr)

	_, ok = m.Relocate(memory.Address(imgtest.ELFImageSize))
	assert.False(t, ok)

	_, err = m.ReadPointer(m.End())
	assert.ErrorIs(t, err, modules.ErrNotFileBacked)
}

func TestModule_PE(t *testing.T) {
	cfg := imgtest.BasicPEConfig()
	base := memory.Address(0x7ff800000000)

	img, err := binimg.Parse(imgtest.BasicPE())
	require.NoError(t, err)

	m := modules.NewModule(modules.ImageInfo{
		Name: "demo.dll",
		Base: base,
		Size: imgtest.PEImageSize,
	}, img)

	addr, err := m.Resolve("DemoFunc")
	require.NoError(t, err)
	assert.Equal(t, base+0x1010, addr)

	addr, err = m.Resolve("DemoData")
	require.NoError(t, err)
	assert.Equal(t, base+0x3008, addr)

	_, err = m.Resolve("DemoForward")
	assert.ErrorIs(t, err, modules.ErrSymbolNotFound)

	slot, ok := cfg.IATSlot("GetProcAddress")
	require.True(t, ok)

	for _, name := range []string{"GetProcAddress", "plt.GetProcAddress", "got.GetProcAddress"} {
		addr, err = m.Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, base+memory.Address(slot), addr, name)
	}

	slot, ok = cfg.IATSlot("msvcrt.dll#17")
	require.True(t, ok)

	addr, err = m.Resolve("msvcrt.dll#17")
	require.NoError(t, err)
	assert.Equal(t, base+memory.Address(slot), addr)
}
