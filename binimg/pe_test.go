package binimg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/revkit/binimg"
	"gitlab.com/stephen-fox/revkit/binimg/imgtest"
)

func TestParse_PE32Plus(t *testing.T) {
	cfg := imgtest.BasicPEConfig()

	img, err := binimg.Parse(imgtest.PE(cfg))
	require.NoError(t, err)

	require.Equal(t, binimg.FormatPE, img.Format())
	p, ok := img.(*binimg.PE)
	require.True(t, ok)
	assert.Equal(t, uint64(0x180000000), p.ImageBase)
	assert.Equal(t, "demo.dll", p.ExportName)
	assert.Equal(t, []string{"KERNEL32.dll", "msvcrt.dll"}, p.Libraries)

	info := img.ImageInfo()
	assert.Equal(t, 64, info.Bits)
	assert.Equal(t, 8, info.PointerSize)
	assert.Equal(t, binimg.ArchAMD64, info.Arch)
	assert.Equal(t, uint64(imgtest.PEImageSize), info.ImageSize)
	assert.Equal(t, uint64(0x1010), info.Entry)
	assert.False(t, info.HasPLT)

	assert.Equal(t, []binimg.Segment{
		{FileOffset: 0, VirtualDelta: 0, FileSize: 0x400, MemorySize: 0x400, Perm: binimg.PermRead},
		{FileOffset: 0x400, VirtualDelta: 0x1000, FileSize: 0x200, MemorySize: 0x800, Perm: binimg.PermRead | binimg.PermExec},
		{FileOffset: 0x600, VirtualDelta: 0x2000, FileSize: 0x600, MemorySize: 0x600, Perm: binimg.PermRead},
		{FileOffset: 0xc00, VirtualDelta: 0x3000, FileSize: 0x200, MemorySize: 0x1000, Perm: binimg.PermRead | binimg.PermWrite},
	}, info.Segments)

	demoFunc := findSymbol(t, info, "DemoFunc")
	assert.Equal(t, uint64(0x1010), demoFunc.Value)
	assert.Equal(t, binimg.KindFunction, demoFunc.Kind)

	demoData := findSymbol(t, info, "DemoData")
	assert.Equal(t, uint64(0x3008), demoData.Value)
	assert.Equal(t, binimg.KindData, demoData.Kind)

	assert.False(t, hasSymbol(info, "DemoForward"))

	getProcAddress := findSymbol(t, info, "GetProcAddress")
	assert.Equal(t, binimg.KindImport, getProcAddress.Kind)
	assert.Equal(t, "KERNEL32.dll", getProcAddress.Library)

	for _, name := range []string{"GetProcAddress", "LoadLibraryA", "printf", "msvcrt.dll#17"} {
		slot, ok := cfg.IATSlot(name)
		require.True(t, ok, name)

		rel := findReloc(t, info, name)
		assert.True(t, rel.HasGOT, name)
		assert.True(t, rel.HasPLT, name)
		assert.Equal(t, slot, rel.GOTSlot, name)
		assert.Equal(t, rel.GOTSlot, rel.PLTStub, name)
	}

	assert.Equal(t, "msvcrt.dll", findReloc(t, info, "msvcrt.dll#17").Library)
}

func TestParse_PE32(t *testing.T) {
	cfg := imgtest.BasicPEConfig()
	cfg.PE32 = true

	img, err := binimg.Parse(imgtest.PE(cfg))
	require.NoError(t, err)

	info := img.ImageInfo()
	assert.Equal(t, 32, info.Bits)
	assert.Equal(t, 4, info.PointerSize)
	assert.Equal(t, binimg.ArchX86, info.Arch)
	assert.Equal(t, uint64(0x10000000), img.(*binimg.PE).ImageBase)

	first := findReloc(t, info, "GetProcAddress")
	second := findReloc(t, info, "LoadLibraryA")
	assert.Equal(t, first.GOTSlot+4, second.GOTSlot)
}

func TestParse_PEWithoutDirectories(t *testing.T) {
	img, err := binimg.Parse(imgtest.PE(imgtest.PEConfig{}))
	require.NoError(t, err)

	info := img.ImageInfo()
	assert.Empty(t, info.Symbols)
	assert.Empty(t, info.Relocations)
	assert.Len(t, info.Segments, 4)
}
