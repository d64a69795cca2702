package modules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/revkit/binimg"
	"gitlab.com/stephen-fox/revkit/binimg/imgtest"
	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
)

func TestSymbolTable_Nearest(t *testing.T) {
	table, err := basicModule(t).Symbols()
	require.NoError(t, err)

	syms := table.Nearest(basicBase + 0x64a + 3)
	require.Len(t, syms, 1)
	assert.Equal(t, "func", syms[0].Name)
	assert.Equal(t, modules.SymbolFunction, syms[0].Kind)

	syms = table.Nearest(basicBase + 0x520)
	require.Len(t, syms, 2)
	assert.Equal(t, "plt.printf", syms[0].Name)
	assert.Equal(t, "printf", syms[1].Name)
	assert.Equal(t, modules.SymbolPLT, syms[0].Kind)

	assert.Nil(t, table.Nearest(basicBase))
}

func TestSymbolTable_All(t *testing.T) {
	table, err := basicModule(t).Symbols()
	require.NoError(t, err)

	all := table.All()
	assert.Len(t, all, table.Len())

	seen := make(map[string]struct{})
	for i, sym := range all {
		_, dup := seen[sym.Name]
		assert.False(t, dup, sym.Name)
		seen[sym.Name] = struct{}{}

		if i > 0 {
			assert.LessOrEqual(t, all[i-1].Address, sym.Address)
		}

		found, ok := table.Lookup(sym.Name)
		require.True(t, ok)
		assert.Equal(t, sym, found)
	}

	for _, name := range []string{"plt.printf", "got.printf", "plt.puts", "got.puts", "got.stdout"} {
		_, ok := table.Lookup(name)
		assert.True(t, ok, name)
		assert.True(t, modules.IsQualified(name))
	}

	assert.False(t, modules.IsQualified("printf"))
}

func TestSymbolTable_DefinedBeatsGOT(t *testing.T) {
	cfg := imgtest.LibELFConfig()
	cfg.DataImports = []string{"environ"}

	img, err := binimg.Parse(imgtest.ELF(cfg))
	require.NoError(t, err)

	m := modules.NewModule(modules.ImageInfo{Name: "lib", Base: libBase, Size: imgtest.ELFImageSize}, img)

	addr, err := m.Resolve("environ")
	require.NoError(t, err)
	assert.Equal(t, libBase+0x201040, addr)

	addr, err = m.Resolve("got.environ")
	require.NoError(t, err)
	assert.Equal(t, libBase+memory.Address(cfg.DataGOTSlotDelta(0)), addr)
}
