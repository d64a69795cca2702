package describe_test

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/revkit/binimg/imgtest"
	"gitlab.com/stephen-fox/revkit/describe"
	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
	"gitlab.com/stephen-fox/revkit/process"
)

const (
	basicBase = memory.Address(0x555500000000)
	libcBase  = memory.Address(0x7f0000000000)
)

func newTestIndex(t *testing.T) *modules.Index {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bin/basic_one", imgtest.BasicELF(), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/lib/libc.so.6", imgtest.LibELF(), 0o644))

	snapshot := process.NewSnapshot(process.SnapshotConfig{OptFS: fs})
	snapshot.MapOrExit("/bin/basic_one", basicBase)
	snapshot.MapOrExit("/lib/libc.so.6", libcBase)

	index, err := modules.NewIndex(snapshot, modules.Config{OptFS: fs})
	require.NoError(t, err)

	return index
}

func TestDescriber_Describe(t *testing.T) {
	index := newTestIndex(t)
	describer := describe.NewDescriberOrExit(index, describe.Config{})

	cfg := imgtest.BasicELFConfig()

	tests := []struct {
		addr memory.Address
		exp  string
	}{
		{addr: basicBase + 0x64a, exp: "basic_one:func"},
		{addr: basicBase + 0x650, exp: "basic_one:func+0x6"},
		{addr: basicBase + 0x660, exp: "basic_one:main"},
		{addr: basicBase + memory.Address(cfg.PLTStubDelta(0)), exp: "basic_one:plt.printf"},
		{addr: basicBase + memory.Address(cfg.PLTStubDelta(0)) + 6, exp: "basic_one:printf+0x6"},
		{addr: basicBase + memory.Address(cfg.GOTSlotDelta(0)), exp: "basic_one:got.printf"},
		{addr: basicBase + memory.Address(cfg.DataGOTSlotDelta(0)), exp: "basic_one:stdout"},
		{addr: basicBase + 0x201020, exp: "basic_one:i64"},
		{addr: basicBase + 0x201024, exp: "basic_one:i64+0x4"},
		{addr: basicBase + 0x10, exp: "basic_one+0x10"},
		{addr: basicBase, exp: "basic_one"},
		{addr: libcBase + 0x700, exp: "libc.so.6:printf"},
		{addr: libcBase + 0x780, exp: "libc.so.6:_ZN4demo5helloEv"},
		{addr: 0x1000, exp: "unknown"},
	}

	for _, test := range tests {
		desc, err := describer.Describe(test.addr)
		require.NoError(t, err, "%s", test.addr)
		assert.Equal(t, test.exp, desc.String(), "%s", test.addr)
		assert.Equal(t, test.exp, describer.String(test.addr), "%s", test.addr)
	}
}

func TestDescriber_Describe_Fields(t *testing.T) {
	index := newTestIndex(t)
	describer := describe.NewDescriberOrExit(index, describe.Config{})

	desc, err := describer.Describe(basicBase + 0x520)
	require.NoError(t, err)
	assert.True(t, desc.Mapped)
	assert.Equal(t, "basic_one", desc.Module)
	assert.Equal(t, "plt.printf", desc.Symbol)
	assert.Equal(t, []string{"printf"}, desc.Aliases)
	assert.Zero(t, desc.Offset)

	desc, err = describer.Describe(0x42)
	require.NoError(t, err)
	assert.False(t, desc.Mapped)
	assert.Equal(t, memory.Address(0x42), desc.Address)
	assert.Empty(t, desc.Module)
}

func TestDescriber_RoundTrip(t *testing.T) {
	index := newTestIndex(t)
	describer := describe.NewDescriberOrExit(index, describe.Config{})

	all, err := index.All()
	require.NoError(t, err)

	for _, m := range all {
		table, err := m.Symbols()
		require.NoError(t, err)

		for _, sym := range table.All() {
			addr, err := m.Resolve(sym.Name)
			require.NoError(t, err)

			desc, err := describer.Describe(addr)
			require.NoError(t, err)
			assert.Equal(t, m.Name(), desc.Module)
			assert.Zero(t, desc.Offset, sym.Name)

			names := append([]string{desc.Symbol}, desc.Aliases...)
			assert.Contains(t, names, sym.Name)
			assert.Contains(t, desc.String(), modules.TrimQualifier(sym.Name))
		}
	}
}

func TestDescriber_GOTValue(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bin/basic_one", imgtest.BasicELF(), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/lib/libc.so.6", imgtest.LibELF(), 0o644))

	snapshot := process.NewSnapshot(process.SnapshotConfig{OptFS: fs})
	snapshot.MapOrExit("/bin/basic_one", basicBase)
	snapshot.MapOrExit("/lib/libc.so.6", libcBase)

	index := modules.NewIndexOrExit(snapshot, modules.Config{})
	describer := describe.NewDescriberOrExit(index, describe.Config{})

	// A resolved GOT slot holds the address of the libc definition.
	resolved, err := index.Resolve("libc*", "printf")
	require.NoError(t, err)

	assert.Equal(t, "libc.so.6:printf", describer.String(resolved))
}

func TestDescriber_Demangle(t *testing.T) {
	index := newTestIndex(t)

	tests := []struct {
		mode string
		exp  string
	}{
		{mode: describe.DemangleNone, exp: "libc.so.6:_ZN4demo5helloEv+0x2"},
		{mode: describe.DemangleSimplified, exp: "libc.so.6:demo::hello+0x2"},
		{mode: describe.DemangleFull, exp: "libc.so.6:demo::hello()+0x2"},
	}

	for _, test := range tests {
		describer, err := describe.NewDescriber(index, describe.Config{Demangle: test.mode})
		require.NoError(t, err)

		desc, err := describer.Describe(libcBase + 0x782)
		require.NoError(t, err)
		assert.Equal(t, "_ZN4demo5helloEv", desc.Symbol)
		assert.Equal(t, test.exp, desc.String(), test.mode)
	}

	describer, err := describe.NewDescriber(index, describe.Config{Demangle: describe.DemangleFull})
	require.NoError(t, err)

	desc, err := describer.Describe(libcBase + 0x740)
	require.NoError(t, err)
	assert.Empty(t, desc.Demangled)
	assert.Equal(t, "libc.so.6:strlen", desc.String())
}

func TestNewDescriber_Errors(t *testing.T) {
	_, err := describe.NewDescriber(nil, describe.Config{})
	assert.Error(t, err)

	_, err = describe.NewDescriber(newTestIndex(t), describe.Config{Demangle: "bogus"})
	assert.Error(t, err)
}

type failingFinder struct{}

func (failingFinder) ModuleAt(memory.Address) (*modules.Module, error) {
	return nil, errors.New("target went away")
}

func TestDescriber_FinderError(t *testing.T) {
	describer := describe.NewDescriberOrExit(failingFinder{}, describe.Config{})

	_, err := describer.Describe(0x1000)
	assert.Error(t, err)
	assert.Equal(t, "unknown", describer.String(0x1000))
}

func TestDescriber_UnparsableModule(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bin/basic_one", imgtest.BasicELF(), 0o644))

	snapshot := process.NewSnapshot(process.SnapshotConfig{OptFS: fs})
	snapshot.MapOrExit("/bin/basic_one", basicBase)

	// Replace the file after mapping so that parsing fails later.
	require.NoError(t, afero.WriteFile(fs, "/bin/basic_one", []byte("garbage"), 0o644))

	index := modules.NewIndexOrExit(snapshot, modules.Config{})
	describer := describe.NewDescriberOrExit(index, describe.Config{})

	assert.Equal(t, "basic_one+0x64a", describer.String(basicBase+0x64a))
}
