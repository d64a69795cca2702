package asmkit_test

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/revkit/asmkit"
	"gitlab.com/stephen-fox/revkit/binimg"
	"gitlab.com/stephen-fox/revkit/binimg/imgtest"
	"gitlab.com/stephen-fox/revkit/describe"
	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
	"gitlab.com/stephen-fox/revkit/process"
)

const (
	basicBase = memory.Address(0x555500000000)
)

// func: call plt.printf; ret
var funcCode = []byte{0xe8, 0xd1, 0xfe, 0xff, 0xff, 0xc3}

func newTestModule(t *testing.T) (*modules.Index, *modules.Module) {
	t.Helper()

	cfg := imgtest.BasicELFConfig()
	cfg.Patches = map[uint64][]byte{0x64a: funcCode}

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bin/basic_one", imgtest.ELF(cfg), 0o644))

	snapshot := process.NewSnapshot(process.SnapshotConfig{OptFS: fs})
	snapshot.MapOrExit("/bin/basic_one", basicBase)

	index, err := modules.NewIndex(snapshot, modules.Config{})
	require.NoError(t, err)

	m, err := index.Lookup("basic_one")
	require.NoError(t, err)

	return index, m
}

func TestReadCode(t *testing.T) {
	_, m := newTestModule(t)

	code, err := asmkit.ReadCode(m, basicBase+0x64a, len(funcCode))
	require.NoError(t, err)
	assert.Equal(t, funcCode, code)

	_, err = asmkit.ReadCode(m, basicBase+0x202010, 4)
	assert.ErrorIs(t, err, modules.ErrNotFileBacked)
}

func TestDisassembler_Symbolized(t *testing.T) {
	index, m := newTestModule(t)

	describer, err := describe.NewDescriber(index, describe.Config{})
	require.NoError(t, err)

	code, err := asmkit.ReadCode(m, basicBase+0x64a, len(funcCode))
	require.NoError(t, err)

	for _, syntax := range []asmkit.DisassemblySyntax{asmkit.IntelSyntax, asmkit.ATTSyntax, asmkit.GoSyntax} {
		disass, err := asmkit.NewDisassembler(asmkit.ModuleConfig(m, syntax, asmkit.DescriberSymbolizer(describer)))
		require.NoError(t, err)

		var insts []asmkit.Inst
		err = disass.All(code, basicBase+0x64a, func(inst asmkit.Inst) error {
			insts = append(insts, inst)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, insts, 2, syntax)

		assert.Equal(t, basicBase+0x64a, insts[0].Address)
		assert.Equal(t, 5, insts[0].Len)
		assert.Contains(t, insts[0].Dis, "basic_one:plt.printf", syntax)
		assert.Equal(t, basicBase+0x64f, insts[1].Address)
		assert.Equal(t, 5, insts[1].Index)
	}
}

func TestDisassembler_Unsymbolized(t *testing.T) {
	disass, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Arch:   binimg.ArchAMD64,
		Syntax: asmkit.IntelSyntax,
	})
	require.NoError(t, err)

	inst, err := disass.Next(funcCode, basicBase+0x64a)
	require.NoError(t, err)
	assert.Contains(t, inst.Dis, "0x555500000520")
}

func TestDisassembler_Stop(t *testing.T) {
	disass, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{Arch: binimg.ArchAMD64})
	require.NoError(t, err)

	count := 0
	err = disass.All(funcCode, 0, func(asmkit.Inst) error {
		count++
		return asmkit.ErrStop
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	fail := errors.New("boom")
	err = disass.All(funcCode, 0, func(asmkit.Inst) error {
		return fail
	})
	assert.ErrorIs(t, err, fail)
}

func TestNewDisassembler_Errors(t *testing.T) {
	_, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{Arch: binimg.ArchUnknown})
	assert.Error(t, err)

	_, err = asmkit.NewDisassembler(asmkit.DisassemblerConfig{Arch: binimg.ArchARM, Syntax: asmkit.IntelSyntax})
	assert.Error(t, err)

	_, err = asmkit.NewDisassembler(asmkit.DisassemblerConfig{Arch: binimg.ArchAMD64, Syntax: "bogus"})
	assert.Error(t, err)
}

func TestDisassembler_ARM64(t *testing.T) {
	disass, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Arch:   binimg.ArchARM64,
		Syntax: asmkit.ATTSyntax,
	})
	require.NoError(t, err)

	// ret
	inst, err := disass.Next([]byte{0xc0, 0x03, 0x5f, 0xd6}, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, inst.Len)
	assert.Equal(t, "ret", inst.Dis)
}
