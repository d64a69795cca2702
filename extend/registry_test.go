package extend_test

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/revkit/binimg"
	"gitlab.com/stephen-fox/revkit/binimg/imgtest"
	"gitlab.com/stephen-fox/revkit/extend"
	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
	"gitlab.com/stephen-fox/revkit/process"
)

type counter struct {
	module string
}

func newModule(t *testing.T, name string, base memory.Address) *modules.Module {
	t.Helper()

	img, err := binimg.Parse(imgtest.BasicELF())
	require.NoError(t, err)

	return modules.NewModule(modules.ImageInfo{
		Name: name,
		Base: base,
		Size: imgtest.ELFImageSize,
	}, img)
}

func TestRegistry_Get(t *testing.T) {
	registry := extend.NewRegistry()

	created := 0
	require.NoError(t, registry.Register("counter", func(m *modules.Module) (interface{}, error) {
		created++
		return &counter{module: m.Name()}, nil
	}))

	one := newModule(t, "one", 0x10000000)
	two := newModule(t, "two", 0x20000000)

	a, err := registry.Get(one, "counter")
	require.NoError(t, err)

	b, err := registry.Get(one, "counter")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := registry.Get(two, "counter")
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	assert.Equal(t, "one", a.(*counter).module)
	assert.Equal(t, "two", c.(*counter).module)
	assert.Equal(t, 2, created)

	registry.Forget(one)

	d, err := registry.Get(one, "counter")
	require.NoError(t, err)
	assert.NotSame(t, a, d)
	assert.Equal(t, 3, created)
}

func TestRegistry_Get_AcrossRefreshes(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bin/basic_one", imgtest.BasicELF(), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/lib/libc.so.6", imgtest.LibELF(), 0o644))

	snapshot := process.NewSnapshot(process.SnapshotConfig{OptFS: fs})
	snapshot.MapOrExit("/bin/basic_one", 0x555500000000)
	snapshot.MapOrExit("/lib/libc.so.6", 0x7f0000000000)

	index, err := modules.NewIndex(snapshot, modules.Config{OptFS: fs})
	require.NoError(t, err)

	registry := extend.NewRegistry()
	require.NoError(t, registry.Register("counter", func(m *modules.Module) (interface{}, error) {
		return &counter{module: m.Name()}, nil
	}))

	first, err := index.Lookup("basic_one")
	require.NoError(t, err)

	second, err := index.Lookup("basic_one")
	require.NoError(t, err)
	require.NotSame(t, first, second)

	a, err := registry.Get(first, "counter")
	require.NoError(t, err)

	b, err := registry.Get(second, "counter")
	require.NoError(t, err)
	assert.Same(t, a, b)

	libc, err := index.Lookup("libc.so.6")
	require.NoError(t, err)

	_, err = registry.Get(libc, "counter")
	require.NoError(t, err)

	require.True(t, snapshot.Unmap("basic_one"))

	loaded, err := index.All()
	require.NoError(t, err)
	assert.Equal(t, 1, registry.Prune(loaded))
	assert.Equal(t, 0, registry.Prune(loaded))

	c, err := registry.Get(first, "counter")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestRegistry_Register_Errors(t *testing.T) {
	registry := extend.NewRegistry()
	factory := func(m *modules.Module) (interface{}, error) { return m.Name(), nil }

	require.NoError(t, registry.Register("name", factory))
	assert.ErrorIs(t, registry.Register("name", factory), extend.ErrAlreadyRegistered)
	assert.ErrorIs(t, registry.Register("nil", nil), extend.ErrInvalidFactory)
	assert.ErrorIs(t, registry.Register("", factory), extend.ErrInvalidFactory)

	assert.Equal(t, []string{"name"}, registry.Names())
}

func TestRegistry_Get_Errors(t *testing.T) {
	registry := extend.NewRegistry()
	m := newModule(t, "one", 0x10000000)

	_, err := registry.Get(m, "missing")
	assert.ErrorIs(t, err, extend.ErrNotRegistered)

	_, err = registry.Get(nil, "missing")
	assert.Error(t, err)

	fail := errors.New("boom")
	attempts := 0
	require.NoError(t, registry.Register("flaky", func(*modules.Module) (interface{}, error) {
		attempts++
		if attempts == 1 {
			return nil, fail
		}
		return attempts, nil
	}))

	_, err = registry.Get(m, "flaky")
	assert.ErrorIs(t, err, fail)

	v, err := registry.Get(m, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestGetAs(t *testing.T) {
	registry := extend.NewRegistry()
	m := newModule(t, "one", 0x10000000)

	require.NoError(t, registry.Register("entry", func(m *modules.Module) (interface{}, error) {
		addr, err := m.Resolve("func")
		return addr, err
	}))

	addr, err := extend.GetAs[memory.Address](registry, m, "entry")
	require.NoError(t, err)
	assert.Equal(t, memory.Address(0x1000064a), addr)

	_, err = extend.GetAs[string](registry, m, "entry")
	assert.Error(t, err)
}
