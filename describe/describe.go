package describe

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
)

const (
	unknown = "unknown"
)

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}
)

// ModuleFinder is the subset of *modules.Index a Describer needs.
type ModuleFinder interface {
	ModuleAt(addr memory.Address) (*modules.Module, error)
}

// NewDescriberOrExit calls NewDescriber, invoking DefaultExitFn if an
// error occurs.
func NewDescriberOrExit(finder ModuleFinder, config Config) *Describer {
	d, err := NewDescriber(finder, config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create describer - %w", err))
	}
	return d
}

// NewDescriber creates a Describer.
func NewDescriber(finder ModuleFinder, config Config) (*Describer, error) {
	if finder == nil {
		return nil, errors.New("module finder cannot be nil")
	}

	opts, enabled, err := config.demangleOptions()
	if err != nil {
		return nil, err
	}

	return &Describer{
		finder:   finder,
		demangle: enabled,
		opts:     opts,
	}, nil
}

// Describer turns addresses into module and symbol names.
type Describer struct {
	finder   ModuleFinder
	demangle bool
	opts     []demangle.Option
}

// Description is what a Describer knows about an address.
type Description struct {
	Address memory.Address

	// Mapped is false if no module contains Address. No other
	// fields are set in that case.
	Mapped bool

	// Module is the name of the module containing Address.
	Module string

	// Symbol is the name of the symbol at or below Address. It is
	// empty if the module has no such symbol (or its symbols could
	// not be loaded), in which case Offset is relative to the
	// module's base.
	Symbol string

	// Demangled is the demangled form of Symbol, if demangling is
	// enabled and Symbol is a mangled name.
	Demangled string

	// Aliases are the other names for the symbol's address.
	Aliases []string

	Offset uint64
}

// String renders the description as "<module>:<symbol>+0x<offset>".
// The offset is omitted when it is zero. Unmapped addresses are
// rendered as "unknown".
func (o Description) String() string {
	if !o.Mapped {
		return unknown
	}

	var b strings.Builder
	b.WriteString(o.Module)

	switch {
	case o.Demangled != "":
		b.WriteByte(':')
		b.WriteString(o.Demangled)
	case o.Symbol != "":
		b.WriteByte(':')
		b.WriteString(o.Symbol)
	}

	if o.Offset != 0 {
		fmt.Fprintf(&b, "+0x%x", o.Offset)
	}

	return b.String()
}

// DescribeOrExit calls Describe, invoking DefaultExitFn if an error occurs.
func (o *Describer) DescribeOrExit(addr memory.Address) Description {
	desc, err := o.Describe(addr)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to describe %s - %w", addr, err))
	}
	return desc
}

// Describe finds the module containing addr and the symbol at the
// greatest address that is less than or equal to addr.
//
// When several symbols share that address, the PLT-qualified name is
// used if addr is exactly a PLT stub. Otherwise the shortest
// unqualified name is used.
//
// An unmapped address is not an error: the Description's Mapped
// field is false. Errors are only returned if the module list cannot
// be retrieved.
func (o *Describer) Describe(addr memory.Address) (Description, error) {
	desc := Description{
		Address: addr,
	}

	m, err := o.finder.ModuleAt(addr)
	if err != nil {
		return desc, err
	}

	if m == nil {
		return desc, nil
	}

	desc.Mapped = true
	desc.Module = m.Name()
	desc.Offset = uint64(addr.Sub(m.Base()))

	table, err := m.Symbols()
	if err != nil {
		return desc, nil
	}

	group := table.Nearest(addr)
	if len(group) == 0 {
		return desc, nil
	}

	chosen := pick(group, addr)

	desc.Symbol = group[chosen].Name
	desc.Offset = uint64(addr.Sub(group[chosen].Address))

	for i, sym := range group {
		if i != chosen {
			desc.Aliases = append(desc.Aliases, sym.Name)
		}
	}

	if o.demangle {
		desc.Demangled = o.demangleName(desc.Symbol)
	}

	return desc, nil
}

// pick returns the index of the preferred name in group. Every
// symbol in group has the same address.
func pick(group []modules.Symbol, addr memory.Address) int {
	if addr == group[0].Address {
		for i, sym := range group {
			if sym.Kind == modules.SymbolPLT && strings.HasPrefix(sym.Name, modules.PLTPrefix) {
				return i
			}
		}
	}

	best := -1
	for i, sym := range group {
		if best < 0 || better(sym, group[best]) {
			best = i
		}
	}

	return best
}

func better(a modules.Symbol, b modules.Symbol) bool {
	if a.IsQualified() != b.IsQualified() {
		return !a.IsQualified()
	}

	if len(a.Name) != len(b.Name) {
		return len(a.Name) < len(b.Name)
	}

	return a.Name < b.Name
}

func (o *Describer) demangleName(name string) string {
	bare := modules.TrimQualifier(name)
	prefix := name[:len(name)-len(bare)]

	demangled := demangle.Filter(bare, o.opts...)
	if demangled == bare {
		return ""
	}

	return prefix + demangled
}

// String describes addr, returning "unknown" if it cannot be
// described.
func (o *Describer) String(addr memory.Address) string {
	desc, err := o.Describe(addr)
	if err != nil {
		return unknown
	}

	return desc.String()
}
