package modules

import (
	"sort"
	"strings"

	"gitlab.com/stephen-fox/revkit/binimg"
	"gitlab.com/stephen-fox/revkit/memory"
)

const (
	// PLTPrefix qualifies a symbol name as the import's PLT stub.
	PLTPrefix = "plt."

	// GOTPrefix qualifies a symbol name as the import's GOT slot.
	GOTPrefix = "got."
)

// SymbolKind classifies a Symbol.
type SymbolKind int

const (
	SymbolData SymbolKind = iota
	SymbolFunction
	SymbolPLT
	SymbolGOT
)

func (o SymbolKind) String() string {
	switch o {
	case SymbolData:
		return "data"
	case SymbolFunction:
		return "function"
	case SymbolPLT:
		return "plt"
	case SymbolGOT:
		return "got"
	default:
		return "unknown"
	}
}

// Symbol is a resolvable name in a Module.
type Symbol struct {
	Name    string
	Address memory.Address
	Size    uint64
	Kind    SymbolKind
}

// IsQualified returns true if the Symbol's name carries a PLT
// or GOT qualifier.
func (o Symbol) IsQualified() bool {
	return IsQualified(o.Name)
}

// IsQualified returns true if name starts with a PLT or GOT qualifier.
func IsQualified(name string) bool {
	return strings.HasPrefix(name, PLTPrefix) || strings.HasPrefix(name, GOTPrefix)
}

// TrimQualifier removes a PLT or GOT qualifier from name.
func TrimQualifier(name string) string {
	if strings.HasPrefix(name, PLTPrefix) {
		return name[len(PLTPrefix):]
	}
	return strings.TrimPrefix(name, GOTPrefix)
}

// SymbolTable is a Module's merged view of its image's symbols and
// the synthesized "plt.<name>" and "got.<name>" pseudo-symbols, all
// at absolute addresses.
//
// A bare import name resolves to its PLT stub if there is one, else
// to a directly defined symbol of the same name, else to its GOT slot.
type SymbolTable struct {
	byName    map[string]Symbol
	byAddress []Symbol
}

func newSymbolTable(base memory.Address, info *binimg.Info) *SymbolTable {
	table := &SymbolTable{
		byName: make(map[string]Symbol),
	}

	for _, sym := range info.Symbols {
		if sym.Kind == binimg.KindImport {
			continue
		}

		kind := SymbolData
		if sym.Kind == binimg.KindFunction {
			kind = SymbolFunction
		}

		table.byName[sym.Name] = Symbol{
			Name:    sym.Name,
			Address: base + memory.Address(sym.Value),
			Size:    sym.Size,
			Kind:    kind,
		}
	}

	for _, rel := range info.Relocations {
		if rel.HasPLT {
			table.byName[PLTPrefix+rel.Name] = Symbol{
				Name:    PLTPrefix + rel.Name,
				Address: base + memory.Address(rel.PLTStub),
				Kind:    SymbolPLT,
			}
		}

		if rel.HasGOT {
			table.byName[GOTPrefix+rel.Name] = Symbol{
				Name:    GOTPrefix + rel.Name,
				Address: base + memory.Address(rel.GOTSlot),
				Size:    uint64(info.PointerSize),
				Kind:    SymbolGOT,
			}
		}
	}

	for _, rel := range info.Relocations {
		_, isDefined := table.byName[rel.Name]

		switch {
		case rel.HasPLT:
			stub := table.byName[PLTPrefix+rel.Name]
			stub.Name = rel.Name
			table.byName[rel.Name] = stub
		case rel.HasGOT && !isDefined:
			slot := table.byName[GOTPrefix+rel.Name]
			slot.Name = rel.Name
			table.byName[rel.Name] = slot
		}
	}

	table.byAddress = make([]Symbol, 0, len(table.byName))
	for _, sym := range table.byName {
		table.byAddress = append(table.byAddress, sym)
	}

	sort.Slice(table.byAddress, func(i, j int) bool {
		a, b := table.byAddress[i], table.byAddress[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		return a.Name < b.Name
	})

	return table
}

// Lookup returns the named symbol.
func (o *SymbolTable) Lookup(name string) (Symbol, bool) {
	sym, ok := o.byName[name]
	return sym, ok
}

// Len returns the number of names in the table.
func (o *SymbolTable) Len() int {
	return len(o.byAddress)
}

// All returns every symbol ordered by address, then by name.
func (o *SymbolTable) All() []Symbol {
	out := make([]Symbol, len(o.byAddress))
	copy(out, o.byAddress)
	return out
}

// Nearest returns every symbol at the greatest address that is less
// than or equal to addr, ordered by name. It returns nil if no symbol
// precedes addr.
func (o *SymbolTable) Nearest(addr memory.Address) []Symbol {
	i := sort.Search(len(o.byAddress), func(i int) bool {
		return addr < o.byAddress[i].Address
	})

	if i == 0 {
		return nil
	}

	at := o.byAddress[i-1].Address

	start := i - 1
	for start > 0 && o.byAddress[start-1].Address == at {
		start--
	}

	out := make([]Symbol, i-start)
	copy(out, o.byAddress[start:i])

	return out
}
