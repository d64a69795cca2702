package binimg

func newSymbolSet() *symbolSet {
	return &symbolSet{
		byName: make(map[string]int),
	}
}

// symbolSet keeps one Symbol per name in insertion order.
type symbolSet struct {
	syms   []Symbol
	byName map[string]int
}

// add inserts sym, or replaces an existing symbol of the same name
// when sym is more specific. A defined symbol beats an import,
// a sized definition beats an unsized one, and a function beats
// a data symbol.
func (o *symbolSet) add(sym Symbol) {
	i, exists := o.byName[sym.Name]
	if !exists {
		o.byName[sym.Name] = len(o.syms)
		o.syms = append(o.syms, sym)
		return
	}

	if moreSpecific(sym, o.syms[i]) {
		o.syms[i] = sym
	}
}

func moreSpecific(candidate Symbol, current Symbol) bool {
	candidateDefined := candidate.Kind != KindImport
	currentDefined := current.Kind != KindImport

	switch {
	case candidateDefined != currentDefined:
		return candidateDefined
	case !candidateDefined:
		return false
	case candidate.Kind != current.Kind:
		return candidate.Kind == KindFunction
	default:
		return current.Size == 0 && candidate.Size > 0
	}
}
