package binimg

import (
	"debug/elf"
	"errors"
	"fmt"
)

const (
	pageSize = 0x1000

	// sttGNUIFunc is STT_GNU_IFUNC, which debug/elf does not name.
	sttGNUIFunc = elf.STT_LOOS
)

// pltShape is the layout of a lazy-binding procedure linkage table.
// header is the size of the resolver stub that precedes the first
// per-import stub.
type pltShape struct {
	header uint64
	stride uint64
}

var pltShapes = map[elf.Machine]pltShape{
	elf.EM_386:     {header: 16, stride: 16},
	elf.EM_X86_64:  {header: 16, stride: 16},
	elf.EM_AARCH64: {header: 32, stride: 16},
	elf.EM_ARM:     {header: 20, stride: 12},
}

// ELF is a parsed Executable and Linkable Format image.
type ELF struct {
	Info

	Type    elf.Type
	Class   elf.Class
	Machine elf.Machine

	// SOName is the DT_SONAME of a shared object, if present.
	SOName string

	// Needed lists the DT_NEEDED libraries.
	Needed []string
}

func (o *ELF) Format() Format {
	return FormatELF
}

func (o *ELF) ImageInfo() *Info {
	return &o.Info
}

func (o *ELF) String() string {
	return machineString(FormatELF, o.Arch, o.Bits)
}

func (o *ELF) sealed() {}

func parseELF(raw []byte) (*ELF, error) {
	rec := &recorder{b: raw}

	f, err := elf.NewFile(rec)
	if err != nil {
		return nil, rec.check(fmt.Errorf("failed to parse elf headers - %w", err))
	}

	img := &ELF{
		Type:    f.Type,
		Class:   f.Class,
		Machine: f.Machine,
	}

	err = img.load(f)
	if err != nil {
		return nil, rec.check(err)
	}

	err = rec.check(nil)
	if err != nil {
		return nil, err
	}

	return img, nil
}

func (o *ELF) load(f *elf.File) error {
	switch f.Class {
	case elf.ELFCLASS32:
		o.Bits = 32
		o.PointerSize = 4
	case elf.ELFCLASS64:
		o.Bits = 64
		o.PointerSize = 8
	default:
		return fmt.Errorf("unknown elf class: %s - %w", f.Class, ErrMalformed)
	}

	o.ByteOrder = f.ByteOrder
	o.Arch = elfArch(f.Machine)

	err := o.loadSegments(f)
	if err != nil {
		return err
	}

	if f.Entry >= o.LoadBias {
		o.Entry = f.Entry - o.LoadBias
	}

	dynamic, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return fmt.Errorf("failed to read dynamic symbols - %w", err)
	}

	err = o.loadSymbols(f, dynamic)
	if err != nil {
		return err
	}

	err = o.loadRelocations(f, dynamic)
	if err != nil {
		return err
	}

	if libs, err := f.ImportedLibraries(); err == nil {
		o.Needed = libs
	}

	if names, err := f.DynString(elf.DT_SONAME); err == nil && len(names) > 0 {
		o.SOName = names[0]
	}

	return nil
}

func (o *ELF) loadSegments(f *elf.File) error {
	var lowest, highest uint64
	found := false

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if prog.Memsz < prog.Filesz {
			return fmt.Errorf("segment at 0x%x has memory size 0x%x smaller than file size 0x%x - %w",
				prog.Vaddr, prog.Memsz, prog.Filesz, ErrMalformed)
		}

		if !found || prog.Vaddr < lowest {
			lowest = prog.Vaddr
		}

		if end := prog.Vaddr + prog.Memsz; end > highest {
			highest = end
		}

		found = true
	}

	o.LoadBias = lowest &^ (pageSize - 1)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		o.Segments = append(o.Segments, Segment{
			FileOffset:   prog.Off,
			VirtualDelta: prog.Vaddr - o.LoadBias,
			FileSize:     prog.Filesz,
			MemorySize:   prog.Memsz,
			Perm:         elfPerm(prog.Flags),
		})
	}

	if found {
		o.ImageSize = pageAlign(highest - o.LoadBias)
	}

	return nil
}

func (o *ELF) loadSymbols(f *elf.File, dynamic []elf.Symbol) error {
	static, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return fmt.Errorf("failed to read static symbols - %w", err)
	}

	set := newSymbolSet()

	for _, sym := range static {
		o.addSymbol(set, sym, false)
	}

	for _, sym := range dynamic {
		o.addSymbol(set, sym, true)
	}

	o.Symbols = set.syms

	return nil
}

func (o *ELF) addSymbol(set *symbolSet, sym elf.Symbol, isDynamic bool) {
	typ := elf.ST_TYPE(sym.Info)

	switch typ {
	case elf.STT_SECTION, elf.STT_FILE, elf.STT_TLS:
		return
	}

	if sym.Name == "" {
		return
	}

	switch sym.Section {
	case elf.SHN_ABS, elf.SHN_COMMON:
		return
	case elf.SHN_UNDEF:
		if isDynamic {
			set.add(Symbol{
				Name: sym.Name,
				Kind: KindImport,
			})
		}
		return
	}

	if sym.Value < o.LoadBias {
		return
	}

	kind := KindData
	if typ == elf.STT_FUNC || typ == sttGNUIFunc {
		kind = KindFunction
	}

	set.add(Symbol{
		Name:  sym.Name,
		Value: sym.Value - o.LoadBias,
		Size:  sym.Size,
		Kind:  kind,
	})
}

func (o *ELF) loadRelocations(f *elf.File, dynamic []elf.Symbol) error {
	if plt := f.Section(".plt"); plt != nil && plt.Addr >= o.LoadBias {
		o.PLTDelta = plt.Addr - o.LoadBias
		o.HasPLT = true
	}

	shape, knownShape := pltShapes[f.Machine]

	var firstStub uint64
	hasStubs := false
	if sec := f.Section(".plt.sec"); sec != nil && knownShape {
		firstStub = sec.Addr - o.LoadBias
		hasStubs = true
	} else if o.HasPLT && knownShape {
		firstStub = o.PLTDelta + shape.header
		hasStubs = true
	}

	seen := make(map[string]struct{})

	for _, name := range []string{".rela.plt", ".rel.plt"} {
		sec := f.Section(name)
		if sec == nil {
			continue
		}

		relocs, err := o.readRelocs(f, sec)
		if err != nil {
			return err
		}

		for i, rel := range relocs {
			symName, ok := relocSymbol(dynamic, rel.sym)
			if !ok || rel.off < o.LoadBias {
				continue
			}

			if _, dup := seen[symName]; dup {
				continue
			}
			seen[symName] = struct{}{}

			entry := Relocation{
				Name:    symName,
				GOTSlot: rel.off - o.LoadBias,
				HasGOT:  true,
			}

			if hasStubs {
				entry.PLTStub = firstStub + uint64(i)*shape.stride
				entry.HasPLT = true
			}

			o.Relocations = append(o.Relocations, entry)
		}
	}

	for _, name := range []string{".rela.dyn", ".rel.dyn"} {
		sec := f.Section(name)
		if sec == nil {
			continue
		}

		relocs, err := o.readRelocs(f, sec)
		if err != nil {
			return err
		}

		for _, rel := range relocs {
			if !isGlobDat(f.Machine, rel.typ) {
				continue
			}

			symName, ok := relocSymbol(dynamic, rel.sym)
			if !ok || rel.off < o.LoadBias {
				continue
			}

			if _, dup := seen[symName]; dup {
				continue
			}
			seen[symName] = struct{}{}

			o.Relocations = append(o.Relocations, Relocation{
				Name:    symName,
				GOTSlot: rel.off - o.LoadBias,
				HasGOT:  true,
			})
		}
	}

	return nil
}

type elfReloc struct {
	off uint64
	sym uint32
	typ uint32
}

func (o *ELF) readRelocs(f *elf.File, sec *elf.Section) ([]elfReloc, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s - %w", sec.Name, err)
	}

	withAddend := sec.Type == elf.SHT_RELA

	var entSize int
	switch {
	case o.Bits == 64 && withAddend:
		entSize = 24
	case o.Bits == 64:
		entSize = 16
	case withAddend:
		entSize = 12
	default:
		entSize = 8
	}

	if len(data)%entSize != 0 {
		return nil, fmt.Errorf("%s size %d is not a multiple of %d - %w",
			sec.Name, len(data), entSize, ErrMalformed)
	}

	bo := f.ByteOrder
	relocs := make([]elfReloc, 0, len(data)/entSize)

	for off := 0; off < len(data); off += entSize {
		b := data[off : off+entSize]

		if o.Bits == 64 {
			info := bo.Uint64(b[8:])
			relocs = append(relocs, elfReloc{
				off: bo.Uint64(b),
				sym: elf.R_SYM64(info),
				typ: elf.R_TYPE64(info),
			})
		} else {
			info := bo.Uint32(b[4:])
			relocs = append(relocs, elfReloc{
				off: uint64(bo.Uint32(b)),
				sym: elf.R_SYM32(info),
				typ: elf.R_TYPE32(info),
			})
		}
	}

	return relocs, nil
}

// relocSymbol maps a relocation's symbol table index to a name.
// debug/elf drops the null symbol at index zero.
func relocSymbol(dynamic []elf.Symbol, index uint32) (string, bool) {
	if index == 0 || int(index) > len(dynamic) {
		return "", false
	}

	name := dynamic[index-1].Name

	return name, name != ""
}

func isGlobDat(machine elf.Machine, typ uint32) bool {
	switch machine {
	case elf.EM_X86_64:
		return elf.R_X86_64(typ) == elf.R_X86_64_GLOB_DAT
	case elf.EM_386:
		return elf.R_386(typ) == elf.R_386_GLOB_DAT
	case elf.EM_AARCH64:
		return elf.R_AARCH64(typ) == elf.R_AARCH64_GLOB_DAT
	case elf.EM_ARM:
		return elf.R_ARM(typ) == elf.R_ARM_GLOB_DAT
	default:
		return false
	}
}

func elfArch(machine elf.Machine) Arch {
	switch machine {
	case elf.EM_386:
		return ArchX86
	case elf.EM_X86_64:
		return ArchAMD64
	case elf.EM_ARM:
		return ArchARM
	case elf.EM_AARCH64:
		return ArchARM64
	default:
		return ArchUnknown
	}
}

func elfPerm(flags elf.ProgFlag) Perm {
	var perm Perm
	if flags&elf.PF_R != 0 {
		perm |= PermRead
	}
	if flags&elf.PF_W != 0 {
		perm |= PermWrite
	}
	if flags&elf.PF_X != 0 {
		perm |= PermExec
	}
	return perm
}

func pageAlign(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}
