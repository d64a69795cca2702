package imgtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Fixed module-relative layout of generated ELF images.
//
// The read-only segment maps file offsets [0, 0x1000) at delta zero.
// The writable segment maps file offsets [0x1000, 0x2000) at
// DataDelta and is followed by 0x1000 bytes of bss.
const (
	PLTDelta       = 0x510
	TextDelta      = 0x600
	TextEnd        = 0x1000
	DataDelta      = 0x201000
	DataFileOffset = 0x1000
	GOTPLTDelta    = 0x201400
	GOTDelta       = 0x201600
	BSSDelta       = 0x202000
	BSSSize        = 0x1000
	ELFImageSize   = 0x203000

	// GOTPLTReserved is the number of reserved .got.plt entries
	// that precede the first import's slot.
	GOTPLTReserved = 3

	dataSegmentDelta = DataDelta - DataFileOffset
	firstTableOffset = 0x100
	extraOffset      = 0x2000
)

// ELFConfig describes an ELF image for ELF to generate.
type ELFConfig struct {
	// Class defaults to ELFCLASS64.
	Class elf.Class

	// Machine defaults to EM_X86_64 for 64-bit images and EM_386
	// for 32-bit images.
	Machine elf.Machine

	// Executable produces an ET_EXEC image linked at LoadBias
	// instead of a position independent ET_DYN image.
	Executable bool

	// LoadBias defaults to 0x400000 (64-bit) or 0x8048000 (32-bit)
	// for executables. It is ignored otherwise.
	LoadBias uint64

	// Functions and Objects are exported through both .dynsym
	// and .symtab.
	Functions []Symbol
	Objects   []Symbol

	// LocalFunctions only appear in .symtab.
	LocalFunctions []Symbol

	// Imports are called through the PLT in the order given.
	Imports []string

	// DataImports are referenced through .got only.
	DataImports []string

	// IBT places the per-import stubs in .plt.sec.
	IBT bool

	// Stripped omits .symtab and .strtab.
	Stripped bool

	// Patches writes bytes at module-relative addresses. The
	// addresses must be file backed.
	Patches map[uint64][]byte
}

type elfSym struct {
	name  string
	value uint64
	size  uint64
	info  uint8
	shndx uint16
}

type elfSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	off     uint64
	size    uint64
	link    string
	info    uint32
	align   uint64
	entsize uint64
}

// PLTStubDelta returns the module-relative address of the i-th
// import's PLT stub in an image generated from cfg.
func (o ELFConfig) PLTStubDelta(i int) uint64 {
	header, stride := pltShape(o.machine())
	if o.IBT {
		return PLTDelta + header + uint64(len(o.Imports))*stride + uint64(i)*stride
	}
	return PLTDelta + header + uint64(i)*stride
}

// GOTSlotDelta returns the module-relative address of the i-th
// import's .got.plt slot.
func (o ELFConfig) GOTSlotDelta(i int) uint64 {
	return GOTPLTDelta + uint64(GOTPLTReserved+i)*o.ptrSize()
}

// DataGOTSlotDelta returns the module-relative address of the i-th
// data import's .got slot.
func (o ELFConfig) DataGOTSlotDelta(i int) uint64 {
	return GOTDelta + uint64(i)*o.ptrSize()
}

// Bias returns the link-time address of the image's first byte.
func (o ELFConfig) Bias() uint64 {
	if !o.Executable {
		return 0
	}

	if o.LoadBias != 0 {
		return o.LoadBias
	}

	if o.is64() {
		return 0x400000
	}

	return 0x8048000
}

func (o ELFConfig) is64() bool {
	return o.Class != elf.ELFCLASS32
}

func (o ELFConfig) ptrSize() uint64 {
	if o.is64() {
		return 8
	}
	return 4
}

func (o ELFConfig) machine() elf.Machine {
	if o.Machine != elf.EM_NONE {
		return o.Machine
	}

	if o.is64() {
		return elf.EM_X86_64
	}

	return elf.EM_386
}

// FileOffsetOf maps a module-relative address in a generated image
// to its file offset.
func FileOffsetOf(delta uint64) (uint64, bool) {
	switch {
	case delta < TextEnd:
		return delta, true
	case delta >= DataDelta && delta < BSSDelta:
		return delta - dataSegmentDelta, true
	default:
		return 0, false
	}
}

// ELF generates a little endian ELF image. It panics if cfg does
// not fit the fixed layout.
func ELF(cfg ELFConfig) []byte {
	is64 := cfg.is64()
	machine := cfg.machine()
	bias := cfg.Bias()
	ptrSize := cfg.ptrSize()
	withAddend := is64

	symSize, relSize, ehSize, phEntSize, shEntSize := uint64(16), uint64(8), uint64(52), uint64(32), uint64(40)
	if is64 {
		symSize, relSize, ehSize, phEntSize, shEntSize = 24, 24, 64, 56, 64
	}

	relPLTName, relDynName, relType := ".rel.plt", ".rel.dyn", elf.SHT_REL
	if withAddend {
		relPLTName, relDynName, relType = ".rela.plt", ".rela.dyn", elf.SHT_RELA
	}

	header, stride := pltShape(machine)
	pltSize := header + uint64(len(cfg.Imports))*stride
	if cfg.IBT {
		pltSize += uint64(len(cfg.Imports)) * stride
	}

	if PLTDelta+pltSize > TextDelta {
		panic(fmt.Sprintf("too many imports for plt: %d", len(cfg.Imports)))
	}

	if uint64(GOTPLTReserved+len(cfg.Imports))*ptrSize > GOTDelta-GOTPLTDelta {
		panic(fmt.Sprintf("too many imports for got.plt: %d", len(cfg.Imports)))
	}

	var sections []elfSection
	sections = append(sections,
		elfSection{},
		elfSection{name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, link: ".dynstr", info: 1, align: 8, entsize: symSize},
		elfSection{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC, align: 1},
		elfSection{name: relPLTName, typ: relType, flags: elf.SHF_ALLOC | elf.SHF_INFO_LINK, link: ".dynsym", align: 8, entsize: relSize},
		elfSection{name: relDynName, typ: relType, flags: elf.SHF_ALLOC, link: ".dynsym", align: 8, entsize: relSize},
		elfSection{name: ".plt", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: PLTDelta, off: PLTDelta,
			size: header + uint64(len(cfg.Imports))*stride, align: 16})

	if cfg.IBT {
		secDelta := PLTDelta + header + uint64(len(cfg.Imports))*stride
		sections = append(sections, elfSection{name: ".plt.sec", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			addr: secDelta, off: secDelta, size: uint64(len(cfg.Imports)) * stride, align: 16})
	}

	sections = append(sections,
		elfSection{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: TextDelta, off: TextDelta,
			size: TextEnd - TextDelta, align: 16},
		elfSection{name: ".data", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, addr: DataDelta, off: DataFileOffset,
			size: GOTPLTDelta - DataDelta, align: 16},
		elfSection{name: ".got.plt", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, addr: GOTPLTDelta,
			off: GOTPLTDelta - dataSegmentDelta, size: uint64(GOTPLTReserved+len(cfg.Imports)) * ptrSize, align: ptrSize, entsize: ptrSize},
		elfSection{name: ".got", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, addr: GOTDelta,
			off: GOTDelta - dataSegmentDelta, size: uint64(len(cfg.DataImports)) * ptrSize, align: ptrSize, entsize: ptrSize},
		elfSection{name: ".bss", typ: elf.SHT_NOBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, addr: BSSDelta, off: extraOffset,
			size: BSSSize, align: 16})

	if !cfg.Stripped {
		sections = append(sections,
			elfSection{name: ".symtab", typ: elf.SHT_SYMTAB, link: ".strtab", align: 8, entsize: symSize},
			elfSection{name: ".strtab", typ: elf.SHT_STRTAB, align: 1})
	}

	sections = append(sections, elfSection{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1})

	index := make(map[string]uint16)
	for i, sec := range sections {
		index[sec.name] = uint16(i)
	}

	sectionOf := func(delta uint64) uint16 {
		switch {
		case delta < TextEnd:
			return index[".text"]
		case delta >= BSSDelta:
			return index[".bss"]
		default:
			return index[".data"]
		}
	}

	global := func(typ elf.SymType) uint8 {
		return elf.ST_INFO(elf.STB_GLOBAL, typ)
	}

	dynSyms := []elfSym{{}}
	for _, name := range cfg.Imports {
		dynSyms = append(dynSyms, elfSym{name: name, info: global(elf.STT_FUNC)})
	}
	for _, name := range cfg.DataImports {
		dynSyms = append(dynSyms, elfSym{name: name, info: global(elf.STT_OBJECT)})
	}
	for _, sym := range cfg.Functions {
		dynSyms = append(dynSyms, elfSym{name: sym.Name, value: bias + sym.Delta, size: sym.Size,
			info: global(elf.STT_FUNC), shndx: index[".text"]})
	}
	for _, sym := range cfg.Objects {
		dynSyms = append(dynSyms, elfSym{name: sym.Name, value: bias + sym.Delta, size: sym.Size,
			info: global(elf.STT_OBJECT), shndx: sectionOf(sym.Delta)})
	}

	staticSyms := []elfSym{
		{},
		{name: "crtstuff.c", info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_FILE), shndx: uint16(elf.SHN_ABS)},
		{value: bias + TextDelta, info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION), shndx: index[".text"]},
		{name: "_abs_marker", value: 0x1337, info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_NOTYPE), shndx: uint16(elf.SHN_ABS)},
	}
	for _, sym := range cfg.LocalFunctions {
		staticSyms = append(staticSyms, elfSym{name: sym.Name, value: bias + sym.Delta, size: sym.Size,
			info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_FUNC), shndx: index[".text"]})
	}
	staticSyms = append(staticSyms, dynSyms[1:]...)

	dynstr := newStrtab()
	dynsymData := encodeSyms(is64, dynSyms, dynstr)

	var relPLT, relDyn []byte
	for i := range cfg.Imports {
		relPLT = append(relPLT, encodeRel(is64, withAddend, bias+cfg.GOTSlotDelta(i),
			uint32(1+i), jumpSlotType(machine))...)
	}
	for i := range cfg.DataImports {
		relDyn = append(relDyn, encodeRel(is64, withAddend, bias+cfg.DataGOTSlotDelta(i),
			uint32(1+len(cfg.Imports)+i), globDatType(machine))...)
	}

	out := &buffer{}
	contents := map[string][]byte{
		".dynsym":  dynsymData,
		".dynstr":  dynstr.b,
		relPLTName: relPLT,
		relDynName: relDyn,
	}

	off := uint64(firstTableOffset)
	for i := range sections {
		sec := &sections[i]
		data, ok := contents[sec.name]
		if !ok {
			continue
		}

		off = align(off, sec.align)
		sec.addr = off
		sec.off = off
		sec.size = uint64(len(data))
		out.write(off, data)
		off += sec.size
	}

	if off > PLTDelta {
		panic(fmt.Sprintf("dynamic tables overlap the plt: 0x%x", off))
	}

	out.fill(PLTDelta, TextEnd-PLTDelta, 0x90)
	out.fill(DataFileOffset, extraOffset-DataFileOffset, 0)

	for i := range cfg.Imports {
		ptr := bias + cfg.PLTStubDelta(i) + 6
		fo, _ := FileOffsetOf(cfg.GOTSlotDelta(i))
		out.write(fo, encodePtr(is64, ptr))
	}

	for delta, p := range cfg.Patches {
		fo, ok := FileOffsetOf(delta)
		if !ok {
			panic(fmt.Sprintf("patch at 0x%x is not file backed", delta))
		}
		out.write(fo, p)
	}

	off = extraOffset
	if !cfg.Stripped {
		strs := newStrtab()
		symtabData := encodeSyms(is64, staticSyms, strs)

		for i := range sections {
			sec := &sections[i]
			switch sec.name {
			case ".symtab":
				off = align(off, sec.align)
				sec.off, sec.size = off, uint64(len(symtabData))
				out.write(off, symtabData)
				off += sec.size
			case ".strtab":
				sec.off, sec.size = off, uint64(len(strs.b))
				out.write(off, strs.b)
				off += sec.size
			}
		}
	}

	shstrs := newStrtab()
	for _, sec := range sections {
		shstrs.add(sec.name)
	}

	shstrtab := &sections[len(sections)-1]
	shstrtab.off, shstrtab.size = off, uint64(len(shstrs.b))
	out.write(off, shstrs.b)
	off += shstrtab.size

	shoff := align(off, 8)
	entry := bias + TextDelta
	if len(cfg.Functions) > 0 {
		entry = bias + cfg.Functions[0].Delta
	}

	typ := elf.ET_DYN
	if cfg.Executable {
		typ = elf.ET_EXEC
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	type load struct {
		off, delta, filesz, memsz uint64
		flags                     elf.ProgFlag
	}
	loads := []load{
		{off: 0, delta: 0, filesz: TextEnd, memsz: TextEnd, flags: elf.PF_R | elf.PF_X},
		{off: DataFileOffset, delta: DataDelta, filesz: BSSDelta - DataDelta, memsz: ELFImageSize - DataDelta, flags: elf.PF_R | elf.PF_W},
	}

	for i, sec := range sections {
		var nameIdx, link uint32
		nameIdx = shstrs.add(sec.name)
		if sec.link != "" {
			link = uint32(index[sec.link])
		}

		info := sec.info
		if sec.name == relPLTName {
			info = uint32(index[".got.plt"])
		}

		var addr uint64
		if sec.flags&elf.SHF_ALLOC != 0 {
			addr = bias + sec.addr
		}

		shOff := shoff + uint64(i)*shEntSize
		if is64 {
			out.put(shOff, elf.Section64{
				Name: nameIdx, Type: uint32(sec.typ), Flags: uint64(sec.flags), Addr: addr, Off: sec.off,
				Size: sec.size, Link: link, Info: info, Addralign: sec.align, Entsize: sec.entsize,
			})
		} else {
			out.put(shOff, elf.Section32{
				Name: nameIdx, Type: uint32(sec.typ), Flags: uint32(sec.flags), Addr: uint32(addr), Off: uint32(sec.off),
				Size: uint32(sec.size), Link: link, Info: info, Addralign: uint32(sec.align), Entsize: uint32(sec.entsize),
			})
		}
	}

	if is64 {
		ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
		out.put(0, elf.Header64{
			Ident: ident, Type: uint16(typ), Machine: uint16(machine), Version: uint32(elf.EV_CURRENT),
			Entry: entry, Phoff: ehSize, Shoff: shoff, Ehsize: uint16(ehSize), Phentsize: uint16(phEntSize),
			Phnum: uint16(len(loads)), Shentsize: uint16(shEntSize), Shnum: uint16(len(sections)),
			Shstrndx: index[".shstrtab"],
		})

		for i, l := range loads {
			out.put(ehSize+uint64(i)*phEntSize, elf.Prog64{
				Type: uint32(elf.PT_LOAD), Flags: uint32(l.flags), Off: l.off, Vaddr: bias + l.delta,
				Paddr: bias + l.delta, Filesz: l.filesz, Memsz: l.memsz, Align: 0x1000,
			})
		}
	} else {
		ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
		out.put(0, elf.Header32{
			Ident: ident, Type: uint16(typ), Machine: uint16(machine), Version: uint32(elf.EV_CURRENT),
			Entry: uint32(entry), Phoff: uint32(ehSize), Shoff: uint32(shoff), Ehsize: uint16(ehSize),
			Phentsize: uint16(phEntSize), Phnum: uint16(len(loads)), Shentsize: uint16(shEntSize),
			Shnum: uint16(len(sections)), Shstrndx: index[".shstrtab"],
		})

		for i, l := range loads {
			out.put(ehSize+uint64(i)*phEntSize, elf.Prog32{
				Type: uint32(elf.PT_LOAD), Off: uint32(l.off), Vaddr: uint32(bias + l.delta),
				Paddr: uint32(bias + l.delta), Filesz: uint32(l.filesz), Memsz: uint32(l.memsz),
				Flags: uint32(l.flags), Align: 0x1000,
			})
		}
	}

	return out.b
}

func encodeSyms(is64 bool, syms []elfSym, strs *strtab) []byte {
	var buf bytes.Buffer

	for _, sym := range syms {
		name := strs.add(sym.name)

		var v interface{}
		if is64 {
			v = elf.Sym64{Name: name, Info: sym.info, Shndx: sym.shndx, Value: sym.value, Size: sym.size}
		} else {
			v = elf.Sym32{Name: name, Value: uint32(sym.value), Size: uint32(sym.size), Info: sym.info, Shndx: sym.shndx}
		}

		err := binary.Write(&buf, binary.LittleEndian, v)
		if err != nil {
			panic(err)
		}
	}

	return buf.Bytes()
}

func encodeRel(is64 bool, withAddend bool, off uint64, sym uint32, typ uint32) []byte {
	var v interface{}
	switch {
	case is64 && withAddend:
		v = elf.Rela64{Off: off, Info: elf.R_INFO(sym, typ)}
	case is64:
		v = elf.Rel64{Off: off, Info: elf.R_INFO(sym, typ)}
	case withAddend:
		v = elf.Rela32{Off: uint32(off), Info: elf.R_INFO32(sym, typ)}
	default:
		v = elf.Rel32{Off: uint32(off), Info: elf.R_INFO32(sym, typ)}
	}

	var buf bytes.Buffer
	err := binary.Write(&buf, binary.LittleEndian, v)
	if err != nil {
		panic(err)
	}

	return buf.Bytes()
}

func encodePtr(is64 bool, ptr uint64) []byte {
	if is64 {
		return binary.LittleEndian.AppendUint64(nil, ptr)
	}
	return binary.LittleEndian.AppendUint32(nil, uint32(ptr))
}

func pltShape(machine elf.Machine) (header uint64, stride uint64) {
	switch machine {
	case elf.EM_AARCH64:
		return 32, 16
	case elf.EM_ARM:
		return 20, 12
	default:
		return 16, 16
	}
}

func jumpSlotType(machine elf.Machine) uint32 {
	switch machine {
	case elf.EM_386:
		return uint32(elf.R_386_JMP_SLOT)
	case elf.EM_AARCH64:
		return uint32(elf.R_AARCH64_JUMP_SLOT)
	case elf.EM_ARM:
		return uint32(elf.R_ARM_JUMP_SLOT)
	default:
		return uint32(elf.R_X86_64_JMP_SLOT)
	}
}

func globDatType(machine elf.Machine) uint32 {
	switch machine {
	case elf.EM_386:
		return uint32(elf.R_386_GLOB_DAT)
	case elf.EM_AARCH64:
		return uint32(elf.R_AARCH64_GLOB_DAT)
	case elf.EM_ARM:
		return uint32(elf.R_ARM_GLOB_DAT)
	default:
		return uint32(elf.R_X86_64_GLOB_DAT)
	}
}
