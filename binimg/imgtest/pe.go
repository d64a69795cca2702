package imgtest

import (
	"debug/pe"
	"fmt"
)

// Fixed layout of generated PE images. Section file offsets differ
// from their RVAs so that RVA translation is exercised.
const (
	PEHeadersSize = 0x400

	PETextRVA        = 0x1000
	PETextFileOffset = 0x400
	PETextRawSize    = 0x200
	PETextVirtSize   = 0x800

	PERDataRVA        = 0x2000
	PERDataFileOffset = 0x600
	PERDataRawSize    = 0x600

	PEDataRVA        = 0x3000
	PEDataFileOffset = 0xc00
	PEDataRawSize    = 0x200
	PEDataVirtSize   = 0x1000

	PEImageSize = 0x4000

	PEExportDirRVA = PERDataRVA
	PEImportDirRVA = PERDataRVA + 0x300

	peSignatureOffset = 0x80
	peExportDirSize   = 40
	peImportDescSize  = 20
)

// PEImport lists what a generated image imports from one library.
type PEImport struct {
	Library  string
	Names    []string
	Ordinals []uint16
}

// PEForwarder is an export that forwards to another library.
type PEForwarder struct {
	Name   string
	Target string
}

// PEConfig describes a PE image for PE to generate.
type PEConfig struct {
	// PE32 generates a 32-bit I386 image instead of PE32+ AMD64.
	PE32 bool

	// ImageBase defaults to 0x180000000 (PE32+) or 0x10000000 (PE32).
	ImageBase uint64

	// Name is the export directory's DLL name.
	Name string

	// Functions must be in .text and Objects in .data.
	Functions  []Symbol
	Objects    []Symbol
	Forwarders []PEForwarder

	Imports []PEImport
}

type peImportPlan struct {
	ilt       uint64
	iat       uint64
	hintNames []uint64
	dllName   uint64
}

func (o PEConfig) ptrSize() uint64 {
	if o.PE32 {
		return 4
	}
	return 8
}

func (o PEConfig) importPlan() []peImportPlan {
	ptrSize := o.ptrSize()
	cursor := uint64(PEImportDirRVA) + uint64(len(o.Imports)+1)*peImportDescSize

	plans := make([]peImportPlan, len(o.Imports))
	for i, lib := range o.Imports {
		n := uint64(len(lib.Names) + len(lib.Ordinals))
		plans[i].ilt = cursor
		cursor += (n + 1) * ptrSize
		plans[i].iat = cursor
		cursor += (n + 1) * ptrSize
	}

	for i, lib := range o.Imports {
		for _, name := range lib.Names {
			plans[i].hintNames = append(plans[i].hintNames, cursor)
			cursor += align(2+uint64(len(name))+1, 2)
		}
	}

	for i, lib := range o.Imports {
		plans[i].dllName = cursor
		cursor += uint64(len(lib.Library)) + 1
	}

	if cursor > PERDataRVA+PERDataRawSize {
		panic(fmt.Sprintf("imports do not fit in .rdata: 0x%x", cursor))
	}

	return plans
}

// IATSlot returns the RVA of the import address table slot for the
// named import. Ordinal imports are named "<library>#<ordinal>".
func (o PEConfig) IATSlot(name string) (uint64, bool) {
	plans := o.importPlan()

	for i, lib := range o.Imports {
		j := 0
		for _, n := range lib.Names {
			if n == name {
				return plans[i].iat + uint64(j)*o.ptrSize(), true
			}
			j++
		}

		for _, ord := range lib.Ordinals {
			if fmt.Sprintf("%s#%d", lib.Library, ord) == name {
				return plans[i].iat + uint64(j)*o.ptrSize(), true
			}
			j++
		}
	}

	return 0, false
}

// PE generates a PE32+ (or PE32) DLL image laid out as on disk.
func PE(cfg PEConfig) []byte {
	out := &buffer{}
	ptrSize := cfg.ptrSize()

	rdata := func(rva uint64) uint64 {
		if rva < PERDataRVA || rva >= PERDataRVA+PERDataRawSize {
			panic(fmt.Sprintf("rva 0x%x is outside .rdata", rva))
		}
		return PERDataFileOffset + rva - PERDataRVA
	}

	out.fill(0, PEDataFileOffset+PEDataRawSize, 0)
	out.fill(PETextFileOffset, PETextRawSize, 0xcc)

	out.write(0, []byte("MZ"))
	out.put(0x3c, uint32(peSignatureOffset))
	out.write(peSignatureOffset, []byte("PE\x00\x00"))

	// Exports.
	type export struct {
		name string
		rva  uint64
	}

	var exports []export
	for _, sym := range cfg.Functions {
		exports = append(exports, export{name: sym.Name, rva: sym.Delta})
	}
	for _, sym := range cfg.Objects {
		exports = append(exports, export{name: sym.Name, rva: sym.Delta})
	}

	n := uint64(len(exports) + len(cfg.Forwarders))
	funcs := uint64(PEExportDirRVA + peExportDirSize)
	names := funcs + n*4
	ordinals := names + n*4
	cursor := ordinals + n*2

	writeString := func(rva uint64, str string) uint64 {
		out.cstring(rdata(rva), str)
		return rva + uint64(len(str)) + 1
	}

	nameRVA := cursor
	cursor = writeString(cursor, cfg.Name)

	writeExport := func(i uint64, name string, rva uint64) {
		out.put(rdata(funcs+i*4), uint32(rva))
		out.put(rdata(names+i*4), uint32(cursor))
		out.put(rdata(ordinals+i*2), uint16(i))
		cursor = writeString(cursor, name)
	}

	for i, exp := range exports {
		writeExport(uint64(i), exp.name, exp.rva)
	}

	for i, fwd := range cfg.Forwarders {
		target := cursor
		cursor = writeString(cursor, fwd.Target)
		writeExport(uint64(len(exports)+i), fwd.Name, target)
	}

	exportSize := cursor - PEExportDirRVA
	if cursor > PEImportDirRVA {
		panic(fmt.Sprintf("exports overlap imports: 0x%x", cursor))
	}

	out.put(rdata(PEExportDirRVA), struct {
		Characteristics       uint32
		TimeDateStamp         uint32
		MajorVersion          uint16
		MinorVersion          uint16
		Name                  uint32
		Base                  uint32
		NumberOfFunctions     uint32
		NumberOfNames         uint32
		AddressOfFunctions    uint32
		AddressOfNames        uint32
		AddressOfNameOrdinals uint32
	}{
		Name:                  uint32(nameRVA),
		Base:                  1,
		NumberOfFunctions:     uint32(n),
		NumberOfNames:         uint32(n),
		AddressOfFunctions:    uint32(funcs),
		AddressOfNames:        uint32(names),
		AddressOfNameOrdinals: uint32(ordinals),
	})

	// Imports.
	ordinalFlag := uint64(1) << 63
	if cfg.PE32 {
		ordinalFlag = uint64(1) << 31
	}

	putPtr := func(rva uint64, v uint64) {
		if cfg.PE32 {
			out.put(rdata(rva), uint32(v))
		} else {
			out.put(rdata(rva), v)
		}
	}

	plans := cfg.importPlan()
	for i, lib := range cfg.Imports {
		plan := plans[i]

		out.put(rdata(PEImportDirRVA+uint64(i)*peImportDescSize), struct {
			OriginalFirstThunk uint32
			TimeDateStamp      uint32
			ForwarderChain     uint32
			Name               uint32
			FirstThunk         uint32
		}{
			OriginalFirstThunk: uint32(plan.ilt),
			Name:               uint32(plan.dllName),
			FirstThunk:         uint32(plan.iat),
		})

		writeString(plan.dllName, lib.Library)

		j := uint64(0)
		for k, name := range lib.Names {
			hintName := plan.hintNames[k]
			out.put(rdata(hintName), uint16(k))
			writeString(hintName+2, name)
			putPtr(plan.ilt+j*ptrSize, hintName)
			putPtr(plan.iat+j*ptrSize, hintName)
			j++
		}

		for _, ord := range lib.Ordinals {
			putPtr(plan.ilt+j*ptrSize, ordinalFlag|uint64(ord))
			putPtr(plan.iat+j*ptrSize, ordinalFlag|uint64(ord))
			j++
		}
	}

	importSize := uint64(len(cfg.Imports)+1) * peImportDescSize

	// Headers.
	machine := uint16(pe.IMAGE_FILE_MACHINE_AMD64)
	optSize := uint16(240)
	if cfg.PE32 {
		machine = pe.IMAGE_FILE_MACHINE_I386
		optSize = 224
	}

	out.put(peSignatureOffset+4, pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     3,
		SizeOfOptionalHeader: optSize,
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_DLL,
	})

	var dirs [16]pe.DataDirectory
	if len(exports)+len(cfg.Forwarders) > 0 {
		dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = pe.DataDirectory{
			VirtualAddress: PEExportDirRVA,
			Size:           uint32(exportSize),
		}
	}
	if len(cfg.Imports) > 0 {
		dirs[pe.IMAGE_DIRECTORY_ENTRY_IMPORT] = pe.DataDirectory{
			VirtualAddress: PEImportDirRVA,
			Size:           uint32(importSize),
		}
	}

	entry := uint32(PETextRVA)
	if len(cfg.Functions) > 0 {
		entry = uint32(cfg.Functions[0].Delta)
	}

	optOffset := uint64(peSignatureOffset + 4 + 20)
	if cfg.PE32 {
		imageBase := cfg.ImageBase
		if imageBase == 0 {
			imageBase = 0x10000000
		}

		out.put(optOffset, pe.OptionalHeader32{
			Magic:               0x10b,
			SizeOfCode:          PETextRawSize,
			AddressOfEntryPoint: entry,
			BaseOfCode:          PETextRVA,
			BaseOfData:          PEDataRVA,
			ImageBase:           uint32(imageBase),
			SectionAlignment:    0x1000,
			FileAlignment:       0x200,
			SizeOfImage:         PEImageSize,
			SizeOfHeaders:       PEHeadersSize,
			Subsystem:           pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dirs,
		})
	} else {
		imageBase := cfg.ImageBase
		if imageBase == 0 {
			imageBase = 0x180000000
		}

		out.put(optOffset, pe.OptionalHeader64{
			Magic:               0x20b,
			SizeOfCode:          PETextRawSize,
			AddressOfEntryPoint: entry,
			BaseOfCode:          PETextRVA,
			ImageBase:           imageBase,
			SectionAlignment:    0x1000,
			FileAlignment:       0x200,
			SizeOfImage:         PEImageSize,
			SizeOfHeaders:       PEHeadersSize,
			Subsystem:           pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dirs,
		})
	}

	sections := []pe.SectionHeader32{
		{
			Name:             sectionName(".text"),
			VirtualSize:      PETextVirtSize,
			VirtualAddress:   PETextRVA,
			SizeOfRawData:    PETextRawSize,
			PointerToRawData: PETextFileOffset,
			Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
		},
		{
			Name:             sectionName(".rdata"),
			VirtualSize:      PERDataRawSize,
			VirtualAddress:   PERDataRVA,
			SizeOfRawData:    PERDataRawSize,
			PointerToRawData: PERDataFileOffset,
			Characteristics:  pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ,
		},
		{
			Name:             sectionName(".data"),
			VirtualSize:      PEDataVirtSize,
			VirtualAddress:   PEDataRVA,
			SizeOfRawData:    PEDataRawSize,
			PointerToRawData: PEDataFileOffset,
			Characteristics:  pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE,
		},
	}

	for i, sec := range sections {
		out.put(optOffset+uint64(optSize)+uint64(i)*40, sec)
	}

	return out.b
}

func sectionName(s string) [8]uint8 {
	var name [8]uint8
	copy(name[:], s)
	return name
}
