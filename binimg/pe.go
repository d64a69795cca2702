package binimg

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
)

const (
	peExportDirSize       = 40
	peImportDescSize      = 20
	peMaxImportDescs      = 4096
	peMaxThunksPerLibrary = 1 << 16
	peMaxNameLen          = 4096
)

// PE is a parsed Portable Executable image. Symbol values, segment
// deltas, and relocation slots are relative virtual addresses.
type PE struct {
	Info

	Machine   uint16
	Subsystem uint16

	// ImageBase is the preferred load address from the optional
	// header.
	ImageBase uint64

	// ExportName is the name recorded in the export directory.
	ExportName string

	// Libraries lists imported DLLs in import directory order.
	Libraries []string
}

func (o *PE) Format() Format {
	return FormatPE
}

func (o *PE) ImageInfo() *Info {
	return &o.Info
}

func (o *PE) String() string {
	return machineString(FormatPE, o.Arch, o.Bits)
}

func (o *PE) sealed() {}

func parsePE(raw []byte) (*PE, error) {
	rec := &recorder{b: raw}

	f, err := pe.NewFile(rec)
	if err != nil {
		return nil, rec.check(fmt.Errorf("failed to parse pe headers - %w", err))
	}

	img := &PE{
		Machine: f.FileHeader.Machine,
	}

	err = img.load(f, rec)
	if err != nil {
		return nil, rec.check(err)
	}

	err = rec.check(nil)
	if err != nil {
		return nil, err
	}

	return img, nil
}

func (o *PE) load(f *pe.File, rec *recorder) error {
	var dirs []pe.DataDirectory
	var sizeOfHeaders uint32

	switch hdr := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		o.Bits = 32
		o.PointerSize = 4
		o.ImageBase = uint64(hdr.ImageBase)
		o.ImageSize = uint64(hdr.SizeOfImage)
		o.Entry = uint64(hdr.AddressOfEntryPoint)
		o.Subsystem = hdr.Subsystem
		sizeOfHeaders = hdr.SizeOfHeaders
		dirs = dataDirs(hdr.DataDirectory, hdr.NumberOfRvaAndSizes)
	case *pe.OptionalHeader64:
		o.Bits = 64
		o.PointerSize = 8
		o.ImageBase = hdr.ImageBase
		o.ImageSize = uint64(hdr.SizeOfImage)
		o.Entry = uint64(hdr.AddressOfEntryPoint)
		o.Subsystem = hdr.Subsystem
		sizeOfHeaders = hdr.SizeOfHeaders
		dirs = dataDirs(hdr.DataDirectory, hdr.NumberOfRvaAndSizes)
	default:
		return fmt.Errorf("pe image has no optional header - %w", ErrMalformed)
	}

	o.ByteOrder = binary.LittleEndian
	o.Arch = peArch(f.FileHeader.Machine)

	o.Segments = append(o.Segments, Segment{
		FileSize:   uint64(sizeOfHeaders),
		MemorySize: uint64(sizeOfHeaders),
		Perm:       PermRead,
	})

	for _, sec := range f.Sections {
		memSize := uint64(sec.VirtualSize)
		if uint64(sec.Size) > memSize {
			memSize = uint64(sec.Size)
		}

		o.Segments = append(o.Segments, Segment{
			FileOffset:   uint64(sec.Offset),
			VirtualDelta: uint64(sec.VirtualAddress),
			FileSize:     uint64(sec.Size),
			MemorySize:   memSize,
			Perm:         pePerm(sec.Characteristics),
		})
	}

	mapper := rvaMapper{
		rec:           rec,
		sections:      f.Sections,
		sizeOfHeaders: sizeOfHeaders,
	}

	set := newSymbolSet()

	if len(dirs) > pe.IMAGE_DIRECTORY_ENTRY_EXPORT && dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT].Size > 0 {
		err := o.loadExports(mapper, dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT], set)
		if err != nil {
			return fmt.Errorf("failed to read export directory - %w", err)
		}
	}

	if len(dirs) > pe.IMAGE_DIRECTORY_ENTRY_IMPORT && dirs[pe.IMAGE_DIRECTORY_ENTRY_IMPORT].Size > 0 {
		err := o.loadImports(mapper, dirs[pe.IMAGE_DIRECTORY_ENTRY_IMPORT], set)
		if err != nil {
			return fmt.Errorf("failed to read import directory - %w", err)
		}
	}

	o.Symbols = set.syms

	return nil
}

func (o *PE) loadExports(mapper rvaMapper, dir pe.DataDirectory, set *symbolSet) error {
	le := binary.LittleEndian

	hdr, err := mapper.bytes(dir.VirtualAddress, peExportDirSize)
	if err != nil {
		return err
	}

	nameRVA := le.Uint32(hdr[12:])
	numFuncs := le.Uint32(hdr[20:])
	numNames := le.Uint32(hdr[24:])
	funcsRVA := le.Uint32(hdr[28:])
	namesRVA := le.Uint32(hdr[32:])
	ordinalsRVA := le.Uint32(hdr[36:])

	if nameRVA != 0 {
		o.ExportName, err = mapper.cstring(nameRVA)
		if err != nil {
			return err
		}
	}

	funcs, err := mapper.bytes(funcsRVA, uint64(numFuncs)*4)
	if err != nil {
		return err
	}

	names, err := mapper.bytes(namesRVA, uint64(numNames)*4)
	if err != nil {
		return err
	}

	ordinals, err := mapper.bytes(ordinalsRVA, uint64(numNames)*2)
	if err != nil {
		return err
	}

	for i := uint64(0); i < uint64(numNames); i++ {
		ordinal := uint64(le.Uint16(ordinals[i*2:]))
		if ordinal >= uint64(numFuncs) {
			return fmt.Errorf("export ordinal %d exceeds function count %d - %w",
				ordinal, numFuncs, ErrMalformed)
		}

		rva := le.Uint32(funcs[ordinal*4:])

		// Forwarders point back into the export directory at
		// a "DLL.Function" string rather than at code or data.
		if rva >= dir.VirtualAddress && rva-dir.VirtualAddress < dir.Size {
			continue
		}

		name, err := mapper.cstring(le.Uint32(names[i*4:]))
		if err != nil {
			return err
		}

		if name == "" {
			continue
		}

		kind := KindData
		if mapper.executable(rva) {
			kind = KindFunction
		}

		set.add(Symbol{
			Name:  name,
			Value: uint64(rva),
			Kind:  kind,
		})
	}

	return nil
}

func (o *PE) loadImports(mapper rvaMapper, dir pe.DataDirectory, set *symbolSet) error {
	le := binary.LittleEndian
	ptrSize := uint32(o.PointerSize)

	ordinalFlag := uint64(1) << 31
	if ptrSize == 8 {
		ordinalFlag = uint64(1) << 63
	}

	seen := make(map[string]struct{})

	for n := uint32(0); ; n++ {
		if n == peMaxImportDescs {
			return fmt.Errorf("more than %d import descriptors - %w", peMaxImportDescs, ErrMalformed)
		}

		desc, err := mapper.bytes(dir.VirtualAddress+n*peImportDescSize, peImportDescSize)
		if err != nil {
			return err
		}

		lookupRVA := le.Uint32(desc[0:])
		nameRVA := le.Uint32(desc[12:])
		iatRVA := le.Uint32(desc[16:])

		if lookupRVA == 0 && nameRVA == 0 && iatRVA == 0 {
			return nil
		}

		library, err := mapper.cstring(nameRVA)
		if err != nil {
			return err
		}

		o.Libraries = append(o.Libraries, library)

		if lookupRVA == 0 {
			lookupRVA = iatRVA
		}

		for i := uint32(0); ; i++ {
			if i == peMaxThunksPerLibrary {
				return fmt.Errorf("%s has more than %d imports - %w",
					library, peMaxThunksPerLibrary, ErrMalformed)
			}

			raw, err := mapper.bytes(lookupRVA+i*ptrSize, uint64(ptrSize))
			if err != nil {
				return err
			}

			var thunk uint64
			if ptrSize == 8 {
				thunk = le.Uint64(raw)
			} else {
				thunk = uint64(le.Uint32(raw))
			}

			if thunk == 0 {
				break
			}

			var name string
			if thunk&ordinalFlag != 0 {
				name = fmt.Sprintf("%s#%d", library, uint16(thunk))
			} else {
				// Skip the two byte hint.
				name, err = mapper.cstring(uint32(thunk&0x7fffffff) + 2)
				if err != nil {
					return err
				}
			}

			if name == "" {
				continue
			}

			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}

			slot := uint64(iatRVA) + uint64(i)*uint64(ptrSize)

			set.add(Symbol{
				Name:    name,
				Kind:    KindImport,
				Library: library,
			})

			o.Relocations = append(o.Relocations, Relocation{
				Name:    name,
				GOTSlot: slot,
				HasGOT:  true,
				PLTStub: slot,
				HasPLT:  true,
				Library: library,
			})
		}
	}
}

// rvaMapper reads data addressed by relative virtual address from
// an image that is laid out the way it is on disk.
type rvaMapper struct {
	rec           *recorder
	sections      []*pe.Section
	sizeOfHeaders uint32
}

func (o rvaMapper) section(rva uint32) (*pe.Section, bool) {
	for _, sec := range o.sections {
		size := sec.VirtualSize
		if sec.Size > size {
			size = sec.Size
		}

		if rva >= sec.VirtualAddress && rva-sec.VirtualAddress < size {
			return sec, true
		}
	}

	return nil, false
}

func (o rvaMapper) fileOffset(rva uint32) (uint64, error) {
	sec, ok := o.section(rva)
	if !ok {
		if rva < o.sizeOfHeaders {
			return uint64(rva), nil
		}
		return 0, fmt.Errorf("rva 0x%x is not mapped by any section - %w", rva, ErrMalformed)
	}

	delta := rva - sec.VirtualAddress
	if delta >= sec.Size {
		return 0, fmt.Errorf("rva 0x%x has no file data in section %s - %w",
			rva, sec.Name, ErrMalformed)
	}

	return uint64(sec.Offset) + uint64(delta), nil
}

func (o rvaMapper) bytes(rva uint32, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}

	off, err := o.fileOffset(rva)
	if err != nil {
		return nil, err
	}

	return o.rec.slice(off, n)
}

func (o rvaMapper) cstring(rva uint32) (string, error) {
	off, err := o.fileOffset(rva)
	if err != nil {
		return "", err
	}

	return o.rec.cstring(off, peMaxNameLen)
}

func (o rvaMapper) executable(rva uint32) bool {
	sec, ok := o.section(rva)
	return ok && sec.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0
}

func dataDirs(all [16]pe.DataDirectory, n uint32) []pe.DataDirectory {
	if n > uint32(len(all)) {
		n = uint32(len(all))
	}
	return all[:n]
}

func peArch(machine uint16) Arch {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return ArchX86
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return ArchAMD64
	case pe.IMAGE_FILE_MACHINE_ARMNT, pe.IMAGE_FILE_MACHINE_ARM:
		return ArchARM
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return ArchARM64
	default:
		return ArchUnknown
	}
}

func pePerm(characteristics uint32) Perm {
	var perm Perm
	if characteristics&pe.IMAGE_SCN_MEM_READ != 0 {
		perm |= PermRead
	}
	if characteristics&pe.IMAGE_SCN_MEM_WRITE != 0 {
		perm |= PermWrite
	}
	if characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0 {
		perm |= PermExec
	}
	return perm
}
