package binimg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned when the supplied bytes do
	// not start with a known executable image magic.
	ErrUnsupportedFormat = errors.New("unsupported binary image format")

	// ErrTruncatedHeader is matched by *TruncatedHeaderError.
	ErrTruncatedHeader = errors.New("binary image header is truncated")

	// ErrMalformed is returned when the image contains structurally
	// impossible values.
	ErrMalformed = errors.New("binary image is malformed")
)

// TruncatedHeaderError is returned when the image's declared tables
// extend past the supplied bytes. Need is the minimum number of bytes
// known to be required; a caller can re-read at least that many
// bytes and try again.
type TruncatedHeaderError struct {
	Need uint64
	Have uint64
}

func (o *TruncatedHeaderError) Error() string {
	return fmt.Sprintf("%s (have %d bytes, need at least %d)",
		ErrTruncatedHeader.Error(), o.Have, o.Need)
}

func (o *TruncatedHeaderError) Is(target error) bool {
	return target == ErrTruncatedHeader
}

// Format identifies the container format of an Image.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatPE
)

func (o Format) String() string {
	switch o {
	case FormatELF:
		return "elf"
	case FormatPE:
		return "pe"
	default:
		return "unknown"
	}
}

// Arch is the CPU architecture an Image was built for.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchAMD64
	ArchARM
	ArchARM64
)

func (o Arch) String() string {
	switch o {
	case ArchX86:
		return "x86"
	case ArchAMD64:
		return "amd64"
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

// Perm is a set of memory protection flags.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// String returns the permissions in "rwx" notation.
func (o Perm) String() string {
	b := []byte("---")
	if o&PermRead != 0 {
		b[0] = 'r'
	}
	if o&PermWrite != 0 {
		b[1] = 'w'
	}
	if o&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Segment describes a contiguous range of the image that is mapped
// into memory. VirtualDelta is relative to the module's base.
//
// MemorySize is always greater than or equal to FileSize. Bytes
// in [FileSize, MemorySize) are zero-filled and have no file backing.
type Segment struct {
	FileOffset   uint64
	VirtualDelta uint64
	FileSize     uint64
	MemorySize   uint64
	Perm         Perm
}

// ContainsFileOffset returns true if the file offset is backed
// by the Segment.
func (o Segment) ContainsFileOffset(off uint64) bool {
	return off >= o.FileOffset && off-o.FileOffset < o.FileSize
}

// ContainsDelta returns true if the module-relative address falls
// within the Segment's memory range.
func (o Segment) ContainsDelta(delta uint64) bool {
	return delta >= o.VirtualDelta && delta-o.VirtualDelta < o.MemorySize
}

// SymbolKind classifies a Symbol.
type SymbolKind int

const (
	KindData SymbolKind = iota
	KindFunction
	KindImport
)

func (o SymbolKind) String() string {
	switch o {
	case KindData:
		return "data"
	case KindFunction:
		return "function"
	case KindImport:
		return "import"
	default:
		return "unknown"
	}
}

// Symbol is a named entry from one of the image's symbol tables.
//
// Value is relative to the module's base for data and function
// symbols. Import symbols have no value of their own; their
// addresses come from the matching Relocation.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	Kind  SymbolKind

	// Library is the name of the library that provides an
	// import, when the format records it (PE).
	Library string
}

// Relocation binds an imported symbol to its GOT slot and PLT stub.
// Both addresses are relative to the module's base.
type Relocation struct {
	Name    string
	GOTSlot uint64
	HasGOT  bool
	PLTStub uint64
	HasPLT  bool
	Library string
}

// Info holds the format-independent view of an Image.
type Info struct {
	Arch        Arch
	Bits        int
	PointerSize int
	ByteOrder   binary.ByteOrder

	// LoadBias is the link-time virtual address at which the start
	// of the image is expected to be mapped. All deltas are relative
	// to it.
	LoadBias uint64

	// ImageSize is the size of the image's memory footprint.
	ImageSize uint64

	// Entry is the module-relative entry point, if any.
	Entry uint64

	Segments    []Segment
	Symbols     []Symbol
	Relocations []Relocation

	// PLTDelta is the module-relative address of the procedure
	// linkage table. It is only meaningful if HasPLT is true.
	PLTDelta uint64
	HasPLT   bool
}

// SegmentForFileOffset returns the Segment that backs the file offset.
func (o *Info) SegmentForFileOffset(off uint64) (Segment, bool) {
	for _, seg := range o.Segments {
		if seg.ContainsFileOffset(off) {
			return seg, true
		}
	}
	return Segment{}, false
}

// SegmentForDelta returns the Segment that maps the module-relative
// address. Later segments win when segments share memory (e.g. the
// PE header segment and a section that starts at RVA zero).
func (o *Info) SegmentForDelta(delta uint64) (Segment, bool) {
	for i := len(o.Segments) - 1; i >= 0; i-- {
		if o.Segments[i].ContainsDelta(delta) {
			return o.Segments[i], true
		}
	}
	return Segment{}, false
}

// Image is a parsed executable image. It is either an *ELF or a *PE.
type Image interface {
	Format() Format
	ImageInfo() *Info
	sealed()
}

func machineString(format Format, arch Arch, bits int) string {
	return strings.Join([]string{format.String(), arch.String(), fmt.Sprintf("%d", bits)}, "-")
}
