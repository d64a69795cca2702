package modules

import (
	"encoding/binary"
	"fmt"
	"io"

	"gitlab.com/stephen-fox/revkit/binimg"
	"gitlab.com/stephen-fox/revkit/memory"
)

type imageLoader func(info ImageInfo) (binimg.Image, error)

// NewModule creates a Module for an image that has already been
// parsed. The Module has no backing Target, so File fails.
func NewModule(info ImageInfo, img binimg.Image) *Module {
	m := &Module{
		name:   info.Name,
		path:   info.Path,
		base:   info.Base,
		size:   info.Size,
		origin: info,
		image:  img,
		loaded: true,
	}

	if img == nil {
		m.imageErr = fmt.Errorf("module %s has no image", info.Name)
	}

	return m
}

func newTargetModule(info ImageInfo, target Target, load imageLoader) *Module {
	return &Module{
		name:   info.Name,
		path:   info.Path,
		base:   info.Base,
		size:   info.Size,
		origin: info,
		target: target,
		load:   load,
	}
}

// Module is a loaded image bound to its runtime base address.
//
// The image is parsed the first time something needs it. A parse
// failure is remembered and returned by every such method for the
// lifetime of the Module.
type Module struct {
	name string
	path string
	base memory.Address
	size uint64

	origin ImageInfo
	target Target
	load   imageLoader

	image    binimg.Image
	imageErr error
	loaded   bool

	version       uint64
	symtab        *SymbolTable
	symtabVersion uint64
}

// Origin returns the image as the Target reported it, regardless
// of later SetBase, SetPath, or SetName calls. Modules built from
// the same enumeration entry have the same Origin.
func (o *Module) Origin() ImageInfo {
	return o.origin
}

// Name returns the module's name (usually the file's base name).
func (o *Module) Name() string {
	return o.name
}

// Path returns the path to the module's file.
func (o *Module) Path() string {
	return o.path
}

// Base returns the address the start of the image is mapped at.
func (o *Module) Base() memory.Address {
	return o.base
}

// Size returns the size of the module's memory range.
func (o *Module) Size() uint64 {
	return o.size
}

// End returns the first address past the module's memory range.
func (o *Module) End() memory.Address {
	end := o.base + memory.Address(o.size)
	if end < o.base {
		return ^memory.Address(0)
	}
	return end
}

// Contains returns true if addr falls in the module's memory range.
func (o *Module) Contains(addr memory.Address) bool {
	return addr >= o.base && addr < o.End()
}

// SetBaseOrExit calls SetBase, invoking DefaultExitFn if an error occurs.
func (o *Module) SetBaseOrExit(v interface{}) {
	err := o.SetBase(v)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to set base of %s - %w", o.name, err))
	}
}

// SetBase sets the module's base address. v must be address-like
// (see memory.AddressOf). Reassigning the base invalidates the
// module's symbol table.
func (o *Module) SetBase(v interface{}) error {
	addr, err := memory.AddressOf(v)
	if err != nil {
		return fmt.Errorf("cannot use %T as a base address - %w", v, ErrInvalidAssignment)
	}

	o.base = addr
	o.version++

	return nil
}

// SetPath sets the path to the module's file. v must be a
// non-empty string.
func (o *Module) SetPath(v interface{}) error {
	str, err := nonEmptyString(v)
	if err != nil {
		return fmt.Errorf("cannot use value as a path - %w", err)
	}

	o.path = str

	return nil
}

// SetName sets the module's name. v must be a non-empty string.
func (o *Module) SetName(v interface{}) error {
	str, err := nonEmptyString(v)
	if err != nil {
		return fmt.Errorf("cannot use value as a name - %w", err)
	}

	o.name = str

	return nil
}

func nonEmptyString(v interface{}) (string, error) {
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%T is not a string - %w", v, ErrInvalidAssignment)
	}

	if str == "" {
		return "", fmt.Errorf("string is empty - %w", ErrInvalidAssignment)
	}

	return str, nil
}

// Image returns the module's parsed image.
func (o *Module) Image() (binimg.Image, error) {
	if o.loaded {
		return o.image, o.imageErr
	}

	o.loaded = true
	o.image, o.imageErr = o.load(o.info())
	if o.imageErr != nil {
		o.image = nil
		o.imageErr = fmt.Errorf("failed to load image for module %s - %w", o.name, o.imageErr)
	}

	return o.image, o.imageErr
}

func (o *Module) imageInfo() (*binimg.Info, error) {
	img, err := o.Image()
	if err != nil {
		return nil, err
	}
	return img.ImageInfo(), nil
}

// SymbolsOrExit calls Symbols, invoking DefaultExitFn if an error occurs.
func (o *Module) SymbolsOrExit() *SymbolTable {
	table, err := o.Symbols()
	if err != nil {
		DefaultExitFn(err)
	}
	return table
}

// Symbols returns the module's merged symbol table. The table is
// built once and reused until the base address is reassigned.
func (o *Module) Symbols() (*SymbolTable, error) {
	if o.symtab != nil && o.symtabVersion == o.version {
		return o.symtab, nil
	}

	info, err := o.imageInfo()
	if err != nil {
		return nil, err
	}

	o.symtab = newSymbolTable(o.base, info)
	o.symtabVersion = o.version

	return o.symtab, nil
}

// ResolveOrExit calls Resolve, invoking DefaultExitFn if an error occurs.
func (o *Module) ResolveOrExit(name string) memory.Address {
	addr, err := o.Resolve(name)
	if err != nil {
		DefaultExitFn(err)
	}
	return addr
}

// Resolve returns the absolute address of the named symbol. The name
// may carry a "plt." or "got." qualifier.
func (o *Module) Resolve(name string) (memory.Address, error) {
	table, err := o.Symbols()
	if err != nil {
		return 0, err
	}

	sym, ok := table.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%s:%s - %w", o.name, name, ErrSymbolNotFound)
	}

	return sym.Address, nil
}

// PLT returns the runtime address of the module's procedure
// linkage table, if it has one.
func (o *Module) PLT() (memory.Address, bool) {
	info, err := o.imageInfo()
	if err != nil || !info.HasPLT {
		return 0, false
	}

	return o.base + memory.Address(info.PLTDelta), true
}

// Segments returns the image's load segments. Their deltas are
// relative to Base.
func (o *Module) Segments() ([]binimg.Segment, error) {
	info, err := o.imageInfo()
	if err != nil {
		return nil, err
	}

	out := make([]binimg.Segment, len(info.Segments))
	copy(out, info.Segments)

	return out, nil
}

// FileOffset maps a runtime address to its offset in the module's
// file. Addresses in zero-filled memory (like .bss) and addresses
// outside the module result in ErrNotFileBacked.
func (o *Module) FileOffset(addr memory.Address) (uint64, error) {
	info, err := o.imageInfo()
	if err != nil {
		return 0, err
	}

	if !o.Contains(addr) {
		return 0, fmt.Errorf("%s is outside of module %s - %w", addr, o.name, ErrNotFileBacked)
	}

	delta := uint64(addr.Sub(o.base))

	seg, ok := info.SegmentForDelta(delta)
	if !ok {
		return 0, fmt.Errorf("%s is not in a segment of %s - %w", addr, o.name, ErrNotFileBacked)
	}

	within := delta - seg.VirtualDelta
	if within >= seg.FileSize {
		return 0, fmt.Errorf("%s is in zero-filled memory of %s - %w", addr, o.name, ErrNotFileBacked)
	}

	return seg.FileOffset + within, nil
}

// AddressOf maps an offset in the module's file to its runtime address.
func (o *Module) AddressOf(fileOffset uint64) (memory.Address, error) {
	info, err := o.imageInfo()
	if err != nil {
		return 0, err
	}

	seg, ok := info.SegmentForFileOffset(fileOffset)
	if !ok {
		return 0, fmt.Errorf("file offset 0x%x is not mapped by %s - %w",
			fileOffset, o.name, ErrNotFileBacked)
	}

	return o.base + memory.Address(seg.VirtualDelta+(fileOffset-seg.FileOffset)), nil
}

// File returns a new read-only handle to the module's file. The
// handle is positioned at offset zero. Callers must close it.
func (o *Module) File() (ImageFile, error) {
	if o.target == nil {
		return nil, fmt.Errorf("module %s has no backing target - %w", o.name, ErrFileNotFound)
	}

	f, err := o.target.OpenImage(o.info())
	if err != nil {
		return nil, fmt.Errorf("failed to open file for module %s - %w", o.name, err)
	}

	_, err = f.Seek(0, io.SeekStart)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to rewind file for module %s - %w", o.name, err)
	}

	return f, nil
}

// Format returns the image's format, or binimg.FormatUnknown if the
// image could not be parsed.
func (o *Module) Format() binimg.Format {
	img, err := o.Image()
	if err != nil {
		return binimg.FormatUnknown
	}
	return img.Format()
}

// Arch returns the image's CPU architecture.
func (o *Module) Arch() binimg.Arch {
	info, err := o.imageInfo()
	if err != nil {
		return binimg.ArchUnknown
	}
	return info.Arch
}

// PointerSize returns the image's pointer size in bytes, or zero if
// the image could not be parsed.
func (o *Module) PointerSize() int {
	info, err := o.imageInfo()
	if err != nil {
		return 0
	}
	return info.PointerSize
}

// ByteOrder returns the image's byte order, or nil if the image
// could not be parsed.
func (o *Module) ByteOrder() binary.ByteOrder {
	info, err := o.imageInfo()
	if err != nil {
		return nil
	}
	return info.ByteOrder
}

// PointerMaker returns a memory.PointerMaker for the image's
// pointer size and byte order.
func (o *Module) PointerMaker() (memory.PointerMaker, error) {
	info, err := o.imageInfo()
	if err != nil {
		return memory.PointerMaker{}, err
	}
	return memory.PointerMakerFor(info.ByteOrder, info.PointerSize)
}

// ReadPointer reads the pointer stored at addr in the module's file.
// The result is the value the linker wrote there, not the value the
// loader may have relocated it to. Use Relocate to map a link-time
// address back into this module.
func (o *Module) ReadPointer(addr memory.Address) (memory.Pointer, error) {
	pm, err := o.PointerMaker()
	if err != nil {
		return memory.Pointer{}, err
	}

	off, err := o.FileOffset(addr)
	if err != nil {
		return memory.Pointer{}, err
	}

	f, err := o.File()
	if err != nil {
		return memory.Pointer{}, err
	}
	defer f.Close()

	raw := make([]byte, pm.PointerSize())
	_, err = f.ReadAt(raw, int64(off))
	if err != nil {
		return memory.Pointer{}, fmt.Errorf("failed to read pointer at %s in %s - %w", addr, o.name, err)
	}

	return pm.FromRawBytes(raw)
}

// Relocate maps a link-time virtual address of the image, such as
// the result of ReadPointer, to its runtime address in the module.
// ok is false if linkTime is outside of the image.
func (o *Module) Relocate(linkTime memory.Address) (memory.Address, bool) {
	img, err := o.Image()
	if err != nil {
		return 0, false
	}

	linkBase := img.ImageInfo().LoadBias
	if pe, isPE := img.(*binimg.PE); isPE {
		linkBase = pe.ImageBase
	}

	if uint64(linkTime) < linkBase {
		return 0, false
	}

	delta := uint64(linkTime) - linkBase
	if delta >= o.size {
		return 0, false
	}

	return o.base.Add(int64(delta)), true
}

func (o *Module) String() string {
	return fmt.Sprintf("%s %s-%s %s", o.name, o.base, o.End(), o.path)
}

func (o *Module) info() ImageInfo {
	return ImageInfo{
		Name: o.name,
		Path: o.path,
		Base: o.base,
		Size: o.size,
	}
}
