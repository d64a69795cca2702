// Package imgtest builds small, well-formed ELF and PE images in
// memory. The images contain just enough structure for revkit's
// parsers: load segments, symbol tables, relocations, and import
// and export directories.
package imgtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Symbol is a named location in a generated image. Delta is
// relative to the image's load bias (ELF) or is an RVA (PE).
type Symbol struct {
	Name  string
	Delta uint64
	Size  uint64
}

type buffer struct {
	b []byte
}

func (o *buffer) put(off uint64, v interface{}) {
	var buf bytes.Buffer
	err := binary.Write(&buf, binary.LittleEndian, v)
	if err != nil {
		panic(fmt.Sprintf("failed to encode %T - %s", v, err))
	}

	o.write(off, buf.Bytes())
}

func (o *buffer) write(off uint64, p []byte) {
	end := off + uint64(len(p))
	if end > uint64(len(o.b)) {
		o.b = append(o.b, make([]byte, end-uint64(len(o.b)))...)
	}

	copy(o.b[off:], p)
}

func (o *buffer) fill(off uint64, n uint64, v byte) {
	o.write(off, bytes.Repeat([]byte{v}, int(n)))
}

func (o *buffer) cstring(off uint64, s string) uint64 {
	o.write(off, append([]byte(s), 0))
	return off + uint64(len(s)) + 1
}

func newStrtab() *strtab {
	return &strtab{
		b:   []byte{0},
		idx: make(map[string]uint32),
	}
}

type strtab struct {
	b   []byte
	idx map[string]uint32
}

func (o *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}

	if i, ok := o.idx[s]; ok {
		return i
	}

	i := uint32(len(o.b))
	o.idx[s] = i
	o.b = append(o.b, s...)
	o.b = append(o.b, 0)

	return i
}

func align(n uint64, to uint64) uint64 {
	return (n + to - 1) &^ (to - 1)
}
