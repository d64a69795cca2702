package asmkit

import (
	"fmt"
	"io"

	"gitlab.com/stephen-fox/revkit/describe"
	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
)

// DescriberSymbolizer names addresses with a describe.Describer.
func DescriberSymbolizer(d *describe.Describer) Symbolizer {
	return SymbolizerFunc(func(addr memory.Address) (string, memory.Address, bool) {
		desc, err := d.Describe(addr)
		if err != nil || !desc.Mapped {
			return "", 0, false
		}

		name := desc.Module
		if desc.Symbol != "" {
			name += ":" + desc.Symbol
		}

		return name, addr - memory.Address(desc.Offset), true
	})
}

// ReadCode reads up to n bytes of m's file starting at the file
// offset that addr maps to. Fewer bytes are returned if the file
// ends first.
func ReadCode(m *modules.Module, addr memory.Address, n int) ([]byte, error) {
	offset, err := m.FileOffset(addr)
	if err != nil {
		return nil, err
	}

	f, err := m.File()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)

	read, err := f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read %d bytes at file offset 0x%x - %w", n, offset, err)
	}

	return buf[:read], nil
}

// ModuleConfig returns a DisassemblerConfig for m's architecture.
func ModuleConfig(m *modules.Module, syntax DisassemblySyntax, optSymbolizer Symbolizer) DisassemblerConfig {
	return DisassemblerConfig{
		Arch:          m.Arch(),
		Syntax:        syntax,
		OptSymbolizer: optSymbolizer,
	}
}
