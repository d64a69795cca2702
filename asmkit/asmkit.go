// Package asmkit disassembles code in Modules, naming branch targets
// with the symbols they resolve to.
package asmkit

import (
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/revkit/binimg"
	"gitlab.com/stephen-fox/revkit/memory"
	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

const (
	SkipSyntax  DisassemblySyntax = ""
	ATTSyntax   DisassemblySyntax = "att"
	GoSyntax    DisassemblySyntax = "go"
	IntelSyntax DisassemblySyntax = "intel"
)

type DisassemblySyntax string

// Symbolizer names addresses. Symbolize returns the name of the
// symbol containing addr and that symbol's address.
type Symbolizer interface {
	Symbolize(addr memory.Address) (name string, base memory.Address, ok bool)
}

// SymbolizerFunc is a function that implements Symbolizer.
type SymbolizerFunc func(addr memory.Address) (string, memory.Address, bool)

func (o SymbolizerFunc) Symbolize(addr memory.Address) (string, memory.Address, bool) {
	return o(addr)
}

type DisassemblerConfig struct {
	Arch   binimg.Arch
	Syntax DisassemblySyntax

	// OptSymbolizer names branch and memory targets if specified.
	// Targets are only named when they are exactly a symbol's
	// address.
	OptSymbolizer Symbolizer
}

func NewDisassembler(config DisassemblerConfig) (*Disassembler, error) {
	symname := func(uint64) (string, uint64) {
		return "", 0
	}

	if config.OptSymbolizer != nil {
		symname = func(addr uint64) (string, uint64) {
			name, base, ok := config.OptSymbolizer.Symbolize(memory.Address(addr))
			if !ok {
				return "", 0
			}
			return name, base.Uint64()
		}
	}

	switch config.Arch {
	case binimg.ArchARM:
		var disassemblyFn func(inst armasm.Inst, pc uint64) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			disassemblyFn = func(inst armasm.Inst, _ uint64) string {
				return armasm.GNUSyntax(inst)
			}
		case GoSyntax:
			disassemblyFn = func(inst armasm.Inst, pc uint64) string {
				return armasm.GoSyntax(inst, pc, symname, nil)
			}
		default:
			return nil, fmt.Errorf("unsupported syntax type for arm: %q", config.Syntax)
		}

		return &Disassembler{
			disassOneInstFn: func(remainingInsts []byte, pc uint64) (Inst, error) {
				armInst, err := armasm.Decode(remainingInsts, armasm.ModeARM)
				if err != nil {
					return Inst{}, err
				}

				var disassembly string
				if disassemblyFn != nil {
					disassembly = disassemblyFn(armInst, pc)
				}

				return Inst{
					Bin:  copySlice(remainingInsts, armInst.Len),
					Len:  armInst.Len,
					Dis:  disassembly,
					Inst: armInst,
				}, nil
			},
		}, nil
	case binimg.ArchARM64:
		var disassemblyFn func(inst arm64asm.Inst, pc uint64) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			disassemblyFn = func(inst arm64asm.Inst, _ uint64) string {
				return arm64asm.GNUSyntax(inst)
			}
		case GoSyntax:
			disassemblyFn = func(inst arm64asm.Inst, pc uint64) string {
				return arm64asm.GoSyntax(inst, pc, symname, nil)
			}
		default:
			return nil, fmt.Errorf("unsupported syntax type for arm64: %q", config.Syntax)
		}

		return &Disassembler{
			disassOneInstFn: func(remainingInsts []byte, pc uint64) (Inst, error) {
				arm64Inst, err := arm64asm.Decode(remainingInsts)
				if err != nil {
					return Inst{}, err
				}

				var disassembly string
				if disassemblyFn != nil {
					disassembly = disassemblyFn(arm64Inst, pc)
				}

				return Inst{
					Bin:  copySlice(remainingInsts, arm64InstLen),
					Len:  arm64InstLen,
					Dis:  disassembly,
					Inst: arm64Inst,
				}, nil
			},
		}, nil
	case binimg.ArchX86, binimg.ArchAMD64:
		bits := 32
		if config.Arch == binimg.ArchAMD64 {
			bits = 64
		}

		var disassemblyFn func(inst x86asm.Inst, pc uint64) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
				return x86asm.GNUSyntax(inst, pc, symname)
			}
		case GoSyntax:
			disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
				return x86asm.GoSyntax(inst, pc, symname)
			}
		case IntelSyntax:
			disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
				return x86asm.IntelSyntax(inst, pc, symname)
			}
		default:
			return nil, fmt.Errorf("unsupported syntax type for x86: %q", config.Syntax)
		}

		return &Disassembler{
			disassOneInstFn: func(remainingInsts []byte, pc uint64) (Inst, error) {
				x86Inst, err := x86asm.Decode(remainingInsts, bits)
				if err != nil {
					return Inst{}, err
				}

				var disassembly string
				if disassemblyFn != nil {
					disassembly = disassemblyFn(x86Inst, pc)
				}

				return Inst{
					Bin:  copySlice(remainingInsts, x86Inst.Len),
					Len:  x86Inst.Len,
					Dis:  disassembly,
					Inst: x86Inst,
				}, nil
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", config.Arch)
	}
}

const (
	arm64InstLen = 4
)

func copySlice(src []byte, numBytes int) []byte {
	cp := make([]byte, numBytes)

	copy(cp, src[0:numBytes])

	return cp
}

type Disassembler struct {
	disassOneInstFn func(remainingInsts []byte, pc uint64) (Inst, error)
}

// All decodes every instruction in rawInstructions, which start at
// address pc. A zero pc disables symbolization and renders branch
// targets relative to the instruction.
func (o *Disassembler) All(rawInstructions []byte, pc memory.Address, onDecodeFn func(Inst) error) error {
	index := 0

	for index < len(rawInstructions) {
		inst, err := o.Next(rawInstructions[index:], pc.Add(int64(index)))
		if err != nil {
			return fmt.Errorf("failed to decode instruction at index %d - %w - remaining data: 0x%x",
				index, err, rawInstructions[index:])
		}

		inst.Index = index

		err = onDecodeFn(inst)
		if errors.Is(err, ErrStop) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("on decode function failed for instruction %d (%q) - %w",
				index, inst.Dis, err)
		}

		index += inst.Len
	}

	return nil
}

// Next decodes the first instruction in rawInstructions, which is
// located at address pc.
func (o *Disassembler) Next(rawInstructions []byte, pc memory.Address) (Inst, error) {
	var pcValue uint64
	if pc != 0 {
		pcValue = pc.Uint64()
	}

	inst, err := o.disassOneInstFn(rawInstructions, pcValue)
	if err != nil {
		return Inst{}, err
	}

	inst.Address = pc

	return inst, nil
}

var (
	// ErrStop can be returned by an All callback to stop decoding
	// without an error.
	ErrStop = errors.New("stop decoding")
)

type Inst struct {
	Address memory.Address
	Bin     []byte
	Len     int
	Index   int
	Dis     string
	Inst    interface{}
}
