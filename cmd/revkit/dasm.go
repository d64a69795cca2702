package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gitlab.com/stephen-fox/revkit/addrexpr"
	"gitlab.com/stephen-fox/revkit/asmkit"
)

const (
	prettyFormat      = "pretty"
	hexFormat         = "hex"
	b64Format         = "b64"
	jsonDisassFormat  = "json"
	jsonVerboseFormat = "jsonv"
	goFormat          = "go"

	defaultDasmBytes = 64
)

func newDasmCmd(fs afero.Fs, flags *rootFlags) *cobra.Command {
	var numBytes int
	var maxInsts int
	var syntax string
	var outputFormat string
	var noSymbols bool

	cmd := &cobra.Command{
		Use:   "dasm expression",
		Short: "Disassemble code at an address",
		Long: `Disassemble code at an address, reading the instructions from the file
of the module that contains it. Branch targets that are exactly a
symbol's address are replaced by "module:symbol", and each symbol's
first instruction is preceded by its name.

Output formats are "pretty", "hex", "b64", "json", "jsonv" (one JSON
object per instruction, including its "module:symbol+offset"), and
"go" (a Go []byte commented with addresses and symbols).

` + exprHelp,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if numBytes <= 0 {
				return fmt.Errorf("number of bytes must be positive - it is %d", numBytes)
			}

			s, err := newSession(cmd, fs, flags)
			if err != nil {
				return err
			}

			addr, err := addrexpr.Evaluate(s.index, args[0])
			if err != nil {
				return fmt.Errorf("failed to evaluate %q - %w", args[0], err)
			}

			m, err := s.index.ModuleAt(addr)
			if err != nil {
				return err
			}

			if m == nil {
				return fmt.Errorf("no module contains %s", addr)
			}

			code, err := asmkit.ReadCode(m, addr, numBytes)
			if err != nil {
				return fmt.Errorf("failed to read code of %s - %w", m.Name(), err)
			}

			var symbolizer asmkit.Symbolizer
			if !noSymbols {
				symbolizer = asmkit.DescriberSymbolizer(s.describer)
			}

			disassembler, err := asmkit.NewDisassembler(
				asmkit.ModuleConfig(m, asmkit.DisassemblySyntax(syntax), symbolizer))
			if err != nil {
				return fmt.Errorf("failed to create disassembler for %s - %w", m.Name(), err)
			}

			output := bytes.NewBuffer(nil)

			writer, err := newInstWriter(outputFormat, output)
			if err != nil {
				return err
			}

			decoded := 0

			for offset := 0; offset < len(code); {
				if maxInsts > 0 && decoded >= maxInsts {
					break
				}

				inst, err := disassembler.Next(code[offset:], addr.Add(int64(offset)))
				if err != nil {
					if decoded > 0 {
						// The read most likely ended in the
						// middle of an instruction.
						s.logger.Debug().Err(err).Int("offset", offset).Msg("stopped decoding")
						break
					}

					return fmt.Errorf("failed to decode instruction at %s - %w", addr, err)
				}

				inst.Index = offset

				line := dasmLine{Inst: inst}
				if !noSymbols {
					desc, err := s.describer.Describe(inst.Address)
					if err != nil {
						return err
					}

					line.Location = desc.String()
					line.StartsSymbol = desc.Symbol != "" && desc.Offset == 0
				}

				err = writer.Write(line)
				if err != nil {
					return err
				}

				offset += inst.Len
				decoded++
			}

			err = writer.Flush()
			if err != nil {
				return fmt.Errorf("failed to write remaining data to output - %w", err)
			}

			_, err = io.Copy(cmd.OutOrStdout(), output)
			return err
		},
	}

	cmd.Flags().IntVarP(&numBytes, "bytes", "n", defaultDasmBytes, "Number of bytes to read")
	cmd.Flags().IntVar(&maxInsts, "count", 0, "Stop after this many instructions (0 decodes every byte read)")
	cmd.Flags().StringVarP(&syntax, "syntax", "s", string(asmkit.IntelSyntax), "Assembly syntax (intel, att, go)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", prettyFormat, "Output format")
	cmd.Flags().BoolVar(&noSymbols, "no-symbols", false, "Do not name branch targets or label symbols")

	return cmd
}

func newInstWriter(format string, w io.Writer) (instWriter, error) {
	switch format {
	case prettyFormat:
		return &prettyWriter{w: w}, nil
	case hexFormat:
		return &encoderWriter{encoder: hex.NewEncoder(w), w: w}, nil
	case b64Format:
		return &encoderWriter{encoder: base64.NewEncoder(base64.StdEncoding, w), w: w}, nil
	case jsonDisassFormat:
		return &jsonWriter{w: w}, nil
	case jsonVerboseFormat:
		return &jsonWriter{verbose: true, w: w}, nil
	case goFormat:
		return &goByteSliceWriter{w: w}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %q", format)
	}
}

// dasmLine is a decoded instruction and where it lives. Location
// and StartsSymbol are unset when symbols are disabled.
type dasmLine struct {
	asmkit.Inst

	// Location is the instruction's address as "module:symbol+offset".
	Location string

	// StartsSymbol is true if the instruction is at a symbol's address.
	StartsSymbol bool
}

type instWriter interface {
	Write(dasmLine) error
	Flush() error
}

var _ instWriter = (*prettyWriter)(nil)

type prettyWriter struct {
	w       io.Writer
	written bool
}

func (o *prettyWriter) Write(line dasmLine) error {
	if line.StartsSymbol {
		sep := ""
		if o.written {
			sep = "\n"
		}

		_, err := fmt.Fprintf(o.w, "%s%s:\n", sep, line.Location)
		if err != nil {
			return err
		}
	}

	o.written = true

	_, err := fmt.Fprintf(o.w, "%s: %-20s %s\n", line.Address, hex.EncodeToString(line.Bin), line.Dis)
	return err
}

func (o *prettyWriter) Flush() error {
	return nil
}

var _ instWriter = (*encoderWriter)(nil)

// encoderWriter encodes only the machine code so that the output
// can be piped into other tools.
type encoderWriter struct {
	encoder io.Writer
	w       io.Writer
}

func (o *encoderWriter) Write(line dasmLine) error {
	_, err := o.encoder.Write(line.Bin)
	return err
}

func (o *encoderWriter) Flush() error {
	closer, ok := o.encoder.(io.Closer)
	if ok {
		err := closer.Close()
		if err != nil {
			return err
		}
	}

	_, err := o.w.Write([]byte{'\n'})
	return err
}

var _ instWriter = (*jsonWriter)(nil)

// jsonWriter writes a JSON array once every instruction is known.
// The array holds the disassembly strings, or objects describing
// each instruction when verbose is set.
type jsonWriter struct {
	verbose bool
	w       io.Writer
	insts   []jsonInst
}

type jsonInst struct {
	Address  string `json:"address"`
	Location string `json:"location,omitempty"`
	Bin      string `json:"bin"`
	Index    int    `json:"index"`
	Dis      string `json:"dis"`
}

func (o *jsonWriter) Write(line dasmLine) error {
	o.insts = append(o.insts, jsonInst{
		Address:  line.Address.String(),
		Location: line.Location,
		Bin:      hex.EncodeToString(line.Bin),
		Index:    line.Index,
		Dis:      line.Dis,
	})

	return nil
}

func (o *jsonWriter) Flush() error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")

	if o.verbose {
		return enc.Encode(o.insts)
	}

	dis := make([]string, len(o.insts))
	for i, inst := range o.insts {
		dis[i] = inst.Dis
	}

	return enc.Encode(dis)
}

var _ instWriter = (*goByteSliceWriter)(nil)

// goByteSliceWriter writes a Go []byte literal with one instruction
// per line. Symbols get their own comment line.
type goByteSliceWriter struct {
	buf bytes.Buffer
	w   io.Writer
}

func (o *goByteSliceWriter) Write(line dasmLine) error {
	if line.StartsSymbol {
		fmt.Fprintf(&o.buf, "\t// %s\n", line.Location)
	}

	o.buf.WriteByte('\t')

	for _, b := range line.Bin {
		fmt.Fprintf(&o.buf, "0x%02x, ", b)
	}

	fmt.Fprintf(&o.buf, "// %s: %s\n", line.Address, line.Dis)

	return nil
}

func (o *goByteSliceWriter) Flush() error {
	_, err := fmt.Fprintf(o.w, "[]byte{\n%s}\n", o.buf.Bytes())
	return err
}
