package main

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gitlab.com/stephen-fox/revkit/addrexpr"
	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
)

const (
	exprHelp = `Expressions have the form:

  [module-pattern:](symbol | integer)[(+|-)offset]

Module patterns may contain '*' wildcards. An integer following a
module is an offset from that module's base. Without a module, symbols
are searched for in every module and integers are absolute addresses.`
)

func newResolveCmd(fs afero.Fs, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve expression...",
		Short: "Evaluate address expressions",
		Long:  "Evaluate address expressions.\n\n" + exprHelp,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, fs, flags)
			if err != nil {
				return err
			}

			for _, text := range args {
				addr, err := addrexpr.Evaluate(s.index, text)
				if err != nil {
					return fmt.Errorf("failed to evaluate %q - %w", text, err)
				}

				fmt.Fprintln(cmd.OutOrStdout(), addr)
			}

			return nil
		},
	}
}

func newDescribeCmd(fs afero.Fs, flags *rootFlags) *cobra.Command {
	var verbose bool
	var deref bool

	cmd := &cobra.Command{
		Use:   "describe expression...",
		Short: "Name the module and symbol that addresses belong to",
		Long:  "Name the module and symbol that addresses belong to.\n\n" + exprHelp,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, fs, flags)
			if err != nil {
				return err
			}

			for _, text := range args {
				addr, err := addrexpr.Evaluate(s.index, text)
				if err != nil {
					return fmt.Errorf("failed to evaluate %q - %w", text, err)
				}

				if deref {
					addr, err = readPointer(s.index, addr)
					if err != nil {
						return fmt.Errorf("failed to dereference %q - %w", text, err)
					}
				}

				desc, err := s.describer.Describe(addr)
				if err != nil {
					return err
				}

				if !verbose {
					fmt.Fprintln(cmd.OutOrStdout(), desc)
					continue
				}

				line := addr.String() + " " + desc.String()
				if len(desc.Aliases) > 0 {
					line += " (aka " + strings.Join(desc.Aliases, ", ") + ")"
				}

				fmt.Fprintln(cmd.OutOrStdout(), line)
			}

			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Also print the address and the symbol's other names")
	cmd.Flags().BoolVar(&deref, "deref", false, "Describe the pointer stored at each address in its module's file (e.g. a GOT slot)")

	return cmd
}

// readPointer reads the pointer stored at addr in the file of the
// module containing addr. Pointers into that module are relocated
// to its base.
func readPointer(index *modules.Index, addr memory.Address) (memory.Address, error) {
	m, err := index.ModuleAt(addr)
	if err != nil {
		return 0, err
	}

	if m == nil {
		return 0, fmt.Errorf("%s is not in a module - %w", addr, modules.ErrNoMatch)
	}

	pointer, err := m.ReadPointer(addr)
	if err != nil {
		return 0, err
	}

	relocated, ok := m.Relocate(pointer.Address())
	if ok {
		return relocated, nil
	}

	return pointer.Address(), nil
}

func newOffsetCmd(fs afero.Fs, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "offset [module-pattern:]symbol...",
		Short: "Print the file offsets of symbols",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, fs, flags)
			if err != nil {
				return err
			}

			for _, moduleSymbol := range args {
				name, offset, err := s.index.LookupOffset(moduleSymbol)
				if err != nil {
					return fmt.Errorf("failed to find file offset of %q - %w", moduleSymbol, err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s 0x%x\n", name, offset)
			}

			return nil
		},
	}
}
