package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gitlab.com/stephen-fox/revkit/pattern"
)

func newModulesCmd(fs afero.Fs, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "modules [name-pattern]",
		Short: "List loaded modules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, fs, flags)
			if err != nil {
				return err
			}

			all, err := s.index.All()
			if err != nil {
				return err
			}

			glob := pattern.CompileGlob("*")
			if len(args) > 0 {
				glob = compileGlob(args[0], s.config.Index.FoldCase)
			}

			for _, m := range all {
				if glob.Match(m.Name()) {
					fmt.Fprintln(cmd.OutOrStdout(), m.String())
				}
			}

			return nil
		},
	}
}

func newSymbolsCmd(fs afero.Fs, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "symbols module-pattern [symbol-pattern]",
		Short: "List a module's symbols ordered by address",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, fs, flags)
			if err != nil {
				return err
			}

			m, err := s.index.Lookup(args[0])
			if err != nil {
				return err
			}

			table, err := m.Symbols()
			if err != nil {
				return fmt.Errorf("failed to load symbols of %s - %w", m.Name(), err)
			}

			glob := pattern.CompileGlob("*")
			if len(args) > 1 {
				glob = pattern.CompileGlob(args[1])
			}

			for _, sym := range table.All() {
				if !glob.Match(sym.Name) {
					continue
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s %-8s %s\n", sym.Address, sym.Kind, sym.Name)
			}

			return nil
		},
	}
}

func newLoadCmd(fs afero.Fs, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "load library-path...",
		Short: "Load libraries into an image snapshot and list the resulting modules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, fs, flags)
			if err != nil {
				return err
			}

			for _, libPath := range args {
				m, err := s.index.LoadLibrary(libPath)
				if err != nil {
					return err
				}

				s.logger.Info().Str("module", m.Name()).Msg("loaded library")
			}

			fmt.Fprintln(cmd.OutOrStdout(), s.index.String())

			return nil
		},
	}
}

func compileGlob(glob string, foldCase bool) pattern.Glob {
	if foldCase {
		return pattern.CompileGlobFold(glob)
	}
	return pattern.CompileGlob(glob)
}
