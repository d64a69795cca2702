package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gitlab.com/stephen-fox/revkit/describe"
	"gitlab.com/stephen-fox/revkit/modules"
	"gitlab.com/stephen-fox/revkit/process"
)

const (
	appName = "revkit"
)

type rootFlags struct {
	configPath  string
	logLevel    string
	pid         int
	pgrep       string
	pgrepWait   time.Duration
	images      []string
	foldCase    bool
	demangle    string
	optProcRoot string
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Resolve module and symbol addresses in a process or a set of image files",
		Long: `revkit indexes the images loaded by a running Linux process (--pid or
--pgrep) or an offline snapshot of image files (--image path[@base]) and
answers questions about them:

  - where a module is loaded and which symbols it has
  - what address a "module:symbol+offset" expression evaluates to
  - which module and symbol an address belongs to
  - where a symbol lives in its module's file
  - what the code at an address disassembles to`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.IntVarP(&flags.pid, "pid", "p", 0, "Index the images of the process with this ID")
	pf.StringVar(&flags.pgrep, "pgrep", "", "Wait for a single process with this command name and index it")
	pf.DurationVar(&flags.pgrepWait, "pgrep-timeout", 0, "Stop waiting for --pgrep after this long (0 waits forever)")
	pf.StringArrayVarP(&flags.images, "image", "i", nil, "Add an image file to an offline snapshot (path[@base], repeatable)")
	pf.BoolVar(&flags.foldCase, "fold-case", false, "Match module name patterns case-insensitively")
	pf.StringVar(&flags.demangle, "demangle", "", "Symbol demangling (none, simplified, templates, full)")
	pf.StringVar(&flags.optProcRoot, "proc-root", "", "procfs mount point")
	_ = pf.MarkHidden("proc-root")

	root.AddCommand(newModulesCmd(fs, flags))
	root.AddCommand(newSymbolsCmd(fs, flags))
	root.AddCommand(newResolveCmd(fs, flags))
	root.AddCommand(newDescribeCmd(fs, flags))
	root.AddCommand(newOffsetCmd(fs, flags))
	root.AddCommand(newDasmCmd(fs, flags))
	root.AddCommand(newLoadCmd(fs, flags))

	return root
}

// session is the state shared by every command once the target
// has been chosen.
type session struct {
	config    Config
	logger    zerolog.Logger
	target    modules.Target
	snapshot  *process.Snapshot
	index     *modules.Index
	describer *describe.Describer
}

func newSession(cmd *cobra.Command, fs afero.Fs, flags *rootFlags) (*session, error) {
	config, err := loadConfig(fs, flags.configPath)
	if err != nil {
		return nil, err
	}

	if flags.logLevel != "" {
		config.LogLevel = flags.logLevel
	}

	if flags.foldCase {
		config.Index.FoldCase = true
	}

	if flags.demangle != "" {
		config.Describe.Demangle = flags.demangle
	}

	logger, err := newLogger(config.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	s := &session{
		config: config,
		logger: logger,
	}

	err = s.openTarget(cmd.Context(), fs, flags)
	if err != nil {
		return nil, err
	}

	config.Index.OptFS = fs
	config.Index.OptLogger = &s.logger

	s.index, err = modules.NewIndex(s.target, config.Index)
	if err != nil {
		return nil, err
	}

	s.describer, err = describe.NewDescriber(s.index, config.Describe)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (o *session) openTarget(ctx context.Context, fs afero.Fs, flags *rootFlags) error {
	images := o.config.Images
	for _, arg := range flags.images {
		image, err := parseImageArg(arg)
		if err != nil {
			return err
		}

		images = append(images, image)
	}

	live := flags.pid != 0 || flags.pgrep != ""

	switch {
	case live && len(images) > 0:
		return errors.New("a process and image files cannot both be specified")
	case flags.pid != 0 && flags.pgrep != "":
		return errors.New("--pid and --pgrep are mutually exclusive")
	case live:
		return o.openLive(ctx, flags)
	case len(images) > 0:
		return o.openSnapshot(fs, images)
	default:
		return errors.New("please specify a process (--pid, --pgrep) or image files (--image)")
	}
}

func (o *session) openLive(ctx context.Context, flags *rootFlags) error {
	pid := flags.pid

	if ctx == nil {
		ctx = context.Background()
	}

	if flags.pgrep != "" {
		if flags.pgrepWait > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, flags.pgrepWait)
			defer cancel()
		}

		o.logger.Info().Str("program", flags.pgrep).Msg("waiting for process")

		var err error
		pid, err = process.WaitForPID(ctx, process.FindConfig{
			ProgramName: flags.pgrep,
			OptProcRoot: flags.optProcRoot,
		})
		if err != nil {
			return err
		}
	}

	live, err := process.NewLive(process.LiveConfig{
		PID:         pid,
		OptProcRoot: flags.optProcRoot,
		OptLogger:   &o.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to attach to process %d - %w", pid, err)
	}

	o.target = live

	return nil
}

func (o *session) openSnapshot(fs afero.Fs, images []ImageConfig) error {
	snapshot := process.NewSnapshot(process.SnapshotConfig{
		OptFS:     fs,
		OptLogger: &o.logger,
	})

	for _, image := range images {
		base, err := image.base()
		if err != nil {
			return fmt.Errorf("invalid base for %s - %w", image.Path, err)
		}

		_, err = snapshot.Map(image.Path, base)
		if err != nil {
			return err
		}
	}

	o.target = snapshot
	o.snapshot = snapshot

	return nil
}
