package process

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

const (
	DefaultPollInterval = time.Second
)

// FindConfig configures FindPID and WaitForPID.
type FindConfig struct {
	// ProgramName is matched against each process's command name
	// (as reported by /proc/<pid>/comm).
	ProgramName string

	// OptProcRoot is the procfs mount point. procfs.DefaultMountPoint
	// is used if empty.
	OptProcRoot string

	// OptPollInterval is the delay between searches performed by
	// WaitForPID. DefaultPollInterval is used if zero.
	OptPollInterval time.Duration
}

// FindPID returns the ID of the one process whose command name is
// config.ProgramName. ErrNoProcess is returned if there is no such
// process, and ErrMultipleProcesses if there are several.
func FindPID(config FindConfig) (int, error) {
	root := config.OptProcRoot
	if root == "" {
		root = procfs.DefaultMountPoint
	}

	fs, err := procfs.NewFS(root)
	if err != nil {
		return 0, fmt.Errorf("failed to open procfs at %s - %w", root, err)
	}

	procs, err := fs.AllProcs()
	if err != nil {
		return 0, fmt.Errorf("failed to list processes - %w", err)
	}

	var matches []int

	for _, proc := range procs {
		comm, err := proc.Comm()
		if err != nil {
			// The process probably exited.
			continue
		}

		if comm == config.ProgramName {
			matches = append(matches, proc.PID)
		}
	}

	switch len(matches) {
	case 0:
		return 0, fmt.Errorf("%s - %w", config.ProgramName, ErrNoProcess)
	case 1:
		return matches[0], nil
	default:
		pids := make([]string, len(matches))
		for i, pid := range matches {
			pids[i] = fmt.Sprint(pid)
		}

		return 0, fmt.Errorf("%s has pids %s - %w",
			config.ProgramName, strings.Join(pids, ", "), ErrMultipleProcesses)
	}
}

// WaitForPID calls FindPID until a single matching process exists
// or ctx is done.
func WaitForPID(ctx context.Context, config FindConfig) (int, error) {
	interval := config.OptPollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pid, err := FindPID(config)
		if err == nil {
			return pid, nil
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("stopped waiting for %s (last error: %s) - %w",
				config.ProgramName, err, ctx.Err())
		case <-ticker.C:
		}
	}
}
