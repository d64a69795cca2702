package process

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
)

const (
	deletedSuffix = " (deleted)"
)

// LiveConfig configures a Live target.
type LiveConfig struct {
	// PID is the process ID of the target process.
	PID int

	// OptProcRoot is the procfs mount point. procfs.DefaultMountPoint
	// is used if empty.
	OptProcRoot string

	// OptFS provides the process's view of the file system. It
	// defaults to "<OptProcRoot>/<PID>/root" on the OS file system,
	// so images are read from the process's mount namespace.
	OptFS afero.Fs

	// OptLogger receives debug logs if specified.
	OptLogger *zerolog.Logger
}

// NewLiveOrExit calls NewLive, invoking DefaultExitFn if an error occurs.
func NewLiveOrExit(config LiveConfig) *Live {
	live, err := NewLive(config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to attach to process %d - %w", config.PID, err))
	}
	return live
}

// NewLive creates a modules.Target for a running Linux process.
func NewLive(config LiveConfig) (*Live, error) {
	root := config.OptProcRoot
	if root == "" {
		root = procfs.DefaultMountPoint
	}

	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s - %w", root, err)
	}

	proc, err := fs.Proc(config.PID)
	if err != nil {
		return nil, fmt.Errorf("failed to find process %d - %w", config.PID, err)
	}

	files := config.OptFS
	if files == nil {
		files = afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(),
			path.Join(root, strconv.Itoa(config.PID), "root")))
	}

	logger := zerolog.Nop()
	if config.OptLogger != nil {
		logger = config.OptLogger.With().
			Str("component", "process").
			Int("pid", config.PID).
			Logger()
	}

	return &Live{
		pid:    config.PID,
		proc:   proc,
		files:  files,
		logger: logger,
	}, nil
}

// Live is a modules.Target backed by a running Linux process. Images
// are discovered through the process's memory maps and read through
// its root directory.
type Live struct {
	pid    int
	proc   procfs.Proc
	files  afero.Fs
	logger zerolog.Logger
}

// PID returns the process ID of the target process.
func (o *Live) PID() int {
	return o.pid
}

// EnumerateImages returns one image per file-backed mapping group,
// ordered by lowest mapped address. An image's base is the start of
// its lowest mapping and its size extends to the end of its highest.
func (o *Live) EnumerateImages() ([]modules.ImageInfo, error) {
	maps, err := o.proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory maps of process %d - %w", o.pid, err)
	}

	return groupMaps(maps, o.logger), nil
}

func groupMaps(maps []*procfs.ProcMap, logger zerolog.Logger) []modules.ImageInfo {
	var infos []modules.ImageInfo
	byPath := make(map[string]int)

	for _, m := range maps {
		filePath := strings.TrimSuffix(m.Pathname, deletedSuffix)
		if !strings.HasPrefix(filePath, "/") {
			continue
		}

		start := memory.Address(m.StartAddr)
		end := memory.Address(m.EndAddr)

		i, seen := byPath[filePath]
		if !seen {
			if m.Offset != 0 {
				logger.Debug().
					Str("path", filePath).
					Int64("offset", m.Offset).
					Msg("first mapping does not start at file offset zero")
			}

			byPath[filePath] = len(infos)
			infos = append(infos, modules.ImageInfo{
				Name: path.Base(filePath),
				Path: filePath,
				Base: start,
				Size: uint64(end - start),
			})
			continue
		}

		info := &infos[i]
		if start < info.Base {
			info.Size += uint64(info.Base - start)
			info.Base = start
		}

		if end > info.Base+memory.Address(info.Size) {
			info.Size = uint64(end - info.Base)
		}
	}

	return infos
}

// ReadImageHeader reads up to maxLen bytes of the image's file.
func (o *Live) ReadImageHeader(img modules.ImageInfo, maxLen int) ([]byte, error) {
	return readHeader(o.files, img.Path, maxLen)
}

// LoadImage always fails with ErrLoadUnsupported. Mapping a library
// into a live process requires code injection.
func (o *Live) LoadImage(imagePath string) error {
	return fmt.Errorf("cannot load %s into process %d - %w", imagePath, o.pid, ErrLoadUnsupported)
}

// OpenImage opens the image's file.
func (o *Live) OpenImage(img modules.ImageInfo) (modules.ImageFile, error) {
	f, err := o.files.Open(img.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s - %w", img.Path, err)
	}

	return f, nil
}
