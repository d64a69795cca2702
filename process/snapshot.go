package process

import (
	"fmt"
	"path"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gitlab.com/stephen-fox/revkit/binimg"
	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
)

const (
	DefaultFirstBase = memory.Address(0x555500000000)
)

// SnapshotConfig configures a Snapshot.
type SnapshotConfig struct {
	// OptFS is where image files are read from. The OS file system
	// is used if nil.
	OptFS afero.Fs

	// OptFirstBase is where the first position independent image is
	// placed. DefaultFirstBase is used if zero.
	OptFirstBase memory.Address

	// OptLogger receives debug logs if specified.
	OptLogger *zerolog.Logger
}

// NewSnapshot creates an empty Snapshot.
func NewSnapshot(config SnapshotConfig) *Snapshot {
	fs := config.OptFS
	if fs == nil {
		fs = afero.NewOsFs()
	}

	firstBase := config.OptFirstBase
	if firstBase == 0 {
		firstBase = DefaultFirstBase
	}

	logger := zerolog.Nop()
	if config.OptLogger != nil {
		logger = config.OptLogger.With().Str("component", "process").Logger()
	}

	return &Snapshot{
		fs:        fs,
		firstBase: firstBase,
		logger:    logger,
	}
}

// Snapshot is a modules.Target made up of image files placed at
// chosen addresses. It stands in for a process when analyzing
// binaries offline.
type Snapshot struct {
	fs        afero.Fs
	firstBase memory.Address
	logger    zerolog.Logger
	images    []modules.ImageInfo
}

// MapOrExit calls Map, invoking DefaultExitFn if an error occurs.
func (o *Snapshot) MapOrExit(imagePath string, optBase memory.Address) modules.ImageInfo {
	info, err := o.Map(imagePath, optBase)
	if err != nil {
		DefaultExitFn(err)
	}
	return info
}

// Map adds the image file at imagePath to the snapshot. If optBase
// is zero, the image is placed at its preferred base when that range
// is free, otherwise at the first page past the highest image (and
// no lower than the first base). A non-zero optBase must be page
// aligned.
func (o *Snapshot) Map(imagePath string, optBase memory.Address) (modules.ImageInfo, error) {
	if optBase%pageSize != 0 {
		return modules.ImageInfo{}, fmt.Errorf("base %s is not page aligned", optBase)
	}

	raw, err := afero.ReadFile(o.fs, imagePath)
	if err != nil {
		return modules.ImageInfo{}, fmt.Errorf("failed to read %s - %w", imagePath, err)
	}

	img, err := binimg.Parse(raw)
	if err != nil {
		return modules.ImageInfo{}, fmt.Errorf("failed to parse %s - %w", imagePath, err)
	}

	size := pageAlignUp(img.ImageInfo().ImageSize)
	if size == 0 {
		return modules.ImageInfo{}, fmt.Errorf("%s has no loadable segments - %w",
			imagePath, binimg.ErrMalformed)
	}

	base := optBase
	if base == 0 {
		base = o.place(preferredBase(img), size)
	} else if o.overlaps(base, size) {
		o.logger.Warn().
			Str("path", imagePath).
			Stringer("base", base).
			Msg("image overlaps a previously mapped image")
	}

	info := modules.ImageInfo{
		Name: path.Base(imagePath),
		Path: imagePath,
		Base: base,
		Size: size,
	}

	o.images = append(o.images, info)

	o.logger.Debug().
		Str("path", imagePath).
		Stringer("base", base).
		Uint64("size", size).
		Msg("mapped image")

	return info, nil
}

// Unmap removes every image with the given name. It returns false
// if there was none.
func (o *Snapshot) Unmap(name string) bool {
	kept := o.images[:0]
	for _, info := range o.images {
		if info.Name != name {
			kept = append(kept, info)
		}
	}

	removed := len(kept) != len(o.images)
	o.images = kept

	return removed
}

func preferredBase(img binimg.Image) memory.Address {
	switch v := img.(type) {
	case *binimg.PE:
		return memory.Address(v.ImageBase)
	default:
		return memory.Address(img.ImageInfo().LoadBias)
	}
}

func (o *Snapshot) place(preferred memory.Address, size uint64) memory.Address {
	if preferred != 0 && !o.overlaps(preferred, size) {
		return preferred
	}

	next := o.firstBase

	for _, info := range o.images {
		end := memory.Address(pageAlignUp(uint64(info.Base) + info.Size))
		if end > next {
			next = end
		}
	}

	return next
}

func (o *Snapshot) overlaps(base memory.Address, size uint64) bool {
	end := base + memory.Address(size)

	for _, info := range o.images {
		if base < info.Base+memory.Address(info.Size) && info.Base < end {
			return true
		}
	}

	return false
}

// EnumerateImages returns the mapped images in the order they
// were mapped.
func (o *Snapshot) EnumerateImages() ([]modules.ImageInfo, error) {
	out := make([]modules.ImageInfo, len(o.images))
	copy(out, o.images)
	return out, nil
}

// ReadImageHeader reads up to maxLen bytes of the image's file.
func (o *Snapshot) ReadImageHeader(img modules.ImageInfo, maxLen int) ([]byte, error) {
	return readHeader(o.fs, img.Path, maxLen)
}

// LoadImage maps the image at imagePath the same way Map does
// when no base is given.
func (o *Snapshot) LoadImage(imagePath string) error {
	_, err := o.Map(imagePath, 0)
	return err
}

// OpenImage opens the image's file.
func (o *Snapshot) OpenImage(img modules.ImageInfo) (modules.ImageFile, error) {
	f, err := o.fs.Open(img.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s - %w", img.Path, err)
	}

	return f, nil
}
