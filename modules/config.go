package modules

import (
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	DefaultHeaderWindow    = 4096
	DefaultMaxHeaderWindow = 64 << 20
	DefaultImageCacheSize  = 128
)

// Config configures an Index.
type Config struct {
	// HeaderWindow is the number of bytes initially requested from
	// Target.ReadImageHeader.
	HeaderWindow int `yaml:"header_window"`

	// MaxHeaderWindow bounds the header window growth that happens
	// when an image's tables lie past the initial window.
	MaxHeaderWindow int `yaml:"max_header_window"`

	// ImageCacheSize is the number of parsed images to keep.
	ImageCacheSize int `yaml:"image_cache_size"`

	// FoldCase makes module name patterns case-insensitive.
	FoldCase bool `yaml:"fold_case"`

	// OptFS is used by LoadLibrary to check that a library exists.
	// The OS file system is used if nil.
	OptFS afero.Fs `yaml:"-"`

	// OptLogger receives debug logs if specified.
	OptLogger *zerolog.Logger `yaml:"-"`
}

func (o Config) withDefaults() Config {
	if o.HeaderWindow <= 0 {
		o.HeaderWindow = DefaultHeaderWindow
	}

	if o.MaxHeaderWindow <= 0 {
		o.MaxHeaderWindow = DefaultMaxHeaderWindow
	}

	if o.MaxHeaderWindow < o.HeaderWindow {
		o.MaxHeaderWindow = o.HeaderWindow
	}

	if o.ImageCacheSize <= 0 {
		o.ImageCacheSize = DefaultImageCacheSize
	}

	if o.OptFS == nil {
		o.OptFS = afero.NewOsFs()
	}

	return o
}

func (o Config) logger() zerolog.Logger {
	if o.OptLogger == nil {
		return zerolog.Nop()
	}

	return o.OptLogger.With().Str("component", "modules").Logger()
}
