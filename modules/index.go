package modules

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gitlab.com/stephen-fox/revkit/binimg"
	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/pattern"
)

// Slice is a positional range key for Index.Get. Range lookups are
// not supported.
type Slice struct {
	Start int
	End   int
}

// NewIndexOrExit calls NewIndex, invoking DefaultExitFn if an error occurs.
func NewIndexOrExit(target Target, config Config) *Index {
	index, err := NewIndex(target, config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create module index - %w", err))
	}
	return index
}

// NewIndex creates an Index over target's loaded images.
func NewIndex(target Target, config Config) (*Index, error) {
	if target == nil {
		return nil, errors.New("target cannot be nil")
	}

	config = config.withDefaults()

	cache, err := lru.New[uint64, binimg.Image](config.ImageCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache - %w", err)
	}

	return &Index{
		target: target,
		config: config,
		logger: config.logger(),
		images: cache,
		parsed: make(map[ImageInfo]binimg.Image),
	}, nil
}

// Index is the set of Modules currently loaded by a Target, ordered
// by enumeration and indexed by address range.
//
// Every operation re-enumerates the Target's images first and builds
// new Module instances from that enumeration, so the Index never
// serves a stale module list. Changes a caller makes to a returned
// Module (such as SetBase) affect only that instance. Parsed images
// are kept for as long as the Target reports the same name, path,
// base, and size for them.
//
// An Index is not safe for concurrent use.
type Index struct {
	target Target
	config Config
	logger zerolog.Logger
	images *lru.Cache[uint64, binimg.Image]
	parsed map[ImageInfo]binimg.Image

	infos   []ImageInfo
	modules []*Module
	ranges  rangeIndex
}

// Refresh re-enumerates the Target's images. All other methods
// call it implicitly.
func (o *Index) Refresh() error {
	infos, err := o.target.EnumerateImages()
	if err != nil {
		return fmt.Errorf("failed to enumerate images - %w", err)
	}

	previous := make(map[ImageInfo]int, len(o.infos))
	for _, info := range o.infos {
		previous[info]++
	}

	current := make([]*Module, 0, len(infos))
	stillLoaded := make(map[ImageInfo]struct{}, len(infos))

	for _, info := range infos {
		stillLoaded[info] = struct{}{}

		if previous[info] > 0 {
			previous[info]--
		} else {
			o.logger.Debug().
				Str("name", info.Name).
				Str("path", info.Path).
				Stringer("base", info.Base).
				Uint64("size", info.Size).
				Msg("module loaded")
		}

		current = append(current, newTargetModule(info, o.target, o.loadImage))
	}

	for info, n := range previous {
		if n > 0 {
			o.logger.Debug().
				Str("name", info.Name).
				Stringer("base", info.Base).
				Msg("module unloaded")
		}
	}

	for info := range o.parsed {
		if _, ok := stillLoaded[info]; !ok {
			delete(o.parsed, info)
		}
	}

	o.infos = infos
	o.modules = current
	o.ranges = newRangeIndex(current)

	return nil
}

func (o *Index) loadImage(info ImageInfo) (binimg.Image, error) {
	if img, ok := o.parsed[info]; ok {
		return img, nil
	}

	img, err := o.readImage(info)
	if err != nil {
		return nil, err
	}

	o.parsed[info] = img

	return img, nil
}

func (o *Index) readImage(info ImageInfo) (binimg.Image, error) {
	window := o.config.HeaderWindow

	for {
		raw, err := o.target.ReadImageHeader(info, window)
		if err != nil {
			return nil, fmt.Errorf("failed to read header of %s - %w", info.Path, err)
		}

		key := xxhash.Sum64(raw)
		if img, ok := o.images.Get(key); ok {
			return img, nil
		}

		img, err := binimg.Parse(raw)
		if err == nil {
			o.images.Add(key, img)
			return img, nil
		}

		var truncated *binimg.TruncatedHeaderError
		if !errors.As(err, &truncated) {
			o.logger.Debug().Err(err).Str("path", info.Path).Msg("failed to parse image")
			return nil, err
		}

		if len(raw) < window || window >= o.config.MaxHeaderWindow {
			o.logger.Debug().Err(err).Str("path", info.Path).Int("window", window).
				Msg("image header is truncated")
			return nil, err
		}

		next := uint64(window) * 2
		if truncated.Need > next {
			next = truncated.Need
		}

		if next > uint64(o.config.MaxHeaderWindow) {
			next = uint64(o.config.MaxHeaderWindow)
		}

		o.logger.Debug().
			Str("path", info.Path).
			Int("window", window).
			Uint64("next", next).
			Msg("growing header window")

		window = int(next)
	}
}

func (o *Index) compile(glob string) pattern.Glob {
	if o.config.FoldCase {
		return pattern.CompileGlobFold(glob)
	}
	return pattern.CompileGlob(glob)
}

// LookupOrExit calls Lookup, invoking DefaultExitFn if an error occurs.
func (o *Index) LookupOrExit(namePattern string) *Module {
	m, err := o.Lookup(namePattern)
	if err != nil {
		DefaultExitFn(err)
	}
	return m
}

// Lookup returns the first module, in enumeration order, whose name
// matches namePattern. The pattern may contain '*' wildcards.
// ErrNoMatch is returned if no module matches.
func (o *Index) Lookup(namePattern string) (*Module, error) {
	err := o.Refresh()
	if err != nil {
		return nil, err
	}

	return o.lookup(namePattern)
}

func (o *Index) lookup(namePattern string) (*Module, error) {
	if namePattern == "" {
		return nil, fmt.Errorf("empty module name pattern - %w", ErrNoMatch)
	}

	glob := o.compile(namePattern)

	for _, m := range o.modules {
		if glob.Match(m.Name()) {
			return m, nil
		}
	}

	return nil, fmt.Errorf("%q - %w", namePattern, ErrNoMatch)
}

// ModuleAt returns the module whose memory range contains addr,
// or nil if no module does.
func (o *Index) ModuleAt(addr memory.Address) (*Module, error) {
	err := o.Refresh()
	if err != nil {
		return nil, err
	}

	return o.ranges.lookup(addr), nil
}

// ModuleN returns the i-th module in enumeration order, or nil
// if i is out of range.
func (o *Index) ModuleN(i int) (*Module, error) {
	err := o.Refresh()
	if err != nil {
		return nil, err
	}

	if i < 0 || i >= len(o.modules) {
		return nil, nil
	}

	return o.modules[i], nil
}

// Get dispatches on the type of key:
//   - string: Lookup by name pattern
//   - int: ModuleN by position
//   - memory.Address, any other address-like value: ModuleAt
//   - Slice: ErrNotImplemented
func (o *Index) Get(key interface{}) (*Module, error) {
	switch k := key.(type) {
	case string:
		return o.Lookup(k)
	case int:
		return o.ModuleN(k)
	case Slice, *Slice:
		return nil, fmt.Errorf("slice lookups are not supported - %w", ErrNotImplemented)
	}

	addr, err := memory.AddressOf(key)
	if err != nil {
		return nil, fmt.Errorf("unsupported lookup key type %T - %w", key, ErrNotImplemented)
	}

	return o.ModuleAt(addr)
}

// LoadLibraryOrExit calls LoadLibrary, invoking DefaultExitFn if an
// error occurs.
func (o *Index) LoadLibraryOrExit(libPath string) *Module {
	m, err := o.LoadLibrary(libPath)
	if err != nil {
		DefaultExitFn(err)
	}
	return m
}

// LoadLibrary asks the Target to load the library at libPath and
// returns its Module. ErrFileNotFound is returned if the library
// does not exist locally, and ErrNoMatch if the Target does not
// report the library after loading it.
func (o *Index) LoadLibrary(libPath string) (*Module, error) {
	exists, err := afero.Exists(o.config.OptFS, libPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s - %w", libPath, err)
	}

	if !exists {
		return nil, fmt.Errorf("%s - %w", libPath, ErrFileNotFound)
	}

	err = o.target.LoadImage(libPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s - %w", libPath, err)
	}

	err = o.Refresh()
	if err != nil {
		return nil, err
	}

	name := filepath.Base(libPath)

	for _, m := range o.modules {
		if m.Path() == libPath {
			return m, nil
		}
	}

	for _, m := range o.modules {
		if m.Name() == name {
			return m, nil
		}
	}

	return nil, fmt.Errorf("%s was not reported after loading - %w", libPath, ErrNoMatch)
}

// FindSymbol searches every module in enumeration order for the
// named symbol and returns the first match.
func (o *Index) FindSymbol(name string) (*Module, memory.Address, error) {
	err := o.Refresh()
	if err != nil {
		return nil, 0, err
	}

	return o.findSymbol(name)
}

func (o *Index) findSymbol(name string) (*Module, memory.Address, error) {
	for _, m := range o.modules {
		addr, err := m.Resolve(name)
		if err == nil {
			return m, addr, nil
		}

		if !errors.Is(err, ErrSymbolNotFound) {
			o.logger.Debug().Err(err).Str("module", m.Name()).Msg("skipping module")
		}
	}

	return nil, 0, fmt.Errorf("%s - %w", name, ErrSymbolNotFound)
}

// ResolveOrExit calls Resolve, invoking DefaultExitFn if an error occurs.
func (o *Index) ResolveOrExit(namePattern string, symbol string) memory.Address {
	addr, err := o.Resolve(namePattern, symbol)
	if err != nil {
		DefaultExitFn(err)
	}
	return addr
}

// Resolve resolves a symbol in the first module matching
// namePattern. If namePattern is empty, every module is searched.
func (o *Index) Resolve(namePattern string, symbol string) (memory.Address, error) {
	err := o.Refresh()
	if err != nil {
		return 0, err
	}

	if namePattern == "" {
		_, addr, err := o.findSymbol(symbol)
		return addr, err
	}

	m, err := o.lookup(namePattern)
	if err != nil {
		return 0, err
	}

	return m.Resolve(symbol)
}

// LookupOffset resolves "module:symbol" (or a bare symbol, which
// is searched for in every module) and returns the owning module's
// name and the symbol's offset in that module's file. An empty
// module pattern (":symbol") is the same as a bare symbol, and a
// "::" is part of the symbol name.
func (o *Index) LookupOffset(moduleSymbol string) (string, uint64, error) {
	err := o.Refresh()
	if err != nil {
		return "", 0, err
	}

	var m *Module
	var addr memory.Address

	namePattern, symbol := "", moduleSymbol
	if sep := ModuleSeparator(moduleSymbol); sep >= 0 {
		namePattern, symbol = moduleSymbol[:sep], moduleSymbol[sep+1:]
	}

	if namePattern == "" && symbol == "" {
		return "", 0, fmt.Errorf("empty module and symbol - %w", ErrNoMatch)
	}

	if namePattern != "" {
		m, err = o.lookup(namePattern)
		if err != nil {
			return "", 0, err
		}

		addr, err = m.Resolve(symbol)
	} else {
		m, addr, err = o.findSymbol(symbol)
	}
	if err != nil {
		return "", 0, err
	}

	offset, err := m.FileOffset(addr)
	if err != nil {
		return "", 0, err
	}

	return m.Name(), offset, nil
}

// ModuleSeparator returns the index of the first ':' in text that
// separates a module pattern from a symbol, or -1. A "::" is never
// a separator.
func ModuleSeparator(text string) int {
	for i := 0; i < len(text); i++ {
		if text[i] != ':' {
			continue
		}

		if i+1 < len(text) && text[i+1] == ':' {
			i++
			continue
		}

		return i
	}

	return -1
}

// All returns the current modules in enumeration order.
func (o *Index) All() ([]*Module, error) {
	err := o.Refresh()
	if err != nil {
		return nil, err
	}

	out := make([]*Module, len(o.modules))
	copy(out, o.modules)

	return out, nil
}

// Len returns the number of currently loaded modules.
func (o *Index) Len() (int, error) {
	err := o.Refresh()
	if err != nil {
		return 0, err
	}

	return len(o.modules), nil
}

// String lists the current modules, one per line. If enumeration
// fails, the last known modules are listed.
func (o *Index) String() string {
	err := o.Refresh()
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to refresh modules")
	}

	lines := make([]string, len(o.modules))
	for i, m := range o.modules {
		lines[i] = m.String()
	}

	return strings.Join(lines, "\n")
}
