package modules

import (
	"io"

	"gitlab.com/stephen-fox/revkit/memory"
)

// ImageInfo describes an image that a Target reports as loaded.
type ImageInfo struct {
	Name string
	Path string
	Base memory.Address
	Size uint64
}

// ImageFile is a read-only handle to an image's backing file.
type ImageFile interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
}

// Target abstracts the process (or snapshot of a process) whose
// address space is being indexed.
//
// Implementations may block on I/O, but must not cache on behalf of
// the Index. EnumerateImages is called at the start of every Index
// operation.
type Target interface {
	// EnumerateImages returns the currently loaded images in
	// load order.
	EnumerateImages() ([]ImageInfo, error)

	// ReadImageHeader returns up to maxLen bytes of the image's
	// file, starting at offset zero. Fewer bytes are returned
	// only when the file is shorter than maxLen.
	ReadImageHeader(img ImageInfo, maxLen int) ([]byte, error)

	// LoadImage asks the target to load the library at path.
	LoadImage(path string) error

	// OpenImage returns a new read-only handle to the image's file.
	OpenImage(img ImageInfo) (ImageFile, error)
}
