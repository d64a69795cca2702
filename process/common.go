package process

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/spf13/afero"
)

const (
	pageSize = 0x1000
)

var (
	// ErrLoadUnsupported is returned by Targets that cannot map
	// new images into their address space.
	ErrLoadUnsupported = errors.New("loading images is not supported by this target")

	// ErrNoProcess is returned when no process matches a search.
	ErrNoProcess = errors.New("no matching process")

	// ErrMultipleProcesses is returned when a search that expects
	// one process finds several.
	ErrMultipleProcesses = errors.New("multiple processes match")
)

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}
)

// readHeader reads up to maxLen bytes from the start of the file
// at path.
func readHeader(fs afero.Fs, path string, maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		return nil, fmt.Errorf("invalid header length: %d", maxLen)
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, maxLen)

	n, err := io.ReadFull(f, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
	default:
		return nil, fmt.Errorf("failed to read %s - %w", path, err)
	}

	return buf[:n], nil
}

func pageAlignUp(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}
