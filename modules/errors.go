package modules

import (
	"errors"
	"log"
)

var (
	// ErrSymbolNotFound is returned when a module (or every module)
	// does not define the requested symbol.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrNoMatch is returned when a module name pattern matches
	// no loaded module.
	ErrNoMatch = errors.New("no module matches")

	// ErrInvalidAssignment is returned when a Module setter is
	// given a value of the wrong type.
	ErrInvalidAssignment = errors.New("invalid assignment")

	// ErrNotImplemented is returned for unsupported lookup keys.
	ErrNotImplemented = errors.New("not implemented")

	// ErrFileNotFound is returned by LoadLibrary when the library
	// does not exist locally.
	ErrFileNotFound = errors.New("file not found")

	// ErrNotFileBacked is returned when an address has no
	// corresponding file offset (e.g. it is in .bss).
	ErrNotFileBacked = errors.New("address is not file backed")
)

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}
)
