package addrexpr

import (
	"errors"
	"log"
)

var (
	// ErrSyntax is returned when text is not an address expression.
	ErrSyntax = errors.New("invalid address expression")
)

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}
)
