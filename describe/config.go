package describe

import (
	"fmt"

	"github.com/ianlancetaylor/demangle"
)

const (
	DemangleNone       = "none"
	DemangleSimplified = "simplified"
	DemangleTemplates  = "templates"
	DemangleFull       = "full"
)

// Config configures a Describer.
type Config struct {
	// Demangle selects how C++ and Rust symbol names are demangled:
	// "none" (or empty), "simplified", "templates", or "full".
	Demangle string `yaml:"demangle"`
}

func (o Config) demangleOptions() ([]demangle.Option, bool, error) {
	switch o.Demangle {
	case "", DemangleNone:
		return nil, false, nil
	case DemangleSimplified:
		return []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams}, true, nil
	case DemangleTemplates:
		return []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams}, true, nil
	case DemangleFull:
		return []demangle.Option{demangle.NoClones}, true, nil
	default:
		return nil, false, fmt.Errorf("unknown demangle mode: %q", o.Demangle)
	}
}
