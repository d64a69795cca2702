package addrexpr

import (
	"fmt"
	"strings"

	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
)

// Resolver is the subset of *modules.Index that expressions are
// evaluated against.
type Resolver interface {
	Lookup(namePattern string) (*modules.Module, error)
	FindSymbol(name string) (*modules.Module, memory.Address, error)
}

// EvaluateOrExit calls Evaluate, invoking DefaultExitFn if an error occurs.
func EvaluateOrExit(resolver Resolver, text string) memory.Address {
	addr, err := Evaluate(resolver, text)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to evaluate %q - %w", text, err))
	}
	return addr
}

// Evaluate parses and evaluates text in one step.
func Evaluate(resolver Resolver, text string) (memory.Address, error) {
	expr, err := Parse(text)
	if err != nil {
		return 0, err
	}

	return expr.Evaluate(resolver)
}

// ParseOrExit calls Parse, invoking DefaultExitFn if an error occurs.
func ParseOrExit(text string) Expression {
	expr, err := Parse(text)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to parse %q - %w", text, err))
	}
	return expr
}

// Parse parses an address expression of the form:
//
//	[module_pattern ":"] (symbol | integer) [("+" | "-") offset]
//
// The module pattern may contain '*' wildcards. An empty module
// pattern (":symbol") is the same as no module pattern. Integers and
// offsets are hex when prefixed with "0x", decimal otherwise. A "::"
// is part of the symbol name rather than a module separator.
//
// An empty expression, or one with neither a module nor a symbol
// (i.e. ":"), fails with modules.ErrNoMatch.
func Parse(text string) (Expression, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Expression{}, fmt.Errorf("empty address expression - %w", modules.ErrNoMatch)
	}

	var expr Expression

	rest := text
	if sep := modules.ModuleSeparator(text); sep >= 0 {
		expr.Module = text[:sep]
		expr.HasModule = expr.Module != ""
		rest = text[sep+1:]

		if !expr.HasModule && rest == "" {
			return Expression{}, fmt.Errorf("empty module and symbol - %w", modules.ErrNoMatch)
		}
	}

	if i := strings.LastIndexAny(rest, "+-"); i >= 0 {
		offset, err := memory.ParseUint(strings.TrimSpace(rest[i+1:]))
		if err != nil {
			return Expression{}, fmt.Errorf("invalid offset in %q - %w", text, ErrSyntax)
		}

		if offset > 1<<63-1 {
			return Expression{}, fmt.Errorf("offset in %q is too large - %w", text, ErrSyntax)
		}

		expr.Offset = int64(offset)
		if rest[i] == '-' {
			expr.Offset = -expr.Offset
		}

		rest = strings.TrimSpace(rest[:i])
	}

	if rest == "" {
		return Expression{}, fmt.Errorf("missing symbol in %q - %w", text, ErrSyntax)
	}

	if literal, err := memory.ParseUint(rest); err == nil {
		expr.Literal = memory.Address(literal)
		expr.IsLiteral = true
	} else {
		expr.Symbol = rest
	}

	return expr, nil
}

// Expression is a parsed address expression. Evaluating it again
// after modules load, unload, or move may give a different address.
type Expression struct {
	// Module is the module name pattern. It is meaningful only
	// if HasModule is true.
	Module    string
	HasModule bool

	// Symbol is the symbol name, unless IsLiteral is true, in which
	// case Literal holds the integer.
	Symbol    string
	Literal   memory.Address
	IsLiteral bool

	Offset int64
}

// EvaluateOrExit calls Evaluate, invoking DefaultExitFn if an error occurs.
func (o Expression) EvaluateOrExit(resolver Resolver) memory.Address {
	addr, err := o.Evaluate(resolver)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to evaluate %q - %w", o.String(), err))
	}
	return addr
}

// Evaluate resolves the expression to an address.
//
// Without a module pattern, a symbol is searched for in every module
// in enumeration order and an integer is used as is. With a module
// pattern, the first matching module is used and an integer is an
// offset from its base.
func (o Expression) Evaluate(resolver Resolver) (memory.Address, error) {
	var addr memory.Address

	switch {
	case !o.HasModule && o.IsLiteral:
		addr = o.Literal
	case !o.HasModule:
		_, symAddr, err := resolver.FindSymbol(o.Symbol)
		if err != nil {
			return 0, err
		}

		addr = symAddr
	default:
		m, err := resolver.Lookup(o.Module)
		if err != nil {
			return 0, err
		}

		if o.IsLiteral {
			addr = m.Base() + o.Literal
		} else {
			addr, err = m.Resolve(o.Symbol)
			if err != nil {
				return 0, err
			}
		}
	}

	return addr.Add(o.Offset), nil
}

// String returns the expression in canonical form.
func (o Expression) String() string {
	var b strings.Builder

	if o.HasModule {
		b.WriteString(o.Module)
		b.WriteByte(':')
	}

	if o.IsLiteral {
		b.WriteString(o.Literal.String())
	} else {
		b.WriteString(o.Symbol)
	}

	switch {
	case o.Offset > 0:
		fmt.Fprintf(&b, "+0x%x", o.Offset)
	case o.Offset < 0:
		fmt.Fprintf(&b, "-0x%x", uint64(-o.Offset))
	}

	return b.String()
}
