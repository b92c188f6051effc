// Package errs defines the failure taxonomy shared by the store and solver
// packages. Every failure is fatal to the enclosing solve or store session;
// nothing here is meant to be recovered by substituting a default value.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind uint8

const (
	// KindConfig is missing or contradictory configuration, detected before any I/O.
	KindConfig Kind = iota + 1
	// KindRange is an access outside a store's declared extent, or a handle used after close.
	KindRange
	// KindCorruptHeader is a store header that fails to parse.
	KindCorruptHeader
	// KindDependency is a combine step reading a record from an unsolved tier.
	KindDependency
	// KindIO is an underlying device error.
	KindIO
)

// Sentinels matched with errors.Is.
var (
	ErrConfig        = errors.New("config error")
	ErrRange         = errors.New("range error")
	ErrCorruptHeader = errors.New("corrupt header")
	ErrDependency    = errors.New("dependency violation")
	ErrIO            = errors.New("io failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConfig:
		return ErrConfig
	case KindRange:
		return ErrRange
	case KindCorruptHeader:
		return ErrCorruptHeader
	case KindDependency:
		return ErrDependency
	case KindIO:
		return ErrIO
	default:
		return nil
	}
}

// String returns the kind's name.
func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Error carries enough context (index, byte offset, tier) to reproduce a failure.
// Unset context fields are negative.
type Error struct {
	Kind   Kind
	Op     string
	Index  int64
	Offset int64
	Tier   int
	Err    error
}

// New returns an Error of the given kind with no positional context.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Index: -1, Offset: -1, Tier: -1, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// Config is shorthand for a KindConfig error.
func Config(op string, format string, args ...any) *Error {
	return Newf(KindConfig, op, format, args...)
}

// Range is shorthand for a KindRange error.
func Range(op string, format string, args ...any) *Error {
	return Newf(KindRange, op, format, args...)
}

// IO wraps an OS error.
func IO(op string, err error) *Error {
	return New(KindIO, op, err)
}

// WithIndex records the record index involved.
func (e *Error) WithIndex(index uint64) *Error {
	e.Index = int64(index)
	return e
}

// WithOffset records the byte offset involved.
func (e *Error) WithOffset(off int64) *Error {
	e.Offset = off
	return e
}

// WithTier records the tier being solved.
func (e *Error) WithTier(tier int) *Error {
	e.Tier = tier
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Tier >= 0 {
		fmt.Fprintf(&b, " tier=%d", e.Tier)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, " index=%d", e.Index)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " offset=%d", e.Offset)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
