package aidb

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/dbkernel"
	"github.com/genuineh/aidb/internal/record"
)

// Kind tags an Error with the category a caller needs to branch on
// (spec.md §7 "Error taxonomy"). Callers should use the Is* helpers
// below (or errors.As against *Error) rather than inspecting Error()
// text.
type Kind int

const (
	// KindIO is an underlying filesystem failure.
	KindIO Kind = iota
	// KindCorruption is a CRC mismatch, bad magic, truncated block or
	// footer, invalid varint, unknown compression tag, or out-of-order
	// key within a block.
	KindCorruption
	// KindInvalidArgument is malformed caller input: an empty key or an
	// inverted scan range. Batch size is not limited, so no batch is
	// rejected for being too large.
	KindInvalidArgument
	// KindNotFound is returned by Open when the directory is missing
	// and CreateIfMissing is false.
	KindNotFound
	// KindAlreadyExists is returned by Open when the directory is
	// non-empty and ErrorIfExists is true.
	KindAlreadyExists
	// KindInternal is an invariant violation caught at runtime, e.g. an
	// SSTable with an unparseable filename reaching compaction.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the tagged error type every exported DB method returns
// (spec.md §7 "errors are surfaced as a tagged enum"). It wraps the
// underlying cause so errors.Is/errors.As still see through to it.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("aidb: %s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("aidb: %s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As, so a
// caller can still test for e.g. io/fs sentinel errors if they need to.
func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// classify maps an error surfaced by internal/dbkernel onto the
// public tagged taxonomy. It recognizes dbkernel's exported sentinels
// via errors.Is rather than matching on Error() text — the anti-pattern
// this package replaces (the old teacher facade compared
// err.Error() == "lsm: db is closed" string literals).
func classify(err error, detail string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, dbkernel.ErrDirNotFound):
		return newError(KindNotFound, detail, err)
	case errors.Is(err, dbkernel.ErrDirExists):
		return newError(KindAlreadyExists, detail, err)
	case errors.Is(err, dbkernel.ErrInvalidArgument):
		return newError(KindInvalidArgument, detail, err)
	case errors.Is(err, dbkernel.ErrClosed):
		return newError(KindInternal, detail, err)
	case errors.Is(err, record.ErrCorruption):
		return newError(KindCorruption, detail, err)
	default:
		return newError(KindIO, detail, err)
	}
}

// IsNotFound reports whether err is a KindNotFound Error.
func IsNotFound(err error) bool { return kindIs(err, KindNotFound) }

// IsAlreadyExists reports whether err is a KindAlreadyExists Error.
func IsAlreadyExists(err error) bool { return kindIs(err, KindAlreadyExists) }

// IsInvalidArgument reports whether err is a KindInvalidArgument Error.
func IsInvalidArgument(err error) bool { return kindIs(err, KindInvalidArgument) }

// IsCorruption reports whether err is a KindCorruption Error.
func IsCorruption(err error) bool { return kindIs(err, KindCorruption) }

func kindIs(err error, k Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
