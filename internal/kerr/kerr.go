// Package kerr defines the closed set of error kinds the kernel control
// plane produces (see spec §7). Every kind is carried by the one
// unexported kindError type; the generic Is(err, kind) and KindOf walk
// the error's Unwrap()/Cause() chain looking for an implementer, the
// same shape moby's errdefs package uses for its Is* helpers.
package kerr

import "fmt"

// Kind identifies one of the closed error categories the core produces.
type Kind int

const (
	InvArgs Kind = iota
	InvEP
	NoSEP
	Exists
	NoPerm
	NoSpace
	OutOfMem
	NoCredits
	MissCredits
	RecvGone
	Abort
	TranslationFault
	WouldBlock
	NotFound
	NotSup
	InvState
)

func (k Kind) String() string {
	switch k {
	case InvArgs:
		return "InvArgs"
	case InvEP:
		return "InvEP"
	case NoSEP:
		return "NoSEP"
	case Exists:
		return "Exists"
	case NoPerm:
		return "NoPerm"
	case NoSpace:
		return "NoSpace"
	case OutOfMem:
		return "OutOfMem"
	case NoCredits:
		return "NoCredits"
	case MissCredits:
		return "MissCredits"
	case RecvGone:
		return "RecvGone"
	case Abort:
		return "Abort"
	case TranslationFault:
		return "TranslationFault"
	case WouldBlock:
		return "WouldBlock"
	case NotFound:
		return "NotFound"
	case NotSup:
		return "NotSup"
	case InvState:
		return "InvState"
	}
	return "unknown"
}

// causer mirrors the Cause() convention some wrapped errors use instead of
// (or in addition to) Unwrap().
type causer interface {
	Cause() error
}

// kindError is the concrete wrapper installed by New/Newf.
type kindError struct {
	kind Kind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err)
	}
	return e.msg
}

func (e *kindError) Unwrap() error { return e.err }

func (e *kindError) Kind() Kind { return e.kind }

// kindImplementer is the marker interface each kind's helper looks for.
type kindImplementer interface {
	Kind() Kind
}

// New creates a new error tagged with kind.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with kind, preserving it as the cause.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, msg: msg, err: err}
}

// Is reports whether err (or anything in its unwrap/cause chain) is
// tagged with kind.
func Is(err error, kind Kind) bool {
	impl := getImplementer(err)
	if impl == nil {
		return false
	}
	return impl.Kind() == kind
}

// getImplementer walks the Unwrap()/Cause() chain of err looking for the
// first error implementing kindImplementer.
func getImplementer(err error) kindImplementer {
	for err != nil {
		if impl, ok := err.(kindImplementer); ok {
			return impl
		}
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				if impl := getImplementer(inner); impl != nil {
					return impl
				}
			}
			return nil
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		case causer:
			err = x.Cause()
		default:
			return nil
		}
	}
	return nil
}

// KindOf returns the Kind tagged on err, and false if err carries none.
func KindOf(err error) (Kind, bool) {
	impl := getImplementer(err)
	if impl == nil {
		return 0, false
	}
	return impl.Kind(), true
}
