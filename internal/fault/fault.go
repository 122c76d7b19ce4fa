// Package fault defines the error taxonomy shared by the store, the relay
// ledger and the task engine.
//
// Every error that crosses a package boundary is a *Error carrying a Kind.
// The dispatcher decides what to do with a failed task purely from the kind:
//
//   - Persistence: abort the task attempt without committing and retry it
//   - ExternalService: the handler re-stages the task with a later time
//   - ProtocolViolation: terminal for the task, which is logged and removed
//   - StaleCommand: not a failure, the work was superseded
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes an error.
type Kind int

const (
	// KindUnknown is reported for errors that were not produced by this package.
	KindUnknown Kind = iota

	// KindPersistence covers store faults: driver errors, unreachable
	// database, corrupt stored records, misuse of a closed iterator.
	KindPersistence

	// KindExternalService covers failed catalog or publication calls.
	KindExternalService

	// KindProtocolViolation covers malformed payloads, invalid state
	// predicates and invalid configuration values.
	KindProtocolViolation

	// KindStaleCommand marks work that discovered it has been superseded.
	KindStaleCommand
)

// String returns the snake_case name used in log lines.
func (k Kind) String() string {
	switch k {
	case KindPersistence:
		return "persistence"
	case KindExternalService:
		return "external_service"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindStaleCommand:
		return "stale_command"
	default:
		return "unknown"
	}
}

// Locus identifies where a persistence or service fault happened.
// Any field may be empty.
type Locus struct {
	Host       string
	DB         string
	Collection string
}

// String renders the non-empty fields as host/db/collection.
func (l Locus) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{l.Host, l.DB, l.Collection} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// IsZero reports whether no locus information is present.
func (l Locus) IsZero() bool {
	return l.Host == "" && l.DB == "" && l.Collection == ""
}

// Error is the single error type of the taxonomy.
type Error struct {
	// Kind selects the dispatcher's reaction.
	Kind Kind

	// Op names the failing operation, e.g. "submit relay item".
	Op string

	// Locus is attached to persistence and service faults where known.
	Locus Locus

	// Err is the underlying cause, possibly nil.
	Err error
}

// Error implements the error interface as "kind: op (locus): cause".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")
	b.WriteString(e.Op)
	if !e.Locus.IsZero() {
		b.WriteString(" (")
		b.WriteString(e.Locus.String())
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Detail returns the message without the kind prefix, for "kind: detail" log lines.
func (e *Error) Detail() string {
	msg := e.Error()
	return strings.TrimPrefix(msg, e.Kind.String()+": ")
}

// Persistence wraps a store fault. A nil err yields nil.
func Persistence(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	// Already classified errors keep their original kind.
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: KindPersistence, Op: op, Locus: Locus{Collection: collection}, Err: err}
}

// PersistenceAt wraps a store fault with a full locus.
func PersistenceAt(op string, locus Locus, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPersistence, Op: op, Locus: locus, Err: err}
}

// External wraps a failed call to the catalog or publication service.
func External(op, host string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: KindExternalService, Op: op, Locus: Locus{Host: host}, Err: err}
}

// Protocol reports a malformed payload, an invalid predicate or a bad setting.
func Protocol(op string, format string, args ...any) error {
	return &Error{Kind: KindProtocolViolation, Op: op, Err: fmt.Errorf(format, args...)}
}

// ProtocolWrap classifies err as a protocol violation.
func ProtocolWrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindProtocolViolation, Op: op, Err: err}
}

// Stale reports superseded work.
func Stale(op string, format string, args ...any) error {
	return &Error{Kind: KindStaleCommand, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsPersistence is shorthand for Is(err, KindPersistence).
func IsPersistence(err error) bool {
	return Is(err, KindPersistence)
}

// IsExternal is shorthand for Is(err, KindExternalService).
func IsExternal(err error) bool {
	return Is(err, KindExternalService)
}

// IsProtocol is shorthand for Is(err, KindProtocolViolation).
func IsProtocol(err error) bool {
	return Is(err, KindProtocolViolation)
}

// IsStale is shorthand for Is(err, KindStaleCommand).
func IsStale(err error) bool {
	return Is(err, KindStaleCommand)
}

// Detail returns the "detail" half of a "kind: detail" log line for any error.
func Detail(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Detail()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
