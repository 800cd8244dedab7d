// Package fault defines the error taxonomy shared by the polling loop, the
// dispatcher and the admin surface.
package fault

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	// SourceUnavailable: transient network/API failure (includes rate limiting).
	SourceUnavailable Kind = "SourceUnavailable"
	// UnknownIdentity: the remote no longer resolves the identity.
	UnknownIdentity Kind = "UnknownIdentity"
	// DeliveryFailed: a per-group delivery gave up after bounded retries.
	DeliveryFailed Kind = "DeliveryFailed"
	// PersistenceFailure: a State Store or Registry write failed.
	PersistenceFailure Kind = "PersistenceFailure"
	// Invalid: malformed admin input. Never produced by the polling loop.
	Invalid Kind = "Invalid"
)

// Error carries the taxonomy kind plus identity/group context.
type Error struct {
	Kind     Kind
	Op       string
	Identity uint64
	Group    string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteString(")")
	}
	if e.Identity != 0 {
		b.WriteString(" identity=")
		b.WriteString(strconv.FormatUint(e.Identity, 10))
	}
	if e.Group != "" {
		b.WriteString(" group=")
		b.WriteString(e.Group)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, fault.Persistence) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Identity == 0 && t.Group == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	Source      = &Error{Kind: SourceUnavailable}
	Unknown     = &Error{Kind: UnknownIdentity}
	Delivery    = &Error{Kind: DeliveryFailed}
	Persistence = &Error{Kind: PersistenceFailure}
)

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) WithIdentity(id uint64) *Error {
	cp := *e
	cp.Identity = id
	return &cp
}

func (e *Error) WithGroup(group string) *Error {
	cp := *e
	cp.Group = group
	return &cp
}

// Persist wraps a storage error. Nil stays nil.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: PersistenceFailure, Op: op, Err: err}
}

func Invalidf(format string, args ...any) error {
	return &Error{Kind: Invalid, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the taxonomy kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
