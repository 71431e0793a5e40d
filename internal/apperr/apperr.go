// Package apperr is the error taxonomy shared by the presence, work mode,
// queue and call engines.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide between retrying and
// rejecting the request.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_state_transition"
	KindIneligible        Kind = "ineligible_assignment"
	KindCapacityExceeded  Kind = "capacity_exceeded"
	KindForbidden         Kind = "forbidden"
	KindInvalid           Kind = "invalid_argument"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrIneligible        = errors.New("ineligible assignment")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalid           = errors.New("invalid argument")
)

var sentinels = map[Kind]error{
	KindNotFound:          ErrNotFound,
	KindInvalidTransition: ErrInvalidTransition,
	KindIneligible:        ErrIneligible,
	KindCapacityExceeded:  ErrCapacityExceeded,
	KindForbidden:         ErrForbidden,
	KindInvalid:           ErrInvalid,
}

// Error is a domain error with enough context to log.
type Error struct {
	Kind   Kind
	Op     string
	Entity string
	ID     string
	Msg    string
}

func (e *Error) Error() string {
	s := e.Op + ": " + string(e.Kind)
	if e.Entity != "" {
		s += " " + e.Entity
		if e.ID != "" {
			s += " " + e.ID
		}
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is lets errors.Is match the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func NotFound(op, entity, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Entity: entity, ID: id}
}

func InvalidTransition(op, entity, id, format string, args ...any) error {
	return &Error{Kind: KindInvalidTransition, Op: op, Entity: entity, ID: id, Msg: fmt.Sprintf(format, args...)}
}

func Ineligible(op, staffID, format string, args ...any) error {
	return &Error{Kind: KindIneligible, Op: op, Entity: "staff", ID: staffID, Msg: fmt.Sprintf(format, args...)}
}

func CapacityExceeded(op, staffID string, active, max int) error {
	return &Error{
		Kind:   KindCapacityExceeded,
		Op:     op,
		Entity: "staff",
		ID:     staffID,
		Msg:    fmt.Sprintf("%d active of %d allowed", active, max),
	}
}

func Forbidden(op, userID, capability string) error {
	return &Error{Kind: KindForbidden, Op: op, Entity: "user", ID: userID, Msg: "missing capability " + capability}
}

func Invalid(op, format string, args ...any) error {
	return &Error{Kind: KindInvalid, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or "" for errors outside the taxonomy
// such as store failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
