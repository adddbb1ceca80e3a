package db

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Kinds
// --------------------------------------------------------------------------

// Kind classifies an error.
type Kind uint64

const (
	KindUninitialized      Kind = iota + 1 // 1: operation called before Initialize
	KindAlreadyInitialized                 // 2: Initialize called twice
	KindNotFound                           // 3: unknown store or key
	KindConflict                           // 4: duplicate key or unique index violation
	KindValidation                         // 5: malformed input
	KindBackend                            // 6: native backend failure
	KindCrypto                             // 7: decryption failure
	KindSync                               // 8: network or http failure during sync
	KindTransactionAborted                 // 9: a step of a batch failed
	KindClosed                             // 10: driver was closed
)

func (k Kind) String() string {
	switch k {
	case KindUninitialized:
		return "Uninitialized"
	case KindAlreadyInitialized:
		return "AlreadyInitialized"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindValidation:
		return "ValidationError"
	case KindBackend:
		return "BackendError"
	case KindCrypto:
		return "CryptoError"
	case KindSync:
		return "SyncError"
	case KindTransactionAborted:
		return "TransactionAborted"
	case KindClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Sentinel errors, one per kind. Every *Error matches the sentinel of its kind with errors.Is.
var (
	ErrUninitialized      = &Error{Kind: KindUninitialized, Msg: "driver not initialized"}
	ErrAlreadyInitialized = &Error{Kind: KindAlreadyInitialized, Msg: "driver already initialized"}
	ErrNotFound           = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrConflict           = &Error{Kind: KindConflict, Msg: "conflict"}
	ErrValidation         = &Error{Kind: KindValidation, Msg: "validation failed"}
	ErrBackend            = &Error{Kind: KindBackend, Msg: "backend failure"}
	ErrCrypto             = &Error{Kind: KindCrypto, Msg: "decryption failed"}
	ErrSync               = &Error{Kind: KindSync, Msg: "sync failed"}
	ErrTransactionAborted = &Error{Kind: KindTransactionAborted, Msg: "transaction aborted"}
	ErrClosed             = &Error{Kind: KindClosed, Msg: "driver closed"}
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type returned by drivers and managers.
// It wraps an optional cause so native backend errors stay inspectable.
type Error struct {
	Kind Kind   // The error kind
	Msg  string // Human-readable message
	Err  error  // Optional cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works for every NotFound error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a new error with the given kind and message.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf creates a new error with the given kind and a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a new error of the given kind wrapping cause.
// A nil cause yields nil.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the kind of err, or 0 if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
