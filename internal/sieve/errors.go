package sieve

import "errors"

// ErrAssertFailed is returned by Store.Commit when a mutation's Assert
// hash no longer matches the document's live content — the optimistic-
// concurrency conflict signal. Equivalent to CAS failure.
var ErrAssertFailed = errors.New("sieve: assertion failed")

// ErrScriptTooLong is returned (or wrapped) by a Compiler when the
// source exceeds the engine's length limit. Mapped to SetError type
// TooLarge; any other compile error maps to InvalidScript.
var ErrScriptTooLong = errors.New("sieve: script too long")

// ErrServerPartialFail is returned for store errors outside the
// assertion path — the request's surviving per-id results are still
// valid, but this id's outcome could not be determined.
var ErrServerPartialFail = errors.New("sieve: server partial failure")

// SetErrorType is the JMAP-style error tag attached to a per-id result.
type SetErrorType string

const (
	ErrNotFound          SetErrorType = "notFound"
	ErrAlreadyExists     SetErrorType = "alreadyExists"
	ErrTooLarge          SetErrorType = "tooLarge"
	ErrInvalidScript     SetErrorType = "invalidScript"
	ErrBlobNotFound      SetErrorType = "blobNotFound"
	ErrInvalidProperties SetErrorType = "invalidProperties"
	ErrForbidden         SetErrorType = "forbidden"
	ErrScriptIsActive    SetErrorType = "scriptIsActive"
	ErrWillDestroy       SetErrorType = "willDestroy"
	ErrOverQuota         SetErrorType = "overQuota"
	ErrSetServerFail     SetErrorType = "serverPartialFail"
)

// SetError is the per-id failure shape JMAP Set operations return; it
// never aborts the surrounding batch — other ids in the same request
// still succeed or fail independently.
type SetError struct {
	Type        SetErrorType
	Description string
	// ExistingID carries the id of the conflicting script for
	// AlreadyExists, so the caller can report "duplicate of <id>".
	ExistingID string
}

func (e SetError) Error() string {
	if e.Description != "" {
		return string(e.Type) + ": " + e.Description
	}
	return string(e.Type)
}
