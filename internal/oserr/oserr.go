// Package oserr defines the typed error kinds surfaced across Overstory.
//
// Store and subprocess errors propagate up wrapped in one of these kinds;
// the CLI catches them at the top level and maps them to a one-line message
// and exit code. Fire-and-forget paths log and swallow instead.
package oserr

import (
	"errors"
	"fmt"
)

// AgentError reports an agent lifecycle, manifest, or identity problem.
type AgentError struct {
	Agent string
	Op    string
	Err   error
}

func (e *AgentError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("agent %s: %s: %v", e.Agent, e.Op, e.Err)
	}
	return fmt.Sprintf("agent: %s: %v", e.Op, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// MailError reports a mail store or routing failure.
type MailError struct {
	Op  string
	Err error
}

func (e *MailError) Error() string { return fmt.Sprintf("mail: %s: %v", e.Op, e.Err) }
func (e *MailError) Unwrap() error { return e.Err }

// IsMail reports whether err is (or wraps) a MailError.
func IsMail(err error) bool {
	var me *MailError
	return errors.As(err, &me)
}

// Sentinel causes carried inside MailError for callers that branch on them.
var (
	// ErrUnknownGroup means a @group address did not match any known group.
	ErrUnknownGroup = errors.New("unknown group address")

	// ErrEmptyBroadcast means a group address resolved to zero recipients.
	ErrEmptyBroadcast = errors.New("resolved to zero recipients")

	// ErrDuplicateID means a message id already exists in the store.
	ErrDuplicateID = errors.New("duplicate message id")
)

// MergeError reports a git checkout, merge, or abort failure.
type MergeError struct {
	Branch string
	Op     string
	Err    error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %s: %s: %v", e.Branch, e.Op, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// ValidationError reports a CLI flag or input shape problem.
type ValidationError struct {
	Field string
	Value string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Msg)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
// The CLI uses this to pick exit code 1 for input problems.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
