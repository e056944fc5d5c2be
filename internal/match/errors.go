package match

import (
	"github.com/cockroachdb/errors"
)

// Error taxonomy surfaced to callers. Match with errors.Is from
// github.com/cockroachdb/errors.
var (
	ErrNotFound             = errors.New("match not found")
	ErrUnauthorized         = errors.New("actor not permitted for this transition")
	ErrInvalidState         = errors.New("match status does not allow this transition")
	ErrAlreadyCommitted     = errors.New("participant already has an active match")
	ErrConcurrentCommitment = errors.New("concurrent commitment detected")
	ErrInvalidScore         = errors.New("invalid score")
	ErrInvalidInput         = errors.New("invalid input")

	ErrCreatorCommitted = errors.New("creator already in an active match")
)

// CreatorCommitted wraps ErrCreatorCommitted and marks the result as
// ErrAlreadyCommitted. A plain ErrAlreadyCommitted does not match
// ErrCreatorCommitted.
func CreatorCommitted(format string, args ...any) error {
	return errors.Mark(errors.Wrapf(ErrCreatorCommitted, format, args...), ErrAlreadyCommitted)
}

// CreatorCommittedReason is stored on invitations auto-rejected by accept.
const CreatorCommittedReason = "creator already in an active match"

// Codes are stable identifiers used for message lookup and HTTP mapping.
const (
	CodeNotFound             = "not_found"
	CodeUnauthorized         = "unauthorized"
	CodeInvalidState         = "invalid_state"
	CodeAlreadyCommitted     = "already_committed"
	CodeCreatorCommitted     = "creator_committed"
	CodeConcurrentCommitment = "concurrent_commitment"
	CodeInvalidScore         = "invalid_score"
	CodeInvalidInput         = "invalid_input"
	CodeInternal             = "internal"
)

// Code maps any error chain to its taxonomy code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrCreatorCommitted):
		return CodeCreatorCommitted
	case errors.Is(err, ErrAlreadyCommitted):
		return CodeAlreadyCommitted
	case errors.Is(err, ErrConcurrentCommitment):
		return CodeConcurrentCommitment
	case errors.Is(err, ErrInvalidScore):
		return CodeInvalidScore
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	default:
		return CodeInternal
	}
}

// Retryable reports whether a caller may retry once after re-reading state.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentCommitment)
}
