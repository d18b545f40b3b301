package dirsync

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrDirectoryUnavailable is a transient failure. Retry the whole poll
	// with the previous checkpoint.
	ErrDirectoryUnavailable = errors.New("directory unavailable")

	// ErrProtocolUnsupported means the directory does not support DirSync.
	ErrProtocolUnsupported = errors.New("dirsync control unsupported")

	// ErrTokenRejected means the directory refused the resume token. A full
	// baseline poll recovers.
	ErrTokenRejected = errors.New("sync token rejected")

	// ErrMalformedToken is a stored token that cannot be decoded. It also
	// matches ErrTokenRejected.
	ErrMalformedToken = errors.New("malformed sync token")

	// ErrInvalidFilter is a configuration error detected while building the
	// search filter.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrMembershipRefetchFailed means the current membership of a tracked
	// group could not be read.
	ErrMembershipRefetchFailed = errors.New("membership refetch failed")
)

var (
	// ErrStop may be returned by a Handler to end delivery early. The
	// checkpoint is not advanced and the undelivered deltas are redelivered
	// by the next poll.
	ErrStop = errors.New("stop delivery")

	// ErrPollInProgress is returned when Run is called while another Run on
	// the same Engine has not returned.
	ErrPollInProgress = errors.New("poll already in progress")
)

// Error is a sync failure of a given kind.
type Error struct {
	Kind    error  // One of the Err* kinds above
	Op      string // Operation that failed, e.g. "poll" or "refetch"
	Message string // Context for the failure
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	parts := []string{"dirsync " + e.Op + ": " + e.Kind.Error()}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error kind. A malformed token is also a rejected token.
func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Kind == ErrMalformedToken && target == ErrTokenRejected
}

func newError(kind error, op string, err error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// IsRetryable reports whether retrying the same poll unchanged may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDirectoryUnavailable) || errors.Is(err, ErrMembershipRefetchFailed)
}

// IsFatal reports whether the error is a configuration or capability
// problem that no retry can fix.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProtocolUnsupported) || errors.Is(err, ErrInvalidFilter)
}
