package course_archiver

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedBackend = errors.New("unsupported media backend")
	ErrNoSession          = errors.New("no authenticated session")
	ErrNoCookies          = errors.New("no browser cookies available")
)

type AuthErrorKind string

const (
	InvalidCredentials      AuthErrorKind = "InvalidCredentials"
	NetworkFailure          AuthErrorKind = "NetworkFailure"
	UnexpectedResponseShape AuthErrorKind = "UnexpectedResponseShape"
)

// AuthError aborts a run: nothing is downloadable without a session.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authentication failed: %s", e.Kind)
	}
	return fmt.Sprintf("authentication failed: %s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

type TreeErrorKind string

const (
	CourseNotFound TreeErrorKind = "CourseNotFound"
	AccessDenied   TreeErrorKind = "AccessDenied"
	PartialTree    TreeErrorKind = "PartialTree"
)

// TreeError reports a course discovery failure. PartialTree errors accompany a usable (incomplete) Course.
type TreeError struct {
	Kind TreeErrorKind
	// Unit names the module or lesson that failed, if the failure is isolated to one.
	Unit string
	Err  error
}

func (e *TreeError) Error() string {
	msg := "course extraction failed: " + string(e.Kind)
	if e.Unit != "" {
		msg += " [" + e.Unit + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TreeError) Unwrap() error { return e.Err }

// ResolutionError is isolated to one ContentItem.
type ResolutionError struct {
	Backend Backend
	Err     error
	// Temporary is true if resolving again later may succeed.
	Temporary bool
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Backend, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type TransferErrorKind string

const (
	// TransferTransient failures (timeouts, 5xx, short reads) are retried with backoff.
	TransferTransient TransferErrorKind = "transient"
	// TransferExpired failures mean the source URL must be resolved again before retrying.
	TransferExpired TransferErrorKind = "expired"
	// TransferUnauthorized failures mean the platform session must be re-authenticated.
	TransferUnauthorized TransferErrorKind = "unauthorized"
	// TransferTerminal failures are recorded and not retried.
	TransferTerminal TransferErrorKind = "terminal"
	// TransferChecksum means the completed file did not match the declared size or checksum.
	TransferChecksum TransferErrorKind = "checksum"
)

type TransferError struct {
	Kind       TransferErrorKind
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfer failed (%s, status=%d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transfer failed (%s): %v", e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// FilesystemError is fatal for the task it occurs in only.
type FilesystemError struct {
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error at %s: %v", e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// Reason is the stable failure code recorded for a ContentItem.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonUnsupportedBackend Reason = "UnsupportedBackend"
	ReasonTreeExtraction     Reason = "TreeExtraction"
	ReasonResolution         Reason = "Resolution"
	ReasonTransfer           Reason = "Transfer"
	ReasonChecksum           Reason = "Checksum"
	ReasonFilesystem         Reason = "Filesystem"
	ReasonAuth               Reason = "Auth"
	ReasonCanceled           Reason = "Canceled"
)

// IsWarning is true for reasons that are reported but do not fail a run.
func (r Reason) IsWarning() bool {
	return r == ReasonUnsupportedBackend
}

// ReasonFor classifies an error into the Reason recorded for it.
func ReasonFor(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var (
		authErr     *AuthError
		treeErr     *TreeError
		resolveErr  *ResolutionError
		transferErr *TransferError
		fsErr       *FilesystemError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, ErrUnsupportedBackend):
		return ReasonUnsupportedBackend
	case errors.As(err, &fsErr):
		return ReasonFilesystem
	case errors.As(err, &transferErr):
		if transferErr.Kind == TransferChecksum {
			return ReasonChecksum
		}
		return ReasonTransfer
	case errors.As(err, &resolveErr):
		return ReasonResolution
	case errors.As(err, &treeErr):
		return ReasonTreeExtraction
	case errors.As(err, &authErr):
		return ReasonAuth
	default:
		return ReasonTransfer
	}
}
