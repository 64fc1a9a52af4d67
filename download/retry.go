package download

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanbriolat/course-archiver"
)

// RetryPolicy controls how many times, and how patiently, a failed transfer is attempted again.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

const DefaultMaxRetries = 3

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries}.Normalize()
}

// Normalize fills in defaults for unset fields.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 8 * time.Second
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// BackoffFor returns the delay before retry number attempt (counting from 0), doubling up to MaxBackoff.
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

// BackoffForErr is BackoffFor, stretched to any Retry-After the server sent.
func (p RetryPolicy) BackoffForErr(attempt int, err error) time.Duration {
	backoff := p.BackoffFor(attempt)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > backoff {
		backoff = statusErr.RetryAfter
		if backoff > 4*p.MaxBackoff {
			backoff = 4 * p.MaxBackoff
		}
	}
	return backoff
}

var retryStatusCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// ClassifyStatus maps an HTTP status code onto the kind of transfer failure it represents. Signed media URLs answer
// 403 or 410 once they expire, so those mean "resolve again" rather than "give up".
func ClassifyStatus(code int) course_archiver.TransferErrorKind {
	switch code {
	case http.StatusUnauthorized:
		return course_archiver.TransferUnauthorized
	case http.StatusForbidden, http.StatusGone:
		return course_archiver.TransferExpired
	}
	for _, c := range retryStatusCodes {
		if c == code {
			return course_archiver.TransferTransient
		}
	}
	return course_archiver.TransferTerminal
}

// IsRetryable reports whether err is worth trying again after a backoff without any other intervention.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var transferErr *course_archiver.TransferError
	if errors.As(err, &transferErr) {
		return transferErr.Kind == course_archiver.TransferTransient
	}
	var resolveErr *course_archiver.ResolutionError
	if errors.As(err, &resolveErr) {
		return resolveErr.Temporary
	}
	var fsErr *course_archiver.FilesystemError
	if errors.As(err, &fsErr) {
		return false
	}
	// Anything else is a network-level failure
	return true
}

// Wait sleeps for d, or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(raw); err == nil {
		d := time.Until(when)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}
