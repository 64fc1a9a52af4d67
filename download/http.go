package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanbriolat/course-archiver"
)

// StatusError is an unexpected HTTP response status.
type StatusError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status=%d", redactURL(e.URL), e.StatusCode)
}

func StatusErrorFrom(resp *http.Response) *StatusError {
	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		statusErr.URL = resp.Request.URL.String()
	}
	return statusErr
}

// NewStatusError wraps a bad response as a TransferError of the right kind.
func NewStatusError(resp *http.Response) error {
	statusErr := StatusErrorFrom(resp)
	return &course_archiver.TransferError{
		Kind:       ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Err:        statusErr,
	}
}

// ApplyHeader copies header onto req, replacing existing values.
func ApplyHeader(req *http.Request, header http.Header) {
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// OpenHTTP starts a GET of rawURL, asking for the body from offset onwards if offset > 0. The returned Stream's
// Offset says where the body actually starts: a server that ignores Range gives a full body at offset 0, and a
// server that has nothing past offset gives an empty body at offset.
func OpenHTTP(ctx context.Context, client *http.Client, rawURL string, header http.Header, offset int64) (*course_archiver.Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &course_archiver.TransferError{Kind: course_archiver.TransferTerminal, Err: err}
	}
	ApplyHeader(req, header)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &course_archiver.TransferError{Kind: course_archiver.TransferTransient, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			// Not the range we asked for, so start again without one
			_ = resp.Body.Close()
			return OpenHTTP(ctx, client, rawURL, header, 0)
		}
		return &course_archiver.Stream{ReadCloser: resp.Body, Offset: offset, Size: total}, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		_ = resp.Body.Close()
		_, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok {
			total = offset
		}
		if total != offset {
			return OpenHTTP(ctx, client, rawURL, header, 0)
		}
		return &course_archiver.Stream{ReadCloser: http.NoBody, Offset: offset, Size: total}, nil
	case resp.StatusCode == http.StatusOK:
		return &course_archiver.Stream{ReadCloser: resp.Body, Offset: 0, Size: resp.ContentLength}, nil
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, NewStatusError(resp)
	}
}

// parseContentRange parses "bytes <start>-<end>/<total>" and "bytes */<total>". total is -1 when given as "*".
func parseContentRange(s string) (start int64, total int64, ok bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "bytes ") {
		return 0, 0, false
	}
	rng, size, found := strings.Cut(strings.TrimPrefix(s, "bytes "), "/")
	if !found {
		return 0, 0, false
	}
	total = -1
	if size != "*" {
		var err error
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	if rng == "*" {
		return 0, total, true
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}

// redactURL drops the query string, which for signed URLs holds the signature.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i] + "?…"
	}
	return u
}
