// Package download moves media bytes from an open stream onto disk, resumably and with retry classification.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/util"
)

const PartSuffix = ".part"

// PartPath is where a download of path is written until it is complete.
func PartPath(path string) string {
	return path + PartSuffix
}

// An OpenFunc opens the media to be transferred, starting at offset if it can.
type OpenFunc func(ctx context.Context, offset int64) (*course_archiver.Stream, error)

type transferConfig struct {
	expectedSize     int64
	checksum         string
	resume           bool
	progressCallback func(downloaded int64, expected int64)
}

type TransferOption func(*transferConfig)

// WithExpectedSize sets the size the finished file must have, overriding what the server reports.
func WithExpectedSize(size int64) TransferOption {
	return func(c *transferConfig) {
		c.expectedSize = size
	}
}

// WithChecksum sets the "<algorithm>:<hex>" checksum the finished file must match.
func WithChecksum(checksum string) TransferOption {
	return func(c *transferConfig) {
		c.checksum = checksum
	}
}

// WithResume controls whether an existing partial file is continued (the default) or discarded.
func WithResume(resume bool) TransferOption {
	return func(c *transferConfig) {
		c.resume = resume
	}
}

func WithProgressCallback(f func(downloaded int64, expected int64)) TransferOption {
	return func(c *transferConfig) {
		c.progressCallback = f
	}
}

// A Transfer writes one file. Bytes go to PartPath(Path) and the part file is renamed onto Path only once it is
// complete, so Path never holds a truncated file.
type Transfer struct {
	Path   string
	config transferConfig

	downloadedBytes int64
	expectedBytes   int64
}

// Result describes a completed Transfer.
type Result struct {
	Path    string
	Size    int64
	Resumed bool
}

func NewTransfer(path string, opts ...TransferOption) *Transfer {
	t := &Transfer{
		Path:   path,
		config: transferConfig{resume: true},
	}
	for _, opt := range opts {
		opt(&t.config)
	}
	return t
}

func (t *Transfer) AddDownloadedBytes(n int64) {
	t.downloadedBytes += n
	if t.config.progressCallback != nil {
		t.config.progressCallback(t.Progress())
	}
}

func (t *Transfer) SetExpectedBytes(n int64) {
	t.expectedBytes = n
	if t.config.progressCallback != nil {
		t.config.progressCallback(t.Progress())
	}
}

// Progress returns the downloaded and expected bytes of the transfer. Expected is -1 if unknown.
func (t *Transfer) Progress() (int64, int64) {
	return t.downloadedBytes, t.expectedBytes
}

// Write ignores the data but counts it with AddDownloadedBytes, for use as the last writer of an io.MultiWriter.
func (t *Transfer) Write(p []byte) (n int, err error) {
	n = len(p)
	t.AddDownloadedBytes(int64(n))
	return n, nil
}

// Run opens the media with open and writes it to Path. On cancellation or a transient failure the part file is
// left in place so the next Run can continue it.
func (t *Transfer) Run(ctx context.Context, open OpenFunc) (*Result, error) {
	partPath := PartPath(t.Path)
	if err := os.MkdirAll(filepath.Dir(t.Path), 0755); err != nil {
		return nil, &course_archiver.FilesystemError{Path: filepath.Dir(t.Path), Err: err}
	}

	var offset int64
	if st, err := os.Stat(partPath); err == nil && t.config.resume && st.Mode().IsRegular() {
		offset = st.Size()
	} else if err == nil {
		if err := os.Remove(partPath); err != nil {
			return nil, &course_archiver.FilesystemError{Path: partPath, Err: err}
		}
	}

	stream, err := open(ctx, offset)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	flags := os.O_WRONLY | os.O_CREATE
	switch stream.Offset {
	case 0:
		flags |= os.O_TRUNC
	case offset:
		flags |= os.O_APPEND
	default:
		return nil, &course_archiver.TransferError{
			Kind: course_archiver.TransferTerminal,
			Err:  fmt.Errorf("stream starts at %d, have %d bytes", stream.Offset, offset),
		}
	}
	f, err := os.OpenFile(partPath, flags, 0644)
	if err != nil {
		return nil, &course_archiver.FilesystemError{Path: partPath, Err: err}
	}

	expected := stream.Size
	if t.config.expectedSize > 0 {
		expected = t.config.expectedSize
	}
	t.downloadedBytes = stream.Offset
	t.SetExpectedBytes(expected)

	written, copyErr := copyStream(ctx, partPath, io.MultiWriter(f, t), stream)
	closeErr := f.Close()
	if copyErr != nil {
		return nil, copyErr
	}
	if closeErr != nil {
		return nil, &course_archiver.FilesystemError{Path: partPath, Err: closeErr}
	}
	size := stream.Offset + written

	if err := t.verify(partPath, size, expected); err != nil {
		return nil, err
	}
	if err := os.Rename(partPath, t.Path); err != nil {
		return nil, &course_archiver.FilesystemError{Path: t.Path, Err: err}
	}
	return &Result{Path: t.Path, Size: size, Resumed: stream.Offset > 0}, nil
}

func (t *Transfer) verify(partPath string, size int64, expected int64) error {
	switch {
	case size == 0:
		_ = os.Remove(partPath)
		return &course_archiver.TransferError{Kind: course_archiver.TransferTerminal, Err: errors.New("empty response body")}
	case expected > 0 && size < expected:
		// Keep the part file, the next attempt resumes from here
		return &course_archiver.TransferError{
			Kind: course_archiver.TransferTransient,
			Err:  fmt.Errorf("short read: got %d of %d bytes", size, expected),
		}
	case expected > 0 && size > expected:
		_ = os.Remove(partPath)
		return &course_archiver.TransferError{
			Kind: course_archiver.TransferChecksum,
			Err:  fmt.Errorf("size mismatch: got %d bytes, expected %d", size, expected),
		}
	}
	if t.config.checksum != "" {
		ok, err := util.VerifyChecksum(partPath, t.config.checksum)
		if err != nil {
			return &course_archiver.TransferError{Kind: course_archiver.TransferChecksum, Err: err}
		}
		if !ok {
			_ = os.Remove(partPath)
			return &course_archiver.TransferError{
				Kind: course_archiver.TransferChecksum,
				Err:  fmt.Errorf("checksum mismatch, expected %s", t.config.checksum),
			}
		}
	}
	return nil
}

type writeError struct{ err error }

func (e writeError) Error() string { return e.err.Error() }

type failingWriter struct{ w io.Writer }

func (w failingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		return n, writeError{err}
	}
	return n, nil
}

// copyStream copies until EOF or cancellation, telling apart write failures (filesystem) from read failures
// (network) so they are classified correctly.
func copyStream(ctx context.Context, path string, w io.Writer, r io.Reader) (int64, error) {
	n, err := io.Copy(failingWriter{w}, course_archiver.ContextReader(ctx, r))
	if err == nil {
		return n, nil
	}
	var we writeError
	switch {
	case ctx.Err() != nil:
		return n, ctx.Err()
	case errors.As(err, &we):
		return n, &course_archiver.FilesystemError{Path: path, Err: we.err}
	default:
		var transferErr *course_archiver.TransferError
		if errors.As(err, &transferErr) {
			return n, err
		}
		return n, &course_archiver.TransferError{Kind: course_archiver.TransferTransient, Err: err}
	}
}
