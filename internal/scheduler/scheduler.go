// Package scheduler runs download tasks on a bounded pool of workers, recording every outcome in the manifest.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/download"
	"github.com/alanbriolat/course-archiver/internal/layout"
	"github.com/alanbriolat/course-archiver/internal/manifest"
)

const DefaultConcurrency = 3

// A Task is one ContentItem to fetch, already classified and given a destination.
type Task struct {
	Key   course_archiver.ItemKey
	Item  course_archiver.ContentItem
	Match *course_archiver.Match
	// Path is the destination from the organizer. The extension may be replaced by the one the backend resolves.
	Path string
}

func (t *Task) Backend() course_archiver.Backend {
	if t.Match == nil || t.Match.Source == nil {
		return course_archiver.BackendUnknown
	}
	return t.Match.Backend()
}

// A Result is the outcome of one Task.
type Result struct {
	Task  *Task
	Entry *manifest.Entry
	// Skipped is true if the manifest already had the item done and its file intact.
	Skipped bool
	Err     error
}

// Reason is the manifest reason of a failed result.
func (r *Result) Reason() course_archiver.Reason {
	if r.Entry != nil && r.Entry.Reason != course_archiver.ReasonNone {
		return r.Entry.Reason
	}
	return course_archiver.ReasonFor(r.Err)
}

// Progress is reported as a task's bytes arrive. Expected is -1 if unknown.
type Progress struct {
	Task       *Task
	Downloaded int64
	Expected   int64
}

type Options struct {
	Concurrency int
	Retry       download.RetryPolicy
	// RunID is stamped on every entry updated by the run; a random one is used if empty.
	RunID string
	// Progress is called from worker goroutines, so must be safe for concurrent use.
	Progress func(Progress)
	// NoResume discards partial files left by an earlier attempt instead of continuing them.
	NoResume bool
}

// A Scheduler executes Tasks against one session and one manifest.
type Scheduler struct {
	opts    Options
	session course_archiver.Session
	store   *manifest.Store
	log     *zap.SugaredLogger
	now     func() time.Time
	wait    func(ctx context.Context, d time.Duration) error
}

func New(session course_archiver.Session, store *manifest.Store, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	opts.Retry = opts.Retry.Normalize()
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Scheduler{
		opts:    opts,
		session: session,
		store:   store,
		log:     zap.S().Named("scheduler").With("run", opts.RunID),
		now:     time.Now,
		wait:    download.Wait,
	}
}

func (s *Scheduler) RunID() string {
	return s.opts.RunID
}

// Run starts executing tasks and returns their results as they complete, in no particular order. The channel is
// closed once every started task has finished. After ctx is cancelled no further tasks are started, and tasks in
// flight stop after their current write and are left pending, with any partial file kept for the next run.
func (s *Scheduler) Run(ctx context.Context, tasks []*Task) <-chan Result {
	results := make(chan Result)
	jobs := make(chan *Task)

	go func() {
		defer close(jobs)
		for _, t := range tasks {
			select {
			case jobs <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				if ctx.Err() != nil {
					// Drain without starting anything
					continue
				}
				results <- s.execute(ctx, t)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

func (s *Scheduler) execute(ctx context.Context, t *Task) Result {
	log := s.log.With("item", t.Key.Display(), "backend", t.Backend())

	entry, err := s.store.Get(t.Key)
	if err != nil {
		return Result{Task: t, Err: err}
	}
	if entry != nil && entry.Status == manifest.StatusDone && layout.SameStem(entry.Path, t.Path) && manifest.Intact(entry) {
		log.Debugw("already done", "path", entry.Path)
		return Result{Task: t, Entry: entry, Skipped: true}
	}

	if t.Item.Err != nil {
		return s.fail(t, log, t.Item.Err)
	}
	if t.Backend() == course_archiver.BackendUnknown {
		err := error(&course_archiver.ResolutionError{Backend: course_archiver.BackendUnknown, Err: course_archiver.ErrUnsupportedBackend})
		if t.Match != nil && t.Match.Err != nil {
			err = fmt.Errorf("%w: %v", err, t.Match.Err)
		}
		log.Warnw("no backend recognises item", "reference", t.Item.Reference)
		return s.fail(t, log, err)
	}

	entry, err = s.store.Update(t.Key, func(e *manifest.Entry) error {
		e.Title = t.Item.Title
		e.Backend = t.Backend()
		e.Status = manifest.StatusInProgress
		e.Path = t.Path
		e.Reason = course_archiver.ReasonNone
		e.Detail = ""
		e.Attempts++
		e.RunID = s.opts.RunID
		return nil
	})
	if err != nil {
		return Result{Task: t, Err: err}
	}

	res, d, err := s.transfer(ctx, t, log)
	switch {
	case err == nil:
		entry, err = s.store.Update(t.Key, func(e *manifest.Entry) error {
			e.Status = manifest.StatusDone
			e.Path = res.Path
			e.Size = res.Size
			e.Checksum = d.Checksum
			return nil
		})
		if err != nil {
			return Result{Task: t, Err: err}
		}
		log.Infow("downloaded", "path", res.Path, "size", res.Size, "resumed", res.Resumed)
		return Result{Task: t, Entry: entry}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		entry, updateErr := s.store.Update(t.Key, func(e *manifest.Entry) error {
			e.Status = manifest.StatusPending
			e.Detail = "canceled"
			return nil
		})
		if updateErr != nil {
			log.Errorw("failed to roll back entry", "error", updateErr)
		}
		log.Infow("canceled")
		return Result{Task: t, Entry: entry, Err: err}
	default:
		return s.fail(t, log, err)
	}
}

// transfer resolves the task's source and downloads it, retrying as the failure allows: transient failures after a
// backoff, expired URLs after resolving again, and rejected sessions after logging in again. An expiry or
// rejection straight after that remedy is final.
func (s *Scheduler) transfer(ctx context.Context, t *Task, log *zap.SugaredLogger) (*download.Result, *course_archiver.MediaDescriptor, error) {
	source := t.Match.Source
	var (
		d       *course_archiver.MediaDescriptor
		lastErr error
		retried course_archiver.TransferErrorKind
	)
	for attempt := 0; attempt <= s.opts.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debugw("retrying", "attempt", attempt, "error", lastErr)
		}
		token := s.session.Token()
		if d == nil || d.Expired(s.now()) {
			var err error
			if d, err = source.Resolve(ctx, s.session); err != nil {
				d = nil
				if lastErr = err; !download.IsRetryable(err) {
					return nil, nil, err
				}
				if err := s.backoff(ctx, attempt, err); err != nil {
					return nil, nil, err
				}
				continue
			}
		}

		path := layout.WithExt(t.Path, d.Ext)
		desc := d
		transfer := download.NewTransfer(path,
			download.WithExpectedSize(d.Size),
			download.WithChecksum(d.Checksum),
			download.WithResume(!s.opts.NoResume),
			download.WithProgressCallback(func(downloaded int64, expected int64) {
				if s.opts.Progress != nil {
					s.opts.Progress(Progress{Task: t, Downloaded: downloaded, Expected: expected})
				}
			}),
		)
		res, err := transfer.Run(ctx, func(ctx context.Context, offset int64) (*course_archiver.Stream, error) {
			return source.Open(ctx, s.session, desc, offset)
		})
		if err == nil {
			return res, d, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		var transferErr *course_archiver.TransferError
		if errors.As(err, &transferErr) {
			switch transferErr.Kind {
			case course_archiver.TransferExpired:
				if retried == course_archiver.TransferExpired {
					return nil, nil, err
				}
				retried = transferErr.Kind
				log.Infow("source URL rejected, resolving again", "error", err)
				d = nil
				continue
			case course_archiver.TransferUnauthorized:
				if retried == course_archiver.TransferUnauthorized {
					return nil, nil, err
				}
				retried = transferErr.Kind
				log.Infow("session rejected, logging in again", "error", err)
				if err := s.session.Reauthenticate(ctx, token); err != nil {
					return nil, nil, err
				}
				d = nil
				continue
			}
		}
		retried = ""
		if !download.IsRetryable(err) {
			return nil, nil, err
		}
		if err := s.backoff(ctx, attempt, err); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("giving up after %d attempts: %w", s.opts.Retry.MaxRetries+1, lastErr)
}

func (s *Scheduler) backoff(ctx context.Context, attempt int, err error) error {
	if attempt >= s.opts.Retry.MaxRetries {
		return nil
	}
	return s.wait(ctx, s.opts.Retry.BackoffForErr(attempt, err))
}

func (s *Scheduler) fail(t *Task, log *zap.SugaredLogger, cause error) Result {
	reason := course_archiver.ReasonFor(cause)
	entry, err := s.store.Update(t.Key, func(e *manifest.Entry) error {
		e.Title = t.Item.Title
		e.Backend = t.Backend()
		e.Status = manifest.StatusFailed
		if e.Path == "" {
			e.Path = t.Path
		}
		e.Reason = reason
		e.Detail = cause.Error()
		e.RunID = s.opts.RunID
		return nil
	})
	if err != nil {
		return Result{Task: t, Err: err}
	}
	if reason.IsWarning() {
		log.Warnw("not downloadable", "reason", reason, "error", cause)
	} else {
		log.Errorw("failed", "reason", reason, "error", cause)
	}
	return Result{Task: t, Entry: entry, Err: cause}
}
