package scheduler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/download"
	"github.com/alanbriolat/course-archiver/internal/fakesession"
	"github.com/alanbriolat/course-archiver/internal/manifest"
)

var content = bytes.Repeat([]byte("0123456789"), 1000)

// fakeSource resolves to each of urls in turn, repeating the last one.
type fakeSource struct {
	urls     []string
	resolves int32
}

func (f *fakeSource) Backend() course_archiver.Backend {
	return course_archiver.BackendVimeo
}

func (f *fakeSource) Resolve(ctx context.Context, s course_archiver.Session) (*course_archiver.MediaDescriptor, error) {
	i := int(atomic.AddInt32(&f.resolves, 1)) - 1
	if i >= len(f.urls) {
		i = len(f.urls) - 1
	}
	return &course_archiver.MediaDescriptor{
		Backend: course_archiver.BackendVimeo,
		URLs:    []string{s.BaseURL() + f.urls[i]},
		Ext:     "mp4",
	}, nil
}

func (f *fakeSource) Open(ctx context.Context, s course_archiver.Session, d *course_archiver.MediaDescriptor, offset int64) (*course_archiver.Stream, error) {
	return download.OpenHTTP(ctx, s.HTTPClient(), d.FirstURL(), d.Header, offset)
}

func (f *fakeSource) Resolves() int {
	return int(atomic.LoadInt32(&f.resolves))
}

type fixture struct {
	t       *testing.T
	mux     *http.ServeMux
	srv     *httptest.Server
	session *fakesession.Session
	store   *manifest.Store
	dir     string

	mu   sync.Mutex
	hits map[string]int
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{t: t, mux: http.NewServeMux(), dir: t.TempDir(), hits: make(map[string]int)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		f.mu.Unlock()
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	f.session = fakesession.New(f.srv.URL, f.srv.Client())
	store, err := manifest.Open(filepath.Join(f.dir, ".manifest.db"))
	require_.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f.store = store
	return f
}

func (f *fixture) Hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fixture) TotalHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.hits {
		n += h
	}
	return n
}

func (f *fixture) Scheduler(opts Options) *Scheduler {
	opts.Retry = download.RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	return New(f.session, f.store, opts)
}

func (f *fixture) Task(id string, source course_archiver.Source) *Task {
	return &Task{
		Key:   course_archiver.ItemKey{CourseID: "c", ModuleID: "m", LessonID: "l", ItemID: id},
		Item:  course_archiver.ContentItem{ID: id, Kind: course_archiver.ContentKindVideo, Title: id},
		Match: &course_archiver.Match{ProviderName: "fake", Source: source},
		Path:  filepath.Join(f.dir, "Course", "01-Module", "01-Lesson", id+".mp4"),
	}
}

func serveContent(w http.ResponseWriter, r *http.Request) {
	http.ServeContent(w, r, "video.mp4", time.Time{}, bytes.NewReader(content))
}

func collect(results <-chan Result) []Result {
	var out []Result
	for r := range results {
		out = append(out, r)
	}
	return out
}

func runOne(t *testing.T, s *Scheduler, task *Task) Result {
	results := collect(s.Run(context.Background(), []*Task{task}))
	require_.Len(t, results, 1)
	return results[0]
}

func TestRetryThenDone(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)
	f := newFixture(t)
	var calls int32
	f.mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		serveContent(w, r)
	})
	task := f.Task("video", &fakeSource{urls: []string{"/flaky"}})

	r := runOne(t, f.Scheduler(Options{}), task)
	require.NoError(r.Err)
	assert.False(r.Skipped)
	require.NotNil(r.Entry)
	assert.Equal(manifest.StatusDone, r.Entry.Status)
	assert.Equal(task.Path, r.Entry.Path)
	assert.Equal(int64(len(content)), r.Entry.Size)
	assert.Equal(1, r.Entry.Attempts)
	assert.Equal(3, f.Hits("/flaky"))

	data, err := os.ReadFile(task.Path)
	require.NoError(err)
	assert.Equal(content, data)
	assert.NoFileExists(download.PartPath(task.Path))

	stored, err := f.store.Get(task.Key)
	require.NoError(err)
	assert.Equal(manifest.StatusDone, stored.Status)
	assert.True(manifest.Intact(stored))

	// Nothing to do the second time round
	before := f.TotalHits()
	r = runOne(t, f.Scheduler(Options{}), f.Task("video", &fakeSource{urls: []string{"/flaky"}}))
	require.NoError(r.Err)
	assert.True(r.Skipped)
	assert.Equal(before, f.TotalHits())
}

func TestMissingFileDownloadsAgain(t *testing.T) {
	f := newFixture(t)
	f.mux.HandleFunc("/video", serveContent)
	task := f.Task("video", &fakeSource{urls: []string{"/video"}})
	require_.NoError(t, runOne(t, f.Scheduler(Options{}), task).Err)

	require_.NoError(t, os.Remove(task.Path))
	r := runOne(t, f.Scheduler(Options{}), task)
	require_.NoError(t, r.Err)
	assert_.False(t, r.Skipped)
	assert_.Equal(t, 2, f.Hits("/video"))
	assert_.Equal(t, 2, r.Entry.Attempts)
}

func TestResumeAfterShortRead(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	var mu sync.Mutex
	var ranges []string
	f.mux.HandleFunc("/video", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		if r.Header.Get("Range") == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(content[:4000])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		serveContent(w, r)
	})
	task := f.Task("video", &fakeSource{urls: []string{"/video"}})

	r := runOne(t, f.Scheduler(Options{}), task)
	require_.NoError(t, r.Err)
	mu.Lock()
	assert.Equal([]string{"", "bytes=4000-"}, ranges)
	mu.Unlock()
	data, err := os.ReadFile(task.Path)
	require_.NoError(t, err)
	assert.Equal(content, data)
}

func TestExpiredResolvesAgain(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	f.mux.HandleFunc("/expired", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "signature expired", http.StatusForbidden)
	})
	f.mux.HandleFunc("/fresh", serveContent)
	source := &fakeSource{urls: []string{"/expired", "/fresh"}}

	r := runOne(t, f.Scheduler(Options{}), f.Task("video", source))
	require_.NoError(t, r.Err)
	assert.Equal(2, source.Resolves())
	assert.Equal(manifest.StatusDone, r.Entry.Status)
}

func TestExpiredAfterFreshResolveFails(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	f.mux.HandleFunc("/expired", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	source := &fakeSource{urls: []string{"/expired"}}

	r := runOne(t, f.Scheduler(Options{}), f.Task("video", source))
	assert.Error(r.Err)
	assert.Equal(2, source.Resolves())
	assert.Equal(manifest.StatusFailed, r.Entry.Status)
	assert.Equal(course_archiver.ReasonTransfer, r.Reason())
	assert.NotEmpty(r.Entry.Detail)
}

func TestUnauthorizedReauthenticates(t *testing.T) {
	f := newFixture(t)
	var authorized atomic.Bool
	f.session.OnReauthenticate = func(ctx context.Context) error {
		authorized.Store(true)
		return nil
	}
	f.mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		if !authorized.Load() {
			http.Error(w, "login required", http.StatusUnauthorized)
			return
		}
		serveContent(w, r)
	})

	r := runOne(t, f.Scheduler(Options{}), f.Task("video", &fakeSource{urls: []string{"/private"}}))
	require_.NoError(t, r.Err)
	assert_.Equal(t, 1, f.session.Reauths())
}

// Workers rejected with the same token share one login.
func TestConcurrentUnauthorizedLogInOnce(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	const workers = 4
	var authorized atomic.Bool
	f.session.OnReauthenticate = func(ctx context.Context) error {
		authorized.Store(true)
		return nil
	}
	var rejected int32
	allRejected := make(chan struct{})
	f.mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		if !authorized.Load() {
			// Hold every rejection until all workers have been turned away
			if atomic.AddInt32(&rejected, 1) == workers {
				close(allRejected)
			}
			select {
			case <-allRejected:
			case <-time.After(2 * time.Second):
			}
			http.Error(w, "login required", http.StatusUnauthorized)
			return
		}
		serveContent(w, r)
	})

	source := &fakeSource{urls: []string{"/private"}}
	var tasks []*Task
	for i := 0; i < workers; i++ {
		tasks = append(tasks, f.Task("video-"+strconv.Itoa(i), source))
	}
	results := collect(f.Scheduler(Options{Concurrency: workers}).Run(context.Background(), tasks))
	require_.Len(t, results, workers)
	for _, r := range results {
		assert.NoError(r.Err)
	}
	assert.Equal(1, f.session.Reauths())
	assert.Equal("token-1", f.session.Token())
}

func TestTerminalFailure(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	f.mux.HandleFunc("/gone", http.NotFound)

	r := runOne(t, f.Scheduler(Options{}), f.Task("video", &fakeSource{urls: []string{"/gone"}}))
	assert.Error(r.Err)
	assert.Equal(1, f.Hits("/gone"), "not retried")
	assert.Equal(manifest.StatusFailed, r.Entry.Status)
	assert.Equal(course_archiver.ReasonTransfer, r.Entry.Reason)
}

func TestUnsupportedAndBrokenItems(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	var registry course_archiver.ProviderRegistry

	unknown := f.Task("meeting", nil)
	unknown.Item.Reference = "https://meet.example.com/abc"
	unknown.Match = registry.Match(unknown.Item)
	broken := f.Task("lesson", &fakeSource{urls: []string{"/never"}})
	broken.Item.Err = &course_archiver.TreeError{Kind: course_archiver.PartialTree, Unit: "lesson", Err: os.ErrInvalid}

	results := collect(f.Scheduler(Options{Concurrency: 2}).Run(context.Background(), []*Task{unknown, broken}))
	require_.Len(t, results, 2)
	reasons := make(map[string]course_archiver.Reason)
	for _, r := range results {
		assert.Error(r.Err)
		assert.Equal(manifest.StatusFailed, r.Entry.Status)
		reasons[r.Task.Key.ItemID] = r.Reason()
	}
	assert.Equal(course_archiver.ReasonUnsupportedBackend, reasons["meeting"])
	assert.True(reasons["meeting"].IsWarning())
	assert.Equal(course_archiver.ReasonTreeExtraction, reasons["lesson"])
	assert.Equal(0, f.TotalHits())
}

func TestCancelLeavesPending(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	f.mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content[:4000])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	task := f.Task("video", &fakeSource{urls: []string{"/slow"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := f.Scheduler(Options{Progress: func(p Progress) {
		if p.Downloaded > 0 {
			cancel()
		}
	}})
	results := collect(s.Run(ctx, []*Task{task}))
	require_.Len(t, results, 1)
	assert.ErrorIs(results[0].Err, context.Canceled)

	stored, err := f.store.Get(task.Key)
	require_.NoError(t, err)
	assert.Equal(manifest.StatusPending, stored.Status)
	assert.NoFileExists(task.Path)
	st, err := os.Stat(download.PartPath(task.Path))
	require_.NoError(t, err)
	assert.Greater(st.Size(), int64(0))
	assert.Less(st.Size(), int64(len(content)))

	// Nothing starts once cancelled
	more := collect(s.Run(ctx, []*Task{f.Task("other", &fakeSource{urls: []string{"/slow"}})}))
	assert.Empty(more)
}

func TestConcurrency(t *testing.T) {
	f := newFixture(t)
	var inFlight, peak int32
	f.mux.HandleFunc("/video", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		serveContent(w, r)
	})
	var tasks []*Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, f.Task("video-"+strconv.Itoa(i), &fakeSource{urls: []string{"/video"}}))
	}
	results := collect(f.Scheduler(Options{Concurrency: 2}).Run(context.Background(), tasks))
	require_.Len(t, results, 8)
	for _, r := range results {
		assert_.NoError(t, r.Err)
	}
	assert_.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}
