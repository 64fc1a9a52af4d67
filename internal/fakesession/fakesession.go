// Package fakesession provides an in-memory course_archiver.Session for tests.
package fakesession

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/alanbriolat/course-archiver"
)

type Session struct {
	URL    string
	Client *http.Client
	// Cookies are returned by BrowserCookies for any domain; nil means ErrNoCookies.
	Cookies []*http.Cookie
	// OnReauthenticate is called by Reauthenticate when it logs in again, if set.
	OnReauthenticate func(ctx context.Context) error

	mu          sync.Mutex
	logins      int
	reauths     int32
	cookieCalls int32
}

func New(baseURL string, client *http.Client) *Session {
	if client == nil {
		client = http.DefaultClient
	}
	return &Session{URL: baseURL, Client: client}
}

func (s *Session) BaseURL() string {
	return s.URL
}

func (s *Session) HTTPClient() *http.Client {
	return s.Client
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token()
}

func (s *Session) token() string {
	return "token-" + strconv.Itoa(s.logins)
}

// Reauthenticate does nothing if the token has changed since stale. A failed OnReauthenticate leaves the token as
// it was.
func (s *Session) Reauthenticate(ctx context.Context, stale string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token() != stale {
		return nil
	}
	atomic.AddInt32(&s.reauths, 1)
	if s.OnReauthenticate != nil {
		if err := s.OnReauthenticate(ctx); err != nil {
			return err
		}
	}
	s.logins++
	return nil
}

func (s *Session) BrowserCookies(ctx context.Context, domain string) ([]*http.Cookie, error) {
	atomic.AddInt32(&s.cookieCalls, 1)
	if s.Cookies == nil {
		return nil, course_archiver.ErrNoCookies
	}
	return s.Cookies, nil
}

// Reauths counts the times Reauthenticate logged in again.
func (s *Session) Reauths() int {
	return int(atomic.LoadInt32(&s.reauths))
}

// CookieCalls counts calls to BrowserCookies.
func (s *Session) CookieCalls() int {
	return int(atomic.LoadInt32(&s.cookieCalls))
}
