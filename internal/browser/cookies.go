// Package browser supplies cookies from a desktop browser's identity, for media hosts that only serve a signed-in
// browser. Cookies are read from a Netscape cookies.txt export, either an explicit file or cookies.txt in the
// browser profile directory.
package browser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alanbriolat/course-archiver"
)

const (
	DefaultBrowser  = "vivaldi"
	CookiesFileName = "cookies.txt"
	httpOnlyPrefix  = "#HttpOnly_"
)

type Options struct {
	// Browser names the browser the cookies come from, for messages only.
	Browser string
	// ProfileDir is searched for a cookies.txt export.
	ProfileDir string
	// CookiesFile overrides ProfileDir.
	CookiesFile string
}

// A CookieSource reads the export the first time cookies are asked for, and never again.
type CookieSource struct {
	opts Options
	log  *zap.SugaredLogger
	now  func() time.Time

	once    sync.Once
	cookies []*http.Cookie
	err     error
}

var _ course_archiver.CookieSource = (*CookieSource)(nil)

func New(opts Options) *CookieSource {
	if opts.Browser == "" {
		opts.Browser = DefaultBrowser
	}
	return &CookieSource{
		opts: opts,
		log:  zap.S().Named("browser").With("browser", opts.Browser),
		now:  time.Now,
	}
}

// Path is the cookies.txt file that will be read.
func (s *CookieSource) Path() (string, error) {
	switch {
	case s.opts.CookiesFile != "":
		return s.opts.CookiesFile, nil
	case s.opts.ProfileDir != "":
		return filepath.Join(s.opts.ProfileDir, CookiesFileName), nil
	default:
		return "", fmt.Errorf("%w: no %s profile configured", course_archiver.ErrNoCookies, s.opts.Browser)
	}
}

func (s *CookieSource) load() {
	path, err := s.Path()
	if err != nil {
		s.err = err
		return
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		s.err = fmt.Errorf("%w: %s does not exist", course_archiver.ErrNoCookies, path)
		return
	} else if err != nil {
		s.err = err
		return
	}
	defer f.Close()
	s.cookies, s.err = ParseNetscape(f)
	if s.err == nil {
		s.log.Debugw("loaded cookies", "path", path, "count", len(s.cookies))
	}
}

// Cookies returns the unexpired cookies that would be sent to domain or any of its subdomains.
func (s *CookieSource) Cookies(ctx context.Context, domain string) ([]*http.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.once.Do(s.load)
	if s.err != nil {
		return nil, s.err
	}
	now := s.now()
	var result []*http.Cookie
	for _, c := range s.cookies {
		if !c.Expires.IsZero() && !now.Before(c.Expires) {
			continue
		}
		if domainMatch(c.Domain, domain) {
			cookie := *c
			result = append(result, &cookie)
		}
	}
	return result, nil
}

// ParseNetscape parses the Netscape cookies.txt format: one cookie per line, tab-separated
//
//	domain  include-subdomains  path  secure  expires  name  value
//
// An expiry of 0 marks a session cookie. Lines prefixed with #HttpOnly_ are HttpOnly cookies, not comments.
func ParseNetscape(r io.Reader) ([]*http.Cookie, error) {
	var cookies []*http.Cookie
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		httpOnly := false
		if strings.HasPrefix(line, httpOnlyPrefix) {
			line = strings.TrimPrefix(line, httpOnlyPrefix)
			httpOnly = true
		}
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "\t")
		if len(parts) < 7 {
			continue
		}
		domain := strings.TrimSpace(parts[0])
		// Host-only cookies are written without the leading dot
		if strings.EqualFold(parts[1], "TRUE") && !strings.HasPrefix(domain, ".") {
			domain = "." + domain
		}
		cookie := &http.Cookie{
			Name:     parts[5],
			Value:    parts[6],
			Domain:   domain,
			Path:     parts[2],
			Secure:   strings.EqualFold(parts[3], "TRUE"),
			HttpOnly: httpOnly,
		}
		if expires, err := strconv.ParseInt(parts[4], 10, 64); err == nil && expires > 0 {
			cookie.Expires = time.Unix(expires, 0)
		}
		cookies = append(cookies, cookie)
	}

	return cookies, scanner.Err()
}

// domainMatch reports whether a cookie for cookieDomain belongs with domain: the same host, a parent domain of it,
// or one of its subdomains.
func domainMatch(cookieDomain, domain string) bool {
	c := strings.ToLower(strings.TrimPrefix(cookieDomain, "."))
	d := strings.ToLower(strings.TrimPrefix(domain, "."))
	if c == "" || d == "" {
		return false
	}
	return c == d || strings.HasSuffix(c, "."+d) || strings.HasSuffix(d, "."+c)
}
