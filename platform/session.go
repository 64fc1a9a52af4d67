package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/download"
	"github.com/alanbriolat/course-archiver/internal/sync_"
)

const (
	DefaultConcurrency = 2
	maxResponseSize    = 32 << 20
)

// Options configures a Manager.
type Options struct {
	Endpoints Endpoints
	// Transport is the base transport of every session's client; nil means http.DefaultTransport.
	Transport http.RoundTripper
	UserAgent string
	// Cookies supplies browser cookies for media hosts that need them; nil means there are none.
	Cookies course_archiver.CookieSource
	// Concurrency is how many platform API requests one session may have in flight.
	Concurrency int
}

// A Manager creates authenticated sessions and keeps them alive.
type Manager struct {
	opts Options
	log  *zap.SugaredLogger
	now  func() time.Time
}

func NewManager(opts Options) *Manager {
	opts.Endpoints = opts.Endpoints.WithDefaults()
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Manager{
		opts: opts,
		log:  zap.S().Named("platform"),
		now:  time.Now,
	}
}

type Credentials struct {
	Username string
	Password string
}

type tenant struct {
	ID   flexString `json:"id"`
	UUID string     `json:"uuid"`
	Slug string     `json:"slug"`
}

type member struct {
	ID      flexString `json:"id"`
	UUID    string     `json:"uuid"`
	Name    string     `json:"name"`
	Email   string     `json:"email"`
	IsAdmin bool       `json:"isAdmin"`
	Tenant  tenant     `json:"tenant"`
}

type loginResponse struct {
	AccessToken      string     `json:"accessToken"`
	RefreshToken     string     `json:"refreshToken"`
	ExpiresAt        string     `json:"expiresAt"`
	AuthenticationID flexString `json:"authenticationId"`
	CurrentLoginID   string     `json:"currentLoginId"`
	Member           member     `json:"member"`
}

type state struct {
	apiKey  string
	login   loginResponse
	expires time.Time
}

// A Session is one member's login on one deployment. It is safe for concurrent use; the token and cookies are only
// replaced by logging in again.
type Session struct {
	manager     *Manager
	baseURL     string
	credentials Credentials
	client      *http.Client
	log         *zap.SugaredLogger

	state *sync_.RWMutexed[state]
	// Held while logging in, so concurrent token rejections log in once
	reauth sync.Mutex
	// Bounds in-flight platform requests, which share the member's rate limit
	requests chan struct{}
}

var _ course_archiver.Session = (*Session)(nil)

// Authenticate logs in to the deployment at baseURL.
func (m *Manager) Authenticate(ctx context.Context, baseURL string, username string, password string) (*Session, error) {
	base, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, &course_archiver.AuthError{Kind: course_archiver.NetworkFailure, Err: err}
	}
	if username == "" || password == "" {
		return nil, &course_archiver.AuthError{Kind: course_archiver.InvalidCredentials, Err: errors.New("username and password are required")}
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	s := &Session{
		manager:     m,
		baseURL:     base,
		credentials: Credentials{Username: username, Password: password},
		client: &http.Client{
			Transport: &userAgentTransport{base: m.opts.Transport, userAgent: m.opts.UserAgent},
			Jar:       jar,
		},
		log:      m.log.With("platform", base),
		state:    sync_.NewRWMutexed(state{}),
		requests: make(chan struct{}, m.opts.Concurrency),
	}
	if err := s.login(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// IsValid probes whether the session is still logged in: its token has not expired and the members' area does not
// send it back to the login page.
func (m *Manager) IsValid(ctx context.Context, s *Session) bool {
	if exp := s.Expires(); !exp.IsZero() && !m.now().Before(exp) {
		return false
	}
	client := *s.client
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/restrita?redirect=0&limit=1", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		s.log.Debugw("liveness probe failed", "error", err)
		return false
	}
	drainClose(resp)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return !strings.Contains(resp.Header.Get("Location"), "/login")
	default:
		return false
	}
}

// Reauthenticate logs s in again with its stored credentials.
func (m *Manager) Reauthenticate(ctx context.Context, s *Session) error {
	return s.Reauthenticate(ctx, s.Token())
}

func (m *Manager) login(ctx context.Context, client *http.Client, base string, creds Credentials) (state, error) {
	networkErr := func(err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &course_archiver.AuthError{Kind: course_archiver.NetworkFailure, Err: err}
	}
	shapeErr := func(err error) error {
		return &course_archiver.AuthError{Kind: course_archiver.UnexpectedResponseShape, Err: err}
	}
	statusErr := func(resp *http.Response) error {
		err := download.StatusErrorFrom(resp)
		if download.ClassifyStatus(resp.StatusCode) == course_archiver.TransferTransient {
			return networkErr(err)
		}
		return shapeErr(err)
	}
	browserHeader := func(req *http.Request) {
		req.Header.Set("Accept", "application/json, text/plain, */*")
		req.Header.Set("Origin", base)
		req.Header.Set("Referer", base+"/")
	}

	// The login page sets the deployment's own cookies
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/login", nil)
	if err != nil {
		return state{}, networkErr(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return state{}, networkErr(err)
	}
	drainClose(resp)
	if resp.StatusCode >= 400 {
		return state{}, statusErr(resp)
	}

	// Every deployment has a tenant API key, looked up by its URL
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, m.opts.Endpoints.platformByURL(), nil)
	if err != nil {
		return state{}, networkErr(err)
	}
	browserHeader(req)
	resp, err = client.Do(req)
	if err != nil {
		return state{}, networkErr(err)
	}
	var platform struct {
		Key string `json:"key"`
	}
	if resp.StatusCode != http.StatusOK {
		drainClose(resp)
		return state{}, statusErr(resp)
	}
	if err := readJSON(resp, &platform); err != nil {
		return state{}, shapeErr(fmt.Errorf("platform-by-url: %w", err))
	} else if platform.Key == "" {
		return state{}, shapeErr(errors.New("platform-by-url: no key in response"))
	}

	body, err := json.Marshal(map[string]string{"username": creds.Username, "password": creds.Password})
	if err != nil {
		return state{}, err
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, m.opts.Endpoints.login(), bytes.NewReader(body))
	if err != nil {
		return state{}, networkErr(err)
	}
	browserHeader(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api_key", platform.Key)
	resp, err = client.Do(req)
	if err != nil {
		return state{}, networkErr(err)
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		drainClose(resp)
		return state{}, &course_archiver.AuthError{Kind: course_archiver.InvalidCredentials, Err: download.StatusErrorFrom(resp)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		drainClose(resp)
		return state{}, statusErr(resp)
	}
	var login loginResponse
	if err := readJSON(resp, &login); err != nil {
		return state{}, shapeErr(fmt.Errorf("login: %w", err))
	} else if login.AccessToken == "" {
		return state{}, shapeErr(errors.New("login: no accessToken in response"))
	}

	st := state{apiKey: platform.Key, login: login}
	if t, err := time.Parse(time.RFC3339Nano, login.ExpiresAt); err == nil {
		st.expires = t
	} else {
		st.expires = tokenExpiry(login.AccessToken)
	}
	return st, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it, or returns the zero time.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0)
	case json.Number:
		if v, err := exp.Int64(); err == nil {
			return time.Unix(v, 0)
		}
	}
	return time.Time{}
}

func (s *Session) login(ctx context.Context) error {
	st, err := s.manager.login(ctx, s.client, s.baseURL, s.credentials)
	if err != nil {
		return err
	}
	s.state.Set(st)
	s.setCookies(st)
	s.log.Infow("logged in", "member", st.login.Member.Name, "expires", st.expires)
	return nil
}

// setCookies mirrors the cookies the platform's web app sets after login; the deployment's server-rendered pages
// read the session from them.
func (s *Session) setCookies(st state) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return
	}
	domain := cookieDomain(u.Hostname())
	m := st.login.Member
	user, _ := json.Marshal(map[string]interface{}{
		"id_prof_profile":        m.ID,
		"nm_name":                m.Name,
		"id_prof_authentication": st.login.AuthenticationID,
		"im_image":               nil,
		"nm_email":               m.Email,
		"tenant_uuid":            m.Tenant.UUID,
		"slug_profile":           strings.ReplaceAll(strings.ToLower(m.Name), " ", "") + string(m.ID),
		"is_admin":               m.IsAdmin,
		"nm_headline":            "",
	})
	values := [][2]string{
		{"access_token", st.login.AccessToken},
		{"api_key", st.apiKey},
		{"current_login_id", st.login.CurrentLoginID},
		{"language", "pt_BR"},
		{"platform_url", s.baseURL},
		{"tenant_slug", m.Tenant.Slug},
		{"tenant_uuid", m.Tenant.UUID},
		{"tenantId", string(m.Tenant.ID)},
		{"user", url.QueryEscape(string(user))},
		{"view", "2"},
	}
	cookies := make([]*http.Cookie, 0, len(values))
	for _, v := range values {
		cookies = append(cookies, &http.Cookie{Name: v[0], Value: v[1], Domain: domain, Path: "/"})
	}
	s.client.Jar.SetCookies(u, cookies)
}

// cookieDomain is the parent domain of a deployment's host, where its session cookies live. Hosts without a parent
// domain (IP addresses, single labels, registrable domains) get host-only cookies.
func cookieDomain(host string) string {
	if net.ParseIP(host) != nil {
		return ""
	}
	_, parent, found := strings.Cut(host, ".")
	if !found || !strings.Contains(parent, ".") {
		return ""
	}
	return parent
}

func (s *Session) BaseURL() string {
	return s.baseURL
}

func (s *Session) HTTPClient() *http.Client {
	return s.client
}

// Expires is when the access token expires, or the zero time if not known.
func (s *Session) Expires() time.Time {
	return s.state.Get().expires
}

// APIKey is the deployment's tenant API key.
func (s *Session) APIKey() string {
	return s.state.Get().apiKey
}

func (s *Session) MemberName() string {
	return s.state.Get().login.Member.Name
}

// Token is the current access token.
func (s *Session) Token() string {
	return s.state.Get().login.AccessToken
}

func (s *Session) Reauthenticate(ctx context.Context, stale string) error {
	s.reauth.Lock()
	defer s.reauth.Unlock()
	if s.Token() != stale {
		return nil
	}
	s.log.Info("access token rejected, logging in again")
	return s.login(ctx)
}

func (s *Session) BrowserCookies(ctx context.Context, domain string) ([]*http.Cookie, error) {
	if s.manager.opts.Cookies == nil {
		return nil, course_archiver.ErrNoCookies
	}
	return s.manager.opts.Cookies.Cookies(ctx, domain)
}

// get sends an authenticated GET to the platform and hands the response to read. A rejected token is renewed, and
// the request sent again, once.
func (s *Session) get(ctx context.Context, rawURL string, accept string, read func(*http.Response) error) error {
	select {
	case s.requests <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.requests }()

	for attempt := 0; ; attempt++ {
		st := s.state.Get()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", accept)
		req.Header.Set("Referer", s.baseURL+"/")
		req.Header.Set("Authorization", "Bearer "+st.login.AccessToken)
		req.Header.Set("api_key", st.apiKey)
		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if (resp.StatusCode == http.StatusUnauthorized || s.sentToLogin(resp)) && attempt == 0 {
			drainClose(resp)
			if err := s.Reauthenticate(ctx, st.login.AccessToken); err != nil {
				return err
			}
			continue
		}
		err = read(resp)
		_ = resp.Body.Close()
		return err
	}
}

// sentToLogin reports whether resp is the deployment's login page, reached by following a redirect.
func (s *Session) sentToLogin(resp *http.Response) bool {
	if resp.Request == nil || resp.Request.URL == nil {
		return false
	}
	u := resp.Request.URL
	return strings.HasPrefix(s.baseURL, u.Scheme+"://"+u.Host) && strings.HasPrefix(u.Path, "/login")
}

// getJSON decodes the body of a successful GET into v. Unsuccessful responses give a *download.StatusError.
func (s *Session) getJSON(ctx context.Context, rawURL string, v interface{}) error {
	return s.get(ctx, rawURL, "application/json, text/plain, */*", func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return download.StatusErrorFrom(resp)
		}
		return readJSON(resp, v)
	})
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

func readJSON(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// flexString accepts a JSON string or number, since the platform is inconsistent about identifiers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*f = flexString(n.String())
	}
	return nil
}

func (f flexString) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(f), 10, 64); err == nil {
		return []byte(f), nil
	}
	return json.Marshal(string(f))
}
