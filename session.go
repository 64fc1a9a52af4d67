package course_archiver

import (
	"context"
	"net/http"
)

// A Session is the authenticated platform context handed explicitly to every component that talks to the platform
// or to a media host on its behalf.
type Session interface {
	// BaseURL is the whitelabel deployment's base URL, without trailing slash.
	BaseURL() string
	// HTTPClient carries the session's cookie jar.
	HTTPClient() *http.Client
	// Token identifies the current login. It changes every time the session logs in again.
	Token() string
	// Reauthenticate logs in again with the stored credentials, replacing the session's token and cookies in place,
	// unless the session has already logged in again since stale was its Token.
	Reauthenticate(ctx context.Context, stale string) error
	// BrowserCookies returns cookies scoped to domain from the configured desktop browser identity.
	BrowserCookies(ctx context.Context, domain string) ([]*http.Cookie, error)
}

// A CookieSource produces the cookies a local browser profile holds for a domain.
type CookieSource interface {
	Cookies(ctx context.Context, domain string) ([]*http.Cookie, error)
}

// Referer is the Referer header media hosts expect for embeds on the platform.
func Referer(s Session) string {
	return s.BaseURL() + "/"
}
