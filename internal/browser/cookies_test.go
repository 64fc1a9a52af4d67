package browser

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/course-archiver"
)

const cookiesTxt = "# Netscape HTTP Cookie File\n" +
	"# This is a generated file!  Do not edit.\n" +
	"\n" +
	".youtube.com\tTRUE\t/\tTRUE\t1900000000\tSID\tsid-value\n" +
	"#HttpOnly_.youtube.com\tTRUE\t/\tTRUE\t1900000000\tHSID\thsid-value\n" +
	"www.youtube.com\tFALSE\t/\tFALSE\t0\tPREF\tf6=8\n" +
	".youtube.com\tTRUE\t/\tTRUE\t1000000000\tOLD\texpired\n" +
	".google.com\tTRUE\t/\tTRUE\t1900000000\tNID\tgoogle\n" +
	"malformed line\n"

func TestParseNetscape(t *testing.T) {
	assert := assert_.New(t)
	cookies, err := ParseNetscape(strings.NewReader(cookiesTxt))
	require_.NoError(t, err)
	require_.Len(t, cookies, 5)

	assert.Equal("SID", cookies[0].Name)
	assert.Equal(".youtube.com", cookies[0].Domain)
	assert.True(cookies[0].Secure)
	assert.False(cookies[0].HttpOnly)
	assert.Equal(time.Unix(1900000000, 0), cookies[0].Expires)

	assert.Equal("HSID", cookies[1].Name)
	assert.True(cookies[1].HttpOnly)

	assert.Equal("PREF", cookies[2].Name)
	assert.Equal("www.youtube.com", cookies[2].Domain)
	assert.True(cookies[2].Expires.IsZero(), "session cookie")
}

func TestDomainMatch(t *testing.T) {
	assert := assert_.New(t)
	assert.True(domainMatch(".youtube.com", "youtube.com"))
	assert.True(domainMatch("www.youtube.com", "youtube.com"))
	assert.True(domainMatch(".youtube.com", "www.youtube.com"))
	assert.False(domainMatch(".google.com", "youtube.com"))
	assert.False(domainMatch("notyoutube.com", "youtube.com"))
	assert.False(domainMatch("", "youtube.com"))
}

func TestCookieSource(t *testing.T) {
	assert := assert_.New(t)
	dir := t.TempDir()
	require_.NoError(t, os.WriteFile(filepath.Join(dir, CookiesFileName), []byte(cookiesTxt), 0644))

	source := New(Options{ProfileDir: dir})
	source.now = func() time.Time { return time.Unix(1700000000, 0) }
	cookies, err := source.Cookies(context.Background(), "youtube.com")
	require_.NoError(t, err)
	names := []string{}
	for _, c := range cookies {
		names = append(names, c.Name)
	}
	assert.Equal([]string{"SID", "HSID", "PREF"}, names)

	// Read once: later changes to the file are not seen
	require_.NoError(t, os.Remove(filepath.Join(dir, CookiesFileName)))
	cookies, err = source.Cookies(context.Background(), "google.com")
	assert.NoError(err)
	assert.Len(cookies, 1)
}

func TestCookieSourceMissing(t *testing.T) {
	assert := assert_.New(t)

	_, err := New(Options{}).Cookies(context.Background(), "youtube.com")
	assert.ErrorIs(err, course_archiver.ErrNoCookies)

	_, err = New(Options{ProfileDir: t.TempDir()}).Cookies(context.Background(), "youtube.com")
	assert.ErrorIs(err, course_archiver.ErrNoCookies)

	explicit := filepath.Join(t.TempDir(), "exported.txt")
	require_.NoError(t, os.WriteFile(explicit, []byte(cookiesTxt), 0644))
	source := New(Options{ProfileDir: "/nonexistent", CookiesFile: explicit})
	path, err := source.Path()
	assert.NoError(err)
	assert.Equal(explicit, path)
	cookies, err := source.Cookies(context.Background(), "youtube.com")
	assert.NoError(err)
	assert.NotEmpty(cookies)
}
