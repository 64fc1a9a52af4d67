// Package platform talks to the whitelabel course platform: it logs in, lists the courses the member is enrolled
// in, and extracts a course's module and lesson tree.
package platform

import (
	"fmt"
	"net/url"
	"strings"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Endpoints are the platform-wide API hosts shared by every whitelabel deployment.
type Endpoints struct {
	// App resolves a deployment's URL to its tenant API key.
	App string `yaml:"app" envconfig:"APP"`
	// Auth handles member login.
	Auth string `yaml:"auth" envconfig:"AUTH"`
	// Class serves lesson details and attachments.
	Class string `yaml:"class" envconfig:"CLASS"`
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		App:   "https://application.curseduca.pro",
		Auth:  "https://prof.curseduca.pro",
		Class: "https://clas.curseduca.pro",
	}
}

// WithDefaults fills in any unset endpoint.
func (e Endpoints) WithDefaults() Endpoints {
	d := DefaultEndpoints()
	if e.App == "" {
		e.App = d.App
	}
	if e.Auth == "" {
		e.Auth = d.Auth
	}
	if e.Class == "" {
		e.Class = d.Class
	}
	return e
}

func (e Endpoints) platformByURL() string {
	return strings.TrimRight(e.App, "/") + "/platform-by-url"
}

func (e Endpoints) login() string {
	return strings.TrimRight(e.Auth, "/") + "/login?redirectUrl="
}

func (e Endpoints) lessonWatch(lessonUUID string) string {
	return fmt.Sprintf("%s/bff/aulas/%s/watch", strings.TrimRight(e.Class, "/"), url.PathEscape(lessonUUID))
}

// attachmentDownload is the URL the platform's own "download" button uses for a lesson attachment.
func (e Endpoints) attachmentDownload(fileName, fileURL, apiKey string) string {
	q := url.Values{}
	q.Set("fileName", fileName)
	q.Set("fileUrl", fileURL)
	q.Set("api_key", apiKey)
	return strings.TrimRight(e.Class, "/") + "/lessons-complementaries/download?" + q.Encode()
}

// NormalizeBaseURL checks that s is an absolute http(s) URL and strips anything after the host.
func NormalizeBaseURL(s string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("base URL must be an absolute http(s) URL, got %q", s)
	}
	return u.Scheme + "://" + u.Host, nil
}
