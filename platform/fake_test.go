package platform

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"
)

// fakePlatform serves one deployment and the platform-wide APIs from a single server. Courses are listed one per
// page; lessons maps a lesson UUID to its details, and a missing UUID gets a 500.
type fakePlatform struct {
	*httptest.Server
	t *testing.T

	Username  string
	Password  string
	Key       string
	ExpiresAt string
	Courses   [][2]string
	Pages     map[string]string
	Lessons   map[string]interface{}

	mu         sync.Mutex
	logins     int
	validToken string
	requests   map[string]int
}

// configure runs before the server starts, so the fields it sets are never written while requests are served.
func newFakePlatform(t *testing.T, configure ...func(p *fakePlatform)) *fakePlatform {
	p := &fakePlatform{
		t:         t,
		Username:  "aluno@example.com",
		Password:  "segredo",
		Key:       "tenant-key",
		ExpiresAt: "2030-01-01T00:00:00.000Z",
		Pages:     make(map[string]string),
		Lessons:   make(map[string]interface{}),
		requests:  make(map[string]int),
	}
	p.Server = httptest.NewUnstartedServer(http.HandlerFunc(p.serve))
	for _, f := range configure {
		f(p)
	}
	p.Start()
	t.Cleanup(p.Close)
	return p
}

func (p *fakePlatform) Endpoints() Endpoints {
	return Endpoints{App: p.URL, Auth: p.URL, Class: p.URL}
}

// Revoke rejects every token issued so far.
func (p *fakePlatform) Revoke() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validToken = ""
}

func (p *fakePlatform) Logins() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logins
}

func (p *fakePlatform) Requests(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[path]
}

func (p *fakePlatform) authorized(r *http.Request) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.validToken == "" {
		return false
	}
	if r.Header.Get("Authorization") == "Bearer "+p.validToken {
		return true
	}
	c, err := r.Cookie("access_token")
	return err == nil && c.Value == p.validToken
}

func (p *fakePlatform) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.requests[r.URL.Path]++
	p.mu.Unlock()

	switch {
	case r.URL.Path == "/login" && r.Method == http.MethodGet:
		_, _ = fmt.Fprint(w, "<html><body>login</body></html>")

	case r.URL.Path == "/platform-by-url":
		if r.Header.Get("Origin") != p.URL {
			http.Error(w, "unknown platform", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]string{"key": p.Key})

	case r.URL.Path == "/login" && r.Method == http.MethodPost:
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if r.Header.Get("api_key") != p.Key || json.NewDecoder(r.Body).Decode(&creds) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if creds.Username != p.Username || creds.Password != p.Password {
			http.Error(w, `{"message":"invalid credentials"}`, http.StatusUnauthorized)
			return
		}
		p.mu.Lock()
		p.logins++
		p.validToken = fmt.Sprintf("token-%d", p.logins)
		token := p.validToken
		p.mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"accessToken":      token,
			"expiresAt":        p.ExpiresAt,
			"authenticationId": 77,
			"currentLoginId":   "login-1",
			"member": map[string]interface{}{
				"id":     42,
				"name":   "Maria Silva",
				"email":  p.Username,
				"tenant": map[string]interface{}{"id": 3, "uuid": "tenant-uuid", "slug": "escola"},
			},
		})

	case r.URL.Path == "/restrita":
		if !p.authorized(r) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		var b strings.Builder
		b.WriteString("<html><body>")
		var page int
		_, _ = fmt.Sscan(r.URL.Query().Get("page"), &page)
		if page >= 1 && page <= len(p.Courses) {
			c := p.Courses[page-1]
			fmt.Fprintf(&b, `<div class="classified"><a class="font-size-h4" href="%s"> %s </a></div>`, c[0], c[1])
		}
		b.WriteString("</body></html>")
		_, _ = fmt.Fprint(w, b.String())

	case strings.HasPrefix(r.URL.Path, "/bff/aulas/"):
		if !p.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		lessonUUID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/bff/aulas/"), "/watch")
		detail, ok := p.Lessons[lessonUUID]
		if !ok {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		writeJSON(w, detail)

	default:
		page, ok := p.Pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if !p.authorized(r) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		_, _ = fmt.Fprint(w, page)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// coursePage renders tree the way the deployment does: inside a flight row, pushed in two chunks.
func coursePage(t *testing.T, tree interface{}) string {
	payload, err := json.Marshal([]interface{}{"$", "div", nil, map[string]interface{}{
		"content": map[string]interface{}{"content": tree},
	}})
	if err != nil {
		t.Fatal(err)
	}
	flight := "0:[\"$\",\"html\",null,{}]\n1:I[\"chunks/app.js\"]\n5:" + string(payload) + "\n"
	half := len(flight) / 2
	for !utf8.RuneStart(flight[half]) {
		half++
	}
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, chunk := range []string{flight[:half], flight[half:]} {
		literal, err := json.Marshal(chunk)
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(&b, "<script>self.__next_f.push([1,%s])</script>", literal)
	}
	b.WriteString("</body></html>")
	return b.String()
}
