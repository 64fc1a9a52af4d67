package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/download"
)

const coursesPageSize = 100

// ListCourses scrapes the members' area for the courses s is enrolled in. Only ID, Title and URL are set.
func (e *Extractor) ListCourses(ctx context.Context, s *Session) ([]course_archiver.Course, error) {
	var courses []course_archiver.Course
	seen := make(map[string]bool)
	for page := 1; ; page++ {
		pageURL := fmt.Sprintf("%s/restrita?redirect=0&limit=%d&page=%d", s.BaseURL(), coursesPageSize, page)
		doc, err := s.getDocument(ctx, pageURL)
		if err != nil {
			return nil, fmt.Errorf("failed to list courses (page %d): %w", page, err)
		}
		found := 0
		doc.Find("div.classified").Each(func(_ int, card *goquery.Selection) {
			a := card.Find("a.font-size-h4").First()
			href, ok := a.Attr("href")
			if !ok || strings.TrimSpace(href) == "" {
				return
			}
			courseURL := absoluteURL(s.BaseURL(), href)
			if seen[courseURL] {
				return
			}
			seen[courseURL] = true
			found++
			courses = append(courses, course_archiver.Course{
				ID:    slugFromURL(courseURL),
				Title: strings.TrimSpace(a.Text()),
				URL:   courseURL,
			})
		})
		// An empty page ends the listing; so does a page that only repeats what we have, in case the deployment
		// ignores the page parameter
		if found == 0 {
			break
		}
	}
	e.log.Debugw("listed courses", "count", len(courses))
	return courses, nil
}

// FindCourse picks a course by ID, URL or 1-based position in courses.
func FindCourse(courses []course_archiver.Course, selector string) (*course_archiver.Course, error) {
	selector = strings.TrimSpace(selector)
	for i := range courses {
		c := &courses[i]
		if c.ID == selector || c.URL == selector || strings.TrimRight(c.URL, "/") == strings.TrimRight(selector, "/") {
			return c, nil
		}
	}
	if n, err := strconv.Atoi(selector); err == nil && n >= 1 && n <= len(courses) {
		return &courses[n-1], nil
	}
	return nil, &course_archiver.TreeError{Kind: course_archiver.CourseNotFound, Err: fmt.Errorf("no course matches %q", selector)}
}

// getDocument GETs an HTML page of the deployment. Being sent to the login page means the session was not accepted.
func (s *Session) getDocument(ctx context.Context, rawURL string) (*goquery.Document, error) {
	var doc *goquery.Document
	err := s.get(ctx, rawURL, "text/html,application/xhtml+xml", func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return download.StatusErrorFrom(resp)
		}
		if s.sentToLogin(resp) {
			return &download.StatusError{URL: rawURL, StatusCode: http.StatusUnauthorized}
		}
		var err error
		doc, err = goquery.NewDocumentFromReader(resp.Body)
		return err
	})
	return doc, err
}

func absoluteURL(base string, href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	baseURL, err := url.Parse(base + "/")
	if err != nil {
		return base + href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return base + href
	}
	return baseURL.ResolveReference(ref).String()
}

// slugFromURL is the last path segment of a course's URL, which is its slug on the deployment.
func slugFromURL(courseURL string) string {
	u, err := url.Parse(courseURL)
	if err != nil {
		return courseURL
	}
	p := strings.Trim(u.Path, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		p = p[i+1:]
	}
	if p == "" {
		return courseURL
	}
	return p
}
