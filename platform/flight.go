package platform

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// The deployment's pages are rendered by Next.js, which streams page data to the browser as "flight" chunks:
//
//	self.__next_f.push([1,"<JS string literal>"])
//
// Concatenated, the chunks are newline-separated rows of "<id>:<payload>", where most payloads are JSON.
var (
	flightPushPattern = regexp.MustCompile(`self\.__next_f\.push\(\[\s*1\s*,\s*("(?:[^"\\]|\\.)*")\s*\]\)`)
	flightRowID       = regexp.MustCompile(`^[0-9a-zA-Z]+$`)
)

// flightChunks extracts the decoded string chunks pushed by the page's scripts, in page order.
func flightChunks(doc *goquery.Document) []string {
	var chunks []string
	doc.Find("script").Each(func(_ int, script *goquery.Selection) {
		for _, m := range flightPushPattern.FindAllStringSubmatch(script.Text(), -1) {
			var chunk string
			if err := json.Unmarshal([]byte(m[1]), &chunk); err != nil {
				continue
			}
			chunks = append(chunks, chunk)
		}
	})
	return chunks
}

// flightValues decodes every JSON row payload in the page. Rows that are not JSON (text, module references) are
// skipped; a row with no ID prefix is decoded whole.
func flightValues(doc *goquery.Document) []interface{} {
	chunks := flightChunks(doc)
	var values []interface{}
	decode := func(payload string) bool {
		payload = strings.TrimSpace(payload)
		if payload == "" || (payload[0] != '[' && payload[0] != '{') {
			return false
		}
		var v interface{}
		dec := json.NewDecoder(strings.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return false
		}
		values = append(values, v)
		return true
	}
	for _, row := range strings.Split(strings.Join(chunks, ""), "\n") {
		if id, payload, found := strings.Cut(row, ":"); found && flightRowID.MatchString(id) {
			decode(payload)
		} else {
			decode(row)
		}
	}
	return values
}

// findCourseNode walks the page data for the course content node, the object holding content.content with the
// course's title and structure. It returns the inner content.content object.
func findCourseNode(values []interface{}) (json.RawMessage, bool) {
	var found map[string]interface{}
	var walk func(v interface{}) bool
	walk = func(v interface{}) bool {
		switch v := v.(type) {
		case map[string]interface{}:
			if outer, ok := v["content"].(map[string]interface{}); ok {
				if inner, ok := outer["content"].(map[string]interface{}); ok {
					if _, ok := inner["structure"]; ok {
						found = inner
						return true
					}
				}
			}
			for _, child := range v {
				if walk(child) {
					return true
				}
			}
		case []interface{}:
			for _, child := range v {
				if walk(child) {
					return true
				}
			}
		}
		return false
	}
	for _, v := range values {
		if walk(v) {
			raw, err := json.Marshal(found)
			if err != nil {
				return nil, false
			}
			return raw, true
		}
	}
	return nil, false
}
