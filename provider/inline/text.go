package inline

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	spaceRun   = regexp.MustCompile(`[ \t\r\n\f]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
	lineSpaces = regexp.MustCompile(`[ \t]*\n[ \t]*`)
)

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "blockquote": true, "pre": true, "table": true,
	"tr": true, "ul": true, "ol": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"hr": true,
}

// Text renders an HTML fragment as plain text, keeping paragraphs, list items, link targets and image references.
func Text(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	writeText(&b, doc.Find("body"))
	out := lineSpaces.ReplaceAllString(b.String(), "\n")
	out = newlineRun.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out) + "\n", nil
}

func writeText(b *strings.Builder, sel *goquery.Selection) {
	sel.Contents().Each(func(_ int, node *goquery.Selection) {
		name := goquery.NodeName(node)
		switch {
		case name == "#text":
			b.WriteString(spaceRun.ReplaceAllString(node.Text(), " "))
		case name == "br":
			b.WriteString("\n")
		case name == "script" || name == "style" || name == "#comment":
		case name == "li":
			b.WriteString("\n- ")
			writeText(b, node)
		case name == "a":
			text := strings.TrimSpace(spaceRun.ReplaceAllString(node.Text(), " "))
			href, _ := node.Attr("href")
			switch {
			case href == "" || href == text:
				b.WriteString(text)
			case text == "":
				b.WriteString(href)
			default:
				b.WriteString(text + " (" + href + ")")
			}
		case name == "img":
			src, _ := node.Attr("src")
			alt, _ := node.Attr("alt")
			if src != "" {
				b.WriteString("[" + strings.TrimSpace(alt + " " + src) + "]")
			}
		case blockElements[name]:
			b.WriteString("\n\n")
			writeText(b, node)
			b.WriteString("\n\n")
		default:
			writeText(b, node)
		}
	})
}
