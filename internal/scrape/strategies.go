package scrape

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// fieldStrategy describes the layered extraction plan for one field: a list
// of selectors tried in order, then an optional regex over the whole page
// text. Strategy tables are data, not code, so selector churn on the source
// sites stays a table edit.
type fieldStrategy struct {
	// Selectors are tried in order; the first non-empty match wins.
	Selectors []string
	// Attr extracts an attribute instead of the element text when set.
	Attr string
	// TextPattern is the last-resort regex run against the full page text.
	// The first capture group is the extracted value.
	TextPattern *regexp.Regexp
	// Transform post-processes the matched value.
	Transform func(string) string
}

// extractField runs a strategy against the document. Returns the extracted
// value and whether any layer produced one.
func extractField(doc *goquery.Document, s fieldStrategy) (string, bool) {
	for _, sel := range s.Selectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}

		var val string
		if s.Attr != "" {
			val, _ = node.Attr(s.Attr)
		} else {
			val = node.Text()
		}
		val = collapseWhitespace(val)
		if val == "" {
			continue
		}
		if s.Transform != nil {
			val = s.Transform(val)
		}
		if val != "" {
			return val, true
		}
	}

	if s.TextPattern != nil {
		if m := s.TextPattern.FindStringSubmatch(doc.Text()); len(m) > 1 {
			val := collapseWhitespace(m[1])
			if s.Transform != nil {
				val = s.Transform(val)
			}
			if val != "" {
				return val, true
			}
		}
	}

	return "", false
}

// extractParameterTable pulls label/value rows out of the detail-parameter
// list both sources render ("Powierzchnia: 48 m²" style). The label is
// matched case-insensitively as a substring.
func extractParameterTable(doc *goquery.Document, rowSelector string) map[string]string {
	params := make(map[string]string)

	doc.Find(rowSelector).Each(func(_ int, row *goquery.Selection) {
		text := collapseWhitespace(row.Text())
		if text == "" {
			return
		}

		// Rows come as either "Label: value" in one node or label/value
		// in sibling nodes joined by the selector.
		if idx := strings.Index(text, ":"); idx > 0 && idx < len(text)-1 {
			label := strings.ToLower(strings.TrimSpace(text[:idx]))
			value := strings.TrimSpace(text[idx+1:])
			if label != "" && value != "" {
				params[label] = value
			}
			return
		}

		params[strings.ToLower(text)] = text
	})

	return params
}

// paramLookup finds the first parameter whose label contains any of the
// given fragments.
func paramLookup(params map[string]string, fragments ...string) (string, bool) {
	for _, frag := range fragments {
		for label, value := range params {
			if strings.Contains(label, frag) {
				return value, true
			}
		}
	}
	return "", false
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
