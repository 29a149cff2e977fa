package scrape

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// viewStrategy is one way of locating the view counter on a page. Strategies
// run in order; the method tag of the first hit is kept for diagnostics so
// live-site calibration can see which layer is actually firing.
type viewStrategy struct {
	Method   string
	Selector string
	Pattern  *regexp.Regexp
}

var digitsRe = regexp.MustCompile(`\d[\d\s]*`)

// extractViews runs the strategy table and degrades to zero with the
// "none" method tag when nothing matches.
func extractViews(doc *goquery.Document, strategies []viewStrategy) (int, string) {
	for _, s := range strategies {
		var text string
		if s.Selector != "" {
			node := doc.Find(s.Selector).First()
			if node.Length() == 0 {
				continue
			}
			text = node.Text()
		} else if s.Pattern != nil {
			m := s.Pattern.FindStringSubmatch(doc.Text())
			if len(m) < 2 {
				continue
			}
			text = m[1]
		}

		if count, ok := parseViewCount(text); ok {
			return count, s.Method
		}
	}

	return 0, "none"
}

// parseViewCount digs the first integer out of a counter label, tolerating
// thousand separators ("1 024").
func parseViewCount(text string) (int, bool) {
	m := digitsRe.FindString(text)
	if m == "" {
		return 0, false
	}
	m = strings.ReplaceAll(m, " ", "")
	m = strings.ReplaceAll(m, " ", "")
	n, err := strconv.Atoi(m)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
