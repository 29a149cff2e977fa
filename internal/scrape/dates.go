package scrape

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Polish month names as they appear in listing timestamps, genitive case
// included since "15 stycznia 2026" is the common form.
var polishMonths = map[string]time.Month{
	"styczeń": time.January, "stycznia": time.January,
	"luty": time.February, "lutego": time.February,
	"marzec": time.March, "marca": time.March,
	"kwiecień": time.April, "kwietnia": time.April,
	"maj": time.May, "maja": time.May,
	"czerwiec": time.June, "czerwca": time.June,
	"lipiec": time.July, "lipca": time.July,
	"sierpień": time.August, "sierpnia": time.August,
	"wrzesień": time.September, "września": time.September,
	"październik": time.October, "października": time.October,
	"listopad": time.November, "listopada": time.November,
	"grudzień": time.December, "grudnia": time.December,
}

var (
	timeOfDayRe   = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	absoluteRe    = regexp.MustCompile(`(\d{1,2})\s+(\p{L}+)\s+(\d{4})`)
	numericDateRe = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})\.(\d{4})`)
)

// ParsePublishedAt resolves a source-reported publication string to a UTC
// instant. Handles relative terms ("dzisiaj o 14:30", "wczoraj"), Polish
// month names ("15 stycznia 2026") and numeric dates ("15.01.2026").
// Returns false when no strategy recognises the text.
func ParsePublishedAt(text string, now time.Time) (time.Time, bool) {
	text = strings.ToLower(collapseWhitespace(text))
	if text == "" {
		return time.Time{}, false
	}
	now = now.UTC()

	dayStart := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}

	withTimeOfDay := func(day time.Time) time.Time {
		if m := timeOfDayRe.FindStringSubmatch(text); len(m) == 3 {
			hour, _ := strconv.Atoi(m[1])
			minute, _ := strconv.Atoi(m[2])
			if hour < 24 && minute < 60 {
				return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
			}
		}
		return day
	}

	switch {
	case strings.Contains(text, "dzisiaj"), strings.Contains(text, "dziś"):
		return withTimeOfDay(dayStart(now)), true
	case strings.Contains(text, "wczoraj"):
		return withTimeOfDay(dayStart(now.AddDate(0, 0, -1))), true
	}

	if m := absoluteRe.FindStringSubmatch(text); len(m) == 4 {
		month, ok := polishMonths[m[2]]
		if ok {
			day, _ := strconv.Atoi(m[1])
			year, _ := strconv.Atoi(m[3])
			if day >= 1 && day <= 31 {
				return withTimeOfDay(time.Date(year, month, day, 0, 0, 0, 0, time.UTC)), true
			}
		}
	}

	if m := numericDateRe.FindStringSubmatch(text); len(m) == 4 {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if day >= 1 && day <= 31 && month >= 1 && month <= 12 {
			return withTimeOfDay(time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)), true
		}
	}

	return time.Time{}, false
}
