package poit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Preview limits.
const (
	PreviewWords = 100
	PreviewChars = 1000
)

var (
	isoDateRe     = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
	swedishDateRe = regexp.MustCompile(`(\d{1,2})\s+(\pL{3,})\.?\s+(\d{4})`)
)

var swedishMonths = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "maj": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"okt": time.October, "nov": time.November, "dec": time.December,
}

// ParseDate reads a gazette publication date, "2024-05-15" or
// "15 maj 2024" (full month names work too). The result is midnight UTC
// of that calendar day.
func ParseDate(s string) (time.Time, bool) {
	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		t, err := time.Parse("2006-01-02", m[0])
		if err == nil {
			return t, true
		}
	}
	m := swedishDateRe.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return time.Time{}, false
	}
	month, ok := swedishMonths[string([]rune(m[2])[:3])]
	if !ok {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[1])
	year, _ := strconv.Atoi(m[3])
	if day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, false // 31 feb rolled over
	}
	return t, true
}

// IsLong reports whether text exceeds the preview limits.
func IsLong(text string) bool {
	text = strings.TrimSpace(text)
	return len(strings.Fields(text)) > PreviewWords || utf8.RuneCountInString(text) > PreviewChars
}

// Preview cuts text to at most PreviewWords words and PreviewChars
// characters, marking the cut with " ...". Short text is returned trimmed.
func Preview(text string) string {
	text = strings.TrimSpace(text)
	if !IsLong(text) {
		return text
	}
	words := strings.Fields(text)
	if len(words) > PreviewWords {
		words = words[:PreviewWords]
	}
	out := strings.Join(words, " ")
	if utf8.RuneCountInString(out) > PreviewChars {
		r := []rune(out)[:PreviewChars]
		out = string(r)
		if i := strings.LastIndexByte(out, ' '); i > PreviewChars/2 {
			out = out[:i]
		}
	}
	return out + " ..."
}
