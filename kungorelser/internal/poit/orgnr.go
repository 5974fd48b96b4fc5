package poit

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	orgNumberRe = regexp.MustCompile(`\b(\d{6})-?(\d{4})\b`)
	letterRe    = regexp.MustCompile(`\pL`)
	digitDashRe = regexp.MustCompile(`[0-9\-]+`)
)

// NormalizeOrgNumber returns the 10 digits of a Swedish organisation
// number written with or without the dash, or "" when s is not one.
func NormalizeOrgNumber(s string) string {
	d := digitsOnly(s)
	if len(d) != 10 {
		return ""
	}
	return d
}

// FormatOrgNumber renders 10 digits as NNNNNN-NNNN.
func FormatOrgNumber(digits string) string {
	if len(digits) != 10 {
		return digits
	}
	return digits[:6] + "-" + digits[6:]
}

// IsOrgNumber reports whether the whole query is an organisation number.
func IsOrgNumber(q string) bool {
	q = strings.TrimSpace(q)
	if letterRe.MatchString(q) {
		return false
	}
	return NormalizeOrgNumber(q) != ""
}

// FindOrgNumber returns the first organisation number in text, normalized.
func FindOrgNumber(text string) string {
	m := orgNumberRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1] + m[2]
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// QueryVariants expands a query into the forms the gazette search may
// accept, in the order they should be tried: the query as typed, the
// dashed and undashed organisation number, then the name without a
// trailing number.
func QueryVariants(query string) []string {
	q := strings.Join(strings.Fields(query), " ")
	if q == "" {
		return nil
	}
	variants := []string{q}
	if d := digitsOnly(q); len(d) == 10 {
		variants = append(variants, FormatOrgNumber(d), d)
	}
	if letterRe.MatchString(q) {
		name := strings.Join(strings.Fields(digitDashRe.ReplaceAllString(q, " ")), " ")
		if name != "" {
			variants = append(variants, name)
		}
	}

	seen := make(map[string]bool, len(variants))
	out := variants[:0]
	for _, v := range variants {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// SearchURL builds the search request for query: organisation numbers go
// to personOrgnummer (dashed), everything else to namn.
func SearchURL(base, query string) (string, error) {
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if IsOrgNumber(query) {
		q.Set("personOrgnummer", FormatOrgNumber(NormalizeOrgNumber(query)))
	} else {
		q.Set("namn", strings.TrimSpace(query))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
