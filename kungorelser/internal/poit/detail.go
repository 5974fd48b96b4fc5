package poit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/isakskogstad/LoopDesk-sub005/extract"
)

// Detail is the parsed body of one notice.
type Detail struct {
	// FullText is the notice as markdown.
	FullText string
	// DetailText is a plain-text preview of at most PreviewWords words.
	DetailText string
	OrgNumber  string
}

var (
	mdConverter = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	sanitizer = bluemonday.UGCPolicy()

	textKeyRe    = regexp.MustCompile(`(?i)text|kungorelse`)
	textMarkerRe = regexp.MustCompile(`(?i)org\s*nr|företagsnamn|kungörelsetext`)
)

// minDetailText is the shortest body accepted from the density fallback.
const minDetailText = 40

// ParseDetail extracts the notice text from a detail page. JSON bodies
// (the gazette's REST responses) are searched for the longest text field.
func ParseDetail(body []byte, sel Selectors) (*Detail, error) {
	sel = sel.WithDefaults()
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return parseDetailJSON(trimmed)
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}

	node := extract.Query(doc, sel.DetailBody)
	if node == nil {
		node = extract.Densest(doc, minDetailText)
	}
	if node == nil {
		return nil, ErrParseFailed
	}

	plain := afterLabel(extract.Text(node), sel.DetailLabel)
	if plain == "" {
		return nil, ErrParseFailed
	}
	md, err := mdConverter.ConvertString(sanitizer.Sanitize(extract.Render(node)))
	if err != nil || strings.TrimSpace(md) == "" {
		md = plain
	}
	return &Detail{
		FullText:   strings.TrimSpace(md),
		DetailText: Preview(plain),
		OrgNumber:  FindOrgNumber(plain),
	}, nil
}

// afterLabel drops everything up to and including the "Kungörelsetext"
// heading when the extracted node still carries the page chrome.
func afterLabel(text, label string) string {
	if label == "" {
		return strings.TrimSpace(text)
	}
	if i := strings.Index(strings.ToLower(text), strings.ToLower(label)); i >= 0 {
		if rest := strings.TrimSpace(text[i+len(label):]); rest != "" {
			return rest
		}
	}
	return strings.TrimSpace(text)
}

func parseDetailJSON(body []byte) (*Detail, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	var candidates []string
	var walk func(v any, key string)
	walk = func(v any, key string) {
		switch t := v.(type) {
		case string:
			if len(t) > 20 && (textKeyRe.MatchString(key) || textMarkerRe.MatchString(t)) {
				candidates = append(candidates, t)
			}
		case []any:
			for _, item := range t {
				walk(item, key)
			}
		case map[string]any:
			for k, item := range t {
				walk(item, key+"."+k)
			}
		}
	}
	walk(data, "root")
	if len(candidates) == 0 {
		return nil, ErrParseFailed
	}
	sort.SliceStable(candidates, func(i, j int) bool { return len(candidates[i]) > len(candidates[j]) })

	text := strings.TrimSpace(candidates[0])
	// REST payloads sometimes carry HTML fragments.
	if strings.Contains(text, "<") {
		if md, err := mdConverter.ConvertString(sanitizer.Sanitize(text)); err == nil && strings.TrimSpace(md) != "" {
			plain := plainFromHTML(text)
			return &Detail{FullText: strings.TrimSpace(md), DetailText: Preview(plain), OrgNumber: FindOrgNumber(plain)}, nil
		}
	}
	return &Detail{FullText: text, DetailText: Preview(text), OrgNumber: FindOrgNumber(text)}, nil
}

func plainFromHTML(fragment string) string {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	return extract.Text(doc)
}
