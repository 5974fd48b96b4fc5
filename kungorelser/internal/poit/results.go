package poit

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/isakskogstad/LoopDesk-sub005/extract"
)

// ErrParseFailed means a page had neither the expected content nor a
// recognised empty or challenge state. Retrying will not help.
var ErrParseFailed = errors.New("poit: unexpected page markup")

// Summary is one row of a result page.
type Summary struct {
	ExternalID  string
	URL         string
	Reporter    string
	Type        string
	Subject     string
	PubDateText string
	PubDate     int64 // unix ms, 0 when unparsed
	OrgNumber   string
}

// ResultPage is one parsed search result page. NextURL is empty on the
// last page.
type ResultPage struct {
	Items   []Summary
	NextURL string
	Empty   bool
}

// ParseResults extracts the summaries of a result page. base resolves
// relative links.
func ParseResults(body []byte, base *url.URL, sel Selectors) (*ResultPage, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	sel = sel.WithDefaults()

	page := &ResultPage{}
	seen := make(map[string]bool)
	for _, link := range extract.QueryAll(doc, sel.ResultLink) {
		href := extract.Attr(link, "href")
		id := externalID(href)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		s := Summary{ExternalID: id, URL: resolve(base, href)}
		row := closestRow(link, sel.ResultRow)
		var cells []string
		if row != nil {
			for _, c := range extract.QueryAll(row, sel.ResultCell) {
				if t := extract.Text(c); t != "" {
					cells = append(cells, t)
				}
			}
		}
		switch {
		case len(cells) >= 5:
			s.Reporter, s.Type, s.Subject, s.PubDateText = cells[1], cells[2], cells[3], cells[4]
		case len(cells) > 0:
			s.Subject = strings.Join(cells, " ")
		default:
			s.Subject = extract.Text(link)
		}
		if t, ok := ParseDate(s.PubDateText); ok {
			s.PubDate = t.UnixMilli()
		}
		s.OrgNumber = FindOrgNumber(strings.Join(cells, " "))
		page.Items = append(page.Items, s)
	}

	if next := extract.Query(doc, sel.NextPage); next != nil {
		if href := extract.Attr(next, "href"); href != "" && href != "#" {
			page.NextURL = resolve(base, href)
		}
	}

	if len(page.Items) > 0 {
		return page, nil
	}
	if isEmptyPage(doc, sel) {
		page.Empty = true
		page.NextURL = ""
		return page, nil
	}
	return nil, ErrParseFailed
}

func isEmptyPage(doc *html.Node, sel Selectors) bool {
	if extract.Query(doc, sel.EmptyMarker) != nil {
		return true
	}
	if sel.EmptyText != "" && strings.Contains(strings.ToLower(extract.Text(doc)), strings.ToLower(sel.EmptyText)) {
		return true
	}
	// A rendered results table without rows is an empty result too.
	return extract.Query(doc, sel.ResultsContainer) != nil
}

// closestRow walks up from n to the nearest ancestor matching the row
// selector, falling back to <tr>.
func closestRow(n *html.Node, rowSel string) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if p.DataAtom == atom.Tr || extract.Attr(p, "role") == "row" {
			return p
		}
		// Custom row selectors are matched against the parent's subtree.
		if p.Parent != nil && containsNode(extract.QueryAll(p.Parent, rowSel), p) {
			return p
		}
	}
	return nil
}

func containsNode(nodes []*html.Node, n *html.Node) bool {
	for _, x := range nodes {
		if x == n {
			return true
		}
	}
	return false
}

// externalID is the last path segment of a notice link, e.g. "K123456-24".
func externalID(href string) string {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	href = strings.TrimRight(href, "/")
	if href == "" {
		return ""
	}
	id := path.Base(href)
	if id == "." || id == "/" {
		return ""
	}
	if u, err := url.PathUnescape(id); err == nil {
		id = u
	}
	return strings.TrimSpace(id)
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
