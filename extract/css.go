// Package extract is a small query layer over golang.org/x/net/html: a
// CSS selector subset, text collection and a text-density scorer used to
// locate the body of a gazette notice.
package extract

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// QueryAll returns all nodes under root matching selector, in document
// order. Supported subset:
//   - tag: "tr", "a"
//   - .class / #id / tag.class / tag#id
//   - [attr], [attr=val], [attr*=val], [attr^=val], [attr$=val]
//   - descendant combinator: "table.results tr"
//   - alternatives: "#ans, input[name=ans]"
func QueryAll(root *html.Node, selector string) []*html.Node {
	if root == nil {
		return nil
	}
	var out []*html.Node
	seen := make(map[*html.Node]bool)
	for _, alt := range strings.Split(selector, ",") {
		for _, n := range queryDescendant(root, strings.Fields(alt)) {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	if strings.Contains(selector, ",") {
		sortDocumentOrder(root, out)
	}
	return out
}

// Query returns the first match of selector, or nil.
func Query(root *html.Node, selector string) *html.Node {
	if all := QueryAll(root, selector); len(all) > 0 {
		return all[0]
	}
	return nil
}

func queryDescendant(root *html.Node, parts []string) []*html.Node {
	if len(parts) == 0 {
		return nil
	}
	matches := matchSimple(root, parseSimpleSelector(parts[0]), false)
	for i := 1; i < len(parts); i++ {
		sel := parseSimpleSelector(parts[i])
		seen := make(map[*html.Node]bool)
		var next []*html.Node
		for _, parent := range matches {
			for _, n := range matchSimple(parent, sel, true) {
				if !seen[n] {
					seen[n] = true
					next = append(next, n)
				}
			}
		}
		matches = next
	}
	return matches
}

// matchSimple finds nodes under root matching one compound selector.
// skipRoot excludes root itself (descendant combinator semantics).
func matchSimple(root *html.Node, s simpleSelector, skipRoot bool) []*html.Node {
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if !(skipRoot && n == root) && matchesSelector(n, s) {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrOp  string // "", "=", "*=", "^=", "$="
	attrVal string
}

// parseSimpleSelector parses "tag.class", "#id", "a[href*=kungorelse/]", etc.
func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attrPart := strings.TrimSuffix(sel[idx+1:], "]")
		sel = sel[:idx]
		if eq := strings.IndexByte(attrPart, '='); eq >= 0 {
			key := attrPart[:eq]
			s.attrOp = "="
			if eq > 0 && strings.ContainsRune("*^$", rune(key[len(key)-1])) {
				s.attrOp = key[len(key)-1:] + "="
				key = key[:len(key)-1]
			}
			s.attrKey = key
			s.attrVal = strings.Trim(attrPart[eq+1:], `"'`)
		} else {
			s.attrKey = attrPart
		}
	}

	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		rest := sel[idx+1:]
		sel = sel[:idx]
		if dot := strings.IndexByte(rest, '.'); dot >= 0 {
			sel += rest[dot:]
			rest = rest[:dot]
		}
		s.id = rest
	}

	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.classes = strings.Split(sel[idx+1:], ".")
		sel = sel[:idx]
	}

	s.tag = strings.ToLower(sel)
	return s
}

func matchesSelector(n *html.Node, s simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && s.tag != "*" && n.Data != s.tag {
		return false
	}
	if s.id != "" && Attr(n, "id") != s.id {
		return false
	}
	if len(s.classes) > 0 {
		have := strings.Fields(Attr(n, "class"))
		for _, want := range s.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	if s.attrKey != "" {
		if !HasAttr(n, s.attrKey) {
			return false
		}
		val := Attr(n, s.attrKey)
		switch s.attrOp {
		case "=":
			return val == s.attrVal
		case "*=":
			return strings.Contains(val, s.attrVal)
		case "^=":
			return strings.HasPrefix(val, s.attrVal)
		case "$=":
			return strings.HasSuffix(val, s.attrVal)
		}
	}
	return true
}

// Attr returns the value of an attribute on a node.
func Attr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// HasAttr reports whether a node carries an attribute.
func HasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}

// Children returns the element children of n with the given tag.
func Children(n *html.Node, tag atom.Atom) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == tag {
			out = append(out, c)
		}
	}
	return out
}

// Closest walks up from n to the nearest ancestor (or n) with tag.
func Closest(n *html.Node, tag atom.Atom) *html.Node {
	for ; n != nil; n = n.Parent {
		if n.Type == html.ElementNode && n.DataAtom == tag {
			return n
		}
	}
	return nil
}

// Text returns the visible text of n with whitespace collapsed.
func Text(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		if n.Type == html.TextNode {
			for _, w := range strings.Fields(n.Data) {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(w)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return sb.String()
}

// Render serialises n back to HTML.
func Render(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}

func sortDocumentOrder(root *html.Node, nodes []*html.Node) {
	pos := make(map[*html.Node]int, len(nodes))
	want := make(map[*html.Node]bool, len(nodes))
	for _, n := range nodes {
		want[n] = true
	}
	i := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if want[n] {
			pos[n] = i
			i++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	// insertion sort: result sets are small
	for a := 1; a < len(nodes); a++ {
		for b := a; b > 0 && pos[nodes[b]] < pos[nodes[b-1]]; b-- {
			nodes[b], nodes[b-1] = nodes[b-1], nodes[b]
		}
	}
}
