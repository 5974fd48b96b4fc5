package extract

import (
	"math"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Densest finds the element holding the main text of a page: an <article>
// or <main> landmark when one carries minLen bytes of text, otherwise the
// block with the best text-to-markup ratio. Chrome (nav, header, footer,
// cookie banners, forms) and blocks that are mostly links never win.
// Returns nil when no block reaches minLen.
func Densest(root *html.Node, minLen int) *html.Node {
	if root == nil {
		return nil
	}
	if n := landmark(root, minLen); n != nil {
		return n
	}
	scope := Body(root)
	if scope == nil {
		scope = root
	}

	var best *html.Node
	bestScore := 0.0
	visit(scope, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return n.Type == html.DocumentNode
		}
		if isChrome(n) {
			return false
		}
		if blockTags[n.DataAtom] {
			if s := score(n, minLen); s > bestScore {
				best, bestScore = n, s
			}
		}
		return true
	})
	return best
}

// Body returns the <body> element of a parsed document.
func Body(doc *html.Node) *html.Node {
	var body *html.Node
	visit(doc, func(n *html.Node) bool {
		if body != nil {
			return false
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Body {
			body = n
		}
		return true
	})
	return body
}

var blockTags = map[atom.Atom]bool{
	atom.Div: true, atom.Section: true, atom.Article: true, atom.Main: true,
	atom.Td: true, atom.P: true, atom.Pre: true, atom.Blockquote: true,
}

var chromeTags = map[atom.Atom]bool{
	atom.Nav: true, atom.Header: true, atom.Footer: true, atom.Aside: true,
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Form: true,
}

var chromeMarkers = []string{"navigation", "navbar", "menu", "footer", "sidebar", "cookie", "breadcrumb"}

func landmark(root *html.Node, minLen int) *html.Node {
	for _, tag := range []atom.Atom{atom.Article, atom.Main} {
		var found *html.Node
		visit(root, func(n *html.Node) bool {
			if found != nil {
				return false
			}
			if n.Type == html.ElementNode && n.DataAtom == tag && !isChrome(n) && len(Text(n)) >= minLen {
				found = n
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// score rewards dense text, grows slowly with length and is zero for
// blocks under minLen or whose text is more than half links.
func score(n *html.Node, minLen int) float64 {
	text := len(Text(n))
	if text < minLen || text == 0 {
		return 0
	}
	links := float64(linkTextLen(n)) / float64(text)
	if links > 0.5 {
		return 0
	}
	markup := max(len(Render(n)), 1)
	density := float64(text) / float64(markup)
	return density * (1 + math.Log2(max(float64(text)/100, 1))) * (1 - links)
}

func isChrome(n *html.Node) bool {
	if chromeTags[n.DataAtom] {
		return true
	}
	marker := strings.ToLower(Attr(n, "class") + " " + Attr(n, "id") + " " + Attr(n, "role"))
	for _, m := range chromeMarkers {
		if strings.Contains(marker, m) {
			return true
		}
	}
	return false
}

func linkTextLen(n *html.Node) int {
	total := 0
	for _, a := range findTag(n, atom.A) {
		visit(a, func(c *html.Node) bool {
			if c.Type == html.TextNode {
				total += len(strings.TrimSpace(c.Data))
			}
			return true
		})
	}
	return total
}

func findTag(root *html.Node, tag atom.Atom) []*html.Node {
	var out []*html.Node
	visit(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == tag {
			out = append(out, n)
			return false
		}
		return true
	})
	return out
}

// visit walks the tree depth-first; fn returning false skips n's children.
func visit(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		visit(c, fn)
	}
}
