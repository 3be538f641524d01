package source

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"

	"pewwatch/internal/watch"
)

// ParseHTML parses a fetched page. The x/net parser swallows real-world
// tag soup without complaint, so an error here means the body was not HTML
// at all and counts as drift.
func ParseHTML(kind, op string, body []byte) (*html.Node, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &watch.DriftError{SourceKind: kind, Op: op, Detail: "unparseable html: " + err.Error()}
	}
	return doc, nil
}

// FindAll returns every element under n matching match, in document order.
func FindAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && match(node) {
			out = append(out, node)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// FindFirst returns the first element under n matching match, or nil.
func FindFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if found != nil {
			return
		}
		if node.Type == html.ElementNode && match(node) {
			found = node
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
			if found != nil {
				return
			}
		}
	}
	walk(n)
	return found
}

// ByTag matches elements with the given tag name.
func ByTag(tag string) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.Data == tag }
}

// ByTagClass matches tag elements carrying class in their class list.
func ByTagClass(tag, class string) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.Data == tag && HasClass(n, class) }
}

// HasClass reports whether class appears in n's class attribute.
func HasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(Attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

// Attr returns the value of n's key attribute, or "".
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// Text concatenates every text node under n without separators. That is
// what the advisory regexes expect: inline markup boundaries contribute
// nothing, exactly like a soup-style text scrape.
func Text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// NextElement returns the element following n in document order, or nil.
// It mirrors the "next parsed element" walk the advisory page layouts are
// scraped with.
func NextElement(n *html.Node) *html.Node {
	for cur := nextNode(n); cur != nil; cur = nextNode(cur) {
		if cur.Type == html.ElementNode {
			return cur
		}
	}
	return nil
}

// NextSiblingElement returns n's next sibling that is an element, or nil.
func NextSiblingElement(n *html.Node) *html.Node {
	for cur := n.NextSibling; cur != nil; cur = cur.NextSibling {
		if cur.Type == html.ElementNode {
			return cur
		}
	}
	return nil
}

func nextNode(n *html.Node) *html.Node {
	if n.FirstChild != nil {
		return n.FirstChild
	}
	for ; n != nil; n = n.Parent {
		if n.NextSibling != nil {
			return n.NextSibling
		}
	}
	return nil
}
