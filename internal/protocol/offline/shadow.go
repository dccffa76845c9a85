package offline

import (
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"golang.org/x/net/html"
)

// Declarative shadow DOM: a host element carries its shadow tree as a direct
// <template shadowrootmode="open|closed"> child. The parser leaves that
// template in the light tree, so attachShadowRoot lifts it out and returns a
// detached root node holding a clone of the template content.

// shadowTemplate returns the declarative shadow template of host, if any.
func shadowTemplate(host *html.Node) *html.Node {
	if host == nil || host.Type != html.ElementNode {
		return nil
	}
	for c := host.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "template" && getAttr(c, "shadowrootmode") != "" {
			return c
		}
	}
	return nil
}

// attachShadowRoot detaches the declarative template from host and returns
// the shadow root it describes. A nil root means host is not a shadow host.
func attachShadowRoot(host *html.Node) (*html.Node, cdp.ShadowRootType) {
	tmpl := shadowTemplate(host)
	if tmpl == nil {
		return nil, ""
	}

	mode := cdp.ShadowRootTypeOpen
	if strings.EqualFold(getAttr(tmpl, "shadowrootmode"), string(cdp.ShadowRootTypeClosed)) {
		mode = cdp.ShadowRootTypeClosed
	}

	// Template content is sometimes wrapped in a fragment by the parser.
	source := tmpl
	if tmpl.FirstChild != nil && tmpl.FirstChild.Type == html.DocumentNode {
		source = tmpl.FirstChild
	}

	root := &html.Node{Type: html.DocumentNode, Data: "#shadow-root"}
	for c := source.FirstChild; c != nil; c = c.NextSibling {
		root.AppendChild(cloneNode(c))
	}
	host.RemoveChild(tmpl)
	return root, mode
}

// getAttr is a case insensitive attribute lookup.
func getAttr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, attr := range n.Attr {
		if strings.EqualFold(attr.Key, key) {
			return attr.Val, true
		}
	}
	return "", false
}

// cloneNode deep copies n so the template it came from stays untouched.
func cloneNode(n *html.Node) *html.Node {
	if n == nil {
		return nil
	}
	out := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      make([]html.Attribute, len(n.Attr)),
	}
	copy(out.Attr, n.Attr)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out.AppendChild(cloneNode(c))
	}
	return out
}
