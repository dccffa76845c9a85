package offline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/chromedp/cdproto/cdp"
	"golang.org/x/net/html"
)

var whitespace = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// nonTextual elements never take part in text matching.
var nonTextual = map[string]bool{
	"script": true, "style": true, "head": true, "template": true, "noscript": true, "title": true,
}

// query runs one engine below scope, descending into open shadow roots. Closed
// shadow roots are only reached when scope is the closed root itself.
func (p *Page) query(scope *node, engine, body string) ([]*node, error) {
	var match func(root *node) ([]*html.Node, error)
	switch engine {
	case "css":
		if _, err := cascadia.ParseGroup(body); err != nil {
			return nil, fmt.Errorf("SyntaxError: '%s' is not a valid selector", body)
		}
		match = func(root *node) ([]*html.Node, error) {
			return goquery.NewDocumentFromNode(root.h).Find(body).Nodes, nil
		}
	case "xpath":
		match = func(root *node) ([]*html.Node, error) {
			hs, err := htmlquery.QueryAll(root.h, body)
			if err != nil {
				return nil, fmt.Errorf("SyntaxError: '%s' is not a valid XPath expression", body)
			}
			return hs, nil
		}
	case "text":
		exact, needle := textNeedle(body)
		match = func(root *node) ([]*html.Node, error) {
			return textMatches(root, exact, needle), nil
		}
	default:
		return nil, fmt.Errorf("unsupported engine %q", engine)
	}

	var (
		out  []*node
		seen = make(map[*node]bool)
	)
	var visit func(root *node) error
	visit = func(root *node) error {
		hs, err := match(root)
		if err != nil {
			return err
		}
		for _, h := range hs {
			n := p.byHTML[h]
			if n == nil || n.kind != kindElement || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
		var openErr error
		walkLight(root, func(el *node) {
			if openErr == nil && el.shadow != nil && el.shadowMode == cdp.ShadowRootTypeOpen {
				openErr = visit(el.shadow)
			}
		})
		return openErr
	}
	if err := visit(scope); err != nil {
		return nil, err
	}
	return out, nil
}

// walkLight visits every element below root without entering shadow roots or
// child frames.
func walkLight(root *node, fn func(*node)) {
	for _, c := range root.children {
		if c.kind != kindElement {
			continue
		}
		fn(c)
		walkLight(c, fn)
	}
}

func textNeedle(body string) (bool, string) {
	exact := false
	if len(body) > 1 && (body[0] == '"' || body[0] == '\'') && body[len(body)-1] == body[0] {
		exact = true
		body = body[1 : len(body)-1]
	}
	body = normalizeText(body)
	if !exact {
		body = strings.ToLower(body)
	}
	return exact, body
}

// textMatches returns the innermost elements whose text contains (or equals,
// when quoted) the needle.
func textMatches(root *node, exact bool, needle string) []*html.Node {
	matches := func(n *node) bool {
		if nonTextual[n.h.Data] {
			return false
		}
		t := normalizeText(htmlquery.InnerText(n.h))
		if exact {
			return t == needle
		}
		return strings.Contains(strings.ToLower(t), needle)
	}
	var out []*html.Node
	walkLight(root, func(el *node) {
		if !matches(el) {
			return
		}
		for _, c := range el.children {
			if c.kind == kindElement && matches(c) {
				return
			}
		}
		out = append(out, el.h)
	})
	return out
}

// -- Visibility --

// nonRendered elements never produce a box.
var nonRendered = map[string]bool{
	"head": true, "script": true, "style": true, "template": true, "title": true,
	"meta": true, "link": true, "noscript": true, "base": true,
}

// replaced elements have an intrinsic size even without text.
var replaced = map[string]bool{
	"img": true, "input": true, "button": true, "textarea": true, "select": true,
	"video": true, "canvas": true, "iframe": true, "svg": true, "object": true, "embed": true,
}

type styleRule struct {
	sel   cascadia.Sel
	decls map[string]string
}

var ruleRe = regexp.MustCompile(`([^{}@]+)\{([^{}]*)\}`)

func parseDecls(s string) map[string]string {
	out := make(map[string]string)
	for _, d := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(d, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "!important"))
		out[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(v)
	}
	return out
}

// stylesheet collects the rules of every <style> element in the tree scope
// rooted at root (a document or a shadow root).
func stylesheet(root *node) []styleRule {
	var rules []styleRule
	for _, st := range goquery.NewDocumentFromNode(root.h).Find("style").Nodes {
		for _, m := range ruleRe.FindAllStringSubmatch(htmlquery.InnerText(st), -1) {
			group, err := cascadia.ParseGroup(strings.TrimSpace(m[1]))
			if err != nil {
				continue
			}
			decls := parseDecls(m[2])
			for _, sel := range group {
				rules = append(rules, styleRule{sel: sel, decls: decls})
			}
		}
	}
	return rules
}

func treeRoot(n *node) *node {
	for n.parent != nil && n.kind != kindShadowRoot {
		n = n.parent
	}
	return n
}

// visible approximates a non-empty box: the element and its ancestors are
// rendered, not display:none, not visibility:hidden, and there is something
// inside to give it size.
func (p *Page) visible(n *node) bool {
	if n.detached {
		return false
	}
	if n.kind == kindText {
		n = n.parent
	}
	if n == nil || n.kind != kindElement {
		return false
	}

	sheets := make(map[*node][]styleRule)
	computed := func(el *node) map[string]string {
		root := treeRoot(el)
		rules, ok := sheets[root]
		if !ok {
			rules = stylesheet(root)
			sheets[root] = rules
		}
		decls := make(map[string]string)
		for _, r := range rules {
			if r.sel.Match(el.h) {
				for k, v := range r.decls {
					decls[k] = v
				}
			}
		}
		for k, v := range parseDecls(getAttr(el.h, "style")) {
			decls[k] = v
		}
		return decls
	}

	visibilityKnown := false
	for cur := n; cur != nil; cur = cur.parent {
		switch cur.kind {
		case kindShadowRoot:
			continue
		case kindDocument:
			return hasBox(n)
		}
		if nonRendered[cur.h.Data] {
			return false
		}
		if _, hidden := lookupAttr(cur.h, "hidden"); hidden {
			return false
		}
		if cur.h.Data == "input" && strings.EqualFold(getAttr(cur.h, "type"), "hidden") {
			return false
		}
		decls := computed(cur)
		if decls["display"] == "none" {
			return false
		}
		if v, ok := decls["visibility"]; ok && !visibilityKnown {
			visibilityKnown = true
			if v == "hidden" || v == "collapse" {
				return false
			}
		}
	}
	return hasBox(n)
}

// hasBox reports whether the element has content that gives it a size.
func hasBox(n *node) bool {
	if replaced[n.h.Data] {
		return true
	}
	for _, c := range n.children {
		switch c.kind {
		case kindText:
			if strings.TrimSpace(c.h.Data) != "" {
				return true
			}
		case kindElement:
			if !nonRendered[c.h.Data] && hasBox(c) {
				return true
			}
		}
	}
	if n.shadow != nil {
		for _, c := range n.shadow.children {
			if c.kind == kindText || (c.kind == kindElement && hasBox(c)) {
				return true
			}
		}
	}
	return false
}
