package selector

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/go-json-experiment/json"
)

var partNameRe = regexp.MustCompile(`^[a-zA-Z_0-9\-+:*]+$`)

// Parse turns selector text such as `div.card >> nth=1` into a Selector.
func Parse(text string) (*Selector, error) {
	raw, err := splitParts(text)
	if err != nil {
		return nil, err
	}
	sel := &Selector{Capture: NoCapture}
	for i, chunk := range raw {
		if strings.HasPrefix(chunk, "*") && len(chunk) > 1 {
			if sel.Capture != NoCapture {
				return nil, &ParseError{Selector: text, Msg: "only one part may capture using the * modifier"}
			}
			sel.Capture = i
			chunk = strings.TrimSpace(chunk[1:])
		}
		part, err := parsePart(text, chunk)
		if err != nil {
			return nil, err
		}
		sel.Parts = append(sel.Parts, part)
	}
	if sel.Capture != NoCapture && sel.Parts[sel.Capture].IsFrameBoundary() {
		return nil, &ParseError{Selector: text, Msg: "cannot capture a frame control part"}
	}
	return sel, nil
}

// MustParse is Parse for selectors known at compile time.
func MustParse(text string) *Selector {
	s, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return s
}

// splitParts cuts the text at every `>>` that is not inside a quoted string.
func splitParts(text string) ([]string, error) {
	var (
		parts []string
		start int
		quote byte
	)
	flush := func(end int) error {
		chunk := strings.TrimSpace(text[start:end])
		if chunk == "" {
			return &ParseError{Selector: text, Msg: "empty selector part"}
		}
		parts = append(parts, chunk)
		return nil
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quote != 0 && c == '\\' && i+1 < len(text):
			i++
		case quote != 0 && c == quote:
			quote = 0
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
		case quote == 0 && c == '>' && i+1 < len(text) && text[i+1] == '>':
			if err := flush(i); err != nil {
				return nil, err
			}
			start = i + 2
			i++
		}
	}
	if err := flush(len(text)); err != nil {
		return nil, err
	}
	return parts, nil
}

func parsePart(text, chunk string) (Part, error) {
	var p Part
	if eq := strings.IndexByte(chunk, '='); eq > 0 && partNameRe.MatchString(strings.TrimSpace(chunk[:eq])) {
		p.Name = strings.ToLower(strings.TrimSpace(chunk[:eq]))
		p.Body = strings.TrimSpace(chunk[eq+1:])
	} else {
		p.Body = chunk
		switch {
		case strings.HasPrefix(chunk, "//"), strings.HasPrefix(chunk, ".."):
			p.Name = EngineXPath
		case strings.HasPrefix(chunk, `"`), strings.HasPrefix(chunk, "'"):
			p.Name = EngineText
		default:
			p.Name = EngineCSS
		}
	}

	switch p.Name {
	case PartNth:
		n, err := strconv.Atoi(p.Body)
		if err != nil {
			return Part{}, &ParseError{Selector: text, Msg: "nth expects an integer, got " + strconv.Quote(p.Body)}
		}
		p.Index = n
	case PartOr, PartAnd:
		var inner string
		if err := json.Unmarshal([]byte(p.Body), &inner); err != nil {
			return Part{}, &ParseError{Selector: text, Msg: p.Name + " expects a quoted selector", Err: err}
		}
		nested, err := Parse(inner)
		if err != nil {
			return Part{}, err
		}
		if nested.HasCapture() {
			return Part{}, &ParseError{Selector: text, Msg: "nested selectors cannot capture"}
		}
		p.Nested = nested
	case PartControl:
		if p.Body != ControlFrame {
			return Part{}, &ParseError{Selector: text, Msg: "unknown control " + strconv.Quote(p.Body)}
		}
	}
	if p.Body == "" {
		return Part{}, &ParseError{Selector: text, Msg: "empty body for " + p.Name}
	}
	return p, nil
}
