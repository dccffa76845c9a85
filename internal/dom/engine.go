package dom

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/go-json-experiment/json"

	"github.com/xkilldash9x/deepquery/internal/selector"
)

// testIDBody matches the attribute form test id parts are written in, e.g.
// `[data-testid="submit"s]`.
var testIDBody = regexp.MustCompile(`^\[([A-Za-z_][\w-]*)=("(?:[^"\\]|\\.)*")([si]?)\]$`)

// internalTextBody matches the quoted form of internal:text parts, e.g.
// `"Sign in"i`. The suffix s asks for an exact match.
var internalTextBody = regexp.MustCompile(`^("(?:[^"\\]|\\.)*")([si]?)$`)

// engineFor maps a selector part onto one of the three query engines the
// protocol client understands.
func engineFor(p selector.Part) (engine, body string, err error) {
	switch p.Name {
	case selector.EngineCSS, selector.EngineXPath, selector.EngineText:
		return p.Name, p.Body, nil
	case selector.EngineID:
		return selector.EngineCSS, attributeSelector("id", p.Body), nil
	case selector.EngineDataID:
		return selector.EngineCSS, attributeSelector("data-testid", p.Body), nil
	case selector.EngineInternalText:
		body, err := internalText(p.Body)
		if err != nil {
			return "", "", err
		}
		return selector.EngineText, body, nil
	case selector.EngineTestID:
		if m := testIDBody.FindStringSubmatch(p.Body); m != nil {
			sel := "[" + m[1] + "=" + m[2]
			if m[3] == "i" {
				sel += " i"
			}
			return selector.EngineCSS, sel + "]", nil
		}
		return selector.EngineCSS, attributeSelector("data-testid", p.Body), nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedEngine, p.Name)
	}
}

func attributeSelector(name, value string) string {
	return "[" + name + "=" + strconv.Quote(value) + "]"
}

// internalText rewrites an internal:text body into the text engine's form:
// quoted for an exact match, bare for a case-insensitive substring.
func internalText(body string) (string, error) {
	m := internalTextBody.FindStringSubmatch(body)
	if m == nil {
		// Unquoted bodies already are in text engine form.
		return body, nil
	}
	var needle string
	if err := json.Unmarshal([]byte(m[1]), &needle); err != nil {
		return "", fmt.Errorf("%w: internal:text body %s: %v", ErrUnsupportedEngine, body, err)
	}
	if m[2] == "s" {
		return `"` + needle + `"`, nil
	}
	return needle, nil
}
