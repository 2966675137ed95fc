package rewriter

import (
	"strings"

	"golang.org/x/net/html"
)

// selector is a single parsed HTMLRewriter selector: tag name, class, id,
// or a `[name=value]` attribute match. "*" matches every element.
type selector struct {
	raw string

	tag       string // "" means any tag
	class     string // matches if present among the element's class list
	id        string
	attrName  string
	attrValue string
	hasAttr   bool
}

// parseSelector supports the subset of CSS selectors spec.md names: tag,
// class (.foo), id (#foo), attribute-value ([attr=value]), and the
// wildcard "*". Combinations like "div.foo" are not supported: a string
// that does not start with '#', '.' or '[' is taken whole as a tag name,
// so "div.foo" matches no element.
func parseSelector(raw string) selector {
	s := selector{raw: raw}
	trimmed := strings.TrimSpace(raw)

	switch {
	case trimmed == "*":
		// tag stays "" -> matches everything
	case strings.HasPrefix(trimmed, "#"):
		s.id = trimmed[1:]
	case strings.HasPrefix(trimmed, "."):
		s.class = trimmed[1:]
	case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
		inner := trimmed[1 : len(trimmed)-1]
		if name, value, ok := strings.Cut(inner, "="); ok {
			s.attrName = strings.Trim(name, `"'`)
			s.attrValue = strings.Trim(value, `"'`)
			s.hasAttr = true
		} else {
			s.attrName = inner
		}
	default:
		s.tag = strings.ToLower(trimmed)
	}
	return s
}

// matches reports whether sel matches an element with the given tag name
// and attributes.
func (s selector) matches(tag string, attrs []html.Attribute) bool {
	if s.tag != "" && !strings.EqualFold(s.tag, tag) {
		return false
	}
	if s.id != "" {
		if attrValue(attrs, "id") != s.id {
			return false
		}
	}
	if s.class != "" {
		if !hasClass(attrValue(attrs, "class"), s.class) {
			return false
		}
	}
	if s.attrName != "" {
		value, ok := lookupAttr(attrs, s.attrName)
		if !ok {
			return false
		}
		if s.hasAttr && value != s.attrValue {
			return false
		}
	}
	return true
}

func attrValue(attrs []html.Attribute, name string) string {
	v, _ := lookupAttr(attrs, name)
	return v
}

func lookupAttr(attrs []html.Attribute, name string) (string, bool) {
	for _, a := range attrs {
		if strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(classAttr, want string) bool {
	for _, c := range strings.Fields(classAttr) {
		if c == want {
			return true
		}
	}
	return false
}
