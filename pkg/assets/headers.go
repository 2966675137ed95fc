package assets

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strings"
)

const (
	maxHeaderRules   = 100
	maxHeaderLineLen = 2000
)

// headerRule is one pattern block from a _headers file: a path pattern plus
// the headers to apply when a request path matches it.
type headerRule struct {
	pattern string
	headers [][2]string
}

// parseHeadersFile parses a _headers file: a pattern line (an exact path, a
// "*" splat, or a ":name" placeholder segment) followed by indented
// "Header: value" lines, blocks separated by blank lines or a new pattern.
func parseHeadersFile(data []byte) ([]headerRule, error) {
	var rules []headerRule
	var current *headerRule

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if len(line) > maxHeaderLineLen {
			return nil, fmt.Errorf("_headers line %d exceeds %d bytes", lineNo, maxHeaderLineLen)
		}

		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			current = nil
			continue
		}

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if current == nil {
				continue // indented line with no open pattern block; ignore
			}
			name, value, ok := strings.Cut(strings.TrimSpace(trimmed), ":")
			if !ok {
				continue
			}
			current.headers = append(current.headers, [2]string{strings.TrimSpace(name), strings.TrimSpace(value)})
			continue
		}

		if len(rules) >= maxHeaderRules {
			return nil, fmt.Errorf("_headers defines more than %d rules", maxHeaderRules)
		}
		rules = append(rules, headerRule{pattern: strings.TrimSpace(trimmed)})
		current = &rules[len(rules)-1]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// applyHeaderRules sets every header from every matching rule, in rule
// order, onto the response; a later matching rule overwrites an earlier
// one's value for the same header name.
func (b *Binding) applyHeaderRules(w http.ResponseWriter, requestPath string) {
	for _, rule := range b.rules {
		if !matchHeaderPattern(rule.pattern, requestPath) {
			continue
		}
		for _, kv := range rule.headers {
			w.Header().Set(kv[0], kv[1])
		}
	}
}

// matchHeaderPattern matches a _headers pattern against a request path.
// "*" is a splat matching the rest of the path, keeping any literal text
// beside it in the pattern ("/*.js" matches "/app.js" and "/lib/app.js");
// ":name" matches exactly one path segment.
func matchHeaderPattern(pattern, requestPath string) bool {
	if pattern == requestPath {
		return true
	}

	patternSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	pathSegs := strings.Split(strings.Trim(requestPath, "/"), "/")

	for i, seg := range patternSegs {
		if strings.Contains(seg, "*") {
			// splat: the remaining path must start and end with the literal
			// text around the first "*" in the remaining pattern
			rest := strings.Join(pathSegs[i:], "/")
			prefix, suffix, _ := strings.Cut(strings.Join(patternSegs[i:], "/"), "*")
			return len(rest) >= len(prefix)+len(suffix) && strings.HasPrefix(rest, prefix) && strings.HasSuffix(rest, suffix)
		}
		if i >= len(pathSegs) {
			return false
		}
		if strings.HasPrefix(seg, ":") {
			continue // named placeholder matches any single segment
		}
		if seg != pathSegs[i] {
			return false
		}
	}
	return len(patternSegs) == len(pathSegs)
}
