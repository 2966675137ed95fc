package rewriter

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	xhtml "golang.org/x/net/html"
)

// ElementHandlers groups the callbacks a selector registration may supply.
// Any may be nil.
type ElementHandlers struct {
	Element  func(*Element) error
	Text     func(*TextChunk) error
	Comments func(*Comment) error
}

// DocumentHandlers groups document-scoped callbacks, registered via
// OnDocument. Any may be nil.
type DocumentHandlers struct {
	Doctype  func(*Doctype) error
	Comments func(*Comment) error
	Text     func(*TextChunk) error
	End      func(*DocEnd) error
}

type rule struct {
	sel      selector
	handlers ElementHandlers
}

// Rewriter builds a set of selector and document handlers to apply in a
// single streaming pass over an HTML document.
type Rewriter struct {
	rules    []rule
	document []DocumentHandlers
}

// New returns an empty Rewriter.
func New() *Rewriter {
	return &Rewriter{}
}

// On registers handlers for every element matching selector. Returns the
// receiver so calls can be chained.
func (r *Rewriter) On(sel string, handlers ElementHandlers) *Rewriter {
	r.rules = append(r.rules, rule{sel: parseSelector(sel), handlers: handlers})
	return r
}

// OnDocument registers document-scoped handlers. Returns the receiver so
// calls can be chained.
func (r *Rewriter) OnDocument(handlers DocumentHandlers) *Rewriter {
	r.document = append(r.document, handlers)
	return r
}

type openFrame struct {
	elem        *Element
	matchedIdx  []int
	lightweight bool // suppressed by an ancestor; no output, no handler calls
}

// Transform reads resp's body in full, rewrites it per the registered
// selectors and document handlers, and returns a new Response with the
// transformed body. The original response's body is consumed and closed.
func (r *Rewriter) Transform(resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("rewriter: read body: %w", err)
	}

	out, err := r.rewrite(body)
	if err != nil {
		return nil, err
	}

	result := &http.Response{
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		ProtoMajor: resp.ProtoMajor,
		ProtoMinor: resp.ProtoMinor,
		Header:     resp.Header.Clone(),
		Request:    resp.Request,
	}
	result.Header.Set("Content-Length", strconv.Itoa(len(out)))
	result.ContentLength = int64(len(out))
	result.Body = io.NopCloser(bytes.NewReader(out))
	return result, nil
}

func (r *Rewriter) rewrite(body []byte) ([]byte, error) {
	tokenizer := xhtml.NewTokenizer(bytes.NewReader(body))
	var out bytes.Buffer
	var stack []*openFrame
	docEnd := &DocEnd{}

	suppressed := func() bool {
		for _, f := range stack {
			if f.lightweight {
				return true
			}
			if f.elem.removed && !f.elem.keepContent {
				return true
			}
			if f.elem.innerContent != nil {
				return true
			}
		}
		return false
	}

	// isVoid reports whether tag is an HTML void element, which has no end
	// tag even when written without the self-closing slash.
	isVoid := func(tag string) bool {
		switch tag {
		case "area", "base", "br", "col", "embed", "hr", "img", "input", "link", "meta", "source", "track", "wbr":
			return true
		}
		return false
	}

	for {
		tt := tokenizer.Next()
		if tt == xhtml.ErrorToken {
			if tokenizer.Err() == io.EOF {
				break
			}
			return nil, fmt.Errorf("rewriter: tokenize: %w", tokenizer.Err())
		}
		tok := tokenizer.Token()

		switch tt {
		case xhtml.DoctypeToken:
			d := &Doctype{name: tok.Data}
			for _, dh := range r.document {
				if dh.Doctype != nil {
					if err := dh.Doctype(d); err != nil {
						return nil, err
					}
				}
			}
			out.WriteString(tok.String())

		case xhtml.CommentToken:
			c := &Comment{text: tok.Data}
			skip := suppressed()
			if !skip {
				for _, f := range stack {
					for _, idx := range f.matchedIdx {
						if h := r.rules[idx].handlers.Comments; h != nil {
							if err := h(c); err != nil {
								return nil, err
							}
						}
					}
				}
				for _, dh := range r.document {
					if dh.Comments != nil {
						if err := dh.Comments(c); err != nil {
							return nil, err
						}
					}
				}
				out.WriteString(c.render())
			}

		case xhtml.TextToken:
			chunk := &TextChunk{text: tok.Data, lastInTextNode: true}
			skip := suppressed()
			if !skip {
				for _, f := range stack {
					for _, idx := range f.matchedIdx {
						if h := r.rules[idx].handlers.Text; h != nil {
							if err := h(chunk); err != nil {
								return nil, err
							}
						}
					}
				}
				for _, dh := range r.document {
					if dh.Text != nil {
						if err := dh.Text(chunk); err != nil {
							return nil, err
						}
					}
				}
				out.WriteString(chunk.render())
			}

		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			if suppressed() {
				if tt == xhtml.StartTagToken && !isVoid(tok.Data) {
					stack = append(stack, &openFrame{lightweight: true})
				}
				continue
			}

			elem := newElement(tok)
			matched := findMatches(r.rules, elem.tagName, elem.attrs)
			for _, idx := range matched {
				if h := r.rules[idx].handlers.Element; h != nil {
					if err := h(elem); err != nil {
						return nil, err
					}
				}
			}

			out.WriteString(elem.before)
			if !elem.removed {
				out.WriteString(elem.renderStartTag())
			}
			out.WriteString(elem.prepend)

			if elem.selfClosing || isVoid(elem.tagName) {
				if elem.innerContent != nil {
					out.WriteString(*elem.innerContent)
				}
				out.WriteString(elem.append)
				out.WriteString(elem.after)
			} else {
				stack = append(stack, &openFrame{elem: elem, matchedIdx: matched})
			}

		case xhtml.EndTagToken:
			if len(stack) == 0 {
				continue
			}
			frame := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if frame.lightweight {
				continue
			}

			elem := frame.elem
			if elem.innerContent != nil {
				out.WriteString(*elem.innerContent)
			}
			out.WriteString(elem.append)

			endTag := &EndTag{name: elem.tagName}
			if elem.onEndTag != nil {
				if err := elem.onEndTag(endTag); err != nil {
					return nil, err
				}
			}
			out.WriteString(endTag.before)
			if !elem.removed {
				out.WriteString("</" + elem.tagName + ">")
			}
			out.WriteString(endTag.after)
			out.WriteString(elem.after)
		}
	}

	for _, dh := range r.document {
		if dh.End != nil {
			if err := dh.End(docEnd); err != nil {
				return nil, err
			}
		}
	}
	out.WriteString(docEnd.appended)

	return out.Bytes(), nil
}

func findMatches(rules []rule, tag string, attrs []xhtml.Attribute) []int {
	var matched []int
	for i, r := range rules {
		if r.sel.matches(tag, attrs) {
			matched = append(matched, i)
		}
	}
	return matched
}
