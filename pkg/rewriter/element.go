package rewriter

import (
	"html"
	"strings"

	xhtml "golang.org/x/net/html"
)

// ContentOptions controls whether inserted/replacement content is treated
// as raw HTML or escaped as plain text.
type ContentOptions struct {
	HTML bool
}

// Attribute is a single element attribute as exposed by Element.Attributes.
type Attribute struct {
	Name  string
	Value string
}

func renderContent(content string, opts ContentOptions) string {
	if opts.HTML {
		return content
	}
	return html.EscapeString(content)
}

// Element represents a matched start tag during a rewrite pass. Mutations
// are buffered and applied when the tag (and, for content mutations
// scoped to the element body, its matching end tag) is emitted.
type Element struct {
	tagName string
	attrs   []xhtml.Attribute

	selfClosing bool
	removed     bool
	keepContent bool

	before, after, prepend, append string
	innerContent                  *string // non-nil once SetInnerContent/Replace is called

	onEndTag func(*EndTag) error
}

func newElement(tok xhtml.Token) *Element {
	attrs := make([]xhtml.Attribute, len(tok.Attr))
	copy(attrs, tok.Attr)
	return &Element{tagName: tok.Data, attrs: attrs, selfClosing: tok.Type == xhtml.SelfClosingTagToken}
}

// TagName returns the element's tag name, lower-cased.
func (e *Element) TagName() string {
	return e.tagName
}

// GetAttribute returns an attribute's value and whether it was present.
func (e *Element) GetAttribute(name string) (string, bool) {
	return lookupAttr(e.attrs, name)
}

// HasAttribute reports whether name is present on the element.
func (e *Element) HasAttribute(name string) bool {
	_, ok := lookupAttr(e.attrs, name)
	return ok
}

// SetAttribute sets name to value, adding it if not already present.
func (e *Element) SetAttribute(name, value string) {
	for i := range e.attrs {
		if strings.EqualFold(e.attrs[i].Key, name) {
			e.attrs[i].Val = value
			return
		}
	}
	e.attrs = append(e.attrs, xhtml.Attribute{Key: name, Val: value})
}

// RemoveAttribute deletes name if present.
func (e *Element) RemoveAttribute(name string) {
	for i := range e.attrs {
		if strings.EqualFold(e.attrs[i].Key, name) {
			e.attrs = append(e.attrs[:i], e.attrs[i+1:]...)
			return
		}
	}
}

// Attributes returns a snapshot of the element's current attributes.
func (e *Element) Attributes() []Attribute {
	out := make([]Attribute, len(e.attrs))
	for i, a := range e.attrs {
		out[i] = Attribute{Name: a.Key, Value: a.Val}
	}
	return out
}

// Before inserts content immediately before the element's start tag.
func (e *Element) Before(content string, opts ContentOptions) {
	e.before += renderContent(content, opts)
}

// After inserts content immediately after the element's end tag (or after
// the start tag itself, for a self-closing/void element).
func (e *Element) After(content string, opts ContentOptions) {
	e.after += renderContent(content, opts)
}

// Prepend inserts content as the first child of the element.
func (e *Element) Prepend(content string, opts ContentOptions) {
	e.prepend += renderContent(content, opts)
}

// Append inserts content as the last child of the element.
func (e *Element) Append(content string, opts ContentOptions) {
	e.append += renderContent(content, opts)
}

// SetInnerContent replaces the element's children with content.
func (e *Element) SetInnerContent(content string, opts ContentOptions) {
	rendered := renderContent(content, opts)
	e.innerContent = &rendered
}

// Replace replaces the entire element (tags and content) with content.
func (e *Element) Replace(content string, opts ContentOptions) {
	e.removed = true
	e.keepContent = false
	e.before += renderContent(content, opts)
}

// Remove deletes the element and its content entirely.
func (e *Element) Remove() {
	e.removed = true
	e.keepContent = false
}

// RemoveAndKeepContent deletes the element's tags but keeps its content in
// place.
func (e *Element) RemoveAndKeepContent() {
	e.removed = true
	e.keepContent = true
}

// Removed reports whether Remove/RemoveAndKeepContent/Replace was called.
func (e *Element) Removed() bool {
	return e.removed
}

// OnEndTag registers a callback invoked when the element's end tag is
// reached. Ignored for self-closing/void elements, which have none.
func (e *Element) OnEndTag(cb func(*EndTag) error) {
	e.onEndTag = cb
}

func (e *Element) renderStartTag() string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(e.tagName)
	for _, a := range e.attrs {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(a.Val))
		b.WriteByte('"')
	}
	if e.selfClosing {
		b.WriteString(" />")
	} else {
		b.WriteByte('>')
	}
	return b.String()
}

// EndTag represents an element's closing tag, handed to a callback
// registered via Element.OnEndTag.
type EndTag struct {
	name   string
	before string
	after  string
}

// Name returns the element's tag name.
func (t *EndTag) Name() string {
	return t.name
}

// Before inserts content immediately before the end tag.
func (t *EndTag) Before(content string, opts ContentOptions) {
	t.before += renderContent(content, opts)
}

// After inserts content immediately after the end tag.
func (t *EndTag) After(content string, opts ContentOptions) {
	t.after += renderContent(content, opts)
}

// TextChunk represents one run of text inside a matched element's content.
type TextChunk struct {
	text           string
	lastInTextNode bool
	replacement    *string
	removed        bool
}

// Text returns the chunk's text content.
func (c *TextChunk) Text() string {
	return c.text
}

// LastInTextNode reports whether this chunk is the final one of its
// parent text node.
func (c *TextChunk) LastInTextNode() bool {
	return c.lastInTextNode
}

// Replace substitutes the chunk's content.
func (c *TextChunk) Replace(content string, opts ContentOptions) {
	rendered := renderContent(content, opts)
	c.replacement = &rendered
}

// Remove deletes the chunk's content.
func (c *TextChunk) Remove() {
	c.removed = true
}

func (c *TextChunk) render() string {
	if c.removed {
		return ""
	}
	if c.replacement != nil {
		return *c.replacement
	}
	return html.EscapeString(c.text)
}

// Comment represents an HTML comment node.
type Comment struct {
	text        string
	replacement *string
	removed     bool
}

// Text returns the comment's content (without the `<!--`/`-->` markers).
func (c *Comment) Text() string {
	return c.text
}

// SetText replaces the comment's content.
func (c *Comment) SetText(text string) {
	c.text = text
}

// Replace substitutes the entire comment node with content.
func (c *Comment) Replace(content string, opts ContentOptions) {
	rendered := renderContent(content, opts)
	c.replacement = &rendered
}

// Remove deletes the comment node.
func (c *Comment) Remove() {
	c.removed = true
}

func (c *Comment) render() string {
	if c.removed {
		return ""
	}
	if c.replacement != nil {
		return *c.replacement
	}
	return "<!--" + c.text + "-->"
}

// Doctype represents a document's `<!DOCTYPE ...>` declaration.
type Doctype struct {
	name string
}

// Name returns the doctype's declared root element name.
func (d *Doctype) Name() string {
	return d.name
}

// DocEnd represents the end of the document, for inserting trailing
// content via end.append.
type DocEnd struct {
	appended string
}

// Append adds content at the very end of the document.
func (d *DocEnd) Append(content string, opts ContentOptions) {
	d.appended += renderContent(content, opts)
}
