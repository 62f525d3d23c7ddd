// Package head renders a resolved metadata bundle into an HTML <head> fragment.
package head

import (
	"bytes"
	"encoding/json"
	"errors"
	"html"
	"html/template"
	"io"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"finitefield.org/seomatic-meta/internal/seomatic"
)

var attrNamePattern = regexp.MustCompile(`^[A-Za-z_:][-A-Za-z0-9_:.]*$`)

// Renderer writes bundles as <title>, <meta>, <link> and <script> elements.
type Renderer struct {
	policy *bluemonday.Policy
}

// Option customises Renderer construction.
type Option func(*Renderer)

// WithPolicy overrides the bluemonday policy applied to attribute values and sanitised scripts.
func WithPolicy(p *bluemonday.Policy) Option {
	return func(r *Renderer) {
		if p != nil {
			r.policy = p
		}
	}
}

// NewRenderer builds a Renderer. The default policy strips all markup.
func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{policy: bluemonday.StrictPolicy()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultRenderer = NewRenderer()

// Render renders b with the default renderer.
func Render(b seomatic.Bundle) (template.HTML, error) {
	return defaultRenderer.Render(b)
}

// Render returns the head fragment for b.
func (r *Renderer) Render(b seomatic.Bundle) (template.HTML, error) {
	var buf bytes.Buffer
	if err := r.Write(&buf, b); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

// Write streams the head fragment for b to w, one element per line.
func (r *Renderer) Write(w io.Writer, b seomatic.Bundle) error {
	if w == nil {
		return errors.New("head: writer is nil")
	}
	var buf bytes.Buffer

	if b.HasTitle() {
		buf.WriteString("<title>")
		buf.WriteString(template.HTMLEscapeString(r.plain(b.Title)))
		buf.WriteString("</title>\n")
	}
	for _, tag := range b.Meta {
		r.writeVoid(&buf, "meta", tag)
	}
	for _, link := range b.Link {
		r.writeVoid(&buf, "link", link)
	}
	raw := b.SanitizerDisabled(seomatic.SanitizerScript)
	for _, script := range b.Script {
		buf.WriteString("<script")
		if script.Type != "" {
			writeAttr(&buf, "type", r.plain(script.Type))
		}
		buf.WriteByte('>')
		if raw {
			buf.WriteString(script.InnerHTML)
		} else {
			buf.WriteString(r.policy.Sanitize(script.InnerHTML))
		}
		buf.WriteString("</script>\n")
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func (r *Renderer) writeVoid(buf *bytes.Buffer, element string, attrs seomatic.Object) {
	buf.WriteByte('<')
	buf.WriteString(element)
	for _, m := range attrs.Members() {
		if !attrNamePattern.MatchString(m.Key) {
			continue
		}
		value, ok := attrValue(m.Value)
		if !ok {
			continue
		}
		writeAttr(buf, strings.ToLower(m.Key), r.plain(value))
	}
	buf.WriteString(">\n")
}

// plain strips markup from s and returns unescaped text, ready to be escaped once on output.
func (r *Renderer) plain(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return s
	}
	return html.UnescapeString(r.policy.Sanitize(s))
}

func writeAttr(buf *bytes.Buffer, name, value string) {
	buf.WriteByte(' ')
	buf.WriteString(name)
	buf.WriteString(`="`)
	buf.WriteString(template.HTMLEscapeString(value))
	buf.WriteByte('"')
}

// attrValue renders scalar JSON values as attribute text. Null, objects and arrays are skipped.
func attrValue(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", false
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, true
	case '{', '[', 'n':
		return "", false
	default:
		return string(trimmed), true
	}
}
