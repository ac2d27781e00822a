// Package builder turns a newsletter body into the HTML and plain-text parts
// handed to a delivery provider.
package builder

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/osteele/liquid"
	"github.com/yuin/goldmark"

	"github.com/sungwon/bulkmail/internal/newsletter"
)

// ErrEmptyMessage is returned when there is nothing to send.
var ErrEmptyMessage = errors.New("builder: empty message")

// Format is the markup of a raw body.
type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
)

// Content is a subject and raw body pair.
type Content struct {
	Subject string
	Body    string
}

// IsZero reports whether both fields are empty.
func (c Content) IsZero() bool {
	return strings.TrimSpace(c.Subject) == "" && strings.TrimSpace(c.Body) == ""
}

// Rendered is a fully wrapped message.
type Rendered struct {
	HTML string
	Text string
}

// Builder renders raw bodies into a theme.
type Builder struct {
	engine *liquid.Engine
	theme  Theme
	format Format
	md     goldmark.Markdown
	strict *bluemonday.Policy

	header, body, footer *liquid.Template
}

// New parses the theme fragments once. An empty format means HTML.
func New(theme Theme, format Format) (*Builder, error) {
	if err := theme.Validate(); err != nil {
		return nil, err
	}
	switch format {
	case "":
		format = FormatHTML
	case FormatHTML, FormatMarkdown:
	default:
		return nil, fmt.Errorf("builder: unknown body format %q", format)
	}

	engine := liquid.NewEngine()
	b := &Builder{
		engine: engine,
		theme:  theme,
		format: format,
		md:     goldmark.New(),
		strict: bluemonday.StrictPolicy(),
	}

	var err error
	if b.header, err = engine.ParseString(theme.Header); err != nil {
		return nil, fmt.Errorf("parse %s header: %w", theme.Name, err)
	}
	if b.body, err = engine.ParseString(theme.Body); err != nil {
		return nil, fmt.Errorf("parse %s body: %w", theme.Name, err)
	}
	if b.footer, err = engine.ParseString(theme.Footer); err != nil {
		return nil, fmt.Errorf("parse %s footer: %w", theme.Name, err)
	}
	return b, nil
}

// Theme returns the theme in use.
func (b *Builder) Theme() Theme {
	return b.theme
}

// Render wraps rawBody in the header, body and footer fragments. The raw body
// is substituted as-is; it is never evaluated as a template.
func (b *Builder) Render(rawBody string, n *newsletter.Newsletter) (Rendered, error) {
	content := rawBody
	if b.format == FormatMarkdown {
		var buf bytes.Buffer
		if err := b.md.Convert([]byte(rawBody), &buf); err != nil {
			return Rendered{}, fmt.Errorf("convert markdown: %w", err)
		}
		content = buf.String()
	}

	bindings := liquid.Bindings{
		"content":    content,
		"newsletter": newsletterBindings(n),
	}

	var out strings.Builder
	for _, part := range []struct {
		name string
		tpl  *liquid.Template
	}{
		{"header", b.header},
		{"body", b.body},
		{"footer", b.footer},
	} {
		s, err := part.tpl.RenderString(bindings)
		if err != nil {
			return Rendered{}, fmt.Errorf("render %s: %w", part.name, err)
		}
		out.WriteString(s)
	}

	htmlPart := out.String()
	return Rendered{HTML: htmlPart, Text: b.PlainText(htmlPart)}, nil
}

func newsletterBindings(n *newsletter.Newsletter) map[string]any {
	if n == nil {
		return map[string]any{}
	}
	return map[string]any{
		"id":               n.ID,
		"subject":          n.Subject,
		"from_name":        n.FromName,
		"from_address":     n.FromAddress,
		"reply_to_name":    n.ReplyToName,
		"reply_to_address": n.ReplyToAddress,
	}
}

var (
	headSection  = regexp.MustCompile(`(?is)<(head|style|script)(\s[^>]*)?>.*?</(head|style|script)>`)
	blockBreak   = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|h[1-6]|li|tr|table|blockquote)>`)
	spaceRun     = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLineRun = regexp.MustCompile(`\n{3,}`)
)

// PlainText derives the text alternative of an HTML part: tags stripped,
// entities unescaped, whitespace collapsed with paragraph breaks kept.
func (b *Builder) PlainText(htmlPart string) string {
	s := headSection.ReplaceAllString(htmlPart, "")
	s = blockBreak.ReplaceAllString(s, "$0\n")
	s = b.strict.Sanitize(s)
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLineRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// RecipientVariables builds per-recipient merge data keyed by email address.
func (b *Builder) RecipientVariables(page []newsletter.Subscriber) map[string]map[string]any {
	vars := make(map[string]map[string]any, len(page))
	for _, s := range page {
		vars[s.Email] = map[string]any{
			"id":          s.ID,
			"email":       s.Email,
			"email_count": s.EmailCount,
		}
	}
	return vars
}

// ResolveContent picks the subject and body to send. Empty override fields
// fall back to the newsletter's own. It returns ErrEmptyMessage when there is
// no newsletter and no override, or when both resolved fields are empty.
func (b *Builder) ResolveContent(n *newsletter.Newsletter, override Content) (Content, error) {
	if n == nil && override.IsZero() {
		return Content{}, ErrEmptyMessage
	}

	c := override
	if n != nil {
		if strings.TrimSpace(c.Subject) == "" {
			c.Subject = n.Subject
		}
		if strings.TrimSpace(c.Body) == "" {
			c.Body = n.Body
		}
	}
	if c.IsZero() {
		return Content{}, ErrEmptyMessage
	}
	return c, nil
}
