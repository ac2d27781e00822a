package builder

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ErrInvalidTheme is returned when a theme's fragments cannot host a message.
var ErrInvalidTheme = errors.New("builder: invalid theme")

var contentPlaceholder = regexp.MustCompile(`\{\{-?\s*content\s*-?\}\}`)

// Theme is a set of Liquid fragments wrapped around every message. Body must
// contain exactly one {{ content }} placeholder.
type Theme struct {
	Name   string `yaml:"name"`
	Header string `yaml:"header"`
	Body   string `yaml:"body"`
	Footer string `yaml:"footer"`
}

// Validate checks the placeholder rules.
func (t Theme) Validate() error {
	if n := len(contentPlaceholder.FindAllStringIndex(t.Body, -1)); n != 1 {
		return fmt.Errorf("%w: %q body has %d content placeholders, want 1", ErrInvalidTheme, t.Name, n)
	}
	for name, frag := range map[string]string{"header": t.Header, "footer": t.Footer} {
		if contentPlaceholder.MatchString(frag) {
			return fmt.Errorf("%w: %q %s must not contain the content placeholder", ErrInvalidTheme, t.Name, name)
		}
	}
	return nil
}

// ParseTheme decodes a YAML theme document.
func ParseTheme(data []byte) (Theme, error) {
	var t Theme
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Theme{}, fmt.Errorf("parse theme: %w", err)
	}
	if t.Name == "" {
		t.Name = "custom"
	}
	if err := t.Validate(); err != nil {
		return Theme{}, err
	}
	return t, nil
}

// LoadThemeFile reads a theme from a YAML file.
func LoadThemeFile(path string) (Theme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Theme{}, fmt.Errorf("read theme %s: %w", path, err)
	}
	return ParseTheme(data)
}

// DefaultTheme is the built-in layout used when no theme file is configured.
func DefaultTheme() Theme {
	return Theme{
		Name: "default",
		Header: `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{ newsletter.subject }}</title>
</head>
<body style="margin:0;padding:0;background:#f4f4f4;">
<table role="presentation" width="100%" cellpadding="0" cellspacing="0"><tr><td align="center">
<table role="presentation" width="600" cellpadding="0" cellspacing="0" style="background:#ffffff;">
`,
		Body: `<tr><td style="padding:24px;font-family:Helvetica,Arial,sans-serif;font-size:16px;line-height:1.5;color:#222222;">
{{ content }}
</td></tr>
`,
		Footer: `<tr><td style="padding:16px 24px;font-family:Helvetica,Arial,sans-serif;font-size:12px;color:#888888;">
<p>You are receiving this email because you subscribed{% if newsletter.from_name != "" %} to {{ newsletter.from_name }}{% endif %}.</p>
</td></tr>
</table>
</td></tr></table>
</body>
</html>
`,
	}
}
