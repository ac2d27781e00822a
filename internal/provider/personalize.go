package provider

import (
	"fmt"
	"regexp"
)

var recipientToken = regexp.MustCompile(`%recipient\.([A-Za-z0-9_]+)%`)

// Personalize replaces %recipient.key% tokens with values from vars. Unknown
// keys become empty, matching Mailgun's batch-send behaviour so every adapter
// renders the same copy.
func Personalize(s string, vars map[string]any) string {
	return recipientToken.ReplaceAllStringFunc(s, func(tok string) string {
		key := recipientToken.FindStringSubmatch(tok)[1]
		v, ok := vars[key]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// personalizedCopy returns the subject, HTML and text of msg for one recipient.
func personalizedCopy(msg *Message, r Recipient) (subject, html, text string) {
	return Personalize(msg.Subject, r.Vars), Personalize(msg.HTML, r.Vars), Personalize(msg.Text, r.Vars)
}
