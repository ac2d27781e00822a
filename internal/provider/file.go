package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultOutputDir = "./mail_output"

// File implements the Provider interface by writing each recipient's
// personalized copy to its own .eml file in the configured output directory.
// Intended for development and debugging; messages are never actually delivered.
type File struct {
	outputDir string
}

// NewFile creates a File provider that writes messages to the given directory.
// If ProviderConfig.Endpoint is set, it is used as the output directory;
// otherwise defaults to "./mail_output".
func NewFile(cfg ProviderConfig) *File {
	dir := cfg.Endpoint
	if dir == "" {
		dir = defaultOutputDir
	}
	return &File{outputDir: dir}
}

func (f *File) Name() string { return "file" }

// Send writes <timestamp>_<batch-id>_<n>.eml per recipient.
func (f *File) Send(_ context.Context, msg *Message) (*Receipt, error) {
	if err := os.MkdirAll(f.outputDir, 0o750); err != nil {
		return nil, fmt.Errorf("file: create output dir: %w", err)
	}

	ts := time.Now().Format("20060102_150405")
	safeID := strings.ReplaceAll(msg.ID, "/", "_")

	for i, r := range msg.To {
		subject, html, text := personalizedCopy(msg, r)

		var b strings.Builder
		fmt.Fprintf(&b, "From: %s\n", msg.From)
		fmt.Fprintf(&b, "To: %s\n", r.Email)
		if !msg.ReplyTo.IsZero() {
			fmt.Fprintf(&b, "Reply-To: %s\n", msg.ReplyTo)
		}
		fmt.Fprintf(&b, "Subject: %s\n", subject)
		for k, v := range msg.Headers {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
		if msg.CampaignID != "" {
			fmt.Fprintf(&b, "X-Campaign-ID: %s\n", msg.CampaignID)
		}
		fmt.Fprintf(&b, "X-Provider-Message-ID: file-%s\n", msg.ID)
		b.WriteString("\n")
		b.WriteString(text)
		b.WriteString("\n\n")
		b.WriteString(html)

		path := filepath.Join(f.outputDir, fmt.Sprintf("%s_%s_%04d.eml", ts, safeID, i))
		if err := os.WriteFile(path, []byte(b.String()), 0o640); err != nil {
			return nil, fmt.Errorf("file: write %s: %w", path, err)
		}
	}

	return &Receipt{
		ProviderMessageID: "file-" + msg.ID,
		Accepted:          len(msg.To),
		Timestamp:         time.Now(),
		Metadata:          map[string]string{"dir": f.outputDir},
	}, nil
}

// HealthCheck verifies the output directory is writable.
func (f *File) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(f.outputDir, 0o750); err != nil {
		return fmt.Errorf("file: output dir not writable: %w", err)
	}
	return nil
}
