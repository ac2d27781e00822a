package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Stdout implements the Provider interface by writing batches to standard output.
// Intended for development and debugging; messages are never actually delivered.
type Stdout struct {
	writer io.Writer
}

// NewStdout creates a Stdout provider that prints messages to os.Stdout.
func NewStdout(_ ProviderConfig) *Stdout {
	return &Stdout{writer: os.Stdout}
}

func (s *Stdout) Name() string { return "stdout" }

// Send prints a batch summary and returns a successful receipt.
func (s *Stdout) Send(_ context.Context, msg *Message) (*Receipt, error) {
	var b strings.Builder
	b.WriteString("--- stdout provider: batch ---\n")
	fmt.Fprintf(&b, "ID:       %s\n", msg.ID)
	fmt.Fprintf(&b, "From:     %s\n", msg.From)
	if !msg.ReplyTo.IsZero() {
		fmt.Fprintf(&b, "Reply-To: %s\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject:  %s\n", msg.Subject)
	fmt.Fprintf(&b, "To:       %d recipients (%s)\n", len(msg.To), strings.Join(msg.Emails(), ", "))
	if msg.CampaignID != "" {
		fmt.Fprintf(&b, "Campaign: %s\n", msg.CampaignID)
	}
	if msg.TestMode {
		b.WriteString("Mode:     test\n")
	}
	fmt.Fprintf(&b, "Body:     %d bytes html, %d bytes text\n", len(msg.HTML), len(msg.Text))
	b.WriteString("--- end ---\n")

	if _, err := io.WriteString(s.writer, b.String()); err != nil {
		return nil, fmt.Errorf("stdout: write: %w", err)
	}

	return &Receipt{
		ProviderMessageID: "stdout-" + msg.ID,
		Accepted:          len(msg.To),
		Timestamp:         time.Now(),
	}, nil
}

// HealthCheck always returns nil since stdout is always available.
func (s *Stdout) HealthCheck(_ context.Context) error {
	return nil
}
