package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sungwon/bulkmail/internal/config"
	"github.com/sungwon/bulkmail/internal/dispatch"
	"github.com/sungwon/bulkmail/internal/newsletter"
	"github.com/sungwon/bulkmail/internal/provider"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	cfg.Queue.Type = "memory"
	cfg.Dispatch.BatchSize = 2
	cfg.Provider = provider.ProviderConfig{Type: "file", Endpoint: t.TempDir()}
	cfg.Archive.Type = "local"
	cfg.Archive.Path = t.TempDir()
	return cfg
}

func seededStore(subscribers int) *newsletter.MemoryStore {
	store := newsletter.NewMemoryStore()
	store.PutNewsletter(newsletter.Newsletter{
		ID:          1,
		Status:      newsletter.StatusDraft,
		Subject:     "Spring issue",
		Body:        "<p>Hello %recipient.email%</p>",
		FromName:    "Acme News",
		FromAddress: "news@acme.test",
	})
	store.AttachList(1, 10)
	for i := 1; i <= subscribers; i++ {
		store.PutSubscriber(newsletter.Subscriber{
			ID:     int64(i),
			Email:  fmt.Sprintf("reader%d@acme.test", i),
			Status: newsletter.SubscriberSubscribed,
		})
		store.AddMember(10, int64(i))
	}
	return store
}

func TestWire_DeliversNewsletterEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	app, err := Wire(ctx, cfg, zerolog.Nop(), Stores{Newsletters: seededStore(3)})
	if err != nil {
		t.Fatalf("Wire() error = %v", err)
	}
	t.Cleanup(app.Close)

	if _, err := app.Starter.Start(ctx, 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var outcomes []dispatch.Outcome
	for i := 0; i < 10; i++ {
		outcome, err := app.Scheduler.Tick(ctx)
		if err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
		if outcome == dispatch.OutcomeIdle {
			break
		}
		outcomes = append(outcomes, outcome)
	}
	if want := []dispatch.Outcome{dispatch.OutcomeAdvanced, dispatch.OutcomeFinalized}; !slices.Equal(outcomes, want) {
		t.Errorf("outcomes = %v, want %v", outcomes, want)
	}

	n, err := app.Newsletters.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n.Status != newsletter.StatusSent || n.SentAt == nil {
		t.Errorf("newsletter = %q sent_at %v, want sent", n.Status, n.SentAt)
	}

	files, err := filepath.Glob(filepath.Join(cfg.Provider.Endpoint, "*.eml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Errorf("delivered files = %d, want 3", len(files))
	}

	archived, err := app.Archive.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Archive.Get() error = %v", err)
	}
	if !strings.Contains(string(archived), "Spring issue") {
		t.Errorf("archived copy does not carry the subject")
	}
}

func TestWire_RejectsDoubleStart(t *testing.T) {
	ctx := context.Background()
	app, err := Wire(ctx, testConfig(t), zerolog.Nop(), Stores{Newsletters: seededStore(1)})
	if err != nil {
		t.Fatalf("Wire() error = %v", err)
	}
	t.Cleanup(app.Close)

	if _, err := app.Starter.Start(ctx, 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := app.Starter.Start(ctx, 1); !errors.Is(err, dispatch.ErrAlreadyQueued) {
		t.Errorf("second Start() error = %v, want ErrAlreadyQueued", err)
	}
}

func TestWire_UnknownProviderFallsBackToUnconfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider = provider.ProviderConfig{Type: "carrier-pigeon"}

	app, err := Wire(context.Background(), cfg, zerolog.Nop(), Stores{Newsletters: seededStore(1)})
	if err != nil {
		t.Fatalf("Wire() error = %v", err)
	}
	t.Cleanup(app.Close)

	if _, err := app.Provider.Send(context.Background(), &provider.Message{}); !errors.Is(err, provider.ErrUnconfigured) {
		t.Errorf("Send() error = %v, want ErrUnconfigured", err)
	}
}

func TestWire_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		stores Stores
	}{
		{
			name:   "missing newsletter store",
			mutate: func(*config.Config) {},
		},
		{
			name:   "postgres queue without database",
			mutate: func(c *config.Config) { c.Queue.Type = "postgres" },
			stores: Stores{Newsletters: newsletter.NewMemoryStore()},
		},
		{
			name:   "missing theme file",
			mutate: func(c *config.Config) { c.Templates.ThemeFile = filepath.Join(os.TempDir(), "no-such-theme.yaml") },
			stores: Stores{Newsletters: newsletter.NewMemoryStore()},
		},
		{
			name:   "unknown body format",
			mutate: func(c *config.Config) { c.Templates.Format = "rtf" },
			stores: Stores{Newsletters: newsletter.NewMemoryStore()},
		},
		{
			name:   "invalid dispatch config",
			mutate: func(c *config.Config) { c.Dispatch.BatchSize = 0 },
			stores: Stores{Newsletters: newsletter.NewMemoryStore()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := Wire(context.Background(), cfg, zerolog.Nop(), tt.stores); err == nil {
				t.Error("Wire() expected error")
			}
		})
	}
}

func TestReadyChecks_MemoryQueueHasNone(t *testing.T) {
	app, err := Wire(context.Background(), testConfig(t), zerolog.Nop(), Stores{Newsletters: seededStore(0)})
	if err != nil {
		t.Fatalf("Wire() error = %v", err)
	}
	t.Cleanup(app.Close)

	checks := app.ReadyChecks()
	if len(checks) != 0 {
		t.Errorf("ReadyChecks() = %v, want none", checks)
	}

	checks["extra"] = nil
	if len(app.ReadyChecks()) != 0 {
		t.Error("ReadyChecks() exposed its internal map")
	}
}
