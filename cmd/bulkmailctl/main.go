package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/sungwon/bulkmail/internal/bootstrap"
	"github.com/sungwon/bulkmail/internal/config"
	"github.com/sungwon/bulkmail/internal/newsletter"
	"github.com/sungwon/bulkmail/internal/storage"
)

const usage = `usage: bulkmailctl [-config dir] <command> [args]

commands:
  migrate        apply pending database migrations
  send <id>      move a newsletter to sending and queue its first batch
  tick           claim and process one due batch, then exit
  status         list newsletters being sent and the queue depth
`

func main() {
	configPath := flag.String("config", "config", "directory containing config.yaml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "bulkmailctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, args []string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log := bootstrap.NewLogger(cfg.Logging, "bulkmailctl")

	if args[0] == "migrate" {
		db, err := bootstrap.OpenDB(ctx, cfg.Database, log)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := storage.Migrate(ctx, db, log); err != nil {
			return err
		}
		fmt.Fprintln(out, "migrations applied")
		return nil
	}

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	switch args[0] {
	case "send":
		if len(args) != 2 {
			return errors.New("send requires a newsletter id")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid newsletter id %q", args[1])
		}
		entryID, err := app.Starter.Start(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "newsletter %d queued as entry %d\n", id, entryID)

	case "tick":
		outcome, err := app.Scheduler.Tick(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "tick: %s\n", outcome)

	case "status":
		return printStatus(ctx, app.Newsletters, app.Queue, out)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

type depther interface {
	Depth(ctx context.Context) (pending, processing int, err error)
}

func printStatus(ctx context.Context, svc *newsletter.Service, q depther, out io.Writer) error {
	sending, err := svc.ListByStatus(ctx, newsletter.StatusSending)
	if err != nil {
		return err
	}
	pending, processing, err := q.Depth(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "queue: %d pending, %d processing\n\n", pending, processing)
	if len(sending) == 0 {
		fmt.Fprintln(out, "no newsletters sending")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSUBJECT\tRECIPIENTS\tUPDATED")
	for _, n := range sending {
		total, err := svc.CountRecipients(ctx, n.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", n.ID, n.Subject, total, n.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
