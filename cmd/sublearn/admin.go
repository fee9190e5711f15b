package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/postgres"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/deadletter"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/resilience"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(cfg *config.Config, args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}
	if cfg.Store.Driver != "postgres" {
		return errors.New("admin commands need store.driver=postgres")
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(cfg, args[1:])
	case "task":
		if len(args) < 2 || args[1] != "show" {
			printAdminHelp()
			return errors.New("usage: sublearn admin task show <id>")
		}
		return runAdminTaskShow(cfg, args[2:])
	case "dlq":
		if len(args) < 2 {
			printAdminHelp()
			return errors.New("usage: sublearn admin dlq list|show")
		}
		switch args[1] {
		case "list":
			return runAdminDLQList(cfg, args[2:])
		case "show":
			return runAdminDLQShow(cfg, args[2:])
		}
		return fmt.Errorf("unknown dlq command: %s", args[1])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: sublearn admin <command> [options]

Commands:
  migrate up             Apply pending migrations
  migrate down [-steps]  Roll back migrations (default 1)
  migrate status         List migrations and when they were applied
  task show <id>         Print a task snapshot (-children to join children)
  dlq list [-limit N]    List dead letters, newest first
  dlq show <id>          Print one dead letter including its payload

Output is a table on a terminal and JSON otherwise.
`)
}

func runAdminMigrate(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: sublearn admin migrate up|down|status")
	}
	ctx := context.Background()
	m, err := postgres.NewMigrator(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	switch args[0] {
	case "up":
		n, err := m.Up(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Applied %d migration(s).\n", n)
	case "down":
		fs := flag.NewFlagSet("migrate down", flag.ContinueOnError)
		steps := fs.Int("steps", 1, "number of migrations to roll back")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *steps < 1 {
			return errors.New("-steps must be >= 1")
		}
		n, err := m.Down(ctx, *steps)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Rolled back %d migration(s).\n", n)
	case "status":
		st, err := m.Status(ctx)
		if err != nil {
			return err
		}
		if !isTerminal() {
			return printJSON(os.Stdout, st)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
		for _, s := range st {
			applied := "pending"
			if s.Applied {
				applied = s.AppliedAt.Format(time.RFC3339)
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", s.Version, s.File, applied)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}
	return nil
}

type adminDeps struct {
	tasks      *service.TaskService
	dispatcher *service.Dispatcher
}

func loadAdminDeps(ctx context.Context, cfg *config.Config) (*adminDeps, func(), error) {
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	store := postgres.NewStore(pool)
	return &adminDeps{
		tasks: service.NewTaskService(store, cfg.Lease.TTL),
		// Admin reads dead letters only and never publishes.
		dispatcher: service.NewDispatcher(nil, store, resilience.DefaultPolicy(), 0),
	}, pool.Close, nil
}

func runAdminTaskShow(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("task show", flag.ContinueOnError)
	children := fs.Bool("children", false, "include child task snapshots")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: sublearn admin task show [-children] <id>")
	}

	ctx := context.Background()
	deps, cleanup, err := loadAdminDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	snap, err := deps.tasks.Snapshot(ctx, fs.Arg(0), *children)
	if err != nil {
		return fmt.Errorf("task show: %w", err)
	}
	if !isTerminal() {
		return printJSON(os.Stdout, snap)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID\t%s\n", snap.TaskID)
	_, _ = fmt.Fprintf(w, "TYPE\t%s\n", snap.Type)
	_, _ = fmt.Fprintf(w, "STATUS\t%s\n", snap.Status)
	_, _ = fmt.Fprintf(w, "PROGRESS\t%d%% %s\n", snap.Progress, snap.Message)
	if snap.Error != "" {
		_, _ = fmt.Fprintf(w, "ERROR\t%s\n", snap.Error)
	}
	_, _ = fmt.Fprintf(w, "QUEUED\t%s\n", snap.QueuedAt.Format(time.RFC3339))
	for name, ref := range snap.OutputRefs {
		_, _ = fmt.Fprintf(w, "OUTPUT\t%s=%s\n", name, ref)
	}
	for i := range snap.Children {
		c := &snap.Children[i]
		_, _ = fmt.Fprintf(w, "CHILD\t%s %s %s %d%%\n", c.TaskID, c.Type, c.Status, c.Progress)
	}
	if len(snap.Children) == 0 && len(snap.ChildIDs) > 0 {
		_, _ = fmt.Fprintf(w, "CHILDREN\t%s\n", strings.Join(snap.ChildIDs, ", "))
	}
	return w.Flush()
}

func runAdminDLQList(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("dlq list", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum records to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	deps, cleanup, err := loadAdminDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := deps.dispatcher.ListDeadLetters(ctx, *limit)
	if err != nil {
		return fmt.Errorf("dlq list: %w", err)
	}
	if !isTerminal() {
		if list == nil {
			list = []deadletter.DeadLetter{}
		}
		return printJSON(os.Stdout, list)
	}
	if len(list) == 0 {
		fmt.Println("No dead letters.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTASK\tSTAGE\tATTEMPTS\tCLASS\tCREATED")
	for i := range list {
		d := &list[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			d.ID, d.TaskID, d.Stage, d.AttemptCount, d.Class, d.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runAdminDLQShow(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: sublearn admin dlq show <id>")
	}
	ctx := context.Background()
	deps, cleanup, err := loadAdminDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	d, err := deps.dispatcher.GetDeadLetter(ctx, args[0])
	if err != nil {
		return fmt.Errorf("dlq show: %w", err)
	}
	return printJSON(os.Stdout, d)
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec // fd fits in int
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
