// Command durable inspects workflow histories, either from history files or
// from a store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/postgres"
	"github.com/deepnoodle-ai/durable/sqlite"
	"github.com/deepnoodle-ai/durable/store"
	"github.com/fatih/color"
	"github.com/ryanuber/columnize"
)

type config struct {
	SQLite   string
	Postgres string
	Dir      string
	Domain   string
	Verbose  bool
}

func main() {
	cfg, args := parseFlags()
	logger := setupLogger(cfg.Verbose)
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(context.Background(), cfg, logger, args); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func parseFlags() (*config, []string) {
	cfg := &config{}
	flag.StringVar(&cfg.SQLite, "sqlite", "", "Path to a sqlite store")
	flag.StringVar(&cfg.Postgres, "postgres", os.Getenv("DURABLE_POSTGRES_DSN"), "Postgres DSN of a store")
	flag.StringVar(&cfg.Dir, "dir", "", "Directory of a file store")
	flag.StringVar(&cfg.Domain, "domain", "default", "Domain of the workflow")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&cfg.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  show <file>                     Print a history file")
		fmt.Fprintln(os.Stderr, "  validate <file>                 Check the event sequence of a history file")
		fmt.Fprintln(os.Stderr, "  list                            List open executions of a store")
		fmt.Fprintln(os.Stderr, "  describe <workflow-id> [run-id] Print the state of a run")
		fmt.Fprintln(os.Stderr, "  history <workflow-id> [run-id]  Print the history of a run")
		fmt.Fprintln(os.Stderr, "  export <workflow-id> <file>     Write the current run's history to a file")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flag.PrintDefaults()
	}
	flag.Parse()
	return cfg, flag.Args()
}

func setupLogger(verbose bool) *slog.Logger {
	if !verbose {
		return durable.NewDiscardLogger()
	}
	return durable.NewLogger()
}

func run(ctx context.Context, cfg *config, logger *slog.Logger, args []string) error {
	command, args := args[0], args[1:]
	switch command {
	case "show", "validate":
		if len(args) != 1 {
			return fmt.Errorf("%s needs a history file", command)
		}
		events, err := durable.LoadHistoryFile(args[0])
		if err != nil {
			return err
		}
		if command == "validate" {
			color.Green("%s: %d events, ok", args[0], len(events))
			return nil
		}
		return durable.FormatHistory(os.Stdout, events)
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	logger.Info("opened store", "command", command)

	switch command {
	case "list":
		return listOpen(ctx, s)
	case "describe", "history", "export":
		if len(args) == 0 || len(args) > 2 {
			return fmt.Errorf("%s needs a workflow id", command)
		}
		execution := durable.WorkflowExecution{Domain: cfg.Domain, WorkflowID: args[0]}
		if command != "export" && len(args) == 2 {
			execution.RunID = args[1]
		}
		switch command {
		case "describe":
			info, err := s.GetExecution(ctx, execution)
			if err != nil {
				return err
			}
			return printInfo(info)
		case "history":
			events, err := store.ReadHistory(ctx, s, execution, 0)
			if err != nil {
				return err
			}
			return durable.FormatHistory(os.Stdout, events)
		default:
			if len(args) != 2 {
				return errors.New("export needs a workflow id and a file")
			}
			events, err := store.ReadHistory(ctx, s, execution, 0)
			if err != nil {
				return err
			}
			if err := durable.WriteHistoryFile(args[1], events); err != nil {
				return err
			}
			color.Green("wrote %d events to %s", len(events), args[1])
			return nil
		}
	}
	return fmt.Errorf("unknown command %q", command)
}

func openStore(ctx context.Context, cfg *config) (store.Store, error) {
	switch {
	case cfg.SQLite != "":
		return sqlite.Open(cfg.SQLite)
	case cfg.Postgres != "":
		return postgres.Open(ctx, postgres.Options{DSN: cfg.Postgres, SkipSchema: true})
	case cfg.Dir != "":
		return store.NewFileStore(cfg.Dir)
	}
	return nil, errors.New("one of -sqlite, -postgres or -dir is required")
}

func listOpen(ctx context.Context, s store.Store) error {
	infos, err := s.ListOpenExecutions(ctx)
	if err != nil {
		return err
	}
	lines := []string{"Workflow ID|Run ID|Type|Attempt|Started|Events"}
	for _, info := range infos {
		lines = append(lines, fmt.Sprintf("%s|%s|%s|%d|%s|%d",
			info.Execution.WorkflowID, info.Execution.RunID, info.WorkflowType,
			info.Attempt, info.StartTime.Format("2006-01-02 15:04:05"), info.LastEventID))
	}
	fmt.Println(columnize.SimpleFormat(lines))
	return nil
}

func printInfo(info *durable.ExecutionInfo) error {
	lines := []string{
		"Execution|" + info.Execution.String(),
		"Type|" + info.WorkflowType,
		"Status|" + string(info.Status),
		fmt.Sprintf("Attempt|%d", info.Attempt),
		"Started|" + info.StartTime.Format("2006-01-02 15:04:05"),
		fmt.Sprintf("Events|%d", info.LastEventID),
	}
	if !info.CloseTime.IsZero() {
		lines = append(lines, "Closed|"+info.CloseTime.Format("2006-01-02 15:04:05"))
	}
	if info.NextRunID != "" {
		lines = append(lines, "Next run|"+info.NextRunID)
	}
	if info.Halted {
		lines = append(lines, "Halted|true")
	}
	if !info.Result.IsEmpty() {
		lines = append(lines, "Result|"+strings.ReplaceAll(info.Result.String(), "|", "/"))
	}
	if info.Failure != nil {
		lines = append(lines, "Failure|"+strings.ReplaceAll(info.Failure.Error(), "|", "/"))
	}
	out := columnize.SimpleFormat(lines)
	if info.Failure != nil || info.Halted {
		color.New(color.FgRed).Println(out)
		return nil
	}
	fmt.Println(out)
	return nil
}
