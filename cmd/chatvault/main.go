package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"chatvault/internal/config"
	"chatvault/internal/history"
	"chatvault/internal/reconcile"
	"chatvault/internal/remote"
	"chatvault/internal/storage"
	"chatvault/internal/usage"
	"chatvault/internal/workspace"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	remoteStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// env 一次命令运行所需的全部句柄 / everything one command invocation needs.
type env struct {
	cfg     config.Config
	logger  *log.Logger
	session *history.Session
}

func newEnv(configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	store := storage.Open(cfg.Store.Path, logger)
	if cfg.Store.LegacyDir != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		migrated, err := storage.MigrateFromJSON(ctx, cfg.Store.LegacyDir, store, logger)
		cancel()
		if err != nil {
			logger.Warn("legacy import failed", "dir", cfg.Store.LegacyDir, "err", err)
		} else if migrated > 0 {
			logger.Info("imported legacy sessions", "count", migrated)
		}
	}

	var client remote.Client
	if cfg.Remote.BaseURL != "" {
		timeout := time.Duration(cfg.Remote.TimeoutMS) * time.Millisecond
		httpClient, err := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.Token, timeout)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("remote client: %w", err)
		}
		client = httpClient
	}

	var engine workspace.Engine
	if cfg.Workspace.Root != "" {
		dirEngine, err := workspace.NewDirEngine(cfg.Workspace.Root)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("workspace: %w", err)
		}
		engine = dirEngine
	}

	ident := reconcile.Identity{OwnerID: cfg.Remote.OwnerID}
	session := history.New(store, client, engine, ident, history.Options{Logger: logger})
	return &env{cfg: cfg, logger: logger, session: session}, nil
}

func (e *env) close() {
	if err := e.session.Close(); err != nil {
		e.logger.Warn("close store", "err", err)
	}
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "chatvault",
		Short:         "Local-first chat history vault with optional remote sync",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")

	withEnv := func(run func(ctx context.Context, e *env, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(configPath)
			if err != nil {
				return err
			}
			defer e.close()
			return run(cmd.Context(), e, args)
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(ctx context.Context, e *env, _ []string) error {
			convs, err := e.session.List(ctx)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("no conversations")
				return nil
			}
			for _, c := range convs {
				origin := ""
				if c.Origin == storage.OriginRemote {
					origin = remoteStyle.Render(" [remote]")
				}
				fmt.Printf("%s  %s%s  %s\n",
					idStyle.Render(c.ID),
					titleStyle.Render(c.DisplayDescription()),
					origin,
					idStyle.Render(c.Timestamp))
			}
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "show <id|slug>",
		Short: "Print one conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
			result, err := e.session.Load(ctx, args[0])
			if err != nil {
				return err
			}
			c := result.Conversation
			fmt.Println(titleStyle.Render(c.DisplayDescription()))
			fmt.Println(idStyle.Render(fmt.Sprintf("id=%s url=%s model=%s origin=%s", c.ID, c.URLID, c.Model, c.Origin)))
			if result.Restore == history.RestoreDegraded {
				fmt.Println(warnStyle.Render("workspace unavailable; snapshot not restored"))
			}
			for _, m := range c.Messages {
				fmt.Printf("\n%s\n%s\n", titleStyle.Render(m.Role), m.Content)
			}
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "export <id> [file]",
		Short: "Export a conversation to portable JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
			data, err := e.session.Export(ctx, args[0])
			if err != nil {
				return err
			}
			if len(args) == 2 {
				return os.WriteFile(args[1], data, 0o644)
			}
			fmt.Println(string(data))
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import a previously exported conversation",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			conv, err := e.session.Import(ctx, data)
			if err != nil {
				return err
			}
			fmt.Printf("imported as %s (%s)\n", idStyle.Render(conv.ID), conv.DisplayDescription())
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "rename <id> <description>",
		Short: "Rename a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
			return e.session.Rename(ctx, args[0], args[1])
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "duplicate <id>",
		Short: "Fork a conversation into an independent copy",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
			fork, err := e.session.Duplicate(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("forked as %s (%s)\n", idStyle.Render(fork.ID), fork.DisplayDescription())
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "revert <id> <message-index>",
		Short: "Truncate a conversation to a message index, inclusive",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("message index %q is not a number", args[1])
			}
			conv, err := e.session.RevertToIndex(ctx, args[0], index)
			if err != nil {
				return err
			}
			fmt.Printf("kept %d messages\n", len(conv.Messages))
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
			return e.session.Delete(ctx, args[0])
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Remove records with corrupted sentinel ids",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(ctx context.Context, e *env, _ []string) error {
			removed, err := e.session.Cleanup(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d records\n", removed)
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "usage",
		Short: "Show accumulated token usage per model",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(ctx context.Context, e *env, _ []string) error {
			recorder := usage.NewRecorder(e.session.Store(), nil)
			totals, err := recorder.TotalsByModel(ctx)
			if err != nil {
				return err
			}
			if len(totals) == 0 {
				fmt.Println("no usage recorded")
				return nil
			}
			for model, t := range totals {
				fmt.Printf("%s  in=%d out=%d cost=%.4f (%d records)\n",
					titleStyle.Render(model), t.InputTokens, t.OutputTokens, t.Cost, t.Records)
			}
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "login <owner-id>",
		Short: "Adopt an identity and migrate guest conversations to remote",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
			report, err := e.session.SignIn(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("migrated=%d skipped=%d failed=%d\n", report.Migrated, report.Skipped, report.Failed)
			if report.Failed > 0 {
				fmt.Println(warnStyle.Render("failed records stay local and retry on next login"))
			}
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Drop the identity and purge remote-origin local copies",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(ctx context.Context, e *env, _ []string) error {
			purged, err := e.session.SignOut(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d remote copies\n", purged)
			return nil
		}),
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, warnStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
