package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vaultmirror/vaultmirror/internal/config"
	"github.com/vaultmirror/vaultmirror/internal/deletion"
	"github.com/vaultmirror/vaultmirror/internal/engine"
	"github.com/vaultmirror/vaultmirror/internal/ignore"
	"github.com/vaultmirror/vaultmirror/internal/logging"
	"github.com/vaultmirror/vaultmirror/internal/mcpserver"
	"github.com/vaultmirror/vaultmirror/internal/remote"
	"github.com/vaultmirror/vaultmirror/internal/store"
	"github.com/vaultmirror/vaultmirror/internal/vaultfs"
	"github.com/vaultmirror/vaultmirror/internal/watcher"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the wired pieces a command needs. Close releases the
// metadata store; the caller must defer it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	engine *engine.Engine
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing metadata store", slog.String("error", err.Error()))
	}
}

// newApp loads config and wires an engine over the vault, metadata
// store, and remote client. Tweaks run against the engine options just
// before construction; the run command uses one to attach watcher and
// change-feed channels.
func newApp(tweaks ...func(*config.Config, *engine.Options)) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	var cipher *remote.ContentCipher

	if cfg.EncryptionEnabled() {
		key, err := remote.DeriveKey(cfg.EncryptionPassword, cfg.EncryptionSalt)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("deriving encryption key: %w", err)
		}

		cipher, err = remote.NewContentCipher(key)
		remote.ZeroKey(key)

		if err != nil {
			st.Close()
			return nil, fmt.Errorf("creating content cipher: %w", err)
		}

		logger.Info("content encryption enabled")
	}

	client := remote.NewClient(remote.ClientOptions{
		BaseURL: cfg.RemoteURL,
		Token:   cfg.RemoteToken,
		Root:    cfg.RemoteRoot,
		Device:  cfg.DeviceName,
		Cipher:  cipher,
	})

	// Snapshots go to a sibling remote folder so they never show up in
	// the synced listing. Same cipher: the at-rest policy is uniform.
	snapClient := remote.NewClient(remote.ClientOptions{
		BaseURL: cfg.RemoteURL,
		Token:   cfg.RemoteToken,
		Root:    cfg.SnapshotsRoot,
		Device:  cfg.DeviceName,
		Cipher:  cipher,
	})

	opts := engine.Options{
		Vault:                vaultfs.NewVault(cfg.VaultDir),
		Store:                st,
		Remote:               client,
		Matcher:              ignore.NewMatcher(cfg.IgnorePatterns),
		Logger:               logger,
		TransferWorkers:      cfg.TransferWorkers,
		AutoConfirmDeletions: cfg.AutoConfirmDeletions,
		SnapshotRemote:       snapClient,
		SnapshotsRoot:        cfg.SnapshotsRoot,
	}
	for _, tweak := range tweaks {
		tweak(cfg, &opts)
	}

	return &app{cfg: cfg, logger: logger, store: st, engine: engine.New(opts)}, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// withTerminalPrompt attaches an interactive deletion prompt for
// one-shot sync runs. Reads from a non-terminal stdin hit EOF and leave
// the deletions pending, so cron runs stay safe.
func withTerminalPrompt(_ *config.Config, opts *engine.Options) {
	opts.Prompt = &deletion.TerminalPrompt{In: os.Stdin, Out: os.Stderr}
}

func printStats(stats engine.Stats) {
	fmt.Printf("Uploads:     %d\n", stats.Uploads)
	fmt.Printf("Downloads:   %d\n", stats.Downloads)
	fmt.Printf("Failures:    %d\n", stats.Failures)
	fmt.Printf("Bytes moved: %d\n", stats.BytesMoved)
	fmt.Printf("Duration:    %s\n", stats.Duration.Truncate(time.Millisecond))
}

var rootCmd = &cobra.Command{
	Use:   "vaultmirror",
	Short: "Mirror an Obsidian vault to a remote file store",
}

// run command: the long-lived daemon.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			w    *watcher.Watcher
			feed *remote.Feed
		)

		a, err := newApp(func(cfg *config.Config, opts *engine.Options) {
			if cfg.AutoSync {
				opts.SyncInterval = cfg.SyncInterval
			}

			if cfg.Realtime {
				w = watcher.New(opts.Vault, opts.Matcher, cfg.Debounce, opts.Logger)
				opts.LocalChanges = w.Changes()
				opts.LocalDeletes = w.Deletes()

				feed = remote.NewFeed(remote.FeedOptions{
					BaseURL: cfg.RemoteURL,
					Token:   cfg.RemoteToken,
					Root:    cfg.RemoteRoot,
					Device:  cfg.DeviceName,
				}, opts.Logger)
				opts.RemoteChanges = feed.Changes()
			}
		})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		a.logger.Info("vaultmirror starting",
			slog.String("version", Version),
			slog.String("vault", a.cfg.VaultDir),
			slog.Bool("auto_sync", a.cfg.AutoSync),
			slog.Bool("realtime", a.cfg.Realtime),
		)

		g, gctx := errgroup.WithContext(ctx)

		if w != nil {
			g.Go(func() error {
				return w.Watch(gctx)
			})
		}

		if feed != nil {
			g.Go(func() error {
				if err := feed.Connect(gctx); err != nil {
					return fmt.Errorf("connecting change feed: %w", err)
				}

				return feed.Listen(gctx)
			})
		}

		g.Go(func() error {
			return a.engine.Run(gctx)
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		a.logger.Info("vaultmirror stopped")

		return nil
	},
}

// sync command: one full two-way pass.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(withTerminalPrompt)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		stats, err := a.engine.FullSync(ctx)
		if err != nil {
			return err
		}

		printStats(stats)
		return nil
	},
}

// push command: one-way local-to-remote.
var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload new and changed local files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		stats, err := a.engine.PushLocal(ctx)
		if err != nil {
			return err
		}

		printStats(stats)
		return nil
	},
}

// pull command: one-way remote-to-local.
var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download new and changed remote files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		stats, err := a.engine.PullRemote(ctx)
		if err != nil {
			return err
		}

		printStats(stats)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		st, err := a.engine.Status(ctx)
		if err != nil {
			return err
		}

		account := st.Account
		if account == "" {
			account = "(unavailable)"
		}

		fmt.Printf("Account:           %s\n", account)
		fmt.Printf("Tracked files:     %d\n", st.TrackedFiles)
		fmt.Printf("Pending deletions: %d\n", st.PendingDeletions)
		fmt.Printf("Sync in progress:  %t\n", st.SyncInProgress)

		if !st.LastActivity.IsZero() {
			fmt.Printf("Last activity:     %s\n", st.LastActivity.Format("2006-01-02 15:04:05"))
		}

		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.engine.History(limit)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No sync activity recorded.")
			return nil
		}

		for _, e := range entries {
			detail := ""
			if e.Detail != "" {
				detail = "  " + e.Detail
			}

			fmt.Printf("%s  %-16s  %-7s  %s%s\n",
				e.Time.Format("2006-01-02 15:04:05"),
				e.Kind,
				e.Outcome,
				e.Path,
				detail,
			)
		}

		return nil
	},
}

// deletions command group
var deletionsCmd = &cobra.Command{
	Use:   "deletions",
	Short: "Manage pending deletions",
}

var deletionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List files awaiting a deletion decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		pending, err := a.engine.Deletions().Pending()
		if err != nil {
			return err
		}

		if len(pending) == 0 {
			fmt.Println("No pending deletions.")
			return nil
		}

		for _, pd := range pending {
			fmt.Printf("%s  (deleted %s, %d bytes)\n",
				pd.Path, pd.DeletedAt.Format("2006-01-02 15:04:05"), pd.OriginalSize)
		}

		return nil
	},
}

var deletionsConfirmCmd = &cobra.Command{
	Use:   "confirm [PATH...]",
	Short: "Delete pending files from the remote store (all when no paths given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		paths := args
		if len(paths) == 0 {
			pending, err := a.engine.Deletions().Pending()
			if err != nil {
				return err
			}

			for _, pd := range pending {
				paths = append(paths, pd.Path)
			}
		}

		if len(paths) == 0 {
			fmt.Println("No pending deletions.")
			return nil
		}

		if err := a.engine.Deletions().Confirm(ctx, paths); err != nil {
			return err
		}

		fmt.Printf("Deleted %d file(s) from the remote store.\n", len(paths))
		return nil
	},
}

var deletionsRestoreCmd = &cobra.Command{
	Use:   "restore PATH...",
	Short: "Re-download pending files back into the vault",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		if err := a.engine.Deletions().Restore(ctx, args); err != nil {
			return err
		}

		fmt.Printf("Restored %d file(s).\n", len(args))
		return nil
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Archive the vault and upload it to the snapshots folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		target, err := a.engine.Snapshot(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Snapshot uploaded to %s\n", target)
		return nil
	},
}

// mcp command: serve the sync tools over stdio.
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve sync tools over MCP stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		server := mcp.NewServer(
			&mcp.Implementation{Name: "vaultmirror", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(server, a.engine)

		a.logger.Info("MCP server listening on stdio")

		if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP server error: %w", err)
		}

		return nil
	},
}

func init() {
	deletionsCmd.AddCommand(deletionsListCmd)
	deletionsCmd.AddCommand(deletionsConfirmCmd)
	deletionsCmd.AddCommand(deletionsRestoreCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of entries to show")
	rootCmd.AddCommand(deletionsCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(mcpCmd)
}
