package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/newsposter/internal/collect"
	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/database"
	"github.com/TobiSchelling/newsposter/internal/dedup"
	"github.com/TobiSchelling/newsposter/internal/kvstore"
	"github.com/TobiSchelling/newsposter/internal/news"
	"github.com/TobiSchelling/newsposter/internal/pipeline"
	"github.com/TobiSchelling/newsposter/internal/scheduler"
	"github.com/TobiSchelling/newsposter/internal/server"
	"github.com/TobiSchelling/newsposter/internal/telegram"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "newsposter",
	Short:        "Topical feed digests for Telegram",
	Long:         "newsposter collects RSS/Atom feeds, keeps the relevant new articles, summarizes them and posts a digest to a Telegram chat.",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging("INFO")

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		setupLogging(cfg.Logging.Level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("newsposter", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/newsposter/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure categories and feeds, then set TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID.")
		return nil
	},
}

// --- run command ---

var (
	dryRun   bool
	forceRun bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once: fetch -> filter -> dedup -> summarize -> compose -> deliver",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("dry-run") {
			cfg.DryRun = dryRun
		}
		if cmd.Flags().Changed("force") {
			cfg.ForceRun = forceRun
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := runOnce(ctx, cfg)
		if result != nil {
			printResult(result)
		}
		return err
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run everything but do not send or record anything")
	runCmd.Flags().BoolVar(&forceRun, "force", false, "Post a notice even when there is nothing new")
}

// runOnce opens the store and runs one fresh pipeline.
func runOnce(ctx context.Context, c *config.Config) (*pipeline.Result, error) {
	var sender pipeline.Sender
	if !c.DryRun {
		if err := c.ValidateDelivery(); err != nil {
			return nil, err
		}
		sender = telegram.New(c.Telegram)
	}

	st, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	return pipeline.New(c, st, sender).Run(ctx)
}

func printResult(r *pipeline.Result) {
	for i, step := range r.Steps {
		fmt.Printf("Step %d: %s\n  %s\n", i+1, step.Name, step.Summary)
	}

	if len(r.Skips) > 0 {
		byStage := make(map[news.Stage]int)
		for _, s := range r.Skips {
			byStage[s.Stage]++
		}
		fmt.Println("\nSkipped:")
		for _, stage := range []news.Stage{news.StageFetch, news.StageEnrich, news.StageFilter, news.StageDedup, news.StageSummarize, news.StageDeliver} {
			if n := byStage[stage]; n > 0 {
				fmt.Printf("  %s: %d\n", stage, n)
			}
		}
	}

	if r.Report.DryRun {
		for i, b := range r.Blocks {
			fmt.Printf("\n--- message %d ---\n%s\n", i+1, b)
		}
	}
	if r.Report.Outcome != "" {
		fmt.Printf("\nOutcome: %s\n", r.Report.Outcome)
	}
}

// --- status command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and configuration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Stats(ctx)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Store: %s\n", storeDescription(cfg))
		fmt.Printf("  Remembered articles: %d\n", stats.Records)
		if stats.Records > 0 {
			fmt.Printf("  Oldest: %s\n", stats.Oldest.Local().Format(time.DateTime))
			fmt.Printf("  Newest: %s\n", stats.Newest.Local().Format(time.DateTime))
		}
		fmt.Printf("  Retention: %s\n", cfg.Store.Retention.Std())

		fmt.Printf("\nSources: %d in %d categories\n", len(cfg.Sources), len(cfg.Categories))
		if s, err := scheduler.New(cfg.Schedule, nil); err == nil {
			fmt.Printf("Schedule: %q (%s), next at %s\n", cfg.Schedule.Cron, cfg.Schedule.Timezone,
				s.Next(time.Now()).Format(time.DateTime))
		}

		if rh, ok := st.(server.RunHistory); ok {
			runs, err := rh.RecentRuns(ctx, 5)
			if err != nil {
				return fmt.Errorf("getting runs: %w", err)
			}
			if len(runs) > 0 {
				fmt.Println("\nRecent runs:")
				for _, r := range runs {
					fmt.Printf("  %s  posted %d, blocks %d/%d  %s\n",
						r.StartedAt.Local().Format(time.DateTime), r.Posted,
						r.DeliveredBlocks, r.DeliveredBlocks+r.UndeliveredBlocks, r.Outcome)
				}
			}
		}
		return nil
	},
}

// --- prune command ---

var olderThan string

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Forget delivered articles older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		age := cfg.Store.Retention.Std()
		if olderThan != "" {
			d, err := config.ParseDuration(olderThan)
			if err != nil {
				return err
			}
			age = d
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		if locker, ok := st.(dedup.Locker); ok {
			owner := fmt.Sprintf("prune:%d", os.Getpid())
			if err := locker.Acquire(ctx, owner, time.Minute); err != nil {
				return err
			}
			defer locker.Release(context.WithoutCancel(ctx), owner)
		}

		n, err := st.PruneBefore(ctx, time.Now().Add(-age))
		if err != nil {
			return fmt.Errorf("pruning: %w", err)
		}
		fmt.Printf("Pruned %d records older than %s\n", n, age)
		return nil
	},
}

func init() {
	pruneCmd.Flags().StringVar(&olderThan, "older-than", "", "Age cutoff such as 7d or 36h (default: store.retention)")
}

// --- sources command ---

var checkSources bool

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources by category",
	RunE: func(cmd *cobra.Command, args []string) error {
		var results map[string]collect.SourceResult
		if checkSources {
			fetched := collect.NewFeedFetcher(cfg.Fetch).Fetch(cmd.Context(), cfg.Sources)
			results = make(map[string]collect.SourceResult, len(fetched))
			for _, r := range fetched {
				results[r.Source.URL] = r
			}
		}

		bySource := make(map[string][]config.Source)
		for _, s := range cfg.Sources {
			bySource[s.Category] = append(bySource[s.Category], s)
		}
		for _, cat := range cfg.Categories {
			fmt.Printf("%s %s (%s)\n", cat.Emoji, cat.Label, cat.ID)
			srcs := bySource[cat.ID]
			if len(srcs) == 0 {
				fmt.Println("  (no sources)")
			}
			for _, s := range srcs {
				line := fmt.Sprintf("  %-28s %s", s.Name, s.URL)
				if r, ok := results[s.URL]; ok {
					if r.Err != nil {
						line += "  FAILED: " + r.Err.Error()
					} else {
						line += fmt.Sprintf("  ok, %d entries", len(r.Articles))
					}
				}
				fmt.Println(line)
			}
			if len(cat.Keywords) > 0 {
				kw := append([]string(nil), cat.Keywords...)
				sort.Strings(kw)
				fmt.Printf("  keywords: %s\n", strings.Join(kw, ", "))
			}
		}
		return nil
	},
}

func init() {
	sourcesCmd.Flags().BoolVar(&checkSources, "check", false, "Fetch every source and report the result")
}

// --- schedule command ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on the configured cron schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.DryRun {
			if err := cfg.ValidateDelivery(); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := scheduler.New(cfg.Schedule, func(ctx context.Context) error {
			res, err := runOnce(ctx, cfg)
			if res != nil {
				slog.Info("run finished", "outcome", res.Report.Outcome, "posted", res.Report.Posted)
			}
			return err
		})
		if err != nil {
			return err
		}

		fmt.Printf("Scheduled %q in %s. Press Ctrl+C to stop.\n", cfg.Schedule.Cron, cfg.Schedule.Timezone)
		return s.Run(ctx)
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local history and preview server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		preview := func(ctx context.Context) ([]string, error) {
			c := *cfg
			c.DryRun = true
			res, err := pipeline.New(&c, st, nil).Run(ctx)
			return res.Blocks, err
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") || port == 0 {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, st, preview, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// store is what every backend provides.
type store interface {
	dedup.Store
	server.History
	Close() error
}

func openStore(ctx context.Context, c *config.Config) (store, error) {
	switch c.Store.Backend {
	case "redis":
		kv, err := kvstore.Open(ctx, c.Store)
		if err != nil {
			return nil, err
		}
		return kv, nil
	default:
		db, err := database.Open(c.DBPath())
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", c.DBPath(), err)
		}
		return db, nil
	}
}

func storeDescription(c *config.Config) string {
	if c.Store.Backend == "redis" {
		return fmt.Sprintf("redis %s db %d (prefix %q)", c.Store.RedisAddr, c.Store.RedisDB, c.Store.RedisPrefix)
	}
	return "sqlite " + c.DBPath()
}
