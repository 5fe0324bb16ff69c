package main

import (
	"context"
	"fmt"
	"os"

	"farsight/internal/config"
	"farsight/internal/ingest"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	ingestWatch bool
	configForce bool
)

// ingestCmd indexes local files into the evidence store
var ingestCmd = &cobra.Command{
	Use:   "ingest [dir]",
	Short: "Index local files into the evidence store",
	Long: `Chunks and embeds text, markdown, and source files under a directory
so retrieval can draw on them alongside harvested web sources.

Without an argument the configured ingest.directory is used. With --watch
the directory stays under observation and edits re-index incrementally.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

// configCmd groups configuration helpers
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage farsight configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	Args:  cobra.NoArgs,
	RunE:  initConfig,
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "Keep watching the directory and re-index changes")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	dir := a.cfg.Ingest.Directory
	if len(args) > 0 {
		dir = args[0]
	}
	if dir == "" {
		return fmt.Errorf("no directory given and ingest.directory is not configured")
	}
	dir = resolvePath(dir)

	indexer := ingest.NewIndexer(a.store, a.embedder, a.cfg.Ingest)
	files, chunks, err := indexer.IndexDir(ctx, dir)
	if err != nil {
		return fmt.Errorf("index %s: %w", dir, err)
	}
	logger.Info("Directory indexed",
		zap.String("dir", dir), zap.Int("files", files), zap.Int("chunks", chunks))
	fmt.Printf("Indexed %d files (%d chunks) from %s\n", files, chunks, dir)

	if !ingestWatch {
		return nil
	}

	watcher, err := ingest.NewWatcher(indexer, dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer watcher.Stop()

	fmt.Println("Watching for changes. Ctrl-C to stop.")
	<-ctx.Done()

	stats := watcher.GetStats()
	fmt.Printf("Stopped after %d indexed, %d removed, %d errors\n",
		stats.FilesIndexed, stats.FilesRemoved, stats.Errors)
	return nil
}

func initConfig(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.DefaultConfig().Save(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
