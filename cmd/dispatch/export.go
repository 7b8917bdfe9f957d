package main

import (
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/dispatch/internal/config"
	"github.com/mtzanidakis/dispatch/internal/store"
)

func runExport(args []string) error {
	var outputPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: dispatch export -f <output.jsonl.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	counts, size, err := exportJournal(db, outputPath)
	if err != nil {
		return err
	}

	fmt.Printf("Export complete: %d workers, %d decisions, %d outcomes, %d messages, %s\n",
		counts.Workers, counts.Decisions, counts.Outcomes, counts.Messages, formatSize(size))
	return nil
}

func exportJournal(db *store.Store, outputPath string) (store.ExportCounts, int64, error) {
	f, err := os.Create(outputPath)
	if err != nil {
		return store.ExportCounts{}, 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return store.ExportCounts{}, 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	counts, err := db.Export(zw)
	if err != nil {
		return counts, 0, fmt.Errorf("export journal: %w", err)
	}

	// Close explicitly to catch write errors
	if err := zw.Close(); err != nil {
		return counts, 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return counts, 0, fmt.Errorf("close file: %w", err)
	}

	var size int64
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	return counts, size, nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
