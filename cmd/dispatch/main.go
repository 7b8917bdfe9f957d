package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mtzanidakis/dispatch/internal/config"
)

var version = "dev"

var logLevel = new(slog.LevelVar)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("dispatch %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	case "export":
		if err := runExport(os.Args[2:]); err != nil {
			slog.Error("export failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: dispatch <command>\n\nCommands:\n  serve      Start the dispatch daemon\n  export     Write the journal to a zstd-compressed JSON lines file\n  version    Print version\n")
}

func setupLogging(level string) {
	if lvl, err := config.ParseLogLevel(level); err == nil {
		logLevel.Set(lvl)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
