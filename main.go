// marketdeck is the backend for a browser trading dashboard: session
// lifecycle, route authorization and live market-data synchronization.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/marketdeck/marketdeck/app"
	"github.com/marketdeck/marketdeck/ops"
)

var (
	// version is injected during the build process
	version = "v0.0.0"

	// buildString is injected during the build process with build time and git info
	buildString = "dev build"
)

func initLogger() (*slog.Logger, *ops.LogBuffer) {
	// Default to INFO level, can be overridden by LOG_LEVEL env var
	// Valid levels: debug, info, warn, error
	var level slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logBuffer := ops.NewLogBuffer(500)
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	// Debug output stays console-only; the dashboard streams info and above
	tee := ops.NewTeeHandler(inner, logBuffer, slog.LevelInfo)
	return slog.New(tee), logBuffer
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("marketdeck %s\n", version)
		fmt.Printf("Build: %s\n", buildString)
		os.Exit(0)
	}

	// Tee logs into a ring buffer so the dashboard can stream them
	logger, logBuffer := initLogger()

	application := app.NewApp(logger)
	application.SetLogBuffer(logBuffer)

	if err := application.LoadConfig(); err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	application.SetVersion(version)

	logger.Info("Starting marketdeck...", "version", version, "build", buildString)
	if err := application.RunServer(); err != nil {
		logger.Error("Server failed to start", "error", err)
		os.Exit(1)
	}
}
