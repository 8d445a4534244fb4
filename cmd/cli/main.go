package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/relgrid/relgrid/internal/app"
	"github.com/relgrid/relgrid/internal/cli"
)

// main is the entrypoint for the relgrid application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.MapExitCode(err))
	}
}

// run encapsulates the main application logic for easier testing and error
// handling. The returned error maps to the process exit code.
func run(outW io.Writer, args []string) error {
	appConfig, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	relgridApp := app.NewApp(outW, os.Stderr, appConfig)
	return relgridApp.Run(context.Background())
}
