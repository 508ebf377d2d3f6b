// Command atoll runs the agent core.
//
//	atoll serve               start the dispatcher and scheduler
//	atoll status              print router health and queue load
//	atoll maintain            run one maintenance pass
//
// Configuration comes from -config (default atoll.toml) layered under
// ATOLL_* environment variables.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nevindra/atoll/internal/app"
	"github.com/nevindra/atoll/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to atoll.toml")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "serve"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(*configPath)

	if err := run(cmd, cfg, logger); err != nil {
		logger.Error("atoll failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func run(cmd string, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	switch cmd {
	case "serve":
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	case "status":
		status, err := a.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(status)
	case "maintain":
		report, err := a.Maintain(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	default:
		return fmt.Errorf("unknown command %q (want serve, status, or maintain)", cmd)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
