// Command orchestrator-admin provides operational tooling for the
// orchestration database and queue: migrations, scope seeding, and a
// quick stats snapshot.
package main

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rankhive/orchestrator/config"
	"github.com/rankhive/orchestrator/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const defaultCommandTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		logger.Error("unknown command", "command", cmdName)
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultCommandTimeout)
	defer cancel()

	cmdCtx := &commandContext{
		Ctx:    ctx,
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		cancel()
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrate,
		},
		"seed-scope": {
			name:        "seed-scope",
			description: "Create or update a scope (tenant portfolio)",
			run:         runSeedScope,
		},
		"stats": {
			name:        "stats",
			description: "Print job, execution, and queue statistics",
			run:         runStats,
		},
	}
}

func printUsage() {
	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	defer w.Flush()

	_, _ = w.Write([]byte("usage: orchestrator-admin <command> [flags]\n\ncommands:\n"))

	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = w.Write([]byte("  " + name + "\t" + cmds[name].description + "\n"))
	}
}

func runMigrate(ctx *commandContext, _ []string) error {
	db, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer closeQuietly(ctx, db)

	return bootstrap.RunMigrations(ctx.Ctx, db, ctx.Logger)
}
