// Arkham — document investigation platform entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/frame"
	"github.com/arkhamlabs/arkham/internal/infra/config"
	"github.com/arkhamlabs/arkham/internal/infra/sqlite"
	"github.com/arkhamlabs/arkham/internal/mcptool"
	"github.com/arkhamlabs/arkham/internal/server"
	"github.com/arkhamlabs/arkham/internal/version"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("arkham", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	showVersion := fs.Bool("version", false, "Show version information")
	showHelp := fs.Bool("help", false, "Show help")
	host := fs.String("host", "", "Listen host (overrides default)")
	port := fs.Int("port", 0, "Listen port (overrides default)")

	if err := fs.Parse(args); err != nil {
		printHelp(out)
		return 2
	}
	if *showVersion {
		fmt.Fprintln(out, version.String()) //nolint:errcheck
		return 0
	}
	if *showHelp {
		printHelp(out)
		return 0
	}

	cmd := "serve"
	if fs.NArg() > 0 {
		cmd = fs.Arg(0)
	}

	switch cmd {
	case "serve":
		return runServe(*host, *port)
	case "migrate":
		return runMigrate(out)
	case "mcp":
		return runMCP()
	default:
		fmt.Fprintf(out, "unknown command: %s\n\n", cmd) //nolint:errcheck
		printHelp(out)
		return 2
	}
}

func runServe(host string, port int) int {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("configuration load failed")
		return 1
	}
	f, err := frame.New(cfg)
	if err != nil {
		log.WithError(err).Error("frame assembly failed")
		return 1
	}

	srvCfg := server.DefaultConfig()
	if host != "" {
		srvCfg.Host = host
	}
	if port != 0 {
		srvCfg.Port = port
	}
	srv := server.NewServer(f, srvCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.WithError(err).Error("server stopped")
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown failed")
		return 1
	}
	return 0
}

func runMigrate(out io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("configuration load failed")
		return 1
	}
	db, err := sqlite.NewDB(cfg.DBPath)
	if err != nil {
		log.WithError(err).Error("database open failed")
		return 1
	}
	defer db.Close() //nolint:errcheck

	if err := sqlite.MigrateUp(db); err != nil {
		log.WithError(err).Error("migration failed")
		return 1
	}
	fmt.Fprintln(out, "migrations applied") //nolint:errcheck
	return 0
}

func runMCP() int {
	// MCP speaks JSON-RPC on stdout; keep logs off it.
	log.SetOutput(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("configuration load failed")
		return 1
	}
	f, err := frame.New(cfg)
	if err != nil {
		log.WithError(err).Error("frame assembly failed")
		return 1
	}
	defer f.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mcptool.Run(ctx, f); err != nil {
		log.WithError(err).Error("mcp server stopped")
		return 1
	}
	return 0
}

func printHelp(out io.Writer) {
	helpText := `Arkham — document investigation platform

Usage:
  arkham [options] [command]

Commands:
  serve        Start the HTTP server and worker pools (default)
  migrate      Apply database migrations and exit
  mcp          Serve search tools over the Model Context Protocol (stdio)

Options:
  --host       Listen host (serve)
  --port       Listen port (serve)
  --version    Show version information
  --help       Show this help message

Configuration is read from the file named by ARKHAM_CONFIG plus
environment overrides; see internal/infra/config.`
	fmt.Fprintln(out, helpText) //nolint:errcheck
}
