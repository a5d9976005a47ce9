package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/gnasty-hub/internal/config"
	"github.com/you/gnasty-hub/internal/httpapi"
	"github.com/you/gnasty-hub/internal/logging"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.buildTime=...".
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const usage = `usage: hub <command> [flags]

commands:
  run      connect to the configured platforms and drive the overlay
  auth     run the Twitch authorization flow and store the tokens
  version  print build information
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runCommand(args)
	case "auth":
		err = authCommand(args)
	case "version", "-version", "--version":
		fmt.Printf("hub version: %s (commit %s, built %s)\n", version, commit, buildTime)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "hub: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("hub: exiting")
		os.Exit(1)
	}
}

// commonFlags are shared by every subcommand. Flags override the config
// file and environment only when given explicitly.
type commonFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to YAML config file (default $"+config.PathEnvVar+")")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	fs.StringVar(&c.logFormat, "log-format", "", "Log format: console or json")
}

func (c *commonFlags) load(overrides map[string]bool) (config.Config, error) {
	path := strings.TrimSpace(c.configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(config.PathEnvVar))
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return config.Config{}, err
	}
	if overrides["log-level"] {
		cfg.Logging.Level = strings.TrimSpace(c.logLevel)
	}
	if overrides["log-format"] {
		cfg.Logging.Format = strings.TrimSpace(c.logFormat)
	}
	logging.Init(cfg.Logging)
	return cfg, nil
}

func visited(fs *flag.FlagSet) map[string]bool {
	overrides := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})
	return overrides
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logging.Info().Str("signal", sig.String()).Msg("hub: shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func buildInfo() httpapi.BuildInfo {
	b := httpapi.BuildInfo{Version: version, Revision: commit}
	if buildTime != "" && buildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, buildTime); err == nil {
			b.BuiltAt = t
		}
	}
	return b
}
