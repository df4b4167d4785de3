// silentauthd - Challenge-response authentication daemon
//
// The daemon holds registered RSA public keys and issues single-use
// challenges over a local Unix socket:
//
//	silentauthd serve     Run the daemon (default)
//	silentauthd init      Write a default configuration file
//	silentauthd version   Show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"silentauth/internal/config"
	"silentauth/internal/logging"
	"silentauth/internal/security"
)

// Version is set at build time.
var Version = "dev"

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = cmdServe(args)
	case "init":
		err = cmdInit(args)
	case "version":
		fmt.Printf("silentauthd %s (%s/%s, %s)\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`silentauthd - challenge-response authentication daemon

Usage:
  silentauthd [serve] [-config path]   Run the daemon
  silentauthd init [-config path]      Write a default configuration file
  silentauthd version                  Show version information

The configuration path defaults to config.toml in the platform
configuration directory.`)
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "configuration file")
	fs.Parse(args)

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if m := loader.Migration(); m != nil {
		for _, change := range m.Changes {
			fmt.Fprintf(os.Stderr, "config migrated: %s\n", change)
		}
	}

	logger, err := logging.New(cfg.LoggerConfig("silentauthd"))
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	if err := security.DisableCoreDumps(); err != nil {
		logger.Warn("could not disable core dumps", "error", err)
	}

	d, err := NewDaemon(loader, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "configuration file")
	force := fs.Bool("force", false, "overwrite an existing configuration")
	fs.Parse(args)

	if *force {
		if err := config.SaveConfig(config.DefaultConfig(), *configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote default configuration to %s\n", *configPath)
		return nil
	}

	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		return err
	}
	if !created {
		fmt.Printf("Configuration already exists at %s (use -force to overwrite)\n", *configPath)
		return nil
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	fmt.Printf("Created %s\n", *configPath)
	fmt.Printf("  socket:  %s\n", cfg.Server.SocketPath)
	fmt.Printf("  storage: %s (%s)\n", cfg.Storage.Type, cfg.Storage.Path)
	return nil
}
