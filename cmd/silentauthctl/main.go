// silentauthctl is the device-side CLI for silentauthd.
//
// It generates the device key, registers its public half with the daemon
// and answers challenges:
//
//	silentauthctl keygen      Generate the device key pair
//	silentauthctl register    Register the device public key
//	silentauthctl login       Request and answer a challenge
//	silentauthctl status      Show daemon status
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"silentauth/internal/config"
	"silentauth/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket (overrides config)")
	showStats  = flag.Bool("stats", false, "print client metrics to stderr on exit")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "keygen":
		err = cmdKeygen(ctx, args)
	case "register":
		err = cmdRegister(ctx, args)
	case "login":
		err = cmdLogin(ctx, args)
	case "status":
		err = cmdStatus(ctx, args)
	case "challenge":
		err = cmdChallenge(ctx, args)
	case "ping":
		err = cmdPing(ctx)
	case "version":
		fmt.Printf("silentauthctl %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if *showStats {
		clientMetrics.Registry().WritePrometheus(os.Stderr)
	}

	if err != nil {
		printError(err.Error())
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintf(os.Stderr, "  %sTip%s: start the daemon with: silentauthd serve\n", c.Dim, c.Reset)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `silentauthctl - Device CLI for silentauthd

Usage: silentauthctl [options] <command> [args]

Commands:
  keygen [-bits n] [-identity id] [-force]   Generate the device key pair
  register [-identity id]                    Register the device public key
  login [-identity id]                       Request and answer a challenge
  status [-metrics]                          Show daemon status
  challenge <id>                             Show a challenge's status
  ping                                       Measure daemon round trip
  version                                    Show version

Options:
  -config <path>  Path to config file
  -socket <path>  Daemon socket path
  -stats          Print client metrics (keygen time, decode failures) on exit`)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if *socketPath != "" {
		cfg.Server.SocketPath = *socketPath
	}
	return cfg, nil
}

// dial connects and authenticates to the daemon named by cfg.
func dial(ctx context.Context, cfg *config.Config) (*ipc.IPCClient, error) {
	client := ipc.NewClient(ipc.ClientConfig{
		SocketPath:     cfg.Server.SocketPath,
		ClientName:     "silentauthctl",
		ClientVersion:  Version,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: cfg.RequestTimeout(),
	})
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
