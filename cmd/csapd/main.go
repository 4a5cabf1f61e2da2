// Command csapd runs the csap file-service daemon. Flag/env/file
// precedence and the cobra root command follow marmos91-dittofs's
// cmd/dfs entrypoint, trimmed to this server's single `serve` action.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/csapfs/csapd"
	"github.com/csapfs/csapd/internal/config"
	"github.com/csapfs/csapd/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "csapd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "csapd [root] [ip] [port]",
		Short: "csapd serves a sandboxed multi-user file tree over TCP",
		Long: `csapd serves a sandboxed multi-user file tree over TCP.

Root, ip, and port can be given either as the three positional
arguments of spec.md's original "server <root> <ip> <port>" form, or
as --root/--addr/--port flags (which also accept CSAPD_ROOT/CSAPD_ADDR/
CSAPD_PORT environment variables and a --config file). Positional
arguments, if given, must be all three together and take precedence
over flags/env/file.`,
		Args: cobra.RangeArgs(0, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(v, configPath, args)
		},
	}

	flags := cmd.Flags()
	flags.String("root", "", "directory to serve (default ./server_root)")
	flags.String("addr", "", "bind IP address (default 127.0.0.1)")
	flags.Int("port", 0, "bind port (default 8080)")
	flags.Int("max-users", 0, "maximum registered users (default 128)")
	flags.Int("max-transfers", 0, "maximum pending transfer requests (default 128)")
	flags.Int("transfer-ttl", 0, "seconds before an unanswered transfer request expires (0 disables)")
	flags.String("log-level", "", "panic|fatal|error|warn|info|debug|trace (default info)")
	flags.StringVar(&configPath, "config", "", "path to a YAML or TOML config file")

	for _, name := range []string{"root", "addr", "port", "max-users", "max-transfers", "transfer-ttl", "log-level"} {
		if err := v.BindPFlag(mapstructureKey(name), flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	return cmd
}

// mapstructureKey maps a kebab-case flag name to the snake_case key
// config.Config expects.
func mapstructureKey(flag string) string {
	switch flag {
	case "max-users":
		return "max_users"
	case "max-transfers":
		return "max_transfers"
	case "transfer-ttl":
		return "transfer_ttl"
	case "log-level":
		return "log_level"
	default:
		return flag
	}
}

func runServe(v *viper.Viper, configPath string, args []string) error {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return err
	}

	if len(args) == 3 {
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[2], err)
		}
		cfg.Root, cfg.Addr, cfg.Port = args[0], args[1], port
	} else if len(args) != 0 {
		return fmt.Errorf("expected either no positional arguments or exactly 3 (root ip port), got %d", len(args))
	}

	lvl, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logging.SetLevel(lvl)

	srv, err := csap.New(csap.Config{
		Root:         cfg.Root,
		MaxUsers:     cfg.MaxUsers,
		MaxTransfers: cfg.MaxTransfers,
		TransferTTL:  cfg.TransferTTL,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		_ = srv.Close()
	}()

	listenAddr := net.JoinHostPort(cfg.Addr, strconv.Itoa(cfg.Port))
	if err := srv.Listen("tcp", listenAddr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}
