package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/quasseldroid/libquassel"
	"github.com/quasseldroid/libquassel/config"
	"github.com/quasseldroid/libquassel/network"
	"github.com/quasseldroid/libquassel/storage"
	"github.com/quasseldroid/libquassel/utils"
	"github.com/quasseldroid/libquassel/variant"
)

// set by the linker
var buildDate = ""

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "quassel",
		Short:         "Quassel core protocol client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./quassel.toml)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	cmd.AddCommand(newConnectCommand(opts), newShellCommand(opts))
	return cmd
}

// app is one connected client plus whatever the config asked for around it.
type app struct {
	cfg     config.Config
	log     utils.Logger
	client  *libquassel.Client
	store   *storage.Store
	metrics *http.Server
}

func dialOptions(cfg config.CoreConfig) []network.DialOpt {
	opts := []network.DialOpt{&network.KeepAliveOpt{Period: cfg.KeepAlive}}
	if cfg.TLS {
		tls := &network.TLSOpt{}
		if cfg.Insecure {
			tls.Trust = network.TrustFunc(func(string, []*x509.Certificate) bool { return true })
		}
		opts = append(opts, tls)
	}
	if cfg.Compression {
		opts = append(opts, &network.CompressionOpt{})
	}
	return opts
}

func sessionOptions(cfg config.Config, log utils.Logger, store *storage.Store) libquassel.Options {
	opts := libquassel.Options{
		ClientDate:        buildDate,
		User:              cfg.Account.User,
		Password:          cfg.Account.Password,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
		Logger:            log,
	}
	if store != nil {
		opts.Storage = store
	}
	return opts
}

// startApp loads the config and connects. onState, when set, is registered
// before the handshake starts.
func startApp(ctx context.Context, opts *rootOptions, onState func(from, to libquassel.State)) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel()
	if opts.verbose {
		level = slog.LevelDebug
	}
	a := &app{cfg: cfg, log: utils.NewDefaultLogger(level)}

	if cfg.Storage.Path != "" {
		if a.store, err = storage.Open(cfg.Storage.Path, storage.Options{Logger: a.log}); err != nil {
			return nil, err
		}
	}
	if cfg.Metrics.Address != "" {
		if err := a.serveMetrics(cfg.Metrics.Address); err != nil {
			a.close()
			return nil, err
		}
	}

	dctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	sopts := sessionOptions(cfg, a.log, a.store)
	sopts.OnStateChange = onState
	a.client, err = libquassel.Connect(dctx, cfg.Core.Address, sopts, dialOptions(cfg.Core)...)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) serveMetrics(address string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(libquassel.Collectors()...)
	if a.store != nil {
		reg.MustRegister(a.store.Collectors()...)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics: server stopped", "err", err)
		}
	}()
	a.log.Info("metrics: serving", "addr", ln.Addr().String())
	return nil
}

func (a *app) close() {
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.metrics != nil {
		_ = a.metrics.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func newConnectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect, synchronize and print state changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			a, err := startApp(ctx, opts, func(from, to libquassel.State) {
				_, _ = fmt.Fprintf(out, "%s -> %s\n", from, to)
			})
			if err != nil {
				return err
			}
			defer a.close()

			a.client.OnMessage(func(msg variant.Message) {
				_, _ = fmt.Fprintln(out, formatMessage(msg))
			})
			ended := make(chan error, 1)
			go func() { ended <- a.client.Wait() }()
			select {
			case <-ctx.Done():
				return nil
			case err := <-ended:
				return err
			}
		},
	}
}

func newShellCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell over a live session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := startApp(cmd.Context(), opts, nil)
			if err != nil {
				return err
			}
			defer a.close()

			repl := &REPL{Session: a.client.Session, Store: a.store, out: cmd.OutOrStdout()}
			if err := repl.Open(); err != nil {
				return err
			}
			defer repl.Close()
			return repl.Run()
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
