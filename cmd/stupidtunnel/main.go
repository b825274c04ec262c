// Command stupid_tunnel is the CLI entry point (§6): a "server"
// subcommand binds the relay listener and forwards to real sockets; a
// "client" subcommand creates the TUN device and forwards TUN traffic
// to the relay.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Demindiro/stupid-tunnel/client"
	"github.com/Demindiro/stupid-tunnel/internal/config"
	"github.com/Demindiro/stupid-tunnel/internal/metrics"
	"github.com/Demindiro/stupid-tunnel/internal/relay"
	"github.com/Demindiro/stupid-tunnel/internal/tun"
	"github.com/Demindiro/stupid-tunnel/internal/watchdog"
	"github.com/Demindiro/stupid-tunnel/server"
)

var configPath string

// dispatchLoopTimeout bounds how long a dispatch loop may go without
// handling a single event before it's considered wedged.
const dispatchLoopTimeout = 30 * time.Second

func main() {
	log := logrus.New()

	root := &cobra.Command{
		Use:           "stupid_tunnel",
		Short:         "Userspace IPv6-to-IPv4 TCP/UDP tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("no subcommand given")
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	root.AddCommand(serverCmd(log), clientCmd(log))

	if err := root.Execute(); err != nil {
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: stupid_tunnel server|client [--config PATH]")
	fmt.Fprintln(os.Stderr, "  server binds the relay listener; client creates the TUN device and dials it")
}

func serverCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "bind the relay listener and forward to real sockets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(log)
		},
	}
}

func clientCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "create the TUN device and forward to the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(log)
		},
	}
}

func loadConfig(log *logrus.Logger) (config.Config, func(), error) {
	cfg := config.Defaults()
	closeFn := func() {}

	if configPath == "" {
		return cfg, closeFn, nil
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, closeFn, err
	}
	cfg = loaded

	watcher, err := config.WatchForChanges(configPath, log)
	if err != nil {
		return config.Config{}, closeFn, err
	}
	closeFn = func() { watcher.Close() }
	return cfg, closeFn, nil
}

func runServer(log *logrus.Logger) error {
	cfg, closeCfg, err := loadConfig(log)
	if err != nil {
		return err
	}
	defer closeCfg()

	reg := metrics.NewCollector(nil)
	stopMetrics := serveMetrics(cfg.MetricsAddr, log)
	defer stopMetrics()

	srv, err := server.Listen(cfg.Listen, log, reg)
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.WithWatchdogTimeout(dispatchLoopTimeout)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithField("listen", cfg.Listen).Info("relay listener bound")
	return srv.Serve(ctx)
}

func runClient(log *logrus.Logger) error {
	cfg, closeCfg, err := loadConfig(log)
	if err != nil {
		return err
	}
	defer closeCfg()

	reg := metrics.NewCollector(nil)
	stopMetrics := serveMetrics(cfg.MetricsAddr, log)
	defer stopMetrics()

	relayConn, err := relay.Dial(cfg.ServerAddress)
	if err != nil {
		return fmt.Errorf("dialing relay %s: %w", cfg.ServerAddress, err)
	}
	defer relayConn.Close()

	ip, _, err := net.ParseCIDR(cfg.IPv6Prefix)
	if err != nil {
		return fmt.Errorf("parsing ipv6_prefix %q: %w", cfg.IPv6Prefix, err)
	}
	var localAddr [16]byte
	copy(localAddr[:], ip.To16())

	tunDev, err := client.NewTUN(tun.Config{
		Name:       cfg.TunName,
		IPv6Prefix: cfg.IPv6Prefix,
		ExtraArgs:  cfg.IPExtraArgs,
	})
	if err != nil {
		return fmt.Errorf("creating tun device: %w", err)
	}
	defer tunDev.Close()

	disp, err := client.New(log, tunDev, relayConn, localAddr, reg)
	if err != nil {
		return err
	}
	wd := watchdog.New(log, dispatchLoopTimeout)
	defer wd.Stop()
	disp.WithWatchdog(wd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithField("tun", tunDev.Name()).Info("tunnel established")
	return disp.Run(ctx)
}

// serveMetrics starts a Prometheus exporter on addr when non-empty and
// returns a shutdown function; a no-op shutdown is returned when metrics
// are disabled (§10.3/§11.5).
func serveMetrics(addr string, log *logrus.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server exited")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}
}
