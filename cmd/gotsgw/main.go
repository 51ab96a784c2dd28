// gotsgw -- Remote Desktop Gateway client: RPC over HTTP v2 secure bind.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/gotsgw/internal/config"
	"github.com/dantte-lp/gotsgw/internal/gateway"
	gwmetrics "github.com/dantte-lp/gotsgw/internal/metrics"
	"github.com/dantte-lp/gotsgw/internal/ntlm"
	"github.com/dantte-lp/gotsgw/internal/prompt"
	"github.com/dantte-lp/gotsgw/internal/rpce"
	appversion "github.com/dantte-lp/gotsgw/internal/version"
)

var (
	// configPath is the YAML configuration file, optional.
	configPath string

	// Flag overrides applied on top of the loaded configuration.
	flagGateway string
	flagPort    int
	flagUser    string
	flagDomain  string
)

// rootCmd connects to the gateway and runs the secure bind handshake.
var rootCmd = &cobra.Command{
	Use:   "gotsgw",
	Short: "RD Gateway client (RPC over HTTP v2)",
	Long: "gotsgw establishes an RPC over HTTP v2 virtual connection to a " +
		"Remote Desktop Gateway and performs the NTLM secure bind handshake.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return connect(cmd.Context())
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionCmd prints build information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(appversion.Full("gotsgw"))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")
	rootCmd.Flags().StringVar(&flagGateway, "gateway", "",
		"gateway hostname (overrides config)")
	rootCmd.Flags().IntVar(&flagPort, "port", 0,
		"gateway port (overrides config)")
	rootCmd.Flags().StringVar(&flagUser, "user", "",
		"gateway username (overrides config)")
	rootCmd.Flags().StringVar(&flagDomain, "domain", "",
		"gateway domain (overrides config)")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the YAML/env configuration and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil && configPath == "" && errors.Is(err, config.ErrEmptyGatewayHostname) && flagGateway != "" {
		// No file, hostname comes from the flag: start from defaults.
		cfg = config.DefaultConfig()
		err = nil
	}
	if err != nil {
		return nil, err
	}

	if flagGateway != "" {
		cfg.Gateway.Hostname = flagGateway
	}
	if flagPort != 0 {
		cfg.Gateway.Port = flagPort
	}
	if flagUser != "" {
		cfg.Gateway.Username = flagUser
	}
	if flagDomain != "" {
		cfg.Gateway.Domain = flagDomain
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newLogger builds the slog logger from the logging configuration.
func newLogger(lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(lc.Level)}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// connect runs the full flow: virtual connection, secure bind, report.
func connect(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	logger.Info("gotsgw starting",
		slog.String("version", appversion.Version),
		slog.String("gateway", cfg.Gateway.Hostname),
		slog.Int("port", cfg.Gateway.Port),
	)

	reg := prometheus.NewRegistry()
	collector := gwmetrics.NewCollector(reg)
	stopMetrics := startMetricsServer(cfg.Metrics, reg, logger)
	defer stopMetrics()

	vc, err := gateway.Dial(ctx, gateway.Config{
		Hostname: cfg.Gateway.Hostname,
		Port:     cfg.Gateway.Port,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer vc.Close()

	eng := rpce.NewEngine(cfg.EngineConfig(), vc.In(), vc.Out(), ntlm.NewOracle,
		rpce.WithPrompt(prompt.New()),
		rpce.WithMetrics(collector.ReporterFor(cfg.Gateway.Hostname)),
		rpce.WithLogger(logger),
	)

	params, err := eng.Run(ctx)
	if err != nil {
		if errors.Is(err, rpce.ErrCancelled) {
			logger.Info("handshake cancelled by user")
			return nil
		}
		return fmt.Errorf("secure bind: %w", err)
	}

	logger.Info("gateway session ready",
		slog.Int("max_xmit_frag", int(params.MaxXmitFrag)),
		slog.Int("max_recv_frag", int(params.MaxRecvFrag)),
		slog.Uint64("assoc_group", uint64(params.AssocGroupID)),
		slog.String("session_user", params.SessionCredentials.Username),
	)

	return nil
}

// startMetricsServer exposes the Prometheus registry over HTTP when an
// address is configured. Returns a stop function.
func startMetricsServer(mc config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) func() {
	if mc.Addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: mc.Addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("metrics endpoint listening",
		slog.String("addr", mc.Addr),
		slog.String("path", mc.Path),
	)

	return func() { _ = srv.Close() }
}
