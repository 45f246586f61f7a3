package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxy-rotator/internal/checker"
	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/executor"
	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/transport"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	configPath string
	debugFlag  bool
	torFlag    bool
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "proxyrotator",
	Short:         "Rotating proxy pool with health checks",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		setupLogging(cfg.Logging)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to JSON config file")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&torFlag, "tor", false, "route proxy connections through the local Tor SOCKS port")

	rootCmd.AddCommand(serveCmd, checkCmd, fetchCmd, statusCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func setupLogging(lc config.LoggingConfig) {
	if strings.EqualFold(lc.Format, "text") {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}

	level := log.InfoLevel
	if parsed, err := log.ParseLevel(lc.Level); err == nil {
		level = parsed
	}
	if debugFlag {
		level = log.DebugLevel
	}
	log.SetLevel(level)
}

// app holds the pool and the components built on it.
type app struct {
	metrics   *metrics.Collector
	registry  *pool.Registry
	transport *transport.HTTP
	checker   *checker.Checker
	executor  *executor.Executor
}

func newApp(cfg *config.Config) (*app, error) {
	m := metrics.NewCollector(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

	scheme, err := pool.ParseScheme(cfg.Pool.Scheme)
	if err != nil {
		return nil, err
	}

	opts := []pool.Option{
		pool.WithPolicy(cfg.Rotation.Policy()),
		pool.OnRotate(func(r pool.Rotation) { m.RecordRotation(r.String()) }),
	}
	if cfg.Rotation.PreserveHealthOnRebuild {
		opts = append(opts, pool.PreserveHealthOnRebuild())
	}

	reg, err := pool.New(cfg.Pool.Targets(), scheme, cfg.Pool.Credentials(), opts...)
	if err != nil {
		return nil, fmt.Errorf("build pool: %w", err)
	}

	var extra []transport.Option
	bridge := cfg.Transport.BridgeAddr
	if torFlag && bridge == "" {
		bridge = transport.DefaultTorBridge
	}
	if bridge != "" {
		extra = append(extra, transport.WithBridge(bridge))
	}
	t := transport.New(transport.OptionsFromConfig(cfg.Transport), extra...)

	chk := checker.NewChecker(cfg.Health, t, reg, m)

	var execOpts []executor.Option
	if cfg.Rotation.RecheckOnRebuild {
		execOpts = append(execOpts, executor.RecheckOnRebuild())
	}
	if cfg.Rotation.Verbose {
		execOpts = append(execOpts, executor.Verbose())
	}

	log.WithFields(log.Fields{
		"proxies": reg.Len(),
		"scheme":  scheme,
	}).Info("Proxy pool ready")

	return &app{
		metrics:   m,
		registry:  reg,
		transport: t,
		checker:   chk,
		executor:  executor.New(reg, t, chk, m, execOpts...),
	}, nil
}
