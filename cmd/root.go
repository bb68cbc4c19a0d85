// Package cmd implements the dispensed command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/dispense/app"
	"github.com/kilianp07/dispense/config"
	coremon "github.com/kilianp07/dispense/core/monitoring"
	"github.com/kilianp07/dispense/infra/logger"
	"github.com/kilianp07/dispense/infra/monitoring"
	"github.com/kilianp07/dispense/pkg/export"
)

var (
	cfgPath      string
	simulate     bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:          "dispensed",
	Short:        "Closed-loop powder dispenser service",
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json)")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "use the simulated scale and motor")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "output format: json or csv")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

// render writes v to stdout in the selected output format.
func render(cmd *cobra.Command, v any) error {
	return export.Write(cmd.OutOrStdout(), outputFormat, v)
}

// loadConfig reads the configuration file, or the defaults when none is
// given, and applies the command line overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if cfgPath == "" {
		cfg = config.Default()
	} else {
		c, err := config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	if simulate {
		cfg.Devices.Driver = "simulated"
	}
	return cfg, nil
}

// setup installs the process logger and error monitoring. The returned
// cleanup flushes both.
func setup(cfg *config.Config) (func(), error) {
	_, flushLogs, err := logger.Setup(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		logger.New("main").Warnf("sentry disabled: %v", err)
	} else {
		coremon.Init(mon)
	}
	return func() {
		coremon.Flush(2 * time.Second)
		flushLogs()
	}, nil
}

// withService loads the configuration, builds the service and hands it to
// fn under a context cancelled on SIGINT or SIGTERM.
func withService(fn func(ctx context.Context, cfg *config.Config, svc *app.Service) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.New("main").Errorf("service close: %v", err)
		}
	}()
	return fn(ctx, cfg, svc)
}
