package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/dispense/api/dispenser"
	"github.com/kilianp07/dispense/app"
	"github.com/kilianp07/dispense/config"
	"github.com/kilianp07/dispense/infra/logger"
	"github.com/kilianp07/dispense/infra/mqtt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispenser: MQTT commands, HTTP API and metrics",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	return withService(serve)
}

func serve(ctx context.Context, cfg *config.Config, svc *app.Service) error {
	log := logger.New("serve")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := svc.Start(ctx)
	if err := svc.ConnectScale(ctx); err != nil {
		log.Warnf("scale not connected at startup: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MQTT.Enabled {
		client, err := mqtt.NewPahoClient(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("mqtt client: %w", err)
		}
		defer client.Disconnect()
		g.Go(func() error { return client.Serve(ctx, svc.HandleCommand) })
	}
	if cfg.HTTP.Enabled {
		srv := &http.Server{
			Addr:              cfg.HTTP.Address,
			Handler:           dispenser.NewRouter(svc, cfg.HTTP.Token, nil),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Infof("http api listening on %s", cfg.HTTP.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	err := g.Wait()
	cancel()
	<-done
	log.Infof("dispenser stopped")
	return err
}
