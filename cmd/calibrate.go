package cmd

import (
	"bufio"
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/dispense/app"
	"github.com/kilianp07/dispense/config"
)

var calibrateFlags struct {
	weights []float64
	samples int
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Collect calibration trials and fit load cell coefficients",
	Long: `Calibrate walks through one trial per reference weight: place the
weight on the platform, press enter, and the load cells are sampled. The
coefficients fitted from all trials are applied and printed.`,
	Args: cobra.NoArgs,
	RunE: runCalibrate,
}

var calibrateFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Apply the stored coefficients of the connected scale",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, _ *config.Config, svc *app.Service) error {
			if err := svc.ConnectScale(ctx); err != nil {
				return err
			}
			coeffs, err := svc.FetchCoefficients(ctx)
			if err != nil {
				return err
			}
			return render(cmd, coeffs)
		})
	},
}

func init() {
	f := calibrateCmd.Flags()
	f.Float64SliceVar(&calibrateFlags.weights, "weights", []float64{0, 100, 200, 500}, "reference weights, one trial each")
	f.IntVar(&calibrateFlags.samples, "samples", 0, "readings per trial (configured default when 0)")
	calibrateCmd.AddCommand(calibrateFetchCmd)
	rootCmd.AddCommand(calibrateCmd)
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, _ *config.Config, svc *app.Service) error {
		if err := svc.ConnectScale(ctx); err != nil {
			return err
		}
		in := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()
		for _, w := range calibrateFlags.weights {
			if _, err := fmt.Fprintf(out, "place %g on the platform and press enter\n", w); err != nil {
				return err
			}
			if _, err := in.ReadString('\n'); err != nil {
				return fmt.Errorf("read confirmation: %w", err)
			}
			trial, err := svc.CollectTrial(ctx, calibrateFlags.samples, w)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(out, "readings %v\n", trial.Readings); err != nil {
				return err
			}
		}
		coeffs, err := svc.Calibrate(ctx)
		if err != nil {
			return err
		}
		return render(cmd, coeffs)
	})
}
