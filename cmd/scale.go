package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/dispense/app"
	"github.com/kilianp07/dispense/config"
	"github.com/kilianp07/dispense/core/calibration"
	"github.com/kilianp07/dispense/core/model"
)

var readFlags struct {
	trial   string
	samples int
	period  time.Duration
	cutoff  float64
}

var scaleCmd = &cobra.Command{
	Use:   "scale",
	Short: "Scale diagnostics",
}

var scaleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect the scale and print its state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, _ *config.Config, svc *app.Service) error {
			if err := svc.ConnectScale(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), svc.Status())
			return err
		})
	},
}

var scaleReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Sample the scale and print the series",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var trial calibration.TrialType
		if err := trial.UnmarshalJSON([]byte(fmt.Sprintf("%q", readFlags.trial))); err != nil {
			return err
		}
		req := calibration.DataRequest{
			Trial:        trial,
			Samples:      readFlags.samples,
			SamplePeriod: model.Duration(readFlags.period),
		}
		if cmd.Flags().Changed("cutoff") {
			c := readFlags.cutoff
			req.CutoffFrequency = &c
		}
		return withService(func(ctx context.Context, _ *config.Config, svc *app.Service) error {
			if err := svc.ConnectScale(ctx); err != nil {
				return err
			}
			data, err := svc.Read(ctx, req)
			if err != nil {
				return err
			}
			return render(cmd, data)
		})
	},
}

func init() {
	f := scaleReadCmd.Flags()
	f.StringVar(&readFlags.trial, "trial", "raw", "raw, median or filtered")
	f.IntVar(&readFlags.samples, "samples", 50, "number of points")
	f.DurationVar(&readFlags.period, "period", 40*time.Millisecond, "sample period")
	f.Float64Var(&readFlags.cutoff, "cutoff", 0, "low-pass cutoff in Hz for filtered trials")
	scaleCmd.AddCommand(scaleStatusCmd, scaleReadCmd)
	rootCmd.AddCommand(scaleCmd)
}
