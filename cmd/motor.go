package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kilianp07/dispense/app"
	"github.com/kilianp07/dispense/config"
	"github.com/kilianp07/dispense/core/device"
)

var motorCmd = &cobra.Command{
	Use:   "motor",
	Short: "Drive the dispense axis directly",
}

func motorAction(use, short string, args cobra.PositionalArgs, fn func(ctx context.Context, m device.Motor, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, _ *config.Config, svc *app.Service) error {
				return fn(ctx, svc.Motor(ctx), args)
			})
		},
	}
}

func parseFloatArg(s, name string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return v, nil
}

func init() {
	motorCmd.AddCommand(
		motorAction("enable", "Energise the motor", cobra.NoArgs,
			func(ctx context.Context, m device.Motor, _ []string) error { return m.Enable(ctx) }),
		motorAction("disable", "Release the motor", cobra.NoArgs,
			func(ctx context.Context, m device.Motor, _ []string) error { return m.Disable(ctx) }),
		motorAction("stop", "Abruptly stop the motor", cobra.NoArgs,
			func(ctx context.Context, m device.Motor, _ []string) error { return m.AbruptStop(ctx) }),
		motorAction("velocity <v>", "Set the feed velocity", cobra.ExactArgs(1),
			func(ctx context.Context, m device.Motor, args []string) error {
				v, err := parseFloatArg(args[0], "velocity")
				if err != nil {
					return err
				}
				return m.SetVelocity(ctx, v)
			}),
		motorAction("move <distance>", "Queue a relative move", cobra.ExactArgs(1),
			func(ctx context.Context, m device.Motor, args []string) error {
				d, err := parseFloatArg(args[0], "distance")
				if err != nil {
					return err
				}
				return m.RelativeMove(ctx, d)
			}),
	)
	rootCmd.AddCommand(motorCmd)
}
