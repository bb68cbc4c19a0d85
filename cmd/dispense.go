package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/dispense/app"
	"github.com/kilianp07/dispense/config"
	"github.com/kilianp07/dispense/core/model"
	"github.com/kilianp07/dispense/infra/mqtt"
)

var dispenseFlags struct {
	target      float64
	offset      float64
	minVelocity float64
	maxVelocity float64
	cutoff      float64
	period      time.Duration
	timeout     time.Duration
	remote      string
	wait        time.Duration
}

var dispenseCmd = &cobra.Command{
	Use:   "dispense",
	Short: "Dispense a target weight and print the result",
	Long: `Dispense runs one closed-loop dispense on the local hardware. With
--remote it publishes the command to a running dispenser over MQTT and
waits for its reply.`,
	RunE: runDispense,
}

func init() {
	f := dispenseCmd.Flags()
	f.Float64Var(&dispenseFlags.target, "target", 0, "target weight (configured default when 0)")
	f.Float64Var(&dispenseFlags.offset, "check-offset", 0, "stop this far before the target")
	f.Float64Var(&dispenseFlags.minVelocity, "min-velocity", 0, "lowest feed velocity")
	f.Float64Var(&dispenseFlags.maxVelocity, "max-velocity", 0, "highest feed velocity")
	f.Float64Var(&dispenseFlags.cutoff, "cutoff", 0, "low-pass cutoff frequency in Hz")
	f.DurationVar(&dispenseFlags.period, "sample-period", 0, "scale sample period")
	f.DurationVar(&dispenseFlags.timeout, "timeout", 0, "give up after this long")
	f.StringVar(&dispenseFlags.remote, "remote", "", "send the command to this MQTT node instead")
	f.DurationVar(&dispenseFlags.wait, "wait", 2*time.Minute, "reply timeout for --remote")
	rootCmd.AddCommand(dispenseCmd)
}

// applyDispenseFlags overrides the settings fields given on the command
// line.
func applyDispenseFlags(s model.DispenseSettings) model.DispenseSettings {
	if dispenseFlags.target != 0 {
		s.TargetWeight = dispenseFlags.target
	}
	if dispenseFlags.offset != 0 {
		s.CheckOffset = dispenseFlags.offset
	}
	if dispenseFlags.minVelocity != 0 {
		s.MinVelocity = dispenseFlags.minVelocity
	}
	if dispenseFlags.maxVelocity != 0 {
		s.MaxVelocity = dispenseFlags.maxVelocity
	}
	if dispenseFlags.cutoff != 0 {
		s.CutoffFrequency = dispenseFlags.cutoff
	}
	if dispenseFlags.period != 0 {
		s.SamplePeriod = dispenseFlags.period
	}
	if dispenseFlags.timeout != 0 {
		s.Timeout = dispenseFlags.timeout
	}
	return s
}

func runDispense(cmd *cobra.Command, args []string) error {
	if dispenseFlags.remote != "" {
		return dispenseRemote(cmd)
	}
	return withService(func(ctx context.Context, cfg *config.Config, svc *app.Service) error {
		if err := svc.ConnectScale(ctx); err != nil {
			return err
		}
		res, err := svc.Run(ctx, applyDispenseFlags(svc.DefaultSettings()))
		var out any = res
		if outputFormat == "csv" {
			out = res.Data
		}
		if perr := render(cmd, out); perr != nil {
			return perr
		}
		return err
	})
}

func dispenseRemote(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("--remote needs mqtt.broker")
	}
	mqttCfg := cfg.MQTT
	mqttCfg.LWTTopic = ""
	mqttCfg.ClientID = fmt.Sprintf("%s-cli-%d", mqttCfg.ClientID, time.Now().UnixNano())
	client, err := mqtt.NewPahoClient(mqttCfg)
	if err != nil {
		return fmt.Errorf("mqtt client: %w", err)
	}
	defer client.Disconnect()

	id, err := client.SendCommand(dispenseFlags.remote, applyDispenseFlags(cfg.Dispense.Settings()))
	if err != nil {
		return err
	}
	reply, err := client.WaitForReply(id, dispenseFlags.wait)
	if err != nil {
		return err
	}
	var out any = reply
	if outputFormat == "csv" {
		out = reply.Data
	}
	if perr := render(cmd, out); perr != nil {
		return perr
	}
	if reply.Error != "" {
		return fmt.Errorf("remote dispense %s: %s", reply.RunID, reply.Error)
	}
	return nil
}
