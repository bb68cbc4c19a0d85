package scenarios

import (
	"context"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/dispense/core/apperr"
	"github.com/kilianp07/dispense/core/arbiter"
	"github.com/kilianp07/dispense/core/dispense"
	"github.com/kilianp07/dispense/simulator"
)

// errInjected is the fault the scenario plant reports.
var errInjected = errors.New("injected fault")

func RunScenario(t *testing.T, sc *Scenario) {
	t.Helper()
	dispense.ResetMetrics(prometheus.NewRegistry())
	mock := clock.NewMock()
	plant := simulator.New(sc.Plant.ToConfig()).WithMock(mock)
	if sc.Plant.FailScaleAfter > 0 {
		plant.FailScaleAfter(sc.Plant.FailScaleAfter, errInjected)
	}
	if sc.Plant.FailMotor {
		plant.FailMotor(errInjected)
	}

	arb := arbiter.New(plant.Controller())
	defer func() { _ = arb.Close() }()
	if err := arb.AttachScale(plant.Scale()); err != nil {
		t.Fatalf("attach scale: %v", err)
	}
	h, err := arb.CheckoutScale()
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	ctl := dispense.New(dispense.WithClock(mock), dispense.WithSettle(0))
	ctx := context.Background()
	res, back, err := ctl.Dispense(ctx, h, arb.Motor(ctx, 0), sc.Settings.ToModel())
	if back == nil {
		t.Fatalf("scenario %s: scale handle lost", sc.Name)
	}
	if rerr := arb.ReturnScale(back); rerr != nil {
		t.Fatalf("return scale: %v", rerr)
	}

	exp := sc.Expected
	if exp.Error == "" && err != nil {
		t.Fatalf("scenario %s: unexpected error %v", sc.Name, err)
	}
	if exp.Error != "" && (err == nil || apperr.KindOf(err).String() != exp.Error) {
		t.Errorf("scenario %s expected %s error, got %v", sc.Name, exp.Error, err)
	}
	if string(res.Outcome) != exp.Outcome {
		t.Errorf("scenario %s expected outcome %s, got %s", sc.Name, exp.Outcome, res.Outcome)
	}
	if exp.MinDelivered != nil && res.Delivered < *exp.MinDelivered {
		t.Errorf("scenario %s delivered %.3f, want >= %.3f", sc.Name, res.Delivered, *exp.MinDelivered)
	}
	if exp.MaxDelivered != nil && res.Delivered > *exp.MaxDelivered {
		t.Errorf("scenario %s delivered %.3f, want <= %.3f", sc.Name, res.Delivered, *exp.MaxDelivered)
	}
	if exp.Checks != nil && res.Checks != *exp.Checks {
		t.Errorf("scenario %s expected %d checks, got %d", sc.Name, *exp.Checks, res.Checks)
	}
}
