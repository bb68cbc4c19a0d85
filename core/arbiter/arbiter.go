// Package arbiter hands out exclusive ownership of the scale and shared
// handles on the motor controller.
//
// The scale moves by ownership transfer: CheckoutScale removes the handle
// from the arbiter and ReturnScale puts it back. While a handle is checked
// out the arbiter has nothing to hand out, so at most one operation drives
// the scale at any time.
package arbiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kilianp07/dispense/core/apperr"
	"github.com/kilianp07/dispense/core/device"
	"github.com/kilianp07/dispense/core/logger"
	"github.com/kilianp07/dispense/core/model"
)

// DefaultConnectSettle bounds the wait for the motor link on first use.
const DefaultConnectSettle = 5 * time.Second

// ScaleHandle is the unique capability to operate the scale. Pass it by
// pointer; copying it is a bug flagged by go vet.
type ScaleHandle struct {
	_     noCopy
	scale device.Scale
}

// Scale returns the device behind the handle.
func (h *ScaleHandle) Scale() device.Scale { return h.scale }

// noCopy triggers the vet copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithConnectSettle sets the bounded wait for the motor link.
func WithConnectSettle(d time.Duration) Option { return func(a *Arbiter) { a.connectSettle = d } }

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(a *Arbiter) { a.clock = c } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(a *Arbiter) { a.log = logger.OrNop(l) } }

// WithScaleConnector sets how ConnectScale opens the scale.
func WithScaleConnector(c device.ScaleConnector) Option { return func(a *Arbiter) { a.connect = c } }

// Arbiter owns the optional scale and the motor controller link.
type Arbiter struct {
	mu           sync.Mutex
	scale        *ScaleHandle
	checkedOut   bool
	scaleID      int
	coefficients *model.Coefficients

	connect device.ScaleConnector

	controller    device.MotorController
	linkOnce      sync.Once
	linkCtx       context.Context
	linkCancel    context.CancelFunc
	linkDone      chan struct{}
	connectSettle time.Duration

	clock clock.Clock
	log   logger.Logger
}

// New returns an Arbiter. controller may be nil, in which case Motor
// returns handles whose commands fail.
func New(controller device.MotorController, opts ...Option) *Arbiter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Arbiter{
		controller:    controller,
		linkCtx:       ctx,
		linkCancel:    cancel,
		linkDone:      make(chan struct{}),
		connectSettle: DefaultConnectSettle,
		clock:         clock.New(),
		log:           logger.NopLogger{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AttachScale hands an already open scale to the arbiter.
func (a *Arbiter) AttachScale(s device.Scale) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scale != nil || a.checkedOut {
		return apperr.New(apperr.ScaleAlreadyPresent, "arbiter.attach")
	}
	a.scale = &ScaleHandle{scale: s}
	a.scaleID = s.ID()
	return nil
}

// ConnectScale opens the scale through the configured connector. It is a
// no-op when a scale is already held or checked out.
func (a *Arbiter) ConnectScale(ctx context.Context) error {
	a.mu.Lock()
	present := a.scale != nil || a.checkedOut
	a.mu.Unlock()
	if present {
		a.log.Infof("scale already connected")
		return nil
	}
	if a.connect == nil {
		return apperr.Errorf("arbiter.connect", "no scale connector configured")
	}
	s, err := a.connect(ctx)
	if err != nil {
		return apperr.Hardware("arbiter.connect", err)
	}
	a.mu.Lock()
	coeffs := a.coefficients
	a.mu.Unlock()
	if cs, ok := s.(device.Calibratable); ok && coeffs != nil {
		cs.SetCoefficients(*coeffs)
	}
	if err := a.AttachScale(s); err != nil {
		_ = s.Close()
		return err
	}
	a.log.Infof("scale %d connected", s.ID())
	return nil
}

// CheckoutScale removes the scale from the arbiter and returns it.
func (a *Arbiter) CheckoutScale() (*ScaleHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scale == nil {
		return nil, apperr.New(apperr.NoScale, "arbiter.checkout")
	}
	h := a.scale
	a.scale = nil
	a.checkedOut = true
	return h, nil
}

// ReturnScale gives a checked out scale back. Returning while a scale is
// held would duplicate ownership and fails.
func (a *Arbiter) ReturnScale(h *ScaleHandle) error {
	if h == nil {
		return apperr.New(apperr.NoScale, "arbiter.return")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scale != nil {
		return apperr.New(apperr.ScaleAlreadyPresent, "arbiter.return")
	}
	a.scale = h
	a.checkedOut = false
	return nil
}

// HasScale reports whether a scale is available for checkout.
func (a *Arbiter) HasScale() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scale != nil
}

// ScaleID returns the id of the last connected scale.
func (a *Arbiter) ScaleID() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scale == nil && !a.checkedOut {
		return 0, apperr.New(apperr.NoScale, "arbiter.scale_id")
	}
	return a.scaleID, nil
}

// DropScale checks the scale out and closes it.
func (a *Arbiter) DropScale() error {
	h, err := a.CheckoutScale()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.checkedOut = false
	a.mu.Unlock()
	if err := h.scale.Close(); err != nil {
		return apperr.Hardware("arbiter.drop", err)
	}
	return nil
}

// UpdateCoefficients applies calibration coefficients to the held scale and
// remembers them for scales connected later.
func (a *Arbiter) UpdateCoefficients(c model.Coefficients) error {
	h, err := a.CheckoutScale()
	if err != nil {
		return err
	}
	if cs, ok := h.scale.(device.Calibratable); ok {
		cs.SetCoefficients(c)
	}
	a.mu.Lock()
	a.coefficients = &c
	a.mu.Unlock()
	return a.ReturnScale(h)
}

// Coefficients returns the last applied coefficients.
func (a *Arbiter) Coefficients() (model.Coefficients, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.coefficients == nil {
		return model.Coefficients{}, false
	}
	return *a.coefficients, true
}

// Motor returns a handle on the given axis. The first call starts the
// controller link in the background and waits until it reports connected
// or the settle period elapses. A link that never comes up is logged, not
// returned: the handle's commands fail individually.
func (a *Arbiter) Motor(ctx context.Context, id int) device.Motor {
	if a.controller == nil {
		return offlineMotor{}
	}
	a.linkOnce.Do(func() { a.startLink(ctx) })
	return a.controller.Motor(id)
}

func (a *Arbiter) startLink(ctx context.Context) {
	go func() {
		defer close(a.linkDone)
		if err := a.controller.Run(a.linkCtx); err != nil && a.linkCtx.Err() == nil {
			a.log.Warnf("no motor/io controller connected: %v", err)
		}
	}()
	timer := a.clock.Timer(a.connectSettle)
	defer timer.Stop()
	select {
	case <-a.controller.Connected():
		a.log.Infof("motor controller connected")
	case <-a.linkDone:
	case <-timer.C:
		a.log.Warnf("motor controller not connected after %s", a.connectSettle)
	case <-ctx.Done():
	}
}

// Status renders the arbiter state for display.
func (a *Arbiter) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var coeffs any
	if a.coefficients != nil {
		coeffs = a.coefficients.Coefficients
	}
	return fmt.Sprintf("Scale: %t, Coefficients: %v", a.scale != nil, coeffs)
}

// Close stops the motor link and closes a held scale.
func (a *Arbiter) Close() error {
	a.linkCancel()
	a.mu.Lock()
	h := a.scale
	a.scale = nil
	a.mu.Unlock()
	if h != nil {
		return h.scale.Close()
	}
	return nil
}

type offlineMotor struct{}

func (offlineMotor) err(op string) error {
	return apperr.Hardware(op, fmt.Errorf("motor controller not configured"))
}

func (m offlineMotor) SetVelocity(context.Context, float64) error {
	return m.err("motor.set_velocity")
}
func (m offlineMotor) RelativeMove(context.Context, float64) error {
	return m.err("motor.relative_move")
}
func (m offlineMotor) AbruptStop(context.Context) error { return m.err("motor.abrupt_stop") }
func (m offlineMotor) Enable(context.Context) error     { return m.err("motor.enable") }
func (m offlineMotor) Disable(context.Context) error    { return m.err("motor.disable") }
