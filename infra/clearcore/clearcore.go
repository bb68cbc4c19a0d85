// Package clearcore drives a Teknic ClearCore motor/IO controller over
// Modbus TCP.
//
// Each axis owns a block of holding registers starting at id*AxisStride:
//
//	+0     command code
//	+1..2  signed 32-bit argument, big endian (steps or steps/s)
//
// Input register 0 is a heartbeat counter the controller increments.
package clearcore

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/kilianp07/dispense/core/apperr"
	"github.com/kilianp07/dispense/core/device"
	"github.com/kilianp07/dispense/infra/logger"
)

// AxisStride is the register distance between two axes.
const AxisStride = 16

// Command codes written to the axis command register.
const (
	cmdEnable      uint16 = 1
	cmdDisable     uint16 = 2
	cmdAbruptStop  uint16 = 3
	cmdRelMove     uint16 = 4
	cmdSetVelocity uint16 = 5
)

// Config locates the controller.
type Config struct {
	Address      string        `json:"address"`
	SlaveID      byte          `json:"slave_id"`
	Timeout      time.Duration `json:"timeout"`
	PollInterval time.Duration `json:"poll_interval"`
	// ReconnectInterval is the first wait before redialling a lost link.
	// Consecutive failures double it up to MaxBackoff.
	ReconnectInterval time.Duration `json:"reconnect_interval"`
	MaxBackoff        time.Duration `json:"max_backoff"`
	// StepsPerUnit converts distances and velocities to motor steps, per axis.
	StepsPerUnit []float64 `json:"steps_per_unit"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = "192.168.1.12:8888"
	}
	if c.SlaveID == 0 {
		c.SlaveID = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = time.Second
	}
	if c.MaxBackoff < c.ReconnectInterval {
		c.MaxBackoff = 30 * time.Second
	}
	if len(c.StepsPerUnit) == 0 {
		c.StepsPerUnit = []float64{800, 800}
	}
}

// Validate checks the axis scaling.
func (c Config) Validate() error {
	for i, s := range c.StepsPerUnit {
		if s <= 0 {
			return fmt.Errorf("steps_per_unit[%d] must be positive", i)
		}
	}
	return nil
}

// registers is the subset of modbus.Client the controller uses.
type registers interface {
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// dialer opens the Modbus link.
type dialer func(cfg Config) (registers, io.Closer, error)

func dialTCP(cfg Config) (registers, io.Closer, error) {
	h := modbus.NewTCPClientHandler(cfg.Address)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.SlaveID
	if err := h.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(h), h, nil
}

// Controller implements device.MotorController.
type Controller struct {
	cfg  Config
	dial dialer
	log  logger.Logger

	mu        sync.Mutex
	regs      registers
	connected chan struct{}
	once      sync.Once
}

// New returns a Controller for cfg. Nothing is dialled until Run.
func New(cfg Config) *Controller {
	cfg.SetDefaults()
	return &Controller{
		cfg:       cfg,
		dial:      dialTCP,
		log:       logger.New("clearcore"),
		connected: make(chan struct{}),
	}
}

// Run keeps the link to the controller up until ctx is done. A failed dial
// or heartbeat drops the link and redials after a backoff; commands fail
// with a hardware fault while it is down.
func (c *Controller) Run(ctx context.Context) error {
	wait := c.cfg.ReconnectInterval
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			wait = c.cfg.ReconnectInterval
		}
		c.log.Warnf("link to %s down: %v, redialling in %s", c.cfg.Address, err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(2*wait, c.cfg.MaxBackoff)
	}
}

// session dials once and watches the heartbeat until it fails. It reports
// whether the dial succeeded.
func (c *Controller) session(ctx context.Context) (bool, error) {
	regs, closer, err := c.dial(c.cfg)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.Address, err)
	}
	defer closer.Close()

	c.mu.Lock()
	c.regs = regs
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.regs = nil
		c.mu.Unlock()
	}()
	c.once.Do(func() { close(c.connected) })
	c.log.Infof("connected to %s", c.cfg.Address)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	var last uint16
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-ticker.C:
		}
		hb, err := c.heartbeat()
		if err != nil {
			return true, fmt.Errorf("heartbeat: %w", err)
		}
		if hb == last {
			c.log.Warnf("heartbeat stalled at %d", hb)
		}
		last = hb
	}
}

func (c *Controller) heartbeat() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regs == nil {
		return 0, fmt.Errorf("link down")
	}
	b, err := c.regs.ReadInputRegisters(0, 1)
	if err != nil {
		return 0, err
	}
	if len(b) < 2 {
		return 0, fmt.Errorf("short heartbeat response")
	}
	return binary.BigEndian.Uint16(b), nil
}

// Connected is closed once the first dial succeeds. It stays closed across
// reconnects.
func (c *Controller) Connected() <-chan struct{} { return c.connected }

// Motor returns the handle for axis id.
func (c *Controller) Motor(id int) device.Motor {
	scale := 1.0
	if id >= 0 && id < len(c.cfg.StepsPerUnit) {
		scale = c.cfg.StepsPerUnit[id]
	}
	return &Motor{ctl: c, id: id, scale: scale}
}

// write sends one axis command. The link mutex serialises wire traffic
// between axes.
func (c *Controller) write(ctx context.Context, op string, id int, cmd uint16, arg int32) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.Cancelled, op, err)
	}
	if id < 0 || id >= len(c.cfg.StepsPerUnit) {
		return apperr.Errorf(op, "axis %d not configured", id)
	}
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf[0:], cmd)
	binary.BigEndian.PutUint32(buf[2:], uint32(arg))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regs == nil {
		return apperr.Hardware(op, fmt.Errorf("motor controller not connected"))
	}
	if _, err := c.regs.WriteMultipleRegisters(uint16(id*AxisStride), 3, buf); err != nil {
		return apperr.Hardware(op, err)
	}
	return nil
}

// Motor is one ClearCore axis.
type Motor struct {
	ctl   *Controller
	id    int
	scale float64
}

func (m *Motor) steps(v float64) (int32, error) {
	s := math.Round(v * m.scale)
	if s > math.MaxInt32 || s < math.MinInt32 {
		return 0, fmt.Errorf("%g units out of range", v)
	}
	return int32(s), nil
}

// SetVelocity sets the axis speed in units per second.
func (m *Motor) SetVelocity(ctx context.Context, v float64) error {
	s, err := m.steps(v)
	if err != nil {
		return apperr.Wrap(apperr.Other, "clearcore.set_velocity", err)
	}
	return m.ctl.write(ctx, "clearcore.set_velocity", m.id, cmdSetVelocity, s)
}

// RelativeMove queues a move of distance units at the current velocity.
func (m *Motor) RelativeMove(ctx context.Context, distance float64) error {
	s, err := m.steps(distance)
	if err != nil {
		return apperr.Wrap(apperr.Other, "clearcore.relative_move", err)
	}
	return m.ctl.write(ctx, "clearcore.relative_move", m.id, cmdRelMove, s)
}

// AbruptStop halts the axis without deceleration.
func (m *Motor) AbruptStop(ctx context.Context) error {
	return m.ctl.write(ctx, "clearcore.abrupt_stop", m.id, cmdAbruptStop, 0)
}

// Enable energises the axis.
func (m *Motor) Enable(ctx context.Context) error {
	return m.ctl.write(ctx, "clearcore.enable", m.id, cmdEnable, 0)
}

// Disable de-energises the axis.
func (m *Motor) Disable(ctx context.Context) error {
	return m.ctl.write(ctx, "clearcore.disable", m.id, cmdDisable, 0)
}

var (
	_ device.MotorController = (*Controller)(nil)
	_ device.Motor           = (*Motor)(nil)
)
