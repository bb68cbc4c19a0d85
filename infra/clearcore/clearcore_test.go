package clearcore

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/dispense/core/apperr"
)

type write struct {
	addr uint16
	cmd  uint16
	arg  int32
}

type fakeRegs struct {
	mu       sync.Mutex
	writes   []write
	hb       uint16
	writeErr error
	readErr  error
	// failReads fails that many heartbeat reads before recovering
	failReads int
}

func (f *fakeRegs) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if f.failReads > 0 {
		f.failReads--
		return nil, errors.New("i/o timeout")
	}
	f.hb++
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, f.hb)
	return b, nil
}

func (f *fakeRegs) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	f.writes = append(f.writes, write{
		addr: address,
		cmd:  binary.BigEndian.Uint16(value[0:]),
		arg:  int32(binary.BigEndian.Uint32(value[2:])),
	})
	return nil, nil
}

func (f *fakeRegs) all() []write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]write(nil), f.writes...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func start(t *testing.T, regs *fakeRegs) (*Controller, context.CancelFunc, chan error) {
	t.Helper()
	c := New(Config{PollInterval: time.Millisecond})
	c.dial = func(Config) (registers, io.Closer, error) { return regs, nopCloser{}, nil }
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-c.Connected():
	case <-time.After(time.Second):
		t.Fatal("not connected")
	}
	return c, cancel, done
}

func TestMotorCommandsEncodeSteps(t *testing.T) {
	regs := &fakeRegs{}
	c, cancel, done := start(t, regs)
	defer func() { cancel(); <-done }()

	ctx := context.Background()
	m := c.Motor(1)
	require.NoError(t, m.Enable(ctx))
	require.NoError(t, m.SetVelocity(ctx, 0.5))
	require.NoError(t, m.RelativeMove(ctx, -2))
	require.NoError(t, m.AbruptStop(ctx))
	require.NoError(t, m.Disable(ctx))

	assert.Equal(t, []write{
		{AxisStride, cmdEnable, 0},
		{AxisStride, cmdSetVelocity, 400},
		{AxisStride, cmdRelMove, -1600},
		{AxisStride, cmdAbruptStop, 0},
		{AxisStride, cmdDisable, 0},
	}, regs.all())
}

func TestMotorBeforeConnect(t *testing.T) {
	c := New(Config{})
	err := c.Motor(0).SetVelocity(context.Background(), 1)
	assert.True(t, errors.Is(err, apperr.ErrHardwareFault))
}

func TestMotorUnknownAxis(t *testing.T) {
	regs := &fakeRegs{}
	c, cancel, done := start(t, regs)
	defer func() { cancel(); <-done }()
	err := c.Motor(5).Enable(context.Background())
	assert.Equal(t, apperr.Other, apperr.KindOf(err))
}

func TestWriteFailureIsHardwareFault(t *testing.T) {
	regs := &fakeRegs{writeErr: errors.New("exception 4")}
	c, cancel, done := start(t, regs)
	defer func() { cancel(); <-done }()
	err := c.Motor(0).RelativeMove(context.Background(), 1)
	assert.True(t, errors.Is(err, apperr.ErrHardwareFault))
}

func TestCancelledContext(t *testing.T) {
	regs := &fakeRegs{}
	c, cancel, done := start(t, regs)
	defer func() { cancel(); <-done }()
	ctx, stop := context.WithCancel(context.Background())
	stop()
	err := c.Motor(0).Enable(ctx)
	assert.True(t, errors.Is(err, apperr.ErrCancelled))
	assert.Empty(t, regs.all())
}

func TestRunRedialsAfterHeartbeatFailure(t *testing.T) {
	regs := &fakeRegs{failReads: 1}
	c := New(Config{PollInterval: time.Millisecond, ReconnectInterval: time.Millisecond})
	var mu sync.Mutex
	dials := 0
	c.dial = func(Config) (registers, io.Closer, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return regs, nopCloser{}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		return c.Motor(0).SetVelocity(context.Background(), 1) == nil
	}, time.Second, time.Millisecond)
}

func TestRunLinkDownBetweenDials(t *testing.T) {
	regs := &fakeRegs{readErr: errors.New("broken pipe")}
	c := New(Config{PollInterval: time.Millisecond, ReconnectInterval: time.Hour})
	c.dial = func(Config) (registers, io.Closer, error) { return regs, nopCloser{}, nil }
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	<-c.Connected()

	// the heartbeat fails and the link stays down during the backoff
	assert.Eventually(t, func() bool {
		return errors.Is(c.Motor(0).Enable(context.Background()), apperr.ErrHardwareFault)
	}, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunDialFailure(t *testing.T) {
	c := New(Config{ReconnectInterval: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	dials := 0
	c.dial = func(Config) (registers, io.Closer, error) {
		dials++
		return nil, nil, errors.New("refused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Run(ctx), context.DeadlineExceeded)
	assert.Greater(t, dials, 1)
	select {
	case <-c.Connected():
		t.Fatal("connected after failed dial")
	default:
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, []float64{800, 800}, cfg.StepsPerUnit)
	assert.Equal(t, time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Error(t, Config{StepsPerUnit: []float64{0}}.Validate())
}
