// Package serialscale talks to a four-channel load-cell bridge over a
// serial line.
//
// The bridge speaks a line protocol:
//
//	host   "?"          bridge "id <serial>"
//	host   "i <ms>"     bridge "ok"
//	bridge "r <c0> <c1> <c2> <c3>"   one frame of raw cell readings
//
// Frames are streamed continuously at the configured interval.
package serialscale

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/tarm/serial"

	"github.com/kilianp07/dispense/core/apperr"
	"github.com/kilianp07/dispense/core/device"
	"github.com/kilianp07/dispense/core/model"
	"github.com/kilianp07/dispense/infra/logger"
)

// Config locates the bridge.
type Config struct {
	Port        string        `json:"port"`
	Baud        int           `json:"baud"`
	OpenTimeout time.Duration `json:"open_timeout"`
	// DataInterval is set on the bridge right after connecting.
	DataInterval time.Duration `json:"data_interval"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Port == "" {
		c.Port = "/dev/ttyACM0"
	}
	if c.Baud == 0 {
		c.Baud = 115200
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 3 * time.Second
	}
	if c.DataInterval <= 0 {
		c.DataInterval = 40 * time.Millisecond
	}
}

// Connector returns a device.ScaleConnector opening the bridge described by
// cfg.
func Connector(cfg Config) device.ScaleConnector {
	return func(ctx context.Context) (device.Scale, error) {
		cfg.SetDefaults()
		port, err := serial.OpenPort(&serial.Config{Name: cfg.Port, Baud: cfg.Baud, ReadTimeout: cfg.OpenTimeout})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
		}
		s, err := Open(ctx, port, cfg)
		if err != nil {
			_ = port.Close()
			return nil, err
		}
		return s, nil
	}
}

// Scale is a connected bridge.
type Scale struct {
	port io.ReadWriteCloser
	id   int
	log  logger.Logger

	writeMu sync.Mutex
	frames  chan [model.LoadCells]float64
	replies chan string
	done    chan struct{}
	readErr error

	mu     sync.RWMutex
	coeffs model.Coefficients
	closed bool
}

// Open performs the identification handshake on an already open port and
// starts reading frames.
func Open(ctx context.Context, port io.ReadWriteCloser, cfg Config) (*Scale, error) {
	cfg.SetDefaults()
	s := &Scale{
		port:    port,
		log:     logger.New("serialscale"),
		frames:  make(chan [model.LoadCells]float64, 1),
		replies: make(chan string, 1),
		done:    make(chan struct{}),
		coeffs:  model.Coefficients{Coefficients: [model.LoadCells]float64{1, 1, 1, 1}},
	}
	go s.readLoop()

	ctx, cancel := context.WithTimeout(ctx, cfg.OpenTimeout)
	defer cancel()
	reply, err := s.request(ctx, "?")
	if err != nil {
		_ = s.Close()
		return nil, apperr.Hardware("serialscale.open", err)
	}
	idText, ok := strings.CutPrefix(reply, "id ")
	if !ok {
		_ = s.Close()
		return nil, apperr.Hardware("serialscale.open", fmt.Errorf("unexpected reply %q", reply))
	}
	id, err := strconv.Atoi(strings.TrimSpace(idText))
	if err != nil {
		_ = s.Close()
		return nil, apperr.Hardware("serialscale.open", fmt.Errorf("parse id: %w", err))
	}
	s.id = id
	if err := s.setInterval(ctx, cfg.DataInterval); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.log.Infof("bridge %d connected on %s", id, cfg.Port)
	return s, nil
}

func (s *Scale) readLoop() {
	defer close(s.done)
	sc := bufio.NewScanner(s.port)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "r "); ok {
			frame, err := parseFrame(rest)
			if err != nil {
				s.log.Warnf("bad frame %q: %v", line, err)
				continue
			}
			// keep only the newest frame
			select {
			case <-s.frames:
			default:
			}
			s.frames <- frame
			continue
		}
		select {
		case s.replies <- line:
		default:
			s.log.Warnf("unsolicited reply %q", line)
		}
	}
	s.readErr = sc.Err()
	if s.readErr == nil {
		s.readErr = io.EOF
	}
}

func parseFrame(text string) ([model.LoadCells]float64, error) {
	var out [model.LoadCells]float64
	fields := strings.Fields(text)
	if len(fields) != model.LoadCells {
		return out, fmt.Errorf("want %d channels, got %d", model.LoadCells, len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *Scale) request(ctx context.Context, line string) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(s.port, line+"\n"); err != nil {
		return "", err
	}
	select {
	case r := <-s.replies:
		return r, nil
	case <-s.done:
		return "", fmt.Errorf("bridge closed: %w", s.readErr)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Scale) setInterval(ctx context.Context, period time.Duration) error {
	reply, err := s.request(ctx, fmt.Sprintf("i %d", period.Milliseconds()))
	if err != nil {
		return apperr.Hardware("serialscale.set_interval", err)
	}
	if reply != "ok" {
		return apperr.Hardware("serialscale.set_interval", fmt.Errorf("bridge refused interval: %q", reply))
	}
	return nil
}

// next waits for a fresh frame.
func (s *Scale) next(ctx context.Context) ([model.LoadCells]float64, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return [model.LoadCells]float64{}, apperr.Hardware("serialscale.read", s.readErr)
	case <-ctx.Done():
		return [model.LoadCells]float64{}, apperr.Wrap(apperr.Cancelled, "serialscale.read", ctx.Err())
	}
}

func (s *Scale) collect(ctx context.Context, n int, period time.Duration) ([][model.LoadCells]float64, error) {
	if n <= 0 {
		return nil, apperr.New(apperr.ZeroSamples, "serialscale.collect")
	}
	out := make([][model.LoadCells]float64, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 && period > 0 {
			t := time.NewTimer(period)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, apperr.Wrap(apperr.Cancelled, "serialscale.collect", ctx.Err())
			}
		}
		f, err := s.next(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Scale) ID() int { return s.id }

// Weight converts the next frame with the current coefficients.
func (s *Scale) Weight(ctx context.Context) (float64, error) {
	f, err := s.next(ctx)
	if err != nil {
		return 0, err
	}
	return s.coefficients().Weight(f), nil
}

// MedianWeight returns the median weight of n frames taken period apart.
func (s *Scale) MedianWeight(ctx context.Context, n int, period time.Duration) (float64, error) {
	frames, err := s.collect(ctx, n, period)
	if err != nil {
		return 0, err
	}
	c := s.coefficients()
	weights := make([]float64, len(frames))
	for i, f := range frames {
		weights[i] = c.Weight(f)
	}
	return stats.Median(weights)
}

func (s *Scale) RawLoadCells(ctx context.Context) ([model.LoadCells]float64, error) {
	return s.next(ctx)
}

// LoadCellMedians returns the per-channel median of n frames.
func (s *Scale) LoadCellMedians(ctx context.Context, n int, period time.Duration) ([model.LoadCells]float64, error) {
	var out [model.LoadCells]float64
	frames, err := s.collect(ctx, n, period)
	if err != nil {
		return out, err
	}
	cells := make([]float64, len(frames))
	for c := 0; c < model.LoadCells; c++ {
		for i, f := range frames {
			cells[i] = f[c]
		}
		m, err := stats.Median(cells)
		if err != nil {
			return out, err
		}
		out[c] = m
	}
	return out, nil
}

func (s *Scale) SetSampleInterval(period time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.setInterval(ctx, period)
}

func (s *Scale) SetCoefficients(c model.Coefficients) {
	s.mu.Lock()
	s.coeffs = c
	s.mu.Unlock()
}

func (s *Scale) coefficients() model.Coefficients {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coeffs
}

// Close closes the port; the reader stops on the resulting EOF.
func (s *Scale) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.port.Close()
}

var (
	_ device.Scale        = (*Scale)(nil)
	_ device.Calibratable = (*Scale)(nil)
)
