package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
)

// Config selects the log level, the output format and optional shipping to
// Grafana Loki.
type Config struct {
	Level  string     `json:"level"`
	Format string     `json:"format"` // "json" or "text"
	Loki   LokiConfig `json:"loki"`
}

// LokiConfig configures the Loki push client.
type LokiConfig struct {
	Enabled bool              `json:"enabled"`
	URL     string            `json:"url"`
	Labels  map[string]string `json:"labels"`
}

// Validate checks the level and format names.
func (c Config) Validate() error {
	if c.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
			return fmt.Errorf("parse log level: %w", err)
		}
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	if c.Loki.Enabled && c.Loki.URL == "" {
		return fmt.Errorf("loki url is required")
	}
	return nil
}

// Setup builds the process logger from cfg and installs it as the base for
// New. The returned cleanup flushes the Loki client.
func Setup(cfg Config) (zerolog.Logger, func(), error) {
	if err := cfg.Validate(); err != nil {
		return zerolog.Logger{}, nil, err
	}
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		level, _ = zerolog.ParseLevel(strings.ToLower(cfg.Level))
	}

	var stdout io.Writer = os.Stdout
	if strings.EqualFold(cfg.Format, "text") {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	writers := []io.Writer{stdout}
	cleanup := func() {}
	if cfg.Loki.Enabled {
		w, closer, err := newLokiWriter(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, w)
		cleanup = closer
	}
	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger().Level(level)
	SetBase(l)
	return l, cleanup, nil
}

func newLokiWriter(cfg LokiConfig) (io.Writer, func(), error) {
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create loki client: %w", err)
	}
	labels := model.LabelSet{}
	for k, v := range cfg.Labels {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	if len(labels) == 0 {
		labels["app"] = "dispensed"
	}
	return &lokiWriter{client: client, labels: labels}, client.Stop, nil
}

type lokiWriter struct {
	client *loki.Client
	labels model.LabelSet
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	return len(p), l.client.Handle(l.labels, time.Now(), entry)
}
