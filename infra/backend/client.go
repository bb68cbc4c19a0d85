// Package backend is the HTTP client of the remote calibration service.
// It posts collected trials for fitting and looks up stored coefficients
// by scale id.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kilianp07/dispense/auth"
	"github.com/kilianp07/dispense/core/apperr"
	"github.com/kilianp07/dispense/core/calibration"
	"github.com/kilianp07/dispense/core/model"
	"github.com/kilianp07/dispense/infra/logger"
)

// Config locates the calibration service.
type Config struct {
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout"`
	Auth    auth.Conf     `json:"auth"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// Enabled reports whether a backend URL is configured.
func (c Config) Enabled() bool { return c.URL != "" }

// Client implements calibration.Fitter and calibration.CoefficientSource.
type Client struct {
	base  string
	http  *http.Client
	creds *auth.ClientCred
	log   logger.Logger
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	cfg.SetDefaults()
	c := &Client{
		base: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.New("calibration-backend"),
	}
	if cfg.Auth.Enabled() {
		c.creds = auth.NewClientCred(cfg.Auth)
	}
	return c
}

// Fit posts the trials and decodes the fitted coefficients.
func (c *Client) Fit(ctx context.Context, data model.CalibrationData) (model.Coefficients, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return model.Coefficients{}, apperr.Wrap(apperr.Serialization, "backend.fit", err)
	}
	body, err := c.do(ctx, "backend.fit", http.MethodPost, c.base, payload)
	if err != nil {
		return model.Coefficients{}, err
	}
	coeffs, err := model.ParseCoefficients(body)
	if err != nil {
		return model.Coefficients{}, apperr.Wrap(apperr.Serialization, "backend.fit", err)
	}
	c.log.Infof("fitted coefficients for scale %d from %d trials", data.PhidgetID, len(data.Trials))
	return coeffs, nil
}

// Coefficients fetches the stored coefficients of scaleID.
func (c *Client) Coefficients(ctx context.Context, scaleID int) (model.Coefficients, error) {
	body, err := c.do(ctx, "backend.coefficients", http.MethodGet, c.base+"/"+strconv.Itoa(scaleID), nil)
	if err != nil {
		return model.Coefficients{}, err
	}
	coeffs, err := model.ParseCoefficients(body)
	if err != nil {
		return model.Coefficients{}, apperr.Wrap(apperr.Serialization, "backend.coefficients", err)
	}
	return coeffs, nil
}

func (c *Client) do(ctx context.Context, op, method, url string, payload []byte) ([]byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, apperr.Wrap(apperr.Backend, op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		if err := c.creds.SetAuthHeader(req); err != nil {
			return nil, apperr.Wrap(apperr.Backend, op, err)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Backend, op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Backend, op, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, apperr.Wrap(apperr.Backend, op, fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return body, nil
}

var (
	_ calibration.Fitter            = (*Client)(nil)
	_ calibration.CoefficientSource = (*Client)(nil)
)
