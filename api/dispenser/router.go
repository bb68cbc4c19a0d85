// Package dispenser exposes the dispenser service over HTTP.
package dispenser

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/dispense/core/apperr"
	"github.com/kilianp07/dispense/core/calibration"
	"github.com/kilianp07/dispense/core/dispense"
	"github.com/kilianp07/dispense/core/dispense/runlog"
	"github.com/kilianp07/dispense/core/model"
	"github.com/kilianp07/dispense/infra/metrics"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Service is the part of the dispenser the HTTP API drives.
type Service interface {
	DefaultSettings() model.DispenseSettings
	Run(ctx context.Context, s model.DispenseSettings) (dispense.Result, error)
	Read(ctx context.Context, req calibration.DataRequest) (*model.Data, error)
	ConnectScale(ctx context.Context) error
	Status() string
	Runs(ctx context.Context, q runlog.Query) ([]runlog.Record, error)
	CollectTrial(ctx context.Context, samples int, weight float64) (model.CalibrationTrial, error)
	CalibrationData() (model.CalibrationData, error)
	Calibrate(ctx context.Context) (model.Coefficients, error)
}

// NewRouter returns the API routes. Requests must carry
// "Authorization: Bearer <token>" when token is non-empty; /metrics is
// left open for the scraper. A nil gatherer serves the default registry.
func NewRouter(svc Service, token string, g prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler(g)).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(bearer(token))
	api.Handle("/dispense", dispenseHandler(svc)).Methods(http.MethodPost)
	api.Handle("/runs", NewRunsHandler(svc)).Methods(http.MethodGet)
	api.Handle("/read", readHandler(svc)).Methods(http.MethodPost)
	api.Handle("/scale/connect", connectHandler(svc)).Methods(http.MethodPost)
	api.Handle("/status", statusHandler(svc)).Methods(http.MethodGet)
	api.Handle("/calibration", calibrationDataHandler(svc)).Methods(http.MethodGet)
	api.Handle("/calibration/trials", trialHandler(svc)).Methods(http.MethodPost)
	api.Handle("/calibration/fit", fitHandler(svc)).Methods(http.MethodPost)
	return r
}

func bearer(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type dispenseResponse struct {
	RunID          string      `json:"run_id"`
	Outcome        string      `json:"outcome"`
	StartingWeight float64     `json:"starting_weight"`
	Delivered      float64     `json:"delivered"`
	Checks         int         `json:"checks"`
	Data           *model.Data `json:"data,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// dispenseHandler runs one dispense. Fields missing from the body keep
// their configured value; an empty body selects the configured settings.
func dispenseHandler(svc Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := svc.DefaultSettings()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := s.Overlay(body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		res, err := svc.Run(r.Context(), s)
		out := dispenseResponse{
			RunID:          res.RunID,
			Outcome:        string(res.Outcome),
			StartingWeight: res.StartingWeight,
			Delivered:      res.Delivered,
			Checks:         res.Checks,
			Data:           res.Data,
		}
		status := http.StatusOK
		if err != nil {
			out.Error = err.Error()
			status = statusFor(err)
		}
		writeJSON(w, status, out)
	})
}

func readHandler(svc Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req calibration.DataRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, err := svc.Read(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, data)
	})
}

func connectHandler(svc Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := svc.ConnectScale(r.Context()); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": svc.Status()})
	})
}

func statusHandler(svc Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": svc.Status()})
	})
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.NoScale, apperr.ScaleAlreadyPresent:
		return http.StatusConflict
	case apperr.ZeroSamples, apperr.InvalidSettings:
		return http.StatusBadRequest
	case apperr.NotImplemented:
		return http.StatusNotImplemented
	case apperr.HardwareFault, apperr.Backend:
		return http.StatusBadGateway
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	case apperr.Cancelled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
