package dispenser

import (
	"encoding/json"
	"net/http"
)

type trialRequest struct {
	Samples int     `json:"samples"`
	Weight  float64 `json:"weight"`
}

func calibrationDataHandler(svc Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := svc.CalibrationData()
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, data)
	})
}

// trialHandler records a trial with the posted reference weight on the
// platform. Zero samples selects the configured count.
func trialHandler(svc Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req trialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Samples < 0 {
			http.Error(w, "samples must not be negative", http.StatusBadRequest)
			return
		}
		trial, err := svc.CollectTrial(r.Context(), req.Samples, req.Weight)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusCreated, trial)
	})
}

func fitHandler(svc Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		coeffs, err := svc.Calibrate(r.Context())
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, coeffs)
	})
}
