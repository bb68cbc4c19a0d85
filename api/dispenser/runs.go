package dispenser

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kilianp07/dispense/core/dispense/runlog"
)

// NewRunsHandler returns an HTTP handler exposing the run log via
// GET /api/runs. Supported filters: start and end (RFC3339), outcome,
// run_id and limit.
func NewRunsHandler(svc Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := runlog.Query{}
		if s := r.URL.Query().Get("start"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				q.Start = t
			}
		}
		if s := r.URL.Query().Get("end"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				q.End = t
			}
		}
		q.Outcome = r.URL.Query().Get("outcome")
		q.RunID = r.URL.Query().Get("run_id")
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			q.Limit = n
		}
		records, err := svc.Runs(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []runlog.Record{}
		}
		writeJSON(w, http.StatusOK, records)
	})
}
