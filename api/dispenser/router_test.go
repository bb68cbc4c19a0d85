package dispenser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/dispense/core/apperr"
	"github.com/kilianp07/dispense/core/calibration"
	"github.com/kilianp07/dispense/core/dispense"
	"github.com/kilianp07/dispense/core/dispense/runlog"
	"github.com/kilianp07/dispense/core/model"
)

type fakeService struct {
	settings  model.DispenseSettings
	runErr    error
	lastQuery runlog.Query
	records   []runlog.Record
	trials    []float64
	connected bool
	defaults  *model.DispenseSettings
}

func (f *fakeService) DefaultSettings() model.DispenseSettings {
	if f.defaults != nil {
		return *f.defaults
	}
	return model.DefaultDispenseSettings()
}

func (f *fakeService) Run(_ context.Context, s model.DispenseSettings) (dispense.Result, error) {
	f.settings = s
	if f.runErr != nil {
		return dispense.Result{Outcome: dispense.Failed}, f.runErr
	}
	d := model.NewData(2)
	d.Push(0, 100)
	d.Push(10*time.Millisecond, 98)
	return dispense.Result{RunID: "r1", Outcome: dispense.Completed, Data: d, StartingWeight: 100, Delivered: 2, Checks: 1}, nil
}

func (f *fakeService) Read(_ context.Context, req calibration.DataRequest) (*model.Data, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	d := model.NewData(1)
	d.Push(0, 42)
	return d, nil
}

func (f *fakeService) ConnectScale(context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeService) Status() string { return "Scale: true, Coefficients: <nil>" }

func (f *fakeService) Runs(_ context.Context, q runlog.Query) ([]runlog.Record, error) {
	f.lastQuery = q
	return f.records, nil
}

func (f *fakeService) CollectTrial(_ context.Context, _ int, weight float64) (model.CalibrationTrial, error) {
	f.trials = append(f.trials, weight)
	return model.CalibrationTrial{Readings: []float64{1, 2, 3, 4}, Weight: weight}, nil
}

func (f *fakeService) CalibrationData() (model.CalibrationData, error) {
	if len(f.trials) == 0 {
		return model.CalibrationData{}, apperr.New(apperr.NoScale, "calibration.data")
	}
	return model.CalibrationData{PhidgetID: 1}, nil
}

func (f *fakeService) Calibrate(context.Context) (model.Coefficients, error) {
	return model.Coefficients{Coefficients: [4]float64{1, 1, 1, 1}}, nil
}

func serve(h http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouterAuth(t *testing.T) {
	h := NewRouter(&fakeService{}, "tok", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/status", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/status", "", "bad").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/status", "", "tok").Code)
}

func TestRouterMethodNotAllowed(t *testing.T) {
	h := NewRouter(&fakeService{}, "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodGet, "/api/dispense", "", "").Code)
}

func TestDispenseDefaultsAndOverrides(t *testing.T) {
	svc := &fakeService{}
	h := NewRouter(svc, "", nil)

	rr := serve(h, http.MethodPost, "/api/dispense", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.DefaultDispenseSettings(), svc.settings)
	var out dispenseResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, "r1", out.RunID)
	assert.Equal(t, "completed", out.Outcome)
	require.NotNil(t, out.Data)
	assert.Equal(t, 2, out.Data.Len())

	rr = serve(h, http.MethodPost, "/api/dispense", `{"target_weight": 25}`, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 25.0, svc.settings.TargetWeight)

	rr = serve(h, http.MethodPost, "/api/dispense", `{`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDispensePartialBodyKeepsConfiguredSettings(t *testing.T) {
	configured := model.DefaultDispenseSettings()
	configured.TargetWeight = 30
	configured.MaxVelocity = 0.8
	svc := &fakeService{defaults: &configured}
	h := NewRouter(svc, "", nil)

	rr := serve(h, http.MethodPost, "/api/dispense", `{"timeout":"5s"}`, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 30.0, svc.settings.TargetWeight)
	assert.Equal(t, 0.8, svc.settings.MaxVelocity)
	assert.Equal(t, 5*time.Second, svc.settings.Timeout)

	rr = serve(h, http.MethodPost, "/api/dispense", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, configured, svc.settings)
}

func TestDispenseErrorStatus(t *testing.T) {
	h := NewRouter(&fakeService{runErr: apperr.New(apperr.NoScale, "arbiter.checkout")}, "", nil)
	rr := serve(h, http.MethodPost, "/api/dispense", "", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	var out dispenseResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, "failed", out.Outcome)
	assert.NotEmpty(t, out.Error)
}

func TestRunsFilters(t *testing.T) {
	svc := &fakeService{records: []runlog.Record{{RunID: "r1", Outcome: "completed"}}}
	h := NewRouter(svc, "", nil)

	rr := serve(h, http.MethodGet, "/api/runs?outcome=completed&run_id=r1&limit=5&start=2024-05-01T00:00:00Z", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "completed", svc.lastQuery.Outcome)
	assert.Equal(t, "r1", svc.lastQuery.RunID)
	assert.Equal(t, 5, svc.lastQuery.Limit)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), svc.lastQuery.Start.UTC())
	var recs []runlog.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	assert.Len(t, recs, 1)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/api/runs?limit=x", "", "").Code)

	svc.records = nil
	rr = serve(h, http.MethodGet, "/api/runs", "", "")
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestReadValidation(t *testing.T) {
	h := NewRouter(&fakeService{}, "", nil)
	rr := serve(h, http.MethodPost, "/api/read", `{"trial":"Raw","samples":0,"sample_period":"40ms"}`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(h, http.MethodPost, "/api/read", `{"trial":"dispense","samples":3,"sample_period":"40ms"}`, "")
	assert.Equal(t, http.StatusNotImplemented, rr.Code)

	rr = serve(h, http.MethodPost, "/api/read", `{"trial":"raw","samples":3,"sample_period":"40ms"}`, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCalibrationRoutes(t *testing.T) {
	svc := &fakeService{}
	h := NewRouter(svc, "", nil)

	assert.Equal(t, http.StatusConflict, serve(h, http.MethodGet, "/api/calibration", "", "").Code)

	rr := serve(h, http.MethodPost, "/api/calibration/trials", `{"weight": 100}`, "")
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, []float64{100}, svc.trials)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/api/calibration/trials", `{"samples":-1}`, "").Code)

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/calibration", "", "").Code)

	rr = serve(h, http.MethodPost, "/api/calibration/fit", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"coefficients":[1,1,1,1]}`, rr.Body.String())
}

func TestConnectScale(t *testing.T) {
	svc := &fakeService{}
	h := NewRouter(svc, "", nil)
	rr := serve(h, http.MethodPost, "/api/scale/connect", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, svc.connected)
}

func TestMetricsOpen(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	h := NewRouter(&fakeService{}, "tok", reg)
	rr := serve(h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "test_total 1")
}
