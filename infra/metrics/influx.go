package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/dispense/core/metrics"
	"github.com/kilianp07/dispense/infra/logger"
)

// InfluxSink writes run summaries, samples and trials to InfluxDB using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordRun writes one dispense_run point.
func (s *InfluxSink) RecordRun(r coremetrics.RunRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("dispense_run").
		AddTag("run_id", r.RunID).
		AddTag("outcome", r.Outcome).
		AddField("target_weight", round3(r.TargetWeight)).
		AddField("starting_weight", round3(r.StartingWeight)).
		AddField("final_weight", round3(r.FinalWeight)).
		AddField("delivered", round3(r.Delivered)).
		AddField("checks", r.Checks).
		AddField("samples", r.Samples).
		AddField("duration_ms", round3(r.Duration.Seconds()*1000)).
		SetTime(r.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordSample writes one dispense_sample point.
func (s *InfluxSink) RecordSample(sr coremetrics.SampleRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("dispense_sample").
		AddTag("run_id", sr.RunID).
		AddField("elapsed_ms", round3(sr.Elapsed.Seconds()*1000)).
		AddField("raw", round3(sr.Raw)).
		AddField("filtered", round3(sr.Filtered)).
		AddField("velocity", round3(sr.Velocity)).
		SetTime(sr.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordTrial writes one calibration_trial point with a field per load cell.
func (s *InfluxSink) RecordTrial(t coremetrics.TrialRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("calibration_trial").
		AddTag("scale_id", strconv.Itoa(t.ScaleID)).
		AddField("weight", round3(t.Weight))
	for i, r := range t.Readings {
		p = p.AddField("cell_"+strconv.Itoa(i), r)
	}
	p = p.SetTime(t.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the client.
func (s *InfluxSink) Close() { s.client.Close() }

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
