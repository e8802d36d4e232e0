package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder records pipeline metrics. A nil *Recorder records nothing.
type Recorder struct {
	filesCounter      *prometheus.CounterVec
	bytesCounter      prometheus.Counter
	durationHistogram *prometheus.HistogramVec
}

// NewRecorder returns a recorder with unregistered collectors.
func NewRecorder() *Recorder {
	return &Recorder{
		filesCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifact_upload_files_total",
				Help: "Number of artifact files processed, by outcome.",
			},
			[]string{"outcome"},
		),
		bytesCounter: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "artifact_upload_bytes_total",
				Help: "Number of artifact bytes uploaded.",
			},
		),
		durationHistogram: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "artifact_upload_stage_duration_seconds",
				Help:    "The duration in seconds of each pipeline stage.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"stage"},
		),
	}
}

// Collectors returns every collector owned by the recorder.
func (r *Recorder) Collectors() []prometheus.Collector {
	return []prometheus.Collector{r.filesCounter, r.bytesCounter, r.durationHistogram}
}

// Register registers the recorder's collectors on reg.
func (r *Recorder) Register(reg prometheus.Registerer) error {
	for _, c := range r.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordFile counts one file with its outcome.
func (r *Recorder) RecordFile(outcome Outcome) {
	if r == nil {
		return
	}
	r.filesCounter.WithLabelValues(string(outcome)).Inc()
}

// RecordBytes adds n uploaded bytes.
func (r *Recorder) RecordBytes(n int64) {
	if r == nil {
		return
	}
	r.bytesCounter.Add(float64(n))
}

// RecordDuration observes the time spent in stage since start.
func (r *Recorder) RecordDuration(stage State, start time.Time) {
	if r == nil {
		return
	}
	r.durationHistogram.WithLabelValues(stage.String()).Observe(time.Since(start).Seconds())
}
