// Package monitoring computes data-quality metrics over the output store and
// evaluates them against configured alert thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/citystream/tripflow/internal/sink"
)

// QualitySnapshot holds a point-in-time view of output data quality.
type QualitySnapshot struct {
	Total      int64 `json:"total"`
	Clean      int64 `json:"clean"`
	Admin      int64 `json:"admin_adjustment"`
	FareMiss   int64 `json:"fare_mismatch"`
	Anomalies  int64 `json:"anomalies"`
	Duplicates int64 `json:"duplicates"`

	// Flag counts across analytical streams (flags overlap categories).
	Mismatched int64 `json:"qa_is_fare_mismatch"`
	Adjusted   int64 `json:"qa_is_adjustment"`

	// Derived rates over the total record count.
	DuplicateRate float64 `json:"duplicate_rate"`
	MismatchRate  float64 `json:"mismatch_rate"`
	AnomalyRate   float64 `json:"anomaly_rate"`
	CleanRate     float64 `json:"clean_rate"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers quality metrics from the sink.
type Collector struct {
	out sink.Sink
}

// NewCollector creates a metrics collector over the output sink.
func NewCollector(out sink.Sink) *Collector {
	return &Collector{out: out}
}

// Collect gathers a snapshot of output quality metrics.
func (c *Collector) Collect(ctx context.Context) (*QualitySnapshot, error) {
	counts, err := c.out.CategoryCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: category counts")
	}

	snap := &QualitySnapshot{
		Total:       counts.Total(),
		Clean:       counts.Clean,
		Admin:       counts.Admin,
		FareMiss:    counts.FareMiss,
		Anomalies:   counts.Anomalies,
		Duplicates:  counts.Duplicates,
		Mismatched:  counts.Mismatched,
		Adjusted:    counts.Adjusted,
		CollectedAt: time.Now().UTC(),
	}

	if snap.Total > 0 {
		snap.DuplicateRate = float64(snap.Duplicates) / float64(snap.Total)
		snap.MismatchRate = float64(snap.FareMiss) / float64(snap.Total)
		snap.AnomalyRate = float64(snap.Anomalies) / float64(snap.Total)
		snap.CleanRate = float64(snap.Clean) / float64(snap.Total)
	}

	return snap, nil
}
