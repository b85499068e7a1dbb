// Package sink persists classified trips into per-category, month-partitioned
// output streams. Two backends exist: SQLite (default) and Postgres. Both
// honor the same invariant: one transaction per extract that first deletes
// the extract's partition slice from every stream and then appends, so
// re-runs replace partitions wholesale and aborted runs stay invisible.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/citystream/tripflow/internal/model"
)

// Stream names consumed by the downstream star-schema builder.
const (
	StreamClean     = "trips_clean"
	StreamAdmin     = "trips_admin"
	StreamFareMiss  = "trips_fare_miss"
	StreamAnomalies = "trips_anomalies"
	StreamAudit     = "trips_audit"
)

// AnalyticalStreams lists the four category streams (duplicates excluded).
func AnalyticalStreams() []string {
	return []string{StreamClean, StreamAdmin, StreamFareMiss, StreamAnomalies}
}

// Error is the sink failure taxonomy: any output write failure. It aborts
// the whole run and is non-retriable without operator intervention.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink error during %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsSinkError reports whether any error in the chain is a sink Error.
func IsSinkError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func sinkErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Columns is the output contract column order, identical across backends
// and streams.
var Columns = []string{
	"vendor_id", "pickup_at", "dropoff_at", "passenger_count",
	"trip_distance_mi", "rate_code_id", "store_and_fwd_flag",
	"pu_location_id", "do_location_id", "payment_type",
	"fare_amount", "extra", "mta_tax", "tip_amount", "tolls_amount",
	"improvement_surcharge", "congestion_surcharge", "airport_fee",
	"cbd_congestion_fee", "total_amount",
	"manual_total", "duration_min", "speed_mph",
	"qa_in_file_window", "qa_outlier_distance", "qa_outlier_speed",
	"qa_is_fare_mismatch", "qa_is_adjustment",
	"dup_key", "qa_is_duplicate_in_file", "category",
	"source_year", "source_month", "source_file",
}

// RowValues flattens a classified trip into the contract column order.
// Null monetary fields and timestamps stay null in storage.
func RowValues(t *model.ClassifiedTrip) []any {
	return []any{
		int64(t.VendorID), nt(t.PickupAt), nt(t.DropoffAt), int64(t.PassengerCount),
		nf(t.TripDistanceMi), int64(t.RateCodeID), t.StoreAndFwd,
		int64(t.PULocationID), int64(t.DOLocationID), int64(t.PaymentType),
		nf(t.FareAmount), nf(t.Extra), nf(t.MTATax), nf(t.TipAmount), nf(t.TollsAmount),
		nf(t.ImprovementSurcharge), nf(t.CongestionSurcharge), nf(t.AirportFee),
		nf(t.CBDCongestionFee), nf(t.TotalAmount),
		t.ReconstructedTotal, nf(t.DurationMin), nf(t.SpeedMPH),
		t.QAInFileWindow, t.QAOutlierDistance, t.QAOutlierSpeed,
		t.QAIsFareMismatch, t.QAIsAdjustment,
		t.DupKey, t.QAIsDuplicateInFile, string(t.Category),
		int64(t.Provenance.SourceYear), int64(t.Provenance.SourceMonth), t.Provenance.SourceFile,
	}
}

func nf(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nt(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC()
}

// ExtractResult summarizes one processed extract for the run log.
type ExtractResult struct {
	RecordsIn int64                    `json:"records_in"`
	Counts    map[model.Category]int64 `json:"counts"`
	Status    string                   `json:"status"` // complete | failed
	Error     string                   `json:"error,omitempty"`
}

// QACounts is a storage-wide quality snapshot used by the report command.
type QACounts struct {
	Clean      int64 `json:"clean"`
	Admin      int64 `json:"admin_adjustment"`
	FareMiss   int64 `json:"fare_mismatch"`
	Anomalies  int64 `json:"anomalies"`
	Duplicates int64 `json:"duplicates"`
	Mismatched int64 `json:"qa_is_fare_mismatch"`
	Adjusted   int64 `json:"qa_is_adjustment"`
}

// Total returns the record count across all five categories.
func (q QACounts) Total() int64 {
	return q.Clean + q.Admin + q.FareMiss + q.Anomalies + q.Duplicates
}

// Zone is one row of the taxi-zone lookup dimension.
type Zone struct {
	LocationID  int32  `json:"location_id"`
	Borough     string `json:"borough"`
	Zone        string `json:"zone"`
	ServiceZone string `json:"service_zone"`
}

// Batch is an open, uncommitted extract write. Append buffers rows per
// stream; nothing becomes visible before Commit.
type Batch interface {
	Append(ctx context.Context, t *model.ClassifiedTrip) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Sink is the partitioned writer plus its run log and report queries.
type Sink interface {
	Migrate(ctx context.Context) error

	// BeginExtract opens the partition-replace transaction for one extract:
	// the (source_year, source_month, source_file) slice of every stream is
	// deleted inside the transaction before any append.
	BeginExtract(ctx context.Context, prov model.Provenance) (Batch, error)

	// Run log.
	StartRun(ctx context.Context, runID string) error
	FinishRun(ctx context.Context, runID, status, errMsg string) error
	RecordExtract(ctx context.Context, runID string, prov model.Provenance, res ExtractResult) error

	// Report queries.
	CategoryCounts(ctx context.Context) (*QACounts, error)

	// Zone lookup dimension.
	ReplaceZones(ctx context.Context, zones []Zone) error
	CountZones(ctx context.Context) (int64, error)

	Close() error
}
