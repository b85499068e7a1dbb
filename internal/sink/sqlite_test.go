package sink

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citystream/tripflow/internal/model"
)

func newTestSQLiteSink(t *testing.T, audit bool) *SQLiteSink {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath, audit)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func f64(v float64) *float64 { return &v }

func testTrip(category model.Category, file string) *model.ClassifiedTrip {
	pickup := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	dropoff := pickup.Add(20 * time.Minute)
	dur := 20.0
	return &model.ClassifiedTrip{
		EnrichedTrip: model.EnrichedTrip{
			CanonicalTrip: model.CanonicalTrip{
				VendorID:       2,
				PickupAt:       &pickup,
				DropoffAt:      &dropoff,
				TripDistanceMi: f64(3.2),
				PULocationID:   142,
				DOLocationID:   236,
				PaymentType:    model.PaymentCreditCard,
				FareAmount:     f64(17),
				TotalAmount:    f64(17),
				Provenance: model.Provenance{
					SourceYear:  2025,
					SourceMonth: 1,
					SourceFile:  file,
					Feed:        model.FeedTrip,
				},
			},
			DurationMin:        &dur,
			ReconstructedTotal: 17,
			QAInFileWindow:     true,
		},
		DupKey:   "abc123",
		Category: category,
	}
}

func appendAndCommit(t *testing.T, s *SQLiteSink, trips ...*model.ClassifiedTrip) {
	t.Helper()
	ctx := context.Background()
	require.NotEmpty(t, trips)
	batch, err := s.BeginExtract(ctx, trips[0].Provenance)
	require.NoError(t, err)
	for _, trip := range trips {
		require.NoError(t, batch.Append(ctx, trip))
	}
	require.NoError(t, batch.Commit(ctx))
}

// --- Streams ---

func TestSQLite_AppendRoutesByCategory(t *testing.T) {
	s := newTestSQLiteSink(t, false)
	ctx := context.Background()

	appendAndCommit(t, s,
		testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv"),
		testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv"),
		testTrip(model.CategoryAnomaly, "yellow_tripdata_2025-01.csv"),
	)

	counts, err := s.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Clean)
	assert.Equal(t, int64(1), counts.Anomalies)
	assert.Equal(t, int64(0), counts.Admin)
}

func TestSQLite_DuplicateReachesOnlyAudit(t *testing.T) {
	s := newTestSQLiteSink(t, true)
	ctx := context.Background()

	dup := testTrip(model.CategoryDuplicate, "yellow_tripdata_2025-01.csv")
	dup.QAIsDuplicateInFile = true
	appendAndCommit(t, s,
		testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv"),
		dup,
	)

	counts, err := s.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Clean)
	assert.Equal(t, int64(1), counts.Duplicates)
	assert.Equal(t, int64(2), counts.Total())
}

func TestSQLite_PartitionReplaceIdempotent(t *testing.T) {
	s := newTestSQLiteSink(t, false)
	ctx := context.Background()

	// First load: three records.
	appendAndCommit(t, s,
		testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv"),
		testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv"),
		testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv"),
	)

	// Re-run of the same file: two records. The partition must be replaced,
	// not appended to.
	appendAndCommit(t, s,
		testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv"),
		testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv"),
	)

	counts, err := s.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Clean)
}

func TestSQLite_PartitionReplaceLeavesOtherFilesAlone(t *testing.T) {
	s := newTestSQLiteSink(t, false)
	ctx := context.Background()

	appendAndCommit(t, s, testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv"))
	appendAndCommit(t, s, testTrip(model.CategoryClean, "green_tripdata_2025-01.csv"))

	// Re-running the yellow file must not disturb the green partition.
	appendAndCommit(t, s, testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv"))

	counts, err := s.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Clean)
}

func TestSQLite_RollbackLeavesNothingVisible(t *testing.T) {
	s := newTestSQLiteSink(t, false)
	ctx := context.Background()

	batch, err := s.BeginExtract(ctx, model.Provenance{
		SourceYear: 2025, SourceMonth: 1, SourceFile: "yellow_tripdata_2025-01.csv",
	})
	require.NoError(t, err)
	require.NoError(t, batch.Append(ctx, testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv")))
	require.NoError(t, batch.Rollback(ctx))

	counts, err := s.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Total())
}

func TestSQLite_NullsSurviveStorage(t *testing.T) {
	s := newTestSQLiteSink(t, false)
	ctx := context.Background()

	trip := testTrip(model.CategoryAnomaly, "yellow_tripdata_2025-01.csv")
	trip.TotalAmount = nil
	trip.DropoffAt = nil
	appendAndCommit(t, s, trip)

	var nullTotals, nullDropoffs int64
	row := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(CASE WHEN total_amount IS NULL THEN 1 END),
			COUNT(CASE WHEN dropoff_at IS NULL THEN 1 END)
		 FROM trips_anomalies`)
	require.NoError(t, row.Scan(&nullTotals, &nullDropoffs))
	assert.Equal(t, int64(1), nullTotals)
	assert.Equal(t, int64(1), nullDropoffs)
}

// --- Run log ---

func TestSQLite_RunLog(t *testing.T) {
	s := newTestSQLiteSink(t, false)
	ctx := context.Background()

	require.NoError(t, s.StartRun(ctx, "run-1"))
	require.NoError(t, s.RecordExtract(ctx, "run-1",
		model.Provenance{SourceYear: 2025, SourceMonth: 1, SourceFile: "yellow_tripdata_2025-01.csv", Feed: model.FeedTrip},
		ExtractResult{
			RecordsIn: 10,
			Status:    "complete",
			Counts: map[model.Category]int64{
				model.CategoryClean:     8,
				model.CategoryDuplicate: 2,
			},
		},
	))
	require.NoError(t, s.FinishRun(ctx, "run-1", "complete", ""))

	var status string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE id = 'run-1'`).Scan(&status))
	assert.Equal(t, "complete", status)

	// Without an audit stream the duplicate count comes from the run log.
	counts, err := s.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Duplicates)
}

// --- Zones ---

func TestSQLite_ReplaceZones(t *testing.T) {
	s := newTestSQLiteSink(t, false)
	ctx := context.Background()

	require.NoError(t, s.ReplaceZones(ctx, []Zone{
		{LocationID: 1, Borough: "EWR", Zone: "Newark Airport", ServiceZone: "EWR"},
		{LocationID: 142, Borough: "Manhattan", Zone: "Lincoln Square East", ServiceZone: "Yellow Zone"},
	}))
	n, err := s.CountZones(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Replacement is wholesale.
	require.NoError(t, s.ReplaceZones(ctx, []Zone{
		{LocationID: 142, Borough: "Manhattan", Zone: "Lincoln Square East", ServiceZone: "Yellow Zone"},
	}))
	n, err = s.CountZones(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// --- Helpers ---

func TestInsertSQL_MatchesColumnContract(t *testing.T) {
	sql := insertSQL(StreamClean)
	assert.Contains(t, sql, "INSERT INTO trips_clean")
	assert.Equal(t, len(Columns), strings.Count(sql, "?"))
	for _, col := range Columns {
		assert.Contains(t, sql, col)
	}
}

func TestRowValues_MatchesColumnOrder(t *testing.T) {
	trip := testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv")
	values := RowValues(trip)
	require.Len(t, values, len(Columns))

	assert.Equal(t, int64(2), values[0])          // vendor_id
	assert.Equal(t, 17.0, values[10])             // fare_amount
	assert.Equal(t, "abc123", values[28])         // dup_key
	assert.Equal(t, "clean", values[30])          // category
	assert.Equal(t, int64(2025), values[31])      // source_year
	assert.Equal(t, int64(1), values[32])         // source_month
	assert.Equal(t, trip.Provenance.SourceFile, values[33])
}

func TestRowValues_NullsStayNull(t *testing.T) {
	trip := testTrip(model.CategoryClean, "yellow_tripdata_2025-01.csv")
	trip.TotalAmount = nil
	trip.DropoffAt = nil

	values := RowValues(trip)
	assert.Nil(t, values[19]) // total_amount
	assert.Nil(t, values[2])  // dropoff_at
}
