package sink

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citystream/tripflow/internal/model"
)

func newMockPostgresSink(t *testing.T, audit bool) (*PostgresSink, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock, audit), mock
}

func TestPostgres_BeginExtract_ClearsEveryPartitionSlice(t *testing.T) {
	s, mock := newMockPostgresSink(t, false)
	prov := model.Provenance{SourceYear: 2025, SourceMonth: 1, SourceFile: "yellow_tripdata_2025-01.csv"}

	mock.ExpectBegin()
	for _, stream := range AnalyticalStreams() {
		mock.ExpectExec(`DELETE FROM ` + stream).
			WithArgs(2025, 1, "yellow_tripdata_2025-01.csv").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}

	batch, err := s.BeginExtract(context.Background(), prov)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BeginExtract_AuditStreamIncluded(t *testing.T) {
	s, mock := newMockPostgresSink(t, true)
	prov := model.Provenance{SourceYear: 2025, SourceMonth: 1, SourceFile: "yellow_tripdata_2025-01.csv"}

	mock.ExpectBegin()
	for _, stream := range append(AnalyticalStreams(), StreamAudit) {
		mock.ExpectExec(`DELETE FROM ` + stream).
			WithArgs(2025, 1, "yellow_tripdata_2025-01.csv").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}

	_, err := s.BeginExtract(context.Background(), prov)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BeginExtract_DeleteFailureIsSinkError(t *testing.T) {
	s, mock := newMockPostgresSink(t, false)
	prov := model.Provenance{SourceYear: 2025, SourceMonth: 1, SourceFile: "yellow_tripdata_2025-01.csv"}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM trips_clean`).
		WithArgs(2025, 1, "yellow_tripdata_2025-01.csv").
		WillReturnError(pgx.ErrTxClosed)
	mock.ExpectRollback()

	_, err := s.BeginExtract(context.Background(), prov)
	require.Error(t, err)
	assert.True(t, IsSinkError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CommitFlushesBufferedRowsWithCopy(t *testing.T) {
	s, mock := newMockPostgresSink(t, false)
	ctx := context.Background()
	prov := model.Provenance{SourceYear: 2025, SourceMonth: 1, SourceFile: "yellow_tripdata_2025-01.csv"}

	mock.ExpectBegin()
	for _, stream := range AnalyticalStreams() {
		mock.ExpectExec(`DELETE FROM ` + stream).
			WithArgs(2025, 1, prov.SourceFile).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}
	mock.ExpectCopyFrom(pgx.Identifier{StreamClean}, Columns).WillReturnResult(2)
	mock.ExpectCommit()

	batch, err := s.BeginExtract(ctx, prov)
	require.NoError(t, err)

	trip := testTrip(model.CategoryClean, prov.SourceFile)
	require.NoError(t, batch.Append(ctx, trip))
	require.NoError(t, batch.Append(ctx, trip))
	require.NoError(t, batch.Commit(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DuplicateWithoutAuditNeverCopied(t *testing.T) {
	s, mock := newMockPostgresSink(t, false)
	ctx := context.Background()
	prov := model.Provenance{SourceYear: 2025, SourceMonth: 1, SourceFile: "yellow_tripdata_2025-01.csv"}

	mock.ExpectBegin()
	for _, stream := range AnalyticalStreams() {
		mock.ExpectExec(`DELETE FROM ` + stream).
			WithArgs(2025, 1, prov.SourceFile).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}
	// No COPY expected: the only record is a duplicate and there is no audit
	// stream to receive it.
	mock.ExpectCommit()

	batch, err := s.BeginExtract(ctx, prov)
	require.NoError(t, err)
	require.NoError(t, batch.Append(ctx, testTrip(model.CategoryDuplicate, prov.SourceFile)))
	require.NoError(t, batch.Commit(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RunLog(t *testing.T) {
	s, mock := newMockPostgresSink(t, false)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs("run-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO run_extracts`).
		WithArgs("run-1", "yellow_tripdata_2025-01.csv", 2025, 1, "trip", "complete", "",
			int64(10), int64(8), int64(0), int64(0), int64(0), int64(2), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE runs SET`).
		WithArgs("complete", "", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

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

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CategoryCounts(t *testing.T) {
	s, mock := newMockPostgresSink(t, false)
	ctx := context.Background()

	for _, c := range []struct {
		stream string
		n      int64
	}{
		{StreamClean, 8}, {StreamAdmin, 1}, {StreamFareMiss, 2}, {StreamAnomalies, 3},
	} {
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ` + c.stream).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(c.n))
	}
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(duplicates\), 0\) FROM run_extracts`).
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(4)))
	mock.ExpectQuery(`UNION ALL`).
		WillReturnRows(pgxmock.NewRows([]string{"mismatched", "adjusted"}).AddRow(int64(2), int64(1)))

	counts, err := s.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), counts.Clean)
	assert.Equal(t, int64(4), counts.Duplicates)
	assert.Equal(t, int64(18), counts.Total())
	assert.Equal(t, int64(2), counts.Mismatched)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ReplaceZones(t *testing.T) {
	s, mock := newMockPostgresSink(t, false)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM zone_lookup`).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"zone_lookup"},
		[]string{"location_id", "borough", "zone", "service_zone"}).
		WillReturnResult(2)
	mock.ExpectCommit()
	mock.ExpectRollback() // deferred rollback after commit is a no-op

	err := s.ReplaceZones(ctx, []Zone{
		{LocationID: 1, Borough: "EWR", Zone: "Newark Airport", ServiceZone: "EWR"},
		{LocationID: 142, Borough: "Manhattan", Zone: "Lincoln Square East", ServiceZone: "Yellow Zone"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
