package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/citystream/tripflow/internal/model"
)

// copyBatchSize is the row buffer size per stream before a COPY flush.
const copyBatchSize = 5000

// Pool is the subset of pgxpool.Pool the sink needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresSink implements Sink on pgx, using the COPY protocol for appends.
type PostgresSink struct {
	pool  Pool
	audit bool
}

// NewPostgres creates a PostgresSink with a connection pool.
func NewPostgres(ctx context.Context, connString string, audit bool) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, sinkErr("open", eris.Wrap(err, "postgres: parse config"))
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, sinkErr("open", eris.Wrap(err, "postgres: connect"))
	}
	return &PostgresSink{pool: pool, audit: audit}, nil
}

// NewPostgresWithPool wraps an existing pool (tests use pgxmock here).
func NewPostgresWithPool(pool Pool, audit bool) *PostgresSink {
	return &PostgresSink{pool: pool, audit: audit}
}

const pgTripTableDDL = `
	vendor_id             SMALLINT NOT NULL,
	pickup_at             TIMESTAMPTZ,
	dropoff_at            TIMESTAMPTZ,
	passenger_count       SMALLINT NOT NULL,
	trip_distance_mi      DOUBLE PRECISION,
	rate_code_id          SMALLINT NOT NULL,
	store_and_fwd_flag    TEXT NOT NULL DEFAULT '',
	pu_location_id        INTEGER NOT NULL,
	do_location_id        INTEGER NOT NULL,
	payment_type          SMALLINT NOT NULL,
	fare_amount           DOUBLE PRECISION,
	extra                 DOUBLE PRECISION,
	mta_tax               DOUBLE PRECISION,
	tip_amount            DOUBLE PRECISION,
	tolls_amount          DOUBLE PRECISION,
	improvement_surcharge DOUBLE PRECISION,
	congestion_surcharge  DOUBLE PRECISION,
	airport_fee           DOUBLE PRECISION,
	cbd_congestion_fee    DOUBLE PRECISION,
	total_amount          DOUBLE PRECISION,
	manual_total          DOUBLE PRECISION NOT NULL,
	duration_min          DOUBLE PRECISION,
	speed_mph             DOUBLE PRECISION,
	qa_in_file_window       BOOLEAN NOT NULL,
	qa_outlier_distance     BOOLEAN NOT NULL,
	qa_outlier_speed        BOOLEAN NOT NULL,
	qa_is_fare_mismatch     BOOLEAN NOT NULL,
	qa_is_adjustment        BOOLEAN NOT NULL,
	dup_key                 TEXT NOT NULL,
	qa_is_duplicate_in_file BOOLEAN NOT NULL,
	category                TEXT NOT NULL,
	source_year             INTEGER NOT NULL,
	source_month            INTEGER NOT NULL,
	source_file             TEXT NOT NULL`

const pgRunDDL = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'running',
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS run_extracts (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	source_file  TEXT NOT NULL,
	source_year  INTEGER NOT NULL,
	source_month INTEGER NOT NULL,
	feed         TEXT NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT,
	records_in   BIGINT NOT NULL DEFAULT 0,
	clean        BIGINT NOT NULL DEFAULT 0,
	admin        BIGINT NOT NULL DEFAULT 0,
	fare_miss    BIGINT NOT NULL DEFAULT 0,
	anomalies    BIGINT NOT NULL DEFAULT 0,
	duplicates   BIGINT NOT NULL DEFAULT 0,
	recorded_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS zone_lookup (
	location_id  INTEGER PRIMARY KEY,
	borough      TEXT NOT NULL,
	zone         TEXT NOT NULL,
	service_zone TEXT NOT NULL
);
`

// Migrate creates the stream, run log, and zone tables.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	var ddl strings.Builder
	for _, stream := range append(AnalyticalStreams(), StreamAudit) {
		fmt.Fprintf(&ddl, "CREATE TABLE IF NOT EXISTS %s (%s);\n", stream, pgTripTableDDL)
		fmt.Fprintf(&ddl,
			"CREATE INDEX IF NOT EXISTS idx_%s_partition ON %s(source_year, source_month, source_file);\n",
			stream, stream)
	}
	ddl.WriteString(pgRunDDL)

	if _, err := s.pool.Exec(ctx, ddl.String()); err != nil {
		return sinkErr("migrate", eris.Wrap(err, "postgres: migrate"))
	}
	return nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresSink) streams() []string {
	streams := AnalyticalStreams()
	if s.audit {
		streams = append(streams, StreamAudit)
	}
	return streams
}

// BeginExtract opens the partition-replace transaction for one extract.
func (s *PostgresSink) BeginExtract(ctx context.Context, prov model.Provenance) (Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, sinkErr("begin extract", eris.Wrap(err, "postgres: begin tx"))
	}

	for _, stream := range s.streams() {
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE source_year = $1 AND source_month = $2 AND source_file = $3`, stream),
			prov.SourceYear, prov.SourceMonth, prov.SourceFile,
		)
		if err != nil {
			tx.Rollback(ctx)
			return nil, sinkErr("replace partition", eris.Wrapf(err, "postgres: clear %s partition", stream))
		}
	}

	return &pgBatch{tx: tx, audit: s.audit, buffers: make(map[string][][]any)}, nil
}

// pgBatch buffers rows per stream and flushes them with COPY.
type pgBatch struct {
	tx      pgx.Tx
	audit   bool
	buffers map[string][][]any
}

func (b *pgBatch) Append(ctx context.Context, t *model.ClassifiedTrip) error {
	values := RowValues(t)

	if stream := t.Category.Stream(); stream != "" {
		if err := b.buffer(ctx, stream, values); err != nil {
			return err
		}
	}
	if b.audit {
		if err := b.buffer(ctx, StreamAudit, values); err != nil {
			return err
		}
	}
	return nil
}

func (b *pgBatch) buffer(ctx context.Context, stream string, values []any) error {
	b.buffers[stream] = append(b.buffers[stream], values)
	if len(b.buffers[stream]) >= copyBatchSize {
		return b.flush(ctx, stream)
	}
	return nil
}

func (b *pgBatch) flush(ctx context.Context, stream string) error {
	rows := b.buffers[stream]
	if len(rows) == 0 {
		return nil
	}
	_, err := b.tx.CopyFrom(ctx, pgx.Identifier{stream}, Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return sinkErr("append", eris.Wrapf(err, "postgres: COPY INTO %s", stream))
	}
	b.buffers[stream] = b.buffers[stream][:0]
	return nil
}

func (b *pgBatch) Commit(ctx context.Context) error {
	for stream := range b.buffers {
		if err := b.flush(ctx, stream); err != nil {
			return err
		}
	}
	if err := b.tx.Commit(ctx); err != nil {
		return sinkErr("commit", eris.Wrap(err, "postgres: commit extract"))
	}
	return nil
}

func (b *pgBatch) Rollback(ctx context.Context) error {
	if err := b.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return sinkErr("rollback", eris.Wrap(err, "postgres: rollback extract"))
	}
	return nil
}

// StartRun records the beginning of an engine run.
func (s *PostgresSink) StartRun(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES ($1, 'running', $2)`,
		runID, time.Now().UTC(),
	)
	return sinkErr("start run", eris.Wrap(err, "postgres: insert run"))
}

// FinishRun marks a run complete or failed.
func (s *PostgresSink) FinishRun(ctx context.Context, runID, status, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = NULLIF($2, ''), completed_at = $3 WHERE id = $4`,
		status, errMsg, time.Now().UTC(), runID,
	)
	return sinkErr("finish run", eris.Wrapf(err, "postgres: finish run %s", runID))
}

// RecordExtract appends one extract outcome to the run log.
func (s *PostgresSink) RecordExtract(ctx context.Context, runID string, prov model.Provenance, res ExtractResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_extracts
		 (run_id, source_file, source_year, source_month, feed, status, error,
		  records_in, clean, admin, fare_miss, anomalies, duplicates, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14)`,
		runID, prov.SourceFile, prov.SourceYear, prov.SourceMonth, string(prov.Feed),
		res.Status, res.Error, res.RecordsIn,
		res.Counts[model.CategoryClean], res.Counts[model.CategoryAdmin],
		res.Counts[model.CategoryFareMiss], res.Counts[model.CategoryAnomaly],
		res.Counts[model.CategoryDuplicate], time.Now().UTC(),
	)
	return sinkErr("record extract", eris.Wrapf(err, "postgres: record extract %s", prov.SourceFile))
}

// CategoryCounts summarizes stored records per category plus cross-cutting
// QA flag counts.
func (s *PostgresSink) CategoryCounts(ctx context.Context) (*QACounts, error) {
	counts := &QACounts{}

	for _, q := range []struct {
		stream string
		dst    *int64
	}{
		{StreamClean, &counts.Clean},
		{StreamAdmin, &counts.Admin},
		{StreamFareMiss, &counts.FareMiss},
		{StreamAnomalies, &counts.Anomalies},
	} {
		row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, q.stream))
		if err := row.Scan(q.dst); err != nil {
			return nil, eris.Wrapf(err, "postgres: count %s", q.stream)
		}
	}

	if s.audit {
		row := s.pool.QueryRow(ctx,
			`SELECT
				COUNT(*) FILTER (WHERE category = 'duplicate'),
				COUNT(*) FILTER (WHERE qa_is_fare_mismatch),
				COUNT(*) FILTER (WHERE qa_is_adjustment)
			 FROM trips_audit`)
		if err := row.Scan(&counts.Duplicates, &counts.Mismatched, &counts.Adjusted); err != nil {
			return nil, eris.Wrap(err, "postgres: count audit flags")
		}
		return counts, nil
	}

	row := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(duplicates), 0) FROM run_extracts WHERE status = 'complete'`)
	if err := row.Scan(&counts.Duplicates); err != nil {
		return nil, eris.Wrap(err, "postgres: sum run log duplicates")
	}

	var unions []string
	for _, stream := range AnalyticalStreams() {
		unions = append(unions, fmt.Sprintf(
			`SELECT qa_is_fare_mismatch, qa_is_adjustment FROM %s`, stream))
	}
	row = s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT
			COUNT(*) FILTER (WHERE qa_is_fare_mismatch),
			COUNT(*) FILTER (WHERE qa_is_adjustment)
		 FROM (%s) flags`, strings.Join(unions, " UNION ALL ")))
	if err := row.Scan(&counts.Mismatched, &counts.Adjusted); err != nil {
		return nil, eris.Wrap(err, "postgres: count stream flags")
	}

	return counts, nil
}

// ReplaceZones replaces the zone lookup dimension wholesale.
func (s *PostgresSink) ReplaceZones(ctx context.Context, zones []Zone) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return sinkErr("replace zones", eris.Wrap(err, "postgres: begin tx"))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM zone_lookup`); err != nil {
		return sinkErr("replace zones", eris.Wrap(err, "postgres: clear zone_lookup"))
	}

	rows := make([][]any, len(zones))
	for i, z := range zones {
		rows[i] = []any{z.LocationID, z.Borough, z.Zone, z.ServiceZone}
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"zone_lookup"},
		[]string{"location_id", "borough", "zone", "service_zone"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return sinkErr("replace zones", eris.Wrap(err, "postgres: COPY INTO zone_lookup"))
	}

	if err := tx.Commit(ctx); err != nil {
		return sinkErr("replace zones", eris.Wrap(err, "postgres: commit zones"))
	}
	return nil
}

// CountZones returns the zone lookup row count.
func (s *PostgresSink) CountZones(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM zone_lookup`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count zones")
}
