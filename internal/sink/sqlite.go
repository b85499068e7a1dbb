package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/citystream/tripflow/internal/model"
)

// SQLiteSink implements Sink using modernc.org/sqlite.
type SQLiteSink struct {
	db    *sql.DB
	audit bool
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, audit bool) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, sinkErr("open", eris.Wrap(err, "sqlite: open"))
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, sinkErr("open", eris.Wrapf(err, "sqlite: exec %s", pragma))
		}
	}
	return &SQLiteSink{db: db, audit: audit}, nil
}

const tripTableDDL = `
	vendor_id             INTEGER NOT NULL,
	pickup_at             DATETIME,
	dropoff_at            DATETIME,
	passenger_count       INTEGER NOT NULL,
	trip_distance_mi      REAL,
	rate_code_id          INTEGER NOT NULL,
	store_and_fwd_flag    TEXT NOT NULL DEFAULT '',
	pu_location_id        INTEGER NOT NULL,
	do_location_id        INTEGER NOT NULL,
	payment_type          INTEGER NOT NULL,
	fare_amount           REAL,
	extra                 REAL,
	mta_tax               REAL,
	tip_amount            REAL,
	tolls_amount          REAL,
	improvement_surcharge REAL,
	congestion_surcharge  REAL,
	airport_fee           REAL,
	cbd_congestion_fee    REAL,
	total_amount          REAL,
	manual_total          REAL NOT NULL,
	duration_min          REAL,
	speed_mph             REAL,
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

const sqliteRunDDL = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'running',
	error        TEXT,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS run_extracts (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	source_file  TEXT NOT NULL,
	source_year  INTEGER NOT NULL,
	source_month INTEGER NOT NULL,
	feed         TEXT NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT,
	records_in   INTEGER NOT NULL DEFAULT 0,
	clean        INTEGER NOT NULL DEFAULT 0,
	admin        INTEGER NOT NULL DEFAULT 0,
	fare_miss    INTEGER NOT NULL DEFAULT 0,
	anomalies    INTEGER NOT NULL DEFAULT 0,
	duplicates   INTEGER NOT NULL DEFAULT 0,
	recorded_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS zone_lookup (
	location_id  INTEGER PRIMARY KEY,
	borough      TEXT NOT NULL,
	zone         TEXT NOT NULL,
	service_zone TEXT NOT NULL
);
`

// Migrate creates the stream, run log, and zone tables.
func (s *SQLiteSink) Migrate(ctx context.Context) error {
	var ddl strings.Builder
	for _, stream := range append(AnalyticalStreams(), StreamAudit) {
		fmt.Fprintf(&ddl, "CREATE TABLE IF NOT EXISTS %s (%s);\n", stream, tripTableDDL)
		fmt.Fprintf(&ddl,
			"CREATE INDEX IF NOT EXISTS idx_%s_partition ON %s(source_year, source_month, source_file);\n",
			stream, stream)
	}
	ddl.WriteString(sqliteRunDDL)

	if _, err := s.db.ExecContext(ctx, ddl.String()); err != nil {
		return sinkErr("migrate", eris.Wrap(err, "sqlite: migrate"))
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// BeginExtract opens the partition-replace transaction for one extract.
func (s *SQLiteSink) BeginExtract(ctx context.Context, prov model.Provenance) (Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sinkErr("begin extract", eris.Wrap(err, "sqlite: begin tx"))
	}

	for _, stream := range s.streams() {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE source_year = ? AND source_month = ? AND source_file = ?`, stream),
			prov.SourceYear, prov.SourceMonth, prov.SourceFile,
		)
		if err != nil {
			tx.Rollback()
			return nil, sinkErr("replace partition", eris.Wrapf(err, "sqlite: clear %s partition", stream))
		}
	}

	return &sqliteBatch{tx: tx, audit: s.audit, stmts: make(map[string]*sql.Stmt)}, nil
}

func (s *SQLiteSink) streams() []string {
	streams := AnalyticalStreams()
	if s.audit {
		streams = append(streams, StreamAudit)
	}
	return streams
}

type sqliteBatch struct {
	tx    *sql.Tx
	audit bool
	stmts map[string]*sql.Stmt
}

func insertSQL(stream string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(Columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		stream, strings.Join(Columns, ", "), placeholders)
}

func (b *sqliteBatch) stmt(ctx context.Context, stream string) (*sql.Stmt, error) {
	if st, ok := b.stmts[stream]; ok {
		return st, nil
	}
	st, err := b.tx.PrepareContext(ctx, insertSQL(stream))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: prepare insert %s", stream)
	}
	b.stmts[stream] = st
	return st, nil
}

// Append writes a classified trip to its category stream and, when enabled,
// to the audit stream. Duplicates reach only the audit stream.
func (b *sqliteBatch) Append(ctx context.Context, t *model.ClassifiedTrip) error {
	values := RowValues(t)

	if stream := t.Category.Stream(); stream != "" {
		st, err := b.stmt(ctx, stream)
		if err != nil {
			return sinkErr("append", err)
		}
		if _, err := st.ExecContext(ctx, values...); err != nil {
			return sinkErr("append", eris.Wrapf(err, "sqlite: insert into %s", stream))
		}
	}

	if b.audit {
		st, err := b.stmt(ctx, StreamAudit)
		if err != nil {
			return sinkErr("append", err)
		}
		if _, err := st.ExecContext(ctx, values...); err != nil {
			return sinkErr("append", eris.Wrap(err, "sqlite: insert into audit"))
		}
	}

	return nil
}

func (b *sqliteBatch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(); err != nil {
		return sinkErr("commit", eris.Wrap(err, "sqlite: commit extract"))
	}
	return nil
}

func (b *sqliteBatch) Rollback(ctx context.Context) error {
	if err := b.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return sinkErr("rollback", eris.Wrap(err, "sqlite: rollback extract"))
	}
	return nil
}

// StartRun records the beginning of an engine run.
func (s *SQLiteSink) StartRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES (?, 'running', ?)`,
		runID, time.Now().UTC(),
	)
	return sinkErr("start run", eris.Wrap(err, "sqlite: insert run"))
}

// FinishRun marks a run complete or failed.
func (s *SQLiteSink) FinishRun(ctx context.Context, runID, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = NULLIF(?, ''), completed_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), runID,
	)
	return sinkErr("finish run", eris.Wrapf(err, "sqlite: finish run %s", runID))
}

// RecordExtract appends one extract outcome to the run log.
func (s *SQLiteSink) RecordExtract(ctx context.Context, runID string, prov model.Provenance, res ExtractResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_extracts
		 (run_id, source_file, source_year, source_month, feed, status, error,
		  records_in, clean, admin, fare_miss, anomalies, duplicates, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?)`,
		runID, prov.SourceFile, prov.SourceYear, prov.SourceMonth, string(prov.Feed),
		res.Status, res.Error, res.RecordsIn,
		res.Counts[model.CategoryClean], res.Counts[model.CategoryAdmin],
		res.Counts[model.CategoryFareMiss], res.Counts[model.CategoryAnomaly],
		res.Counts[model.CategoryDuplicate], time.Now().UTC(),
	)
	return sinkErr("record extract", eris.Wrapf(err, "sqlite: record extract %s", prov.SourceFile))
}

// CategoryCounts summarizes stored records per category plus cross-cutting
// QA flag counts.
func (s *SQLiteSink) CategoryCounts(ctx context.Context) (*QACounts, error) {
	counts := &QACounts{}

	for stream, dst := range map[string]*int64{
		StreamClean:     &counts.Clean,
		StreamAdmin:     &counts.Admin,
		StreamFareMiss:  &counts.FareMiss,
		StreamAnomalies: &counts.Anomalies,
	} {
		row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, stream))
		if err := row.Scan(dst); err != nil {
			return nil, eris.Wrapf(err, "sqlite: count %s", stream)
		}
	}

	if s.audit {
		row := s.db.QueryRowContext(ctx,
			`SELECT
				COUNT(CASE WHEN category = 'duplicate' THEN 1 END),
				COUNT(CASE WHEN qa_is_fare_mismatch THEN 1 END),
				COUNT(CASE WHEN qa_is_adjustment THEN 1 END)
			 FROM trips_audit`)
		if err := row.Scan(&counts.Duplicates, &counts.Mismatched, &counts.Adjusted); err != nil {
			return nil, eris.Wrap(err, "sqlite: count audit flags")
		}
		return counts, nil
	}

	// Without an audit stream, duplicates exist only in the run log.
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(duplicates), 0) FROM run_extracts WHERE status = 'complete'`)
	if err := row.Scan(&counts.Duplicates); err != nil {
		return nil, eris.Wrap(err, "sqlite: sum run log duplicates")
	}

	var unions []string
	for _, stream := range AnalyticalStreams() {
		unions = append(unions, fmt.Sprintf(
			`SELECT qa_is_fare_mismatch, qa_is_adjustment FROM %s`, stream))
	}
	row = s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT
			COUNT(CASE WHEN qa_is_fare_mismatch THEN 1 END),
			COUNT(CASE WHEN qa_is_adjustment THEN 1 END)
		 FROM (%s)`, strings.Join(unions, " UNION ALL ")))
	if err := row.Scan(&counts.Mismatched, &counts.Adjusted); err != nil {
		return nil, eris.Wrap(err, "sqlite: count stream flags")
	}

	return counts, nil
}

// ReplaceZones replaces the zone lookup dimension wholesale.
func (s *SQLiteSink) ReplaceZones(ctx context.Context, zones []Zone) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sinkErr("replace zones", eris.Wrap(err, "sqlite: begin tx"))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM zone_lookup`); err != nil {
		return sinkErr("replace zones", eris.Wrap(err, "sqlite: clear zone_lookup"))
	}
	st, err := tx.PrepareContext(ctx,
		`INSERT INTO zone_lookup (location_id, borough, zone, service_zone) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return sinkErr("replace zones", eris.Wrap(err, "sqlite: prepare zone insert"))
	}
	for _, z := range zones {
		if _, err := st.ExecContext(ctx, z.LocationID, z.Borough, z.Zone, z.ServiceZone); err != nil {
			return sinkErr("replace zones", eris.Wrapf(err, "sqlite: insert zone %d", z.LocationID))
		}
	}
	if err := tx.Commit(); err != nil {
		return sinkErr("replace zones", eris.Wrap(err, "sqlite: commit zones"))
	}
	return nil
}

// CountZones returns the zone lookup row count.
func (s *SQLiteSink) CountZones(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM zone_lookup`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count zones")
}
