package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/leaderprobe/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// This is used for non-critical JSON fields where we want to gracefully
// handle corruption without failing the entire query.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		policy TEXT NOT NULL,
		qualified INTEGER DEFAULT 0,
		sent INTEGER DEFAULT 0,
		send_failed INTEGER DEFAULT 0,
		landed INTEGER DEFAULT 0,
		not_landed INTEGER DEFAULT 0,
		unknown INTEGER DEFAULT 0,
		landing_rate REAL,
		mean_latency_slots REAL,
		latency_stats TEXT,
		misses TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS probes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		signature TEXT,
		target_slot INTEGER NOT NULL,
		landed_slot INTEGER,
		latency_slots INTEGER,
		validator TEXT,
		status TEXT NOT NULL,
		memo TEXT,
		submitted_at_ms INTEGER,
		error_reason TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_probes_run ON probes(run_id);
	CREATE INDEX IF NOT EXISTS idx_probes_signature ON probes(signature);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SaveRun inserts the run row and all probe rows in one transaction.
func (s *SQLiteStorage) SaveRun(ctx context.Context, r *types.Report) error {
	if r.RunID == "" {
		return errors.New("run id is required")
	}
	latencyJSON, _ := json.Marshal(r.Latency)
	missesJSON, _ := json.Marshal(r.MissesByValidator)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, completed_at, policy, qualified, sent, send_failed,
			landed, not_landed, unknown, landing_rate, mean_latency_slots, latency_stats, misses, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.StartedAt, nullTime(r.CompletedAt), string(r.Policy), r.Qualified, r.Sent, r.SendFailed,
		r.Landed, r.NotLanded, r.Unknown, nullFloat(r.LandingRate), nullFloat(r.MeanLatencySlots),
		string(latencyJSON), string(missesJSON), nullString(r.Error))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if len(r.Probes) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO probes (run_id, signature, target_slot, landed_slot, latency_slots, validator,
				status, memo, submitted_at_ms, error_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range r.Probes {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var submittedMs int64
			if !p.SubmittedAt.IsZero() {
				submittedMs = p.SubmittedAt.UnixMilli()
			}
			_, err := stmt.ExecContext(ctx, r.RunID, nullString(p.Signature), int64(p.TargetSlot),
				nullSlot(p.LandedSlot), nullSlot(p.LatencySlots), nullString(p.Validator),
				string(p.Status), nullString(p.Memo), nullInt64(submittedMs), nullString(p.Error))
			if err != nil {
				return fmt.Errorf("insert probe for slot %d: %w", p.TargetSlot, err)
			}
		}
	}

	return tx.Commit()
}

const runColumns = `id, started_at, completed_at, policy, qualified, sent, send_failed,
	landed, not_landed, unknown, landing_rate, mean_latency_slots, latency_stats, misses, error_message`

// GetRun retrieves a run with its probes. Returns nil, nil if not found.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*types.Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	probes, err := s.getProbes(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Probes = probes
	for _, p := range probes {
		switch p.Status {
		case types.ProbeLanded:
			if p.LatencySlots != nil {
				r.LatenciesSlots = append(r.LatenciesSlots, *p.LatencySlots)
			}
		case types.ProbeNotLanded:
			r.NotLandedSlots = append(r.NotLandedSlots, p.TargetSlot)
			if p.Validator != "" {
				r.NotLandedValidators = append(r.NotLandedValidators, p.Validator)
			}
		}
	}
	return r, nil
}

func (s *SQLiteStorage) getProbes(ctx context.Context, runID string) ([]types.ProbeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signature, target_slot, landed_slot, latency_slots, validator, status, memo, submitted_at_ms, error_reason
		FROM probes
		WHERE run_id = ?
		ORDER BY target_slot, id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var probes []types.ProbeRecord
	for rows.Next() {
		var (
			p                                   types.ProbeRecord
			signature, validator, memo, errText sql.NullString
			landed, latency, submittedMs        sql.NullInt64
			target                              int64
			status                              string
		)
		if err := rows.Scan(&signature, &target, &landed, &latency, &validator, &status, &memo, &submittedMs, &errText); err != nil {
			return nil, err
		}
		p.Signature = signature.String
		p.TargetSlot = uint64(target)
		p.LandedSlot = slotPtr(landed)
		p.LatencySlots = slotPtr(latency)
		p.Validator = validator.String
		p.Status = types.ProbeStatus(status)
		p.Memo = memo.String
		if submittedMs.Valid {
			p.SubmittedAt = time.UnixMilli(submittedMs.Int64)
		}
		p.Error = errText.String
		probes = append(probes, p)
	}
	return probes, rows.Err()
}

// ListRuns returns a page of run summaries, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*types.PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []types.RunSummary{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, types.RunSummary{
			RunID:            r.RunID,
			StartedAt:        r.StartedAt,
			CompletedAt:      r.CompletedAt,
			Policy:           r.Policy,
			Sent:             r.Sent,
			Landed:           r.Landed,
			SendFailed:       r.SendFailed,
			MeanLatencySlots: r.MeanLatencySlots,
			Error:            r.Error,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &types.PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run; its probes go with it.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*types.Report, error) {
	var (
		r                       types.Report
		policy                  string
		completedAt             sql.NullTime
		landingRate, meanLat    sql.NullFloat64
		latencyJSON, missesJSON sql.NullString
		errMsg                  sql.NullString
	)
	err := row.Scan(&r.RunID, &r.StartedAt, &completedAt, &policy, &r.Qualified, &r.Sent, &r.SendFailed,
		&r.Landed, &r.NotLanded, &r.Unknown, &landingRate, &meanLat, &latencyJSON, &missesJSON, &errMsg)
	if err != nil {
		return nil, err
	}

	r.Policy = types.SlotPolicy(policy)
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	if landingRate.Valid {
		r.LandingRate = &landingRate.Float64
	}
	if meanLat.Valid {
		r.MeanLatencySlots = &meanLat.Float64
	}
	if latencyJSON.Valid && latencyJSON.String != "" && latencyJSON.String != "null" {
		r.Latency = &types.LatencyStats{}
		unmarshalJSON(latencyJSON.String, r.Latency, "latency_stats", r.RunID)
	}
	if missesJSON.Valid && missesJSON.String != "" && missesJSON.String != "null" {
		unmarshalJSON(missesJSON.String, &r.MissesByValidator, "misses", r.RunID)
	}
	r.Error = errMsg.String
	return &r, nil
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(v time.Time) sql.NullTime {
	if v.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v, Valid: true}
}

// nullSlot keeps zero distinct from missing, unlike nullInt64.
func nullSlot(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func slotPtr(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}
	u := uint64(v.Int64)
	return &u
}
