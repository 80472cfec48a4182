package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/leixiaohui-1974/pestcal/internal/calib"
	"github.com/leixiaohui-1974/pestcal/internal/jacobian"
	"github.com/leixiaohui-1974/pestcal/internal/update"

	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRunStore implements RunStore on a SQLite database.
type SQLiteRunStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// OpenSQLite opens (creating if needed) the database at dbPath and
// initializes its schema.
func OpenSQLite(dbPath string) (*SQLiteRunStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with single writer
	db.SetMaxOpenConns(1)

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteRunStore{db: db, dbPath: dbPath}, nil
}

// Path returns the database file path.
func (s *SQLiteRunStore) Path() string { return s.dbPath }

// SaveRun stores the run and every History record in one transaction.
func (s *SQLiteRunStore) SaveRun(ctx context.Context, run *Run) (string, error) {
	if run.Result == nil {
		return "", errors.New("store: run has no result")
	}
	if run.ID == "" {
		run.ID = NewRunID(run.StartedAt, run.Fingerprint)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := run.Result
	parameters, err := json.Marshal(res.Parameters)
	if err != nil {
		return "", fmt.Errorf("failed to marshal parameters: %w", err)
	}
	vector, err := json.Marshal(res.Vector)
	if err != nil {
		return "", fmt.Errorf("failed to marshal vector: %w", err)
	}
	names, err := json.Marshal(res.Names)
	if err != nil {
		return "", fmt.Errorf("failed to marshal names: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			id, problem, fingerprint, source, method, converged, reason,
			objective, iterations, forward_runs, parameters, vector, names,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Problem, run.Fingerprint, nullString(run.Source),
		string(res.Method), boolToInt(res.Converged), string(res.Reason),
		res.Objective, res.Iterations, res.ForwardRuns,
		string(parameters), string(vector), string(names),
		run.StartedAt.UTC().Format(timeLayout),
		run.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM iterations WHERE run_id = ?`, run.ID); err != nil {
		return "", fmt.Errorf("failed to clear iterations: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO iterations (
			run_id, iteration, objective, updated, accepted, relative_change,
			jacobian_runs, group_objectives, parameters, warnings, diagnostics
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("failed to prepare iteration insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range res.History {
		groupObj, err := json.Marshal(rec.GroupObjectives)
		if err != nil {
			return "", fmt.Errorf("failed to marshal group objectives: %w", err)
		}
		params, err := json.Marshal(rec.Parameters)
		if err != nil {
			return "", fmt.Errorf("failed to marshal iteration parameters: %w", err)
		}
		var warnings, diag []byte
		if len(rec.Warnings) > 0 {
			if warnings, err = json.Marshal(rec.Warnings); err != nil {
				return "", fmt.Errorf("failed to marshal warnings: %w", err)
			}
		}
		if rec.Diagnostics != nil {
			if diag, err = json.Marshal(rec.Diagnostics); err != nil {
				return "", fmt.Errorf("failed to marshal diagnostics: %w", err)
			}
		}

		if _, err := stmt.ExecContext(ctx,
			run.ID, rec.Iteration, rec.Objective,
			boolToInt(rec.Updated), boolToInt(rec.Accepted),
			rec.RelativeChange, rec.JacobianRuns,
			string(groupObj), string(params),
			nullBytes(warnings), nullBytes(diag),
		); err != nil {
			return "", fmt.Errorf("failed to insert iteration %d: %w", rec.Iteration, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit run: %w", err)
	}
	return run.ID, nil
}

// GetRun loads a run and rebuilds its Result and History.
func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		run                       Run
		res                       calib.Result
		source                    sql.NullString
		method, reason            string
		converged                 int
		parameters, vector, names string
		startedAt, finishedAt     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, problem, fingerprint, source, method, converged, reason,
		       objective, iterations, forward_runs, parameters, vector, names,
		       started_at, finished_at
		FROM runs WHERE id = ?`, id).Scan(
		&run.ID, &run.Problem, &run.Fingerprint, &source, &method, &converged, &reason,
		&res.Objective, &res.Iterations, &res.ForwardRuns, &parameters, &vector, &names,
		&startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	run.Source = source.String
	res.Method = update.Method(method)
	res.Reason = calib.Reason(reason)
	res.Converged = converged != 0
	if err := json.Unmarshal([]byte(parameters), &res.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(vector), &res.Vector); err != nil {
		return nil, fmt.Errorf("failed to decode vector: %w", err)
	}
	if err := json.Unmarshal([]byte(names), &res.Names); err != nil {
		return nil, fmt.Errorf("failed to decode names: %w", err)
	}
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = parseTime(finishedAt)

	history, err := s.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	res.History = history
	run.Result = &res
	return &run, nil
}

func (s *SQLiteRunStore) loadHistory(ctx context.Context, id string) (calib.History, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT iteration, objective, updated, accepted, relative_change,
		       jacobian_runs, group_objectives, parameters, warnings, diagnostics
		FROM iterations WHERE run_id = ? ORDER BY iteration`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	var history calib.History
	for rows.Next() {
		var (
			rec               calib.Record
			updated, accepted int
			relative          sql.NullFloat64
			jacRuns           sql.NullInt64
			groupObj, params  string
			warnings, diag    sql.NullString
		)
		if err := rows.Scan(&rec.Iteration, &rec.Objective, &updated, &accepted, &relative,
			&jacRuns, &groupObj, &params, &warnings, &diag); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		rec.Updated = updated != 0
		rec.Accepted = accepted != 0
		rec.RelativeChange = relative.Float64
		rec.JacobianRuns = int(jacRuns.Int64)
		if err := json.Unmarshal([]byte(groupObj), &rec.GroupObjectives); err != nil {
			return nil, fmt.Errorf("failed to decode group objectives: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &rec.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode iteration parameters: %w", err)
		}
		if warnings.Valid {
			var ws []jacobian.Warning
			if err := json.Unmarshal([]byte(warnings.String), &ws); err != nil {
				return nil, fmt.Errorf("failed to decode warnings: %w", err)
			}
			rec.Warnings = ws
		}
		if diag.Valid {
			var d update.Diagnostics
			if err := json.Unmarshal([]byte(diag.String), &d); err != nil {
				return nil, fmt.Errorf("failed to decode diagnostics: %w", err)
			}
			rec.Diagnostics = &d
		}
		history = append(history, rec)
	}
	return history, rows.Err()
}

// ListRuns returns run summaries, newest first.
func (s *SQLiteRunStore) ListRuns(ctx context.Context, opts ListOptions) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, problem, fingerprint, method, converged, reason, objective,
		       iterations, forward_runs, started_at, finished_at
		FROM runs`
	var args []any
	if opts.Problem != "" {
		query += ` WHERE problem = ?`
		args = append(args, opts.Problem)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum                   Summary
			converged             int
			reason                string
			startedAt, finishedAt string
		)
		if err := rows.Scan(&sum.ID, &sum.Problem, &sum.Fingerprint, &sum.Method, &converged,
			&reason, &sum.Objective, &sum.Iterations, &sum.ForwardRuns, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		sum.Converged = converged != 0
		sum.Reason = calib.Reason(reason)
		sum.StartedAt = parseTime(startedAt)
		sum.FinishedAt = parseTime(finishedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteRun removes a run; its iterations go with it through the foreign key.
func (s *SQLiteRunStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count deleted rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Check runs the SQLite integrity and foreign key checks.
func (s *SQLiteRunStore) Check(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ValidateIntegrity(ctx, s.db)
}

// Close closes the database.
func (s *SQLiteRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
