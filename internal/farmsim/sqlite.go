package farmsim

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/farmsync/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "farm-store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, desc model.JobDescriptor) (int, bool, error) {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "correlation_id", desc.CorrelationID)

	envJSON, err := json.Marshal(desc.Env)
	if err != nil {
		return 0, false, fmt.Errorf("marshal env: %w", err)
	}
	extraJSON, err := json.Marshal(desc.Extra)
	if err != nil {
		return 0, false, fmt.Errorf("marshal extra: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE correlation_id = ?`, desc.CorrelationID).Scan(&existing)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, err
	}

	kind := desc.Kind
	if kind == model.KindUnset {
		kind = model.KindRegular
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (correlation_id, name, label, batch_name, pool, priority, first_frame, last_frame,
		 credential, env, extra, state, kind, chunk_size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		desc.CorrelationID, desc.Name, desc.Label, desc.BatchName, desc.Pool, desc.Priority,
		desc.FirstFrame, desc.LastFrame, desc.Credential, string(envJSON), string(extraJSON),
		string(model.JobStateActive), string(kind), max(desc.ChunkSize, 1),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert job: %w", err)
	}
	id64, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO frames (job_id, frame, state) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, false, fmt.Errorf("prepare frames: %w", err)
	}
	defer stmt.Close()
	for f := desc.FirstFrame; f <= desc.LastFrame; f++ {
		if _, err := stmt.ExecContext(ctx, id64, f, string(model.FrameStatePending)); err != nil {
			return 0, false, fmt.Errorf("insert frame %d: %w", f, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return int(id64), true, nil
}

// jobColumns selects a job with its per-state frame counts.
const jobColumns = `j.id, j.correlation_id, j.name, j.label, j.batch_name, j.pool, j.priority,
	j.first_frame, j.last_frame, j.state, j.created_at,
	(SELECT COUNT(*) FROM frames f WHERE f.job_id = j.id AND f.state = 'pending'),
	(SELECT COUNT(*) FROM frames f WHERE f.job_id = j.id AND f.state = 'queued'),
	(SELECT COUNT(*) FROM frames f WHERE f.job_id = j.id AND f.state = 'running'),
	(SELECT COUNT(*) FROM frames f WHERE f.job_id = j.id AND f.state = 'done')`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var job model.Job
	var state, createdAt string
	if err := row.Scan(&job.ID, &job.CorrelationID, &job.Name, &job.Label, &job.BatchName, &job.Pool,
		&job.Priority, &job.FirstFrame, &job.LastFrame, &state, &createdAt,
		&job.Summary.Pending, &job.Summary.Queued, &job.Summary.Running, &job.Summary.Done); err != nil {
		return nil, err
	}
	job.State = model.JobState(state)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &job, nil
}

// GetJob returns the job with id, or nil if there is none.
func (s *SQLiteStore) GetJob(ctx context.Context, id int) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs j WHERE j.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any
	if opts.State != "" {
		whereClauses = append(whereClauses, "j.state = ?")
		countArgs = append(countArgs, string(opts.State))
	}
	if opts.BatchName != "" {
		whereClauses = append(whereClauses, "j.batch_name = ?")
		countArgs = append(countArgs, opts.BatchName)
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs j`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs j`+whereSQL+` ORDER BY j.id LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// authorize loads the state of job id and checks credential against it.
func authorize(ctx context.Context, tx *sql.Tx, id int, credential string) (model.JobState, error) {
	var state, stored string
	err := tx.QueryRowContext(ctx, `SELECT state, credential FROM jobs WHERE id = ?`, id).Scan(&state, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return "", err
	}
	if stored != credential {
		return "", fmt.Errorf("job %d: %w", id, ErrBadCredential)
	}
	return model.JobState(state), nil
}

// --- Frames ---

func (s *SQLiteStore) SetActiveFrames(ctx context.Context, id int, frames []int, credential string) (int, error) {
	s.logger.Debug("sql", "op", "update", "table", "frames", "job_id", id, "frames", len(frames))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	state, err := authorize(ctx, tx, id, credential)
	if err != nil {
		return 0, err
	}
	if state.IsTerminal() {
		return 0, fmt.Errorf("job %d: %w", id, ErrJobNotAccepting)
	}

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE frames SET state = 'queued' WHERE job_id = ? AND frame = ? AND state = 'pending'`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	queued := 0
	for _, f := range frames {
		res, err := stmt.ExecContext(ctx, id, f)
		if err != nil {
			return 0, fmt.Errorf("queue frame %d: %w", f, err)
		}
		n, _ := res.RowsAffected()
		queued += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return queued, nil
}

func (s *SQLiteStore) FrameStatuses(ctx context.Context, id int) ([]model.FrameStatus, error) {
	s.logger.Debug("sql", "op", "select", "table", "frames", "job_id", id)

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT frame, state FROM frames WHERE job_id = ? ORDER BY frame`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FrameStatus
	for rows.Next() {
		var frame int
		var state string
		if err := rows.Scan(&frame, &state); err != nil {
			return nil, err
		}
		out = append(out, model.FrameState(state).Status(frame))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AdvanceFrames(ctx context.Context, id int, n int) error {
	if n <= 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "advance", "table", "frames", "job_id", id, "n", n)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return err
	}
	if model.JobState(state) != model.JobStateActive {
		return nil
	}

	// Finish before starting so every frame is observed running at least once.
	steps := []struct{ from, to model.FrameState }{
		{model.FrameStateRunning, model.FrameStateDone},
		{model.FrameStateQueued, model.FrameStateRunning},
	}
	for _, step := range steps {
		_, err := tx.ExecContext(ctx,
			`UPDATE frames SET state = ? WHERE job_id = ? AND frame IN (
				SELECT frame FROM frames WHERE job_id = ? AND state = ? ORDER BY frame LIMIT ?)`,
			string(step.to), id, id, string(step.from), n)
		if err != nil {
			return fmt.Errorf("advance %s frames: %w", step.from, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AbortJob(ctx context.Context, id int, credential string) error {
	s.logger.Debug("sql", "op", "abort", "table", "jobs", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	state, err := authorize(ctx, tx, id, credential)
	if err != nil {
		return err
	}
	if state.IsTerminal() {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state = ?, aborted_at = ? WHERE id = ?`,
		string(model.JobStateAborted), time.Now().UTC().Format(time.RFC3339Nano), id); err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE frames SET state = 'pending' WHERE job_id = ? AND state IN ('queued', 'running')`, id); err != nil {
		return fmt.Errorf("reset frames: %w", err)
	}
	return tx.Commit()
}
