package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/hostplay/pkg/engine"
	"github.com/openfroyo/hostplay/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.Run) error {
	hosts, err := marshalJSON(run.Hosts, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode host recap: %w", err)
	}

	query := `
		INSERT INTO runs (id, playbook, status, check_mode, user, started_at, completed_at, duration_ns, hosts, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.Playbook,
		string(run.Status),
		run.CheckMode,
		run.User,
		run.StartedAt.UTC(),
		utcPtr(run.CompletedAt),
		int64(run.Duration),
		hosts,
		run.Error,
		now,
		now,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// UpdateRun stores the status, timing, recap and error of a run
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *engine.Run) error {
	hosts, err := marshalJSON(run.Hosts, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode host recap: %w", err)
	}

	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, duration_ns = ?, hosts = ?, error = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(run.Status),
		utcPtr(run.CompletedAt),
		int64(run.Duration),
		hosts,
		run.Error,
		time.Now().UTC(),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

const runColumns = `id, playbook, status, check_mode, user, started_at, completed_at, duration_ns, hosts, error`

// GetRun retrieves a run by ID together with its task results
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	results, err := s.ListTaskResults(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Results = results

	return run, nil
}

// ListRuns lists the most recent runs first, without task results
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*engine.Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and its task results
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*engine.Run, error) {
	run := &engine.Run{}
	var (
		status     string
		durationNs int64
		hosts      string
	)

	err := row.Scan(
		&run.ID,
		&run.Playbook,
		&status,
		&run.CheckMode,
		&run.User,
		&run.StartedAt,
		&run.CompletedAt,
		&durationNs,
		&hosts,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}

	run.Status = engine.RunStatus(status)
	run.Duration = time.Duration(durationNs)
	if err := json.Unmarshal([]byte(hosts), &run.Hosts); err != nil {
		return nil, fmt.Errorf("failed to decode host recap of run %s: %w", run.ID, err)
	}

	return run, nil
}

// AppendTaskResult stores one task result. Results keep insertion order.
func (s *SQLiteStore) AppendTaskResult(ctx context.Context, result *engine.TaskResult) error {
	data, err := marshalNullable(result.Data)
	if err != nil {
		return fmt.Errorf("failed to encode result data: %w", err)
	}
	var errJSON *string
	if result.Error != nil {
		errJSON, err = marshalNullable(result.Error)
		if err != nil {
			return fmt.Errorf("failed to encode result error: %w", err)
		}
	}

	query := `
		INSERT INTO task_results (
			id, run_id, play, host, task, action, handler, block, status,
			changed, failed, rc, stdout, stderr, msg, data, error, started_at, duration_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		result.ID,
		result.RunID,
		result.Play,
		result.Host,
		result.Task,
		result.Action,
		result.Handler,
		result.Block,
		string(result.Status),
		result.Changed,
		result.Failed,
		result.RC,
		result.Stdout,
		result.Stderr,
		result.Msg,
		data,
		errJSON,
		result.StartedAt.UTC(),
		int64(result.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to append task result: %w", err)
	}

	return nil
}

// ListTaskResults lists the results of a run in execution order
func (s *SQLiteStore) ListTaskResults(ctx context.Context, runID string) ([]*engine.TaskResult, error) {
	query := `
		SELECT id, run_id, play, host, task, action, handler, block, status,
			   changed, failed, rc, stdout, stderr, msg, data, error, started_at, duration_ns
		FROM task_results
		WHERE run_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	defer rows.Close()

	results := []*engine.TaskResult{}
	for rows.Next() {
		r := &engine.TaskResult{}
		var (
			status     string
			data       sql.NullString
			errJSON    sql.NullString
			durationNs int64
		)
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Play,
			&r.Host,
			&r.Task,
			&r.Action,
			&r.Handler,
			&r.Block,
			&status,
			&r.Changed,
			&r.Failed,
			&r.RC,
			&r.Stdout,
			&r.Stderr,
			&r.Msg,
			&data,
			&errJSON,
			&r.StartedAt,
			&durationNs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}

		r.Status = engine.TaskStatus(status)
		r.Duration = time.Duration(durationNs)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &r.Data); err != nil {
				return nil, fmt.Errorf("failed to decode data of result %s: %w", r.ID, err)
			}
		}
		if errJSON.Valid {
			r.Error = &engine.EngineError{}
			if err := json.Unmarshal([]byte(errJSON.String), r.Error); err != nil {
				return nil, fmt.Errorf("failed to decode error of result %s: %w", r.ID, err)
			}
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task results: %w", err)
	}

	return results, nil
}

// AppendEvent appends an event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	data, err := marshalNullable(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	query := `
		INSERT INTO events (event_id, run_id, type, level, play, host, task, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.RunID,
		event.Type,
		event.Level,
		event.Play,
		event.Host,
		event.Task,
		event.Message,
		data,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// Publish records an executor event. It lets the store act as an
// engine.EventPublisher.
func (s *SQLiteStore) Publish(ctx context.Context, event telemetry.Event) error {
	return s.AppendEvent(ctx, eventFromTelemetry(event))
}

// ListEvents lists the events of a run in the order they were appended
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, type, level, play, host, task, message, data, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var data sql.NullString
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.Type,
			&event.Level,
			&event.Play,
			&event.Host,
			&event.Task,
			&event.Message,
			&data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func marshalJSON(v interface{}, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

// marshalNullable encodes v as JSON, mapping empty values to SQL NULL.
func marshalNullable(v interface{}) (*string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	if s == "null" || s == "{}" {
		return nil, nil
	}
	return &s, nil
}
