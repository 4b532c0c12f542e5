package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/task"
	"github.com/muaviaUsmani/plantain/migrations"

	_ "modernc.org/sqlite"
)

const upsertTaskQuery = `
INSERT INTO scheduled_tasks (
    actor, id, kind, due_at, callback, payload, delay_seconds,
    cron, timezone, attempts, last_error, created_at, updated_at
) VALUES (
    :actor, :id, :kind, :due_at, :callback, :payload, :delay_seconds,
    :cron, :timezone, :attempts, :last_error, :created_at, :updated_at
)
ON CONFLICT (actor, id) DO UPDATE SET
    kind = excluded.kind,
    due_at = excluded.due_at,
    callback = excluded.callback,
    payload = excluded.payload,
    delay_seconds = excluded.delay_seconds,
    cron = excluded.cron,
    timezone = excluded.timezone,
    attempts = excluded.attempts,
    last_error = excluded.last_error,
    updated_at = excluded.updated_at
RETURNING seq`

const taskColumns = `seq, actor, id, kind, due_at, callback, payload, delay_seconds,
    cron, timezone, attempts, last_error, created_at, updated_at`

// taskRow is the relational form of a task; times are unix milliseconds
type taskRow struct {
	Seq          int64  `db:"seq"`
	Actor        string `db:"actor"`
	ID           string `db:"id"`
	Kind         string `db:"kind"`
	DueAt        int64  `db:"due_at"`
	Callback     string `db:"callback"`
	Payload      []byte `db:"payload"`
	DelaySeconds int64  `db:"delay_seconds"`
	Cron         string `db:"cron"`
	Timezone     string `db:"timezone"`
	Attempts     int    `db:"attempts"`
	LastError    string `db:"last_error"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func newTaskRow(actor string, t *task.ScheduledTask) *taskRow {
	return &taskRow{
		Actor:        actor,
		ID:           t.ID,
		Kind:         string(t.Kind),
		DueAt:        t.DueAt.UnixMilli(),
		Callback:     t.Callback,
		Payload:      t.Payload,
		DelaySeconds: t.DelaySeconds,
		Cron:         t.Cron,
		Timezone:     t.Timezone,
		Attempts:     t.Attempts,
		LastError:    t.LastError,
		CreatedAt:    toMillis(t.CreatedAt),
		UpdatedAt:    toMillis(t.UpdatedAt),
	}
}

func (r *taskRow) task() *task.ScheduledTask {
	return &task.ScheduledTask{
		ID:           r.ID,
		Kind:         task.Kind(r.Kind),
		DueAt:        fromMillis(r.DueAt),
		Callback:     r.Callback,
		Payload:      r.Payload,
		DelaySeconds: r.DelaySeconds,
		Cron:         r.Cron,
		Timezone:     r.Timezone,
		Seq:          r.Seq,
		Attempts:     r.Attempts,
		LastError:    r.LastError,
		CreatedAt:    fromMillis(r.CreatedAt),
		UpdatedAt:    fromMillis(r.UpdatedAt),
	}
}

// SQLiteBackend stores tasks and actor state in a SQLite database whose schema is managed
// by the embedded migrations
type SQLiteBackend struct {
	db     *sqlx.DB
	upsert *sqlx.NamedStmt
	opts   Options
	log    logger.Logger
}

// NewSQLiteBackend opens (or creates) the database at path and applies pending migrations
func NewSQLiteBackend(path string, opts Options) (*SQLiteBackend, error) {
	log := opts.log()

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := ApplyMigrations(db.DB, log); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("Error closing database after migration failure", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	upsert, err := db.PrepareNamed(upsertTaskQuery)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare upsert: %w", err)
	}

	log.Info("Database connected and migrations applied", "path", path)
	return &SQLiteBackend{db: db, upsert: upsert, opts: opts, log: log}, nil
}

// ApplyMigrations runs the embedded migrations against db
func ApplyMigrations(db *sql.DB, log logger.Logger) error {
	if db == nil {
		return errors.New("database connection is nil, cannot apply migrations")
	}

	sourceDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to create embed source driver: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite database driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("No database migrations to apply")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("Database migrations applied")
	return nil
}

// TimerStore returns the timer store of actor
func (b *SQLiteBackend) TimerStore(actor string) Store {
	return &sqliteStore{backend: b, actor: actor}
}

// StateStore returns the key/value state of actor
func (b *SQLiteBackend) StateStore(actor string) KV {
	return &sqliteKV{db: b.db, actor: actor}
}

// Actors lists actors that own at least one task
func (b *SQLiteBackend) Actors(ctx context.Context) ([]string, error) {
	var actors []string
	if err := b.db.SelectContext(ctx, &actors, `SELECT DISTINCT actor FROM scheduled_tasks ORDER BY actor`); err != nil {
		return nil, task.Storage("actors", err)
	}
	return actors, nil
}

// Ping tests the connection
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return task.Storage("ping", b.db.PingContext(ctx))
}

// Close closes the database
func (b *SQLiteBackend) Close() error {
	if err := b.upsert.Close(); err != nil {
		b.log.Warn("Failed to close prepared statement", "error", err)
	}
	return b.db.Close()
}

type sqliteStore struct {
	backend *SQLiteBackend
	actor   string
}

func (s *sqliteStore) Put(ctx context.Context, t *task.ScheduledTask) error {
	if err := task.Validate(t, s.backend.opts.payloadLimit()); err != nil {
		return err
	}

	t.DueAt = task.Millis(t.DueAt)

	var seq int64
	if err := s.backend.upsert.GetContext(ctx, &seq, newTaskRow(s.actor, t)); err != nil {
		return task.Storage("put", fmt.Errorf("failed to write task: %w", err))
	}
	t.Seq = seq
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*task.ScheduledTask, error) {
	var row taskRow
	err := s.backend.db.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE actor = ? AND id = ?`, s.actor, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, task.Storage("get", err)
	}
	return row.task(), nil
}

func (s *sqliteStore) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.backend.db.ExecContext(ctx,
		`DELETE FROM scheduled_tasks WHERE actor = ? AND id = ?`, s.actor, id)
	if err != nil {
		return false, task.Storage("remove", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, task.Storage("remove", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time) ([]*task.ScheduledTask, error) {
	return s.query(ctx, "list_due",
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE actor = ? AND due_at <= ? ORDER BY due_at, seq`,
		s.actor, now.UnixMilli())
}

func (s *sqliteStore) List(ctx context.Context, f task.Filter) ([]*task.ScheduledTask, error) {
	var where strings.Builder
	where.WriteString("actor = ?")
	args := []interface{}{s.actor}

	if f.Kind != "" {
		where.WriteString(" AND kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.From.IsZero() {
		where.WriteString(" AND due_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where.WriteString(" AND due_at <= ?")
		args = append(args, f.To.UnixMilli())
	}

	tasks, err := s.query(ctx, "list",
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE `+where.String()+` ORDER BY due_at, seq`, args...)
	if err != nil {
		return nil, err
	}

	// bounds above are millisecond-truncated
	filtered := tasks[:0]
	for _, t := range tasks {
		if f.Matches(t) {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

func (s *sqliteStore) query(ctx context.Context, op, q string, args ...interface{}) ([]*task.ScheduledTask, error) {
	var rows []taskRow
	if err := s.backend.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, task.Storage(op, err)
	}

	tasks := make([]*task.ScheduledTask, len(rows))
	for i := range rows {
		tasks[i] = rows[i].task()
	}
	return tasks, nil
}

func (s *sqliteStore) EarliestDueAt(ctx context.Context) (time.Time, bool, error) {
	var earliest sql.NullInt64
	err := s.backend.db.GetContext(ctx, &earliest,
		`SELECT MIN(due_at) FROM scheduled_tasks WHERE actor = ?`, s.actor)
	if err != nil {
		return time.Time{}, false, task.Storage("earliest", err)
	}
	if !earliest.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(earliest.Int64).UTC(), true, nil
}

type sqliteKV struct {
	db    *sqlx.DB
	actor string
}

func (kv *sqliteKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := kv.db.GetContext(ctx, &value,
		`SELECT value FROM actor_state WHERE actor = ? AND key = ?`, kv.actor, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, task.Storage("state_get", err)
	}
	return value, true, nil
}

func (kv *sqliteKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := kv.db.ExecContext(ctx, `
INSERT INTO actor_state (actor, key, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (actor, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		kv.actor, key, value, time.Now().UnixMilli())
	return task.Storage("state_put", err)
}

func (kv *sqliteKV) Delete(ctx context.Context, key string) error {
	_, err := kv.db.ExecContext(ctx, `DELETE FROM actor_state WHERE actor = ? AND key = ?`, kv.actor, key)
	return task.Storage("state_delete", err)
}
