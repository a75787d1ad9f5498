package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// PostgresConfig holds connection settings for the task store
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// ArgsCodec selects how task arguments are serialized on disk:
	// "json" or "binary". Fixed at deployment.
	ArgsCodec string
}

// PostgresStore is the durable task store
type PostgresStore struct {
	db     *sqlx.DB
	codec  models.ArgsCodec
	logger observability.Logger
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tasks (
    id UUID PRIMARY KEY,
    method TEXT NOT NULL,
    args BYTEA NOT NULL,
    dependencies UUID[] NOT NULL DEFAULT '{}',
    priority INTEGER NOT NULL DEFAULT 0,
    metadata JSONB NOT NULL DEFAULT '{}',
    retry_policy JSONB NOT NULL DEFAULT '{}',
    resource_hints JSONB NOT NULL DEFAULT '{}',
    timeout_seconds BIGINT NOT NULL DEFAULT 3600,
    status TEXT NOT NULL,
    status_data JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS task_results (
    task_id UUID PRIMARY KEY,
    status TEXT NOT NULL,
    result BYTEA,
    error TEXT,
    metrics JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_dependencies ON tasks USING GIN(dependencies);
`

// NewPostgresStore connects to Postgres and ensures the schema exists
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger observability.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	codec, err := models.CodecByName(cfg.ArgsCodec)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindInvalidConfiguration, "args codec", err)
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindStorage, "connect to postgres", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, taskerrors.Wrap(taskerrors.KindStorage, "create schema", err)
	}

	logger.Info("Connected to task store", map[string]interface{}{"codec": codec.Name()})

	return &PostgresStore{db: db, codec: codec, logger: logger}, nil
}

type taskRow struct {
	ID             uuid.UUID         `db:"id"`
	Method         string            `db:"method"`
	Args           []byte            `db:"args"`
	Dependencies   pq.StringArray    `db:"dependencies"`
	Priority       int32             `db:"priority"`
	Metadata       models.Metadata   `db:"metadata"`
	RetryPolicy    []byte            `db:"retry_policy"`
	ResourceHints  []byte            `db:"resource_hints"`
	TimeoutSeconds int64             `db:"timeout_seconds"`
	Status         string            `db:"status"`
	StatusData     models.StatusData `db:"status_data"`
	CreatedAt      time.Time         `db:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"`
}

func (s *PostgresStore) toRow(t *models.Task) (*taskRow, error) {
	args, err := s.codec.Encode(t.Args)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindSerialization, "encode args", err)
	}
	policy, err := json.Marshal(t.RetryPolicy)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindSerialization, "encode retry policy", err)
	}
	hints, err := json.Marshal(t.ResourceHints)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindSerialization, "encode resource hints", err)
	}
	deps := make(pq.StringArray, len(t.Dependencies))
	for i, d := range t.Dependencies {
		deps[i] = d.String()
	}
	return &taskRow{
		ID:             t.ID,
		Method:         t.Method,
		Args:           args,
		Dependencies:   deps,
		Priority:       t.Priority,
		Metadata:       t.Metadata,
		RetryPolicy:    policy,
		ResourceHints:  hints,
		TimeoutSeconds: t.TimeoutSeconds,
		Status:         string(t.Status),
		StatusData:     t.StatusData,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}, nil
}

func (s *PostgresStore) fromRow(r *taskRow) (*models.Task, error) {
	args, err := s.codec.Decode(r.Args)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindSerialization, "decode args", err)
	}
	deps := make([]uuid.UUID, 0, len(r.Dependencies))
	for _, d := range r.Dependencies {
		id, err := uuid.Parse(d)
		if err != nil {
			return nil, taskerrors.Wrap(taskerrors.KindSerialization, "decode dependency id", err)
		}
		deps = append(deps, id)
	}
	var policy models.RetryPolicy
	if len(r.RetryPolicy) > 0 {
		if err := json.Unmarshal(r.RetryPolicy, &policy); err != nil {
			return nil, taskerrors.Wrap(taskerrors.KindSerialization, "decode retry policy", err)
		}
	}
	var hints models.ResourceHints
	if len(r.ResourceHints) > 0 {
		if err := json.Unmarshal(r.ResourceHints, &hints); err != nil {
			return nil, taskerrors.Wrap(taskerrors.KindSerialization, "decode resource hints", err)
		}
	}
	return &models.Task{
		ID:             r.ID,
		Method:         r.Method,
		Args:           args,
		Dependencies:   deps,
		Priority:       r.Priority,
		Metadata:       r.Metadata,
		RetryPolicy:    policy,
		ResourceHints:  hints,
		TimeoutSeconds: r.TimeoutSeconds,
		Status:         models.Status(r.Status),
		StatusData:     r.StatusData,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

const insertTaskSQL = `
INSERT INTO tasks (id, method, args, dependencies, priority, metadata,
    retry_policy, resource_hints, timeout_seconds, status, status_data,
    created_at, updated_at)
VALUES (:id, :method, :args, :dependencies, :priority, :metadata,
    :retry_policy, :resource_hints, :timeout_seconds, :status, :status_data,
    :created_at, :updated_at)`

// Create persists a new task
func (s *PostgresStore) Create(ctx context.Context, task *models.Task) error {
	row, err := s.toRow(task)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertTaskSQL, row); err != nil {
		if isUniqueViolation(err) {
			return taskerrors.Newf(taskerrors.KindAlreadyExists, "task %s already exists", task.ID)
		}
		return taskerrors.Wrap(taskerrors.KindStorage, "insert task", err)
	}
	return nil
}

// Get returns a task by id
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, taskerrors.Newf(taskerrors.KindTaskNotFound, "task %s not found", id)
		}
		return nil, taskerrors.Wrap(taskerrors.KindStorage, "select task", err)
	}
	return s.fromRow(&row)
}

// Update rewrites the mutable fields of a task
func (s *PostgresStore) Update(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	row, err := s.toRow(task)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE tasks SET method = :method, args = :args,
		    dependencies = :dependencies, priority = :priority,
		    metadata = :metadata, retry_policy = :retry_policy,
		    resource_hints = :resource_hints,
		    timeout_seconds = :timeout_seconds, status = :status,
		    status_data = :status_data, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "update task", err)
	}
	return requireRow(res, task.ID)
}

// UpdateStatus transitions a task's status, enforcing the state machine.
// Re-applying the current status leaves the row unchanged.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status, data models.StatusData) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.GetContext(ctx, &current, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return taskerrors.Newf(taskerrors.KindTaskNotFound, "task %s not found", id)
		}
		return taskerrors.Wrap(taskerrors.KindStorage, "select task status", err)
	}

	from := models.Status(current)
	if from == status {
		return tx.Commit()
	}
	if !from.CanTransition(status) {
		return taskerrors.Newf(taskerrors.KindInvalidConfiguration,
			"illegal status transition %s -> %s for task %s", from, status, id)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $2, status_data = $3, updated_at = NOW()
		WHERE id = $1`, id, string(status), data); err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "update task status", err)
	}

	if err := tx.Commit(); err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "commit status update", err)
	}
	return nil
}

// StoreResult upserts the terminal result row
func (s *PostgresStore) StoreResult(ctx context.Context, result *models.TaskResult) error {
	metrics, err := json.Marshal(result.Metrics)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindSerialization, "encode metrics", err)
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_results (task_id, status, result, error, metrics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id) DO UPDATE SET
		    status = EXCLUDED.status,
		    result = EXCLUDED.result,
		    error = EXCLUDED.error,
		    metrics = EXCLUDED.metrics`,
		result.TaskID, string(result.Status), result.Result,
		nullString(result.Error), metrics, result.CreatedAt)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "store result", err)
	}
	return nil
}

type resultRow struct {
	TaskID    uuid.UUID      `db:"task_id"`
	Status    string         `db:"status"`
	Result    []byte         `db:"result"`
	Error     sql.NullString `db:"error"`
	Metrics   []byte         `db:"metrics"`
	CreatedAt time.Time      `db:"created_at"`
}

// GetResult returns the result row for a task
func (s *PostgresStore) GetResult(ctx context.Context, id uuid.UUID) (*models.TaskResult, error) {
	var row resultRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM task_results WHERE task_id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, taskerrors.Newf(taskerrors.KindTaskNotFound, "result for task %s not found", id)
		}
		return nil, taskerrors.Wrap(taskerrors.KindStorage, "select result", err)
	}
	var metrics models.ExecutionMetrics
	if len(row.Metrics) > 0 {
		if err := json.Unmarshal(row.Metrics, &metrics); err != nil {
			return nil, taskerrors.Wrap(taskerrors.KindSerialization, "decode metrics", err)
		}
	}
	return &models.TaskResult{
		TaskID:    row.TaskID,
		Status:    models.Status(row.Status),
		Result:    row.Result,
		Error:     row.Error.String,
		Metrics:   metrics,
		CreatedAt: row.CreatedAt,
	}, nil
}

// List returns tasks ordered by (priority desc, created_at asc)
func (s *PostgresStore) List(ctx context.Context, status *models.Status, limit, offset int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []taskRow
	var err error
	if status != nil {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM tasks WHERE status = $1
			ORDER BY priority DESC, created_at ASC
			LIMIT $2 OFFSET $3`, string(*status), limit, offset)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM tasks
			ORDER BY priority DESC, created_at ASC
			LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindStorage, "list tasks", err)
	}
	return s.fromRows(rows)
}

// GetByDependency returns tasks that declare depID as a dependency.
// Uses the GIN index on the dependencies array.
func (s *PostgresStore) GetByDependency(ctx context.Context, depID uuid.UUID) ([]*models.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM tasks WHERE dependencies @> ARRAY[$1]::uuid[]`, depID)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindStorage, "select by dependency", err)
	}
	return s.fromRows(rows)
}

func (s *PostgresStore) fromRows(rows []taskRow) ([]*models.Task, error) {
	tasks := make([]*models.Task, 0, len(rows))
	for i := range rows {
		task, err := s.fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Delete removes a task record
func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "delete task", err)
	}
	return requireRow(res, id)
}

// CleanupResults deletes result rows older than the cutoff
func (s *PostgresStore) CleanupResults(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_results WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, taskerrors.Wrap(taskerrors.KindStorage, "cleanup results", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BatchCreate persists several tasks in one transaction
func (s *PostgresStore) BatchCreate(ctx context.Context, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, task := range tasks {
		row, err := s.toRow(task)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertTaskSQL, row); err != nil {
			if isUniqueViolation(err) {
				return taskerrors.Newf(taskerrors.KindAlreadyExists, "task %s already exists", task.ID)
			}
			return taskerrors.Wrap(taskerrors.KindStorage, "insert task", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "commit batch create", err)
	}
	return nil
}

// BatchUpdateStatus transitions several tasks in one transaction
func (s *PostgresStore) BatchUpdateStatus(ctx context.Context, ids []uuid.UUID, status models.Status, data models.StatusData) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	strIDs := make(pq.StringArray, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
		var current string
		if err := tx.GetContext(ctx, &current, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return taskerrors.Newf(taskerrors.KindTaskNotFound, "task %s not found", id)
			}
			return taskerrors.Wrap(taskerrors.KindStorage, "select task status", err)
		}
		if from := models.Status(current); from != status && !from.CanTransition(status) {
			return taskerrors.Newf(taskerrors.KindInvalidConfiguration,
				"illegal status transition %s -> %s for task %s", from, status, id)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $2, status_data = $3, updated_at = NOW()
		WHERE id = ANY($1::uuid[]) AND status <> $2`, strIDs, string(status), data); err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "batch update status", err)
	}
	if err := tx.Commit(); err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "commit batch update", err)
	}
	return nil
}

// Ping verifies connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "ping", err)
	}
	return nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindStorage, "rows affected", err)
	}
	if n == 0 {
		return taskerrors.Newf(taskerrors.KindTaskNotFound, "task %s not found", id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
