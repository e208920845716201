// Package postgres provides the Postgres-backed task store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const uniqueViolation = "23505"

// TaskStoreConfig controls the Postgres connection pool used for task rows.
type TaskStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// TaskStore implements pipeline.TaskStore on a single table with JSONB stage outputs.
type TaskStore struct {
	pool  pool
	table string
	clock pipeline.Clock
	idGen pipeline.IDGenerator
}

// NewTaskStore connects to Postgres using cfg.
func NewTaskStore(
	ctx context.Context,
	cfg TaskStoreConfig,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewTaskStoreWithPool(p, cfg.Table, clock, idGen)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(p pool, table string, clock pipeline.Clock, idGen pipeline.IDGenerator) (*TaskStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "tasks"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TaskStore{pool: p, table: table, clock: clock, idGen: idGen}, nil
}

// Schema returns the DDL for the task table.
func Schema(table string) (string, error) {
	if table == "" {
		table = "tasks"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id                TEXT PRIMARY KEY,
	url               TEXT NOT NULL,
	canonical_url     TEXT NOT NULL DEFAULT '',
	user_id           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	current_stage     TEXT NOT NULL,
	raw_result        JSONB,
	cleaned_result    JSONB,
	resolved_entities JSONB,
	semantic_data     JSONB,
	evidence          JSONB,
	error             TEXT NOT NULL DEFAULT '',
	block_reason      TEXT NOT NULL DEFAULT '',
	token_costs       JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	completed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %[1]s_url_created_idx ON %[1]s (url, created_at DESC);
`, table), nil
}

// Migrate applies Schema to the database.
func (s *TaskStore) Migrate(ctx context.Context) error {
	ddl, err := Schema(s.table)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks that the database answers.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Create inserts a new pending task.
func (s *TaskStore) Create(ctx context.Context, in pipeline.NewTask) (pipeline.Task, error) {
	if strings.TrimSpace(in.URL) == "" {
		return pipeline.Task{}, fmt.Errorf("url is required")
	}
	id := in.ID
	if id == "" {
		generated, err := s.idGen.NewID()
		if err != nil {
			return pipeline.Task{}, fmt.Errorf("generate task id: %w", err)
		}
		id = generated
	}
	now := s.clock.Now()
	task := pipeline.Task{
		ID:           id,
		URL:          in.URL,
		UserID:       in.UserID,
		Status:       pipeline.StatusPending,
		CurrentStage: pipeline.StagePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	costs, err := json.Marshal(task.TokenCosts)
	if err != nil {
		return pipeline.Task{}, fmt.Errorf("marshal token costs: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, user_id, status, current_stage, token_costs, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, s.table)
	_, err = s.pool.Exec(ctx, query,
		task.ID,
		task.URL,
		task.UserID,
		string(task.Status),
		string(task.CurrentStage),
		costs,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return pipeline.Task{}, fmt.Errorf("create task %s: %w", id, pipeline.ErrTaskExists)
		}
		return pipeline.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

const taskColumns = `id, url, canonical_url, user_id, status, current_stage,
	raw_result, cleaned_result, resolved_entities, semantic_data, evidence,
	error, block_reason, token_costs, created_at, updated_at, completed_at`

// Get loads a task by id.
func (s *TaskStore) Get(ctx context.Context, taskID string) (pipeline.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, taskColumns, s.table)
	task, err := scanTask(s.pool.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Task{}, fmt.Errorf("get task %s: %w", taskID, pipeline.ErrTaskNotFound)
		}
		return pipeline.Task{}, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// FindRecent returns the newest task for url created at or after since.
func (s *TaskStore) FindRecent(ctx context.Context, url string, since time.Time) (pipeline.Task, bool, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE url = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT 1`,
		taskColumns, s.table,
	)
	task, err := scanTask(s.pool.QueryRow(ctx, query, url, since))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Task{}, false, nil
		}
		return pipeline.Task{}, false, fmt.Errorf("select recent task: %w", err)
	}
	return task, true, nil
}

// Advance merges patch under a row lock when stage is ahead of the current stage.
func (s *TaskStore) Advance(
	ctx context.Context,
	taskID string,
	stage pipeline.Stage,
	patch pipeline.Patch,
) (bool, error) {
	if !stage.Valid() {
		return false, fmt.Errorf("advance task %s: unknown stage %q", taskID, stage)
	}
	args, err := patchArgs(patch)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin advance: %w", err)
	}

	var (
		status, current string
		costsJSON       []byte
	)
	lockQuery := fmt.Sprintf(`SELECT status, current_stage, token_costs FROM %s WHERE id = $1 FOR UPDATE`, s.table)
	if err := tx.QueryRow(ctx, lockQuery, taskID).Scan(&status, &current, &costsJSON); err != nil {
		rollback(ctx, tx)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("advance task %s: %w", taskID, pipeline.ErrTaskNotFound)
		}
		return false, fmt.Errorf("lock task: %w", err)
	}

	scratch := pipeline.Task{Status: pipeline.Status(status), CurrentStage: pipeline.Stage(current)}
	if scratch.Status == pipeline.StatusFailed || scratch.Status == pipeline.StatusBlocked ||
		!scratch.CurrentStage.Before(stage) {
		rollback(ctx, tx)
		return false, nil
	}
	if len(costsJSON) > 0 {
		if err := json.Unmarshal(costsJSON, &scratch.TokenCosts); err != nil {
			rollback(ctx, tx)
			return false, fmt.Errorf("decode token costs: %w", err)
		}
	}
	now := s.clock.Now()
	patch.Apply(&scratch, stage, now)
	newCosts, err := json.Marshal(scratch.TokenCosts)
	if err != nil {
		rollback(ctx, tx)
		return false, fmt.Errorf("marshal token costs: %w", err)
	}

	update := fmt.Sprintf(`
UPDATE %s SET
	current_stage = $2,
	status = $3,
	canonical_url = COALESCE($4, canonical_url),
	raw_result = COALESCE($5, raw_result),
	cleaned_result = COALESCE($6, cleaned_result),
	resolved_entities = COALESCE($7, resolved_entities),
	semantic_data = COALESCE($8, semantic_data),
	evidence = COALESCE($9, evidence),
	token_costs = $10,
	updated_at = $11,
	completed_at = COALESCE($12, completed_at)
WHERE id = $1`, s.table)

	execArgs := append([]any{taskID, string(stage), string(scratch.Status)}, args...)
	execArgs = append(execArgs, newCosts, now, scratch.CompletedAt)
	if _, err := tx.Exec(ctx, update, execArgs...); err != nil {
		rollback(ctx, tx)
		return false, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit advance: %w", err)
	}
	return true, nil
}

// MarkFailed moves a non-terminal task to failed.
func (s *TaskStore) MarkFailed(ctx context.Context, taskID string, reason string) error {
	return s.terminate(ctx, taskID, pipeline.StatusFailed, "error", reason)
}

// MarkBlocked moves a non-terminal task to blocked.
func (s *TaskStore) MarkBlocked(ctx context.Context, taskID string, reason string) error {
	return s.terminate(ctx, taskID, pipeline.StatusBlocked, "block_reason", reason)
}

func (s *TaskStore) terminate(
	ctx context.Context,
	taskID string,
	status pipeline.Status,
	column string,
	reason string,
) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, %s = $3, updated_at = $4, completed_at = $4
WHERE id = $1 AND status NOT IN ('completed', 'failed', 'blocked')`, s.table, column)
	tag, err := s.pool.Exec(ctx, query, taskID, string(status), reason, s.clock.Now())
	if err != nil {
		return fmt.Errorf("mark task %s: %w", status, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var one int
	exists := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, s.table)
	if err := s.pool.QueryRow(ctx, exists, taskID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("mark task %s: %w", taskID, pipeline.ErrTaskNotFound)
		}
		return fmt.Errorf("check task: %w", err)
	}
	return nil
}

func patchArgs(p pipeline.Patch) ([]any, error) {
	raw, err := jsonOrNil(p.RawResult)
	if err != nil {
		return nil, err
	}
	cleaned, err := jsonOrNil(p.CleanedResult)
	if err != nil {
		return nil, err
	}
	entities, err := jsonOrNil(p.ResolvedEntities)
	if err != nil {
		return nil, err
	}
	semantic, err := jsonOrNil(p.SemanticData)
	if err != nil {
		return nil, err
	}
	evidence, err := jsonOrNil(p.Evidence)
	if err != nil {
		return nil, err
	}
	var canonical any
	if p.CanonicalURL != nil {
		canonical = *p.CanonicalURL
	}
	return []any{canonical, raw, cleaned, entities, semantic, evidence}, nil
}

func jsonOrNil[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal patch field: %w", err)
	}
	return data, nil
}

func scanTask(row pgx.Row) (pipeline.Task, error) {
	var (
		task                                       pipeline.Task
		status, stage                              string
		raw, cleaned, entities, semantic, evidence []byte
		costs                                      []byte
	)
	err := row.Scan(
		&task.ID,
		&task.URL,
		&task.CanonicalURL,
		&task.UserID,
		&status,
		&stage,
		&raw,
		&cleaned,
		&entities,
		&semantic,
		&evidence,
		&task.Error,
		&task.BlockReason,
		&costs,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.CompletedAt,
	)
	if err != nil {
		return pipeline.Task{}, err
	}
	task.Status = pipeline.Status(status)
	task.CurrentStage = pipeline.Stage(stage)
	if err := decodeInto(raw, &task.RawResult); err != nil {
		return pipeline.Task{}, err
	}
	if err := decodeInto(cleaned, &task.CleanedResult); err != nil {
		return pipeline.Task{}, err
	}
	if err := decodeInto(entities, &task.ResolvedEntities); err != nil {
		return pipeline.Task{}, err
	}
	if err := decodeInto(semantic, &task.SemanticData); err != nil {
		return pipeline.Task{}, err
	}
	if err := decodeInto(evidence, &task.Evidence); err != nil {
		return pipeline.Task{}, err
	}
	if len(costs) > 0 {
		if err := json.Unmarshal(costs, &task.TokenCosts); err != nil {
			return pipeline.Task{}, fmt.Errorf("decode token costs: %w", err)
		}
	}
	return task, nil
}

func decodeInto[T any](data []byte, dst **T) error {
	if len(data) == 0 {
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode task column: %w", err)
	}
	*dst = &v
	return nil
}

func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx) //nolint:errcheck // the original error is what callers need
}
