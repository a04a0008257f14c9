package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/casni/casni/pkg/model"

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

	// Enable WAL mode for better concurrent read performance.
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
		logger: logger.With("component", "store"),
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

// --- Pipeline CRUD ---

func (s *SQLiteStore) CreatePipeline(ctx context.Context, p *model.Pipeline) error {
	s.logger.Debug("sql", "op", "insert", "table", "pipelines", "id", p.ID)

	stagesJSON, err := json.Marshal(p.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, name, description, content_hash, raw_yaml, stages, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.ContentHash, p.RawYAML,
		string(stagesJSON), p.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetPipeline(ctx context.Context, id string) (*model.Pipeline, error) {
	s.logger.Debug("sql", "op", "select", "table", "pipelines", "id", id)
	return s.scanPipeline(s.db.QueryRowContext(ctx,
		`SELECT id, name, description, content_hash, raw_yaml, stages, created_at
		 FROM pipelines WHERE id = ?`, id))
}

func (s *SQLiteStore) GetPipelineByHash(ctx context.Context, hash string) (*model.Pipeline, error) {
	s.logger.Debug("sql", "op", "select_by_hash", "table", "pipelines", "hash", hash)
	return s.scanPipeline(s.db.QueryRowContext(ctx,
		`SELECT id, name, description, content_hash, raw_yaml, stages, created_at
		 FROM pipelines WHERE content_hash = ?`, hash))
}

func (s *SQLiteStore) ListPipelines(ctx context.Context, opts model.ListOptions) ([]*model.Pipeline, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "pipelines", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipelines`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, content_hash, raw_yaml, stages, created_at
		 FROM pipelines ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var pipelines []*model.Pipeline
	for rows.Next() {
		p, err := s.scanPipeline(rows)
		if err != nil {
			return nil, 0, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, total, rows.Err()
}

func (s *SQLiteStore) DeletePipeline(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "pipelines", "id", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pipeline %s not found", id)
	}
	return nil
}

// --- Run operations ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	datasetJSON, err := json.Marshal(run.Dataset)
	if err != nil {
		return fmt.Errorf("marshal dataset: %w", err)
	}

	var completedAt *string
	if run.CompletedAt != nil {
		v := run.CompletedAt.Format(time.RFC3339Nano)
		completedAt = &v
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline_id, pipeline_name, state, dataset, cancel_requested, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PipelineID, run.PipelineName, string(run.State),
		string(datasetJSON), boolToInt(run.CancelRequested),
		run.CreatedAt.Format(time.RFC3339Nano), completedAt,
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	run, err := s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_id, pipeline_name, state, dataset, cancel_requested, created_at, completed_at
		 FROM runs WHERE id = ?`, id))
	if err != nil || run == nil {
		return run, err
	}

	// Load associated instances.
	instances, err := s.ListInstancesByRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}
	for _, in := range instances {
		run.Instances = append(run.Instances, *in)
	}
	run.InstanceSummary = model.ComputeInstanceSummary(run.Instances)

	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any

	if opts.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		countArgs = append(countArgs, opts.State)
	}
	if opts.PipelineID != "" {
		whereClauses = append(whereClauses, "pipeline_id = ?")
		countArgs = append(countArgs, opts.PipelineID)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM runs` + whereSQL
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT id, pipeline_id, pipeline_name, state, dataset, cancel_requested, created_at, completed_at
		FROM runs` + whereSQL + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID)

	var completedAt *string
	if run.CompletedAt != nil {
		v := run.CompletedAt.Format(time.RFC3339Nano)
		completedAt = &v
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state=?, cancel_requested=?, completed_at=? WHERE id=?`,
		string(run.State), boolToInt(run.CancelRequested), completedAt, run.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

// RequestCancel flags a non-terminal run for cancellation. Terminal runs
// are left untouched and reported as not applied.
func (s *SQLiteStore) RequestCancel(ctx context.Context, runID string) (bool, error) {
	s.logger.Debug("sql", "op", "request_cancel", "table", "runs", "id", runID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET cancel_requested=1
		 WHERE id = ? AND state NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')`, runID)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return true, nil
	}

	// Distinguish a terminal run from a missing one.
	var state string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM runs WHERE id = ?`, runID).Scan(&state)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) ListCancelRequestedRuns(ctx context.Context) ([]*model.Run, error) {
	s.logger.Debug("sql", "op", "list_cancel_requested", "table", "runs")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline_id, pipeline_name, state, dataset, cancel_requested, created_at, completed_at
		 FROM runs WHERE cancel_requested = 1 AND state NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListActiveRuns returns every run that has not reached a terminal
// state, oldest first. The scheduler sweeps these on every tick so a run
// whose final instance transition landed but whose own row update was
// lost still converges.
func (s *SQLiteStore) ListActiveRuns(ctx context.Context) ([]*model.Run, error) {
	s.logger.Debug("sql", "op", "list_active", "table", "runs")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline_id, pipeline_name, state, dataset, cancel_requested, created_at, completed_at
		 FROM runs WHERE state NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Instance operations ---

const instanceColumns = `id, run_id, stage_id, state, unit, spec_order, unit_index, depends_on,
	 image, command, workspace, inputs, outputs, resources, retry, timeout_ns, required,
	 attempt, next_attempt_at, container_id, exit_code, reason, stdout, stderr,
	 created_at, started_at, completed_at`

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *model.StageInstance) error {
	s.logger.Debug("sql", "op", "insert", "table", "instances", "id", inst.ID)

	var unitJSON *string
	if inst.Unit != nil {
		b, err := json.Marshal(inst.Unit)
		if err != nil {
			return fmt.Errorf("marshal unit: %w", err)
		}
		v := string(b)
		unitJSON = &v
	}
	dependsOnJSON, err := json.Marshal(inst.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	commandJSON, err := json.Marshal(inst.Command)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	inputsJSON, err := json.Marshal(inst.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	outputsJSON, err := json.Marshal(inst.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	resourcesJSON, err := json.Marshal(inst.Resources)
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}
	retryJSON, err := json.Marshal(inst.Retry)
	if err != nil {
		return fmt.Errorf("marshal retry: %w", err)
	}

	nextAttemptAt := formatTimePtr(inst.NextAttemptAt)
	startedAt := formatTimePtr(inst.StartedAt)
	completedAt := formatTimePtr(inst.CompletedAt)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.RunID, inst.StageID, string(inst.State),
		unitJSON, inst.SpecOrder, inst.UnitIndex, string(dependsOnJSON),
		inst.Image, string(commandJSON), inst.Workspace,
		string(inputsJSON), string(outputsJSON), string(resourcesJSON), string(retryJSON),
		int64(inst.Timeout), boolToInt(inst.Required),
		inst.Attempt, nextAttemptAt, inst.ContainerID, inst.ExitCode, inst.Reason,
		inst.Stdout, inst.Stderr,
		inst.CreatedAt.Format(time.RFC3339Nano), startedAt, completedAt,
	)
	return err
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*model.StageInstance, error) {
	s.logger.Debug("sql", "op", "select", "table", "instances", "id", id)
	return s.scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id))
}

func (s *SQLiteStore) ListInstancesByRun(ctx context.Context, runID string) ([]*model.StageInstance, error) {
	s.logger.Debug("sql", "op", "list", "table", "instances", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE run_id = ? ORDER BY spec_order, unit_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanInstances(rows)
}

func (s *SQLiteStore) ListInstancesByState(ctx context.Context, states ...model.InstanceState) ([]*model.StageInstance, error) {
	s.logger.Debug("sql", "op", "list_by_state", "table", "instances", "states", states)

	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE state IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY run_id, spec_order, unit_index`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanInstances(rows)
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *model.StageInstance) error {
	s.logger.Debug("sql", "op", "update", "table", "instances", "id", inst.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE instances SET state=?, attempt=?, next_attempt_at=?, container_id=?,
		 exit_code=?, reason=?, stdout=?, stderr=?, started_at=?, completed_at=? WHERE id=?`,
		string(inst.State), inst.Attempt, formatTimePtr(inst.NextAttemptAt), inst.ContainerID,
		inst.ExitCode, inst.Reason, inst.Stdout, inst.Stderr,
		formatTimePtr(inst.StartedAt), formatTimePtr(inst.CompletedAt), inst.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("instance %s not found", inst.ID)
	}
	return nil
}

// CancelInstance transitions an instance to CANCELLED unless it already
// reached a terminal state. A persisted outcome always wins over a
// concurrently derived cancellation.
func (s *SQLiteStore) CancelInstance(ctx context.Context, id, reason string) (bool, error) {
	s.logger.Debug("sql", "op", "cancel", "table", "instances", "id", id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE instances SET state='CANCELLED', reason=?, next_attempt_at=NULL, completed_at=?
		 WHERE id = ? AND state NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')`,
		reason, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanPipeline(row scanner) (*model.Pipeline, error) {
	var p model.Pipeline
	var stagesJSON, createdAt string

	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ContentHash, &p.RawYAML,
		&stagesJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stagesJSON), &p.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return &p, nil
}

func (s *SQLiteStore) scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var state, datasetJSON, createdAt string
	var cancelRequested int
	var completedAt *string

	err := row.Scan(&run.ID, &run.PipelineID, &run.PipelineName, &state,
		&datasetJSON, &cancelRequested, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.State = model.RunState(state)
	run.CancelRequested = cancelRequested != 0
	if err := json.Unmarshal([]byte(datasetJSON), &run.Dataset); err != nil {
		return nil, fmt.Errorf("unmarshal dataset: %w", err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.CompletedAt = parseTimePtr(completedAt)

	return &run, nil
}

func (s *SQLiteStore) scanInstance(row scanner) (*model.StageInstance, error) {
	var inst model.StageInstance
	var state, dependsOnJSON, commandJSON, inputsJSON, outputsJSON string
	var resourcesJSON, retryJSON, createdAt string
	var unitJSON, nextAttemptAt, startedAt, completedAt *string
	var timeoutNS int64
	var required int

	err := row.Scan(
		&inst.ID, &inst.RunID, &inst.StageID, &state,
		&unitJSON, &inst.SpecOrder, &inst.UnitIndex, &dependsOnJSON,
		&inst.Image, &commandJSON, &inst.Workspace,
		&inputsJSON, &outputsJSON, &resourcesJSON, &retryJSON,
		&timeoutNS, &required,
		&inst.Attempt, &nextAttemptAt, &inst.ContainerID, &inst.ExitCode, &inst.Reason,
		&inst.Stdout, &inst.Stderr,
		&createdAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	inst.State = model.InstanceState(state)
	if unitJSON != nil {
		var u model.DatasetUnit
		if err := json.Unmarshal([]byte(*unitJSON), &u); err != nil {
			return nil, fmt.Errorf("unmarshal unit: %w", err)
		}
		inst.Unit = &u
	}
	json.Unmarshal([]byte(dependsOnJSON), &inst.DependsOn)
	json.Unmarshal([]byte(commandJSON), &inst.Command)
	json.Unmarshal([]byte(inputsJSON), &inst.Inputs)
	json.Unmarshal([]byte(outputsJSON), &inst.Outputs)
	json.Unmarshal([]byte(resourcesJSON), &inst.Resources)
	json.Unmarshal([]byte(retryJSON), &inst.Retry)
	inst.Timeout = time.Duration(timeoutNS)
	inst.Required = required != 0
	inst.NextAttemptAt = parseTimePtr(nextAttemptAt)
	inst.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	inst.StartedAt = parseTimePtr(startedAt)
	inst.CompletedAt = parseTimePtr(completedAt)

	return &inst, nil
}

func (s *SQLiteStore) scanInstances(rows *sql.Rows) ([]*model.StageInstance, error) {
	var instances []*model.StageInstance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339Nano)
	return &v
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, _ := time.Parse(time.RFC3339Nano, *s)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
