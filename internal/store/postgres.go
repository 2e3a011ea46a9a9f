package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/conveyor/pkg/models"
)

const jobsTable = "jobs"

const jobColumns = `id, organization, workspace, project, key, state, cancel_from_state, task_states,
	gpu_request_state, priority, duplicate_policy, cancellable, cancel_requested,
	start_retry_counter, cancel_retry_counter, gpu_cost, author, metadata, payload,
	telemetry_context, backend_handle, error_message, deletion_requested_at,
	created_at, updated_at, picked_at, started_at, finished_at`

var jobColumnList = []any{
	"id", "organization", "workspace", "project", "key", "state", "cancel_from_state", "task_states",
	"gpu_request_state", "priority", "duplicate_policy", "cancellable", "cancel_requested",
	"start_retry_counter", "cancel_retry_counter", "gpu_cost", "author", "metadata", "payload",
	"telemetry_context", "backend_handle", "error_message", "deletion_requested_at",
	"created_at", "updated_at", "picked_at", "started_at", "finished_at",
}

var dialect = goqu.Dialect("postgres")

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	taskStates, metadata, telemetry, payload, err := encodeJSONColumns(job)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		         $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)`,
		job.ID, job.Scope.Organization, job.Scope.Workspace, job.Scope.Project, job.Key,
		string(job.State), nullableState(job.CancelFromState), taskStates,
		nullableGPU(job.GPURequestState), job.Priority, string(job.DuplicatePolicy),
		job.Cancellable, job.CancelRequested, job.StartRetryCounter, job.CancelRetryCounter,
		job.GPUCost, job.Author, metadata, payload, telemetry, job.BackendHandle,
		job.ErrorMessage, job.DeletionRequestedAt, job.CreatedAt, job.UpdatedAt,
		job.PickedAt, job.StartedAt, job.FinishedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, scope models.Scope, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE id = $1 AND organization = $2 AND workspace = $3 AND project = $4`,
		id, scope.Organization, scope.Workspace, scope.Project)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) FindJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	ds := dialect.From(jobsTable).Prepared(true).
		Select(jobColumnList...).
		Where(filterExpressions(filter)...).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc())
	if filter.Limit > 0 {
		ds = ds.Limit(uint(filter.Limit))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build find jobs query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) TransitionJob(ctx context.Context, t Transition, opts ...JobUpdateOption) (bool, error) {
	params := applyOptions(opts)

	record, err := updateRecord(t.To, params)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}

	where := []exp.Expression{
		goqu.C("id").Eq(t.ID.String()),
		goqu.C("organization").Eq(t.Scope.Organization),
		goqu.C("workspace").Eq(t.Scope.Workspace),
		goqu.C("project").Eq(t.Scope.Project),
		goqu.C("state").Eq(string(t.From)),
	}
	if t.FromGPU != nil {
		where = append(where, goqu.C("gpu_request_state").Eq(string(*t.FromGPU)))
	}

	query, args, err := dialect.Update(jobsTable).Prepared(true).
		Set(record).
		Where(where...).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("build transition query: %w", err)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, ErrDuplicateKey
		}
		return false, fmt.Errorf("transition job %s %s -> %s: %w", t.ID, t.From, t.To, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ResetStaleJobs(ctx context.Context, r StaleReset) (int64, error) {
	now := r.Now
	if now.IsZero() {
		return 0, fmt.Errorf("reset stale jobs: Now is required")
	}

	if r.Counter != StartRetryCounter && r.Counter != CancelRetryCounter {
		return 0, fmt.Errorf("reset stale jobs: unknown retry counter %q", r.Counter)
	}

	record := goqu.Record{
		"picked_at":  nil,
		"updated_at": now,
	}
	record[string(r.Counter)] = goqu.L(fmt.Sprintf("%s + 1", r.Counter))
	if r.ToCancelOrigin {
		record["state"] = goqu.L("COALESCE(cancel_from_state, ?)", string(models.JobStateRunning))
		record["cancel_from_state"] = nil
	} else {
		record["state"] = string(r.To)
	}

	where := []exp.Expression{
		goqu.C("state").Eq(string(r.From)),
		goqu.C("picked_at").Lt(r.PickedBefore),
	}
	if r.Scope != nil {
		where = append(where, scopeExpressions(*r.Scope)...)
	}
	if r.MaxRetries > 0 {
		where = append(where, goqu.C(string(r.Counter)).Lt(r.MaxRetries))
	}

	query, args, err := dialect.Update(jobsTable).Prepared(true).
		Set(record).
		Where(where...).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build reset query: %w", err)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset stale %s jobs: %w", r.From, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, scope models.Scope, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE id = $1 AND organization = $2 AND workspace = $3 AND project = $4`,
		id, scope.Organization, scope.Workspace, scope.Project)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func filterExpressions(f JobFilter) []exp.Expression {
	var where []exp.Expression
	if f.Scope != nil {
		where = append(where, scopeExpressions(*f.Scope)...)
	}
	if len(f.IDs) > 0 {
		where = append(where, goqu.C("id").In(uuidStrings(f.IDs)))
	}
	if len(f.ExcludeIDs) > 0 {
		where = append(where, goqu.C("id").NotIn(uuidStrings(f.ExcludeIDs)))
	}
	if len(f.States) > 0 {
		where = append(where, goqu.C("state").In(stateStrings(f.States)))
	}
	if len(f.Keys) > 0 {
		where = append(where, goqu.C("key").In(f.Keys))
	}
	if f.CancelRequested != nil {
		where = append(where, goqu.C("cancel_requested").Eq(*f.CancelRequested))
	}
	if f.DeletionRequested != nil {
		if *f.DeletionRequested {
			where = append(where, goqu.C("deletion_requested_at").IsNotNull())
		} else {
			where = append(where, goqu.C("deletion_requested_at").IsNull())
		}
	}
	if !f.PickedBefore.IsZero() {
		where = append(where, goqu.C("picked_at").Lt(f.PickedBefore))
	}
	if !f.FinishedBefore.IsZero() {
		where = append(where, goqu.C("finished_at").Lt(f.FinishedBefore))
	}
	if f.StartRetriesAtLeast > 0 {
		where = append(where, goqu.C("start_retry_counter").Gte(f.StartRetriesAtLeast))
	}
	if f.CancelRetriesAtLeast > 0 {
		where = append(where, goqu.C("cancel_retry_counter").Gte(f.CancelRetriesAtLeast))
	}
	if f.NoInFlightDuplicate {
		where = append(where, goqu.L("NOT EXISTS ?", inFlightDuplicates()))
	}
	return where
}

// inFlightDuplicates selects intermediate jobs sharing scope and key with the
// outer jobs row.
func inFlightDuplicates() *goqu.SelectDataset {
	return dialect.From(goqu.T(jobsTable).As("dup")).
		Select(goqu.L("1")).
		Where(
			goqu.I("dup.organization").Eq(goqu.I(jobsTable+".organization")),
			goqu.I("dup.workspace").Eq(goqu.I(jobsTable+".workspace")),
			goqu.I("dup.project").Eq(goqu.I(jobsTable+".project")),
			goqu.I("dup.key").Eq(goqu.I(jobsTable+".key")),
			goqu.I("dup.id").Neq(goqu.I(jobsTable+".id")),
			goqu.I("dup.state").In(stateStrings(models.IntermediateJobStates)),
		)
}

func scopeExpressions(scope models.Scope) []exp.Expression {
	return []exp.Expression{
		goqu.C("organization").Eq(scope.Organization),
		goqu.C("workspace").Eq(scope.Workspace),
		goqu.C("project").Eq(scope.Project),
	}
}

// updateRecord turns transition options into a SET clause. Terminal states
// always force any GPU tracker to RELEASED.
func updateRecord(to models.JobState, p *jobUpdateParams) (goqu.Record, error) {
	record := goqu.Record{
		"state":      string(to),
		"updated_at": p.Now,
	}
	if p.ErrorMessage != nil {
		record["error_message"] = *p.ErrorMessage
	}
	if p.BackendHandle != nil {
		record["backend_handle"] = *p.BackendHandle
	}
	if p.PickedAt != nil {
		record["picked_at"] = *p.PickedAt
	} else if p.ClearPickedAt {
		record["picked_at"] = nil
	}
	if p.StartedAt != nil {
		record["started_at"] = *p.StartedAt
	}
	if p.FinishedAt != nil {
		record["finished_at"] = *p.FinishedAt
	}
	if p.CancelFromState != nil {
		record["cancel_from_state"] = string(*p.CancelFromState)
	} else if p.ClearCancelFrom {
		record["cancel_from_state"] = nil
	}
	if p.CancelRequested != nil {
		record["cancel_requested"] = *p.CancelRequested
	}
	if p.DeletionRequestedAt != nil {
		record["deletion_requested_at"] = *p.DeletionRequestedAt
	}
	if p.SetTaskStates {
		b, err := json.Marshal(nonNilTaskStates(p.TaskStates))
		if err != nil {
			return nil, fmt.Errorf("encode task states: %w", err)
		}
		record["task_states"] = string(b)
	}

	if to.IsTerminal() {
		record["gpu_request_state"] = goqu.L("CASE WHEN gpu_request_state IS NULL THEN NULL ELSE ? END",
			string(models.GPURequestReleased))
	} else if p.GPURequestState != nil {
		record["gpu_request_state"] = string(*p.GPURequestState)
	}
	return record, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j                                    models.Job
		state, policy                        string
		cancelFrom, gpuState                 *string
		taskStates, metadata, payload, trace []byte
	)
	err := row.Scan(&j.ID, &j.Scope.Organization, &j.Scope.Workspace, &j.Scope.Project, &j.Key,
		&state, &cancelFrom, &taskStates, &gpuState, &j.Priority, &policy, &j.Cancellable,
		&j.CancelRequested, &j.StartRetryCounter, &j.CancelRetryCounter, &j.GPUCost, &j.Author,
		&metadata, &payload, &trace, &j.BackendHandle, &j.ErrorMessage, &j.DeletionRequestedAt,
		&j.CreatedAt, &j.UpdatedAt, &j.PickedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}

	j.State = models.JobState(state)
	j.DuplicatePolicy = models.DuplicatePolicy(policy)
	if cancelFrom != nil {
		s := models.JobState(*cancelFrom)
		j.CancelFromState = &s
	}
	if gpuState != nil {
		g := models.GPURequestState(*gpuState)
		j.GPURequestState = &g
	}
	if err := json.Unmarshal(taskStates, &j.TaskStates); err != nil {
		return nil, fmt.Errorf("decode task states: %w", err)
	}
	if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(trace, &j.TelemetryContext); err != nil {
		return nil, fmt.Errorf("decode telemetry context: %w", err)
	}
	j.Payload = json.RawMessage(payload)
	return &j, nil
}

func encodeJSONColumns(job *models.Job) (taskStates, metadata, telemetry, payload []byte, err error) {
	if taskStates, err = json.Marshal(nonNilTaskStates(job.TaskStates)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode task states: %w", err)
	}
	if metadata, err = json.Marshal(nonNilMap(job.Metadata)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	if telemetry, err = json.Marshal(nonNilMap(job.TelemetryContext)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode telemetry context: %w", err)
	}
	payload = job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return taskStates, metadata, telemetry, payload, nil
}

func nonNilTaskStates(s []models.TaskState) []models.TaskState {
	if s == nil {
		return []models.TaskState{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullableState(s *models.JobState) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func nullableGPU(s *models.GPURequestState) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func stateStrings(states []models.JobState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
