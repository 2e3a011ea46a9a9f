package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/kiranshivaraju/conveyor/pkg/models"
)

const (
	idIndex       = "id"       // unique lookup by job id
	stateIndex    = "state"    // jobs in a given state
	inFlightIndex = "inflight" // scope+key of in-flight jobs only
)

// memJob is the row stored in memdb. Rows are immutable once inserted; every
// write stores a fresh copy.
type memJob struct {
	ID          string
	State       string
	InFlightKey string
	Job         *models.Job
}

func newMemJob(job *models.Job) *memJob {
	row := &memJob{
		ID:    job.ID.String(),
		State: string(job.State),
		Job:   job,
	}
	if job.State.IsIntermediate() {
		row.InFlightKey = inFlightKey(job.Scope, job.Key)
	}
	return row
}

func inFlightKey(scope models.Scope, key string) string {
	return scope.Organization + "\x00" + scope.Workspace + "\x00" + scope.Project + "\x00" + key
}

func memSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					stateIndex: {
						Name:    stateIndex,
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
					inFlightIndex: {
						Name:         inFlightIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "InFlightKey"},
					},
				},
			},
		},
	}
}

// MemoryStore implements Store on go-memdb. Write transactions are
// serialized, which gives the same conditional-update guarantees as the
// Postgres store for a single process.
type MemoryStore struct {
	db *memdb.MemDB
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memSchema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(jobsTable, idIndex, job.ID.String())
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if existing != nil {
		return ErrDuplicateKey
	}

	row := newMemJob(job.DeepCopy())
	if err := checkInFlight(txn, row); err != nil {
		return err
	}
	if err := txn.Insert(jobsTable, row); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, scope models.Scope, id uuid.UUID) (*models.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(jobsTable, idIndex, id.String())
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	job := raw.(*memJob).Job
	if job.Scope != scope {
		return nil, ErrNotFound
	}
	return job.DeepCopy(), nil
}

func (s *MemoryStore) FindJobs(_ context.Context, filter JobFilter) ([]*models.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	rows, err := s.candidates(txn, filter.States)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}

	jobs := []*models.Job{}
	for _, row := range rows {
		if !matchesFilter(row.Job, filter) {
			continue
		}
		if filter.NoInFlightDuplicate {
			dup, err := hasInFlightDuplicate(txn, row.Job)
			if err != nil {
				return nil, fmt.Errorf("find jobs: %w", err)
			}
			if dup {
				continue
			}
		}
		jobs = append(jobs, row.Job.DeepCopy())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID.String() < jobs[j].ID.String()
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, t Transition, opts ...JobUpdateOption) (bool, error) {
	params := applyOptions(opts)

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(jobsTable, idIndex, t.ID.String())
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	if raw == nil {
		return false, nil
	}
	current := raw.(*memJob).Job
	if current.Scope != t.Scope || current.State != t.From {
		return false, nil
	}
	if t.FromGPU != nil && (current.GPURequestState == nil || *current.GPURequestState != *t.FromGPU) {
		return false, nil
	}

	next := current.DeepCopy()
	next.State = t.To
	applyParams(next, params)

	row := newMemJob(next)
	if err := checkInFlight(txn, row); err != nil {
		return false, err
	}
	if err := txn.Insert(jobsTable, row); err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	txn.Commit()
	return true, nil
}

func (s *MemoryStore) ResetStaleJobs(_ context.Context, r StaleReset) (int64, error) {
	if r.Now.IsZero() {
		return 0, fmt.Errorf("reset stale jobs: Now is required")
	}
	if r.Counter != StartRetryCounter && r.Counter != CancelRetryCounter {
		return 0, fmt.Errorf("reset stale jobs: unknown retry counter %q", r.Counter)
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	rows, err := s.candidates(txn, []models.JobState{r.From})
	if err != nil {
		return 0, fmt.Errorf("reset stale jobs: %w", err)
	}

	var count int64
	for _, row := range rows {
		job := row.Job
		if job.PickedAt == nil || !job.PickedAt.Before(r.PickedBefore) {
			continue
		}
		if r.Scope != nil && job.Scope != *r.Scope {
			continue
		}
		counter := job.StartRetryCounter
		if r.Counter == CancelRetryCounter {
			counter = job.CancelRetryCounter
		}
		if r.MaxRetries > 0 && counter >= r.MaxRetries {
			continue
		}

		next := job.DeepCopy()
		if r.ToCancelOrigin {
			next.State = models.JobStateRunning
			if job.CancelFromState != nil {
				next.State = *job.CancelFromState
			}
			next.CancelFromState = nil
		} else {
			next.State = r.To
		}
		if r.Counter == CancelRetryCounter {
			next.CancelRetryCounter++
		} else {
			next.StartRetryCounter++
		}
		next.PickedAt = nil
		next.UpdatedAt = r.Now

		if err := txn.Insert(jobsTable, newMemJob(next)); err != nil {
			return 0, fmt.Errorf("reset stale jobs: %w", err)
		}
		count++
	}
	txn.Commit()
	return count, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, scope models.Scope, id uuid.UUID) (bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(jobsTable, idIndex, id.String())
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	if raw == nil || raw.(*memJob).Job.Scope != scope {
		return false, nil
	}
	if err := txn.Delete(jobsTable, raw); err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	txn.Commit()
	return true, nil
}

// candidates returns rows in the given states, or every row when states is
// empty. Rows are collected eagerly so callers may write inside the same txn.
func (s *MemoryStore) candidates(txn *memdb.Txn, states []models.JobState) ([]*memJob, error) {
	var rows []*memJob
	collect := func(index string, args ...any) error {
		it, err := txn.Get(jobsTable, index, args...)
		if err != nil {
			return err
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			rows = append(rows, obj.(*memJob))
		}
		return nil
	}

	if len(states) == 0 {
		return rows, collect(idIndex)
	}
	for _, state := range states {
		if err := collect(stateIndex, string(state)); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func checkInFlight(txn *memdb.Txn, row *memJob) error {
	if row.InFlightKey == "" {
		return nil
	}
	raw, err := txn.First(jobsTable, inFlightIndex, row.InFlightKey)
	if err != nil {
		return fmt.Errorf("check in-flight duplicates: %w", err)
	}
	if raw != nil && raw.(*memJob).ID != row.ID {
		return ErrDuplicateKey
	}
	return nil
}

func hasInFlightDuplicate(txn *memdb.Txn, job *models.Job) (bool, error) {
	raw, err := txn.First(jobsTable, inFlightIndex, inFlightKey(job.Scope, job.Key))
	if err != nil {
		return false, err
	}
	return raw != nil && raw.(*memJob).Job.ID != job.ID, nil
}

func matchesFilter(job *models.Job, f JobFilter) bool {
	if f.Scope != nil && job.Scope != *f.Scope {
		return false
	}
	if len(f.IDs) > 0 && !containsID(f.IDs, job.ID) {
		return false
	}
	if len(f.ExcludeIDs) > 0 && containsID(f.ExcludeIDs, job.ID) {
		return false
	}
	if len(f.Keys) > 0 && !containsString(f.Keys, job.Key) {
		return false
	}
	if f.CancelRequested != nil && job.CancelRequested != *f.CancelRequested {
		return false
	}
	if f.DeletionRequested != nil && (job.DeletionRequestedAt != nil) != *f.DeletionRequested {
		return false
	}
	if !f.PickedBefore.IsZero() && (job.PickedAt == nil || !job.PickedAt.Before(f.PickedBefore)) {
		return false
	}
	if !f.FinishedBefore.IsZero() && (job.FinishedAt == nil || !job.FinishedAt.Before(f.FinishedBefore)) {
		return false
	}
	if f.StartRetriesAtLeast > 0 && job.StartRetryCounter < f.StartRetriesAtLeast {
		return false
	}
	if f.CancelRetriesAtLeast > 0 && job.CancelRetryCounter < f.CancelRetriesAtLeast {
		return false
	}
	return true
}

// applyParams mirrors updateRecord for the in-memory store.
func applyParams(job *models.Job, p *jobUpdateParams) {
	job.UpdatedAt = p.Now
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		job.ErrorMessage = &msg
	}
	if p.BackendHandle != nil {
		h := *p.BackendHandle
		job.BackendHandle = &h
	}
	if p.PickedAt != nil {
		t := *p.PickedAt
		job.PickedAt = &t
	} else if p.ClearPickedAt {
		job.PickedAt = nil
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		job.StartedAt = &t
	}
	if p.FinishedAt != nil {
		t := *p.FinishedAt
		job.FinishedAt = &t
	}
	if p.CancelFromState != nil {
		s := *p.CancelFromState
		job.CancelFromState = &s
	} else if p.ClearCancelFrom {
		job.CancelFromState = nil
	}
	if p.CancelRequested != nil {
		job.CancelRequested = *p.CancelRequested
	}
	if p.DeletionRequestedAt != nil {
		t := *p.DeletionRequestedAt
		job.DeletionRequestedAt = &t
	}
	if p.SetTaskStates {
		job.TaskStates = append([]models.TaskState{}, p.TaskStates...)
	}

	if job.State.IsTerminal() {
		if job.GPURequestState != nil {
			released := models.GPURequestReleased
			job.GPURequestState = &released
		}
	} else if p.GPURequestState != nil {
		g := *p.GPURequestState
		job.GPURequestState = &g
	}
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
