package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/ping-scheduler/internal/model"
)

// TaskStatStore persists per-task execution bookkeeping
type TaskStatStore interface {
	// Exists reports whether the store is provisioned at all
	Exists(ctx context.Context) (bool, error)

	// GetOrInit returns the record for declared.TaskName, creating it from
	// declared if absent and rewriting its schedule metadata if it changed
	GetOrInit(ctx context.Context, declared model.TaskRecord) (*model.TaskRecord, error)

	// Get returns the record for name or ErrRecordNotFound
	Get(ctx context.Context, name string) (*model.TaskRecord, error)

	// List returns every stored record ordered by task name
	List(ctx context.Context) ([]*model.TaskRecord, error)

	// RecordExecution atomically bumps the execution count and sets the
	// last execution time
	RecordExecution(ctx context.Context, name string, at time.Time) (*model.TaskRecord, error)

	// Close releases the underlying resources
	Close() error
}

// MemoryStatStore keeps records in process memory. Records are lost on restart.
type MemoryStatStore struct {
	mu      sync.Mutex
	records map[string]*model.TaskRecord
	now     func() time.Time
}

// NewMemoryStatStore creates an empty in-memory store
func NewMemoryStatStore() *MemoryStatStore {
	return &MemoryStatStore{
		records: make(map[string]*model.TaskRecord),
		now:     time.Now,
	}
}

// Exists implements TaskStatStore.Exists
func (s *MemoryStatStore) Exists(ctx context.Context) (bool, error) {
	return true, nil
}

// GetOrInit implements TaskStatStore.GetOrInit
func (s *MemoryStatStore) GetOrInit(ctx context.Context, declared model.TaskRecord) (*model.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[declared.TaskName]
	if !ok {
		now := s.now()
		rec = &model.TaskRecord{TaskName: declared.TaskName, CreatedAt: now, UpdatedAt: now}
		rec.ApplySchedule(declared)
		s.records[declared.TaskName] = rec
	} else if !rec.SameSchedule(declared) {
		rec.ApplySchedule(declared)
		rec.UpdatedAt = s.now()
	}
	return rec.Clone(), nil
}

// Get implements TaskStatStore.Get
func (s *MemoryStatStore) Get(ctx context.Context, name string) (*model.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// List implements TaskStatStore.List
func (s *MemoryStatStore) List(ctx context.Context) ([]*model.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.TaskRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskName < out[j].TaskName })
	return out, nil
}

// RecordExecution implements TaskStatStore.RecordExecution
func (s *MemoryStatStore) RecordExecution(ctx context.Context, name string, at time.Time) (*model.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, ErrRecordNotFound
	}
	rec.LastExecutedAt = &at
	rec.ExecutionCount++
	rec.UpdatedAt = s.now()
	return rec.Clone(), nil
}

// Close implements TaskStatStore.Close
func (s *MemoryStatStore) Close() error {
	return nil
}
