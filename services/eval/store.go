package eval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/config"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/database"
)

// Store defines the interface for task and result storage. Every call is
// atomic on its own.
type Store interface {
	// CreateTask stores a new task.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by ID, or ErrNotFound.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTask applies a partial update and returns the stored task.
	// With IfStatus set it returns ErrStatusConflict when the stored
	// status differs.
	UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error)

	// ListTasks returns tasks matching the query, newest first, and the
	// total match count.
	ListTasks(ctx context.Context, query ListTasksQuery) ([]*Task, int, error)

	// CreateGeneratedAnswer stores one stage 1 record.
	CreateGeneratedAnswer(ctx context.Context, a *GeneratedAnswer) error

	// ListGeneratedAnswers returns the answers of a task in creation order.
	ListGeneratedAnswers(ctx context.Context, taskID string) ([]*GeneratedAnswer, error)

	// CreateEvaluation stores one stage 2 record.
	CreateEvaluation(ctx context.Context, e *Evaluation) error

	// ListEvaluations returns the evaluations of a task in creation order.
	ListEvaluations(ctx context.Context, taskID string) ([]*Evaluation, error)
}

// StoreOptions contains configuration for creating a store.
type StoreOptions struct {
	Backend config.StorageBackend
	DB      *database.DB
}

// NewStore creates a Store for the configured backend.
func NewStore(opts StoreOptions) (Store, error) {
	switch opts.Backend {
	case config.StoragePostgres, config.StorageSQLite:
		if opts.DB == nil {
			return nil, fmt.Errorf("database connection required for %s backend", opts.Backend)
		}
		return NewSQLStore(opts.DB), nil
	default:
		return NewMemoryStore(), nil
	}
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	answers     map[string][]*GeneratedAnswer // taskID -> answers
	evaluations map[string][]*Evaluation      // taskID -> evaluations
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*Task),
		answers:     make(map[string][]*GeneratedAnswer),
		evaluations: make(map[string][]*Evaluation),
	}
}

func copyTask(t *Task) *Task {
	c := *t
	if t.Score != nil {
		s := *t.Score
		c.Score = &s
	}
	if t.ResultSummary != nil {
		rs := *t.ResultSummary
		c.ResultSummary = &rs
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// CreateTask stores a new task.
func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task already exists: %s", task.ID)
	}
	s.tasks[task.ID] = copyTask(task)
	return nil
}

// GetTask retrieves a task by ID.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return copyTask(t), nil
}

// UpdateTask applies u to the stored task.
func (s *MemoryStore) UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if u.IfStatus != nil && t.Status != *u.IfStatus {
		return nil, fmt.Errorf("task %s is %s, expected %s: %w", id, t.Status, *u.IfStatus, ErrStatusConflict)
	}
	u.Apply(t)
	return copyTask(t), nil
}

// ListTasks returns tasks matching the query.
func (s *MemoryStore) ListTasks(ctx context.Context, query ListTasksQuery) ([]*Task, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Task
	for _, t := range s.tasks {
		if query.Status != "" && t.Status != query.Status {
			continue
		}
		if query.DatasetID != "" && t.DatasetID != query.DatasetID {
			continue
		}
		results = append(results, copyTask(t))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	totalCount := len(results)

	if query.Offset > 0 {
		if query.Offset >= len(results) {
			results = nil
		} else {
			results = results[query.Offset:]
		}
	}
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}

	return results, totalCount, nil
}

// CreateGeneratedAnswer stores one answer.
func (s *MemoryStore) CreateGeneratedAnswer(ctx context.Context, a *GeneratedAnswer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[a.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", a.TaskID, ErrNotFound)
	}
	c := *a
	s.answers[a.TaskID] = append(s.answers[a.TaskID], &c)
	return nil
}

// ListGeneratedAnswers returns copies of a task's answers.
func (s *MemoryStore) ListGeneratedAnswers(ctx context.Context, taskID string) ([]*GeneratedAnswer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	answers := s.answers[taskID]
	out := make([]*GeneratedAnswer, len(answers))
	for i, a := range answers {
		c := *a
		out[i] = &c
	}
	return out, nil
}

// CreateEvaluation stores one evaluation.
func (s *MemoryStore) CreateEvaluation(ctx context.Context, e *Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[e.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", e.TaskID, ErrNotFound)
	}
	c := *e
	s.evaluations[e.TaskID] = append(s.evaluations[e.TaskID], &c)
	return nil
}

// ListEvaluations returns copies of a task's evaluations.
func (s *MemoryStore) ListEvaluations(ctx context.Context, taskID string) ([]*Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evals := s.evaluations[taskID]
	out := make([]*Evaluation, len(evals))
	for i, e := range evals {
		c := *e
		out[i] = &c
	}
	return out, nil
}
