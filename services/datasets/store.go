package datasets

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/config"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/database"
)

// Store defines the interface for question storage operations.
type Store interface {
	// AddQuestions inserts questions. IDs must be unique.
	AddQuestions(ctx context.Context, questions []*Question) error

	// ListQuestions returns questions matching the query, ordered by
	// position, plus the total before pagination.
	ListQuestions(ctx context.Context, query ListQuestionsQuery) ([]*Question, int, error)

	// ListValidQuestions returns the ordered valid questions of a dataset
	// version.
	ListValidQuestions(ctx context.Context, datasetID string, version int) ([]Question, error)

	// ListVersions summarizes every stored dataset version.
	ListVersions(ctx context.Context) ([]DatasetVersion, error)

	// SetValidity flips a question's validity flag.
	SetValidity(ctx context.Context, id string, valid bool) error

	// DeleteVersion removes a dataset version and returns the number of
	// questions removed.
	DeleteVersion(ctx context.Context, datasetID string, version int) (int, error)
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

type versionKey struct {
	datasetID string
	version   int
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu        sync.RWMutex
	questions map[versionKey][]*Question
	byID      map[string]*Question
}

// NewMemoryStore creates a new in-memory question store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		questions: make(map[versionKey][]*Question),
		byID:      make(map[string]*Question),
	}
}

// AddQuestions inserts questions.
func (s *MemoryStore) AddQuestions(ctx context.Context, questions []*Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(questions))
	for _, q := range questions {
		if _, exists := s.byID[q.ID]; exists || seen[q.ID] {
			return fmt.Errorf("question already exists: %s", q.ID)
		}
		seen[q.ID] = true
	}

	touched := make(map[versionKey]bool)
	for _, q := range questions {
		stored := *q
		k := versionKey{q.DatasetID, q.Version}
		s.questions[k] = append(s.questions[k], &stored)
		s.byID[q.ID] = &stored
		touched[k] = true
	}
	for k := range touched {
		sortQuestions(s.questions[k])
	}
	return nil
}

// ListQuestions returns questions matching the query.
func (s *MemoryStore) ListQuestions(ctx context.Context, query ListQuestionsQuery) ([]*Question, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Question
	for _, q := range s.questions[versionKey{query.DatasetID, query.Version}] {
		if query.ValidOnly && !q.IsValid {
			continue
		}
		copy := *q
		results = append(results, &copy)
	}

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

// ListValidQuestions returns the ordered valid questions of a version.
func (s *MemoryStore) ListValidQuestions(ctx context.Context, datasetID string, version int) ([]Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Question
	for _, q := range s.questions[versionKey{datasetID, version}] {
		if q.IsValid {
			out = append(out, *q)
		}
	}
	return out, nil
}

// ListVersions summarizes every stored dataset version.
func (s *MemoryStore) ListVersions(ctx context.Context) ([]DatasetVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DatasetVersion, 0, len(s.questions))
	for k, qs := range s.questions {
		v := DatasetVersion{DatasetID: k.datasetID, Version: k.version, QuestionCount: len(qs)}
		for _, q := range qs {
			if q.IsValid {
				v.ValidQuestions++
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DatasetID != out[j].DatasetID {
			return out[i].DatasetID < out[j].DatasetID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// SetValidity flips a question's validity flag.
func (s *MemoryStore) SetValidity(ctx context.Context, id string, valid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("question %s: %w", id, ErrNotFound)
	}
	q.IsValid = valid
	return nil
}

// DeleteVersion removes a dataset version.
func (s *MemoryStore) DeleteVersion(ctx context.Context, datasetID string, version int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := versionKey{datasetID, version}
	qs, ok := s.questions[k]
	if !ok {
		return 0, fmt.Errorf("dataset %s version %d: %w", datasetID, version, ErrNotFound)
	}
	for _, q := range qs {
		delete(s.byID, q.ID)
	}
	delete(s.questions, k)
	return len(qs), nil
}

func sortQuestions(qs []*Question) {
	sort.SliceStable(qs, func(i, j int) bool {
		if qs[i].Position != qs[j].Position {
			return qs[i].Position < qs[j].Position
		}
		return qs[i].ID < qs[j].ID
	})
}
