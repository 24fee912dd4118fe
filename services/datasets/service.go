package datasets

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service imports and lists question sets.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a new datasets service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
	}
}

// Store returns the underlying question store.
func (s *Service) Store() Store {
	return s.store
}

// ListVersions summarizes every stored dataset version.
func (s *Service) ListVersions(ctx context.Context) ([]DatasetVersion, error) {
	versions, err := s.store.ListVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, nil
}

// ListQuestions returns questions matching the query.
func (s *Service) ListQuestions(ctx context.Context, query ListQuestionsQuery) ([]*Question, int, error) {
	questions, total, err := s.store.ListQuestions(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list questions: %w", err)
	}
	return questions, total, nil
}

// ImportQuestions reads rows from an external source and stores them as
// questions of one dataset version. Unmapped or blank columns fall back to
// defaults: a generated id, text type, the row number as position and
// valid. Rows without a body are errors.
func (s *Service) ImportQuestions(ctx context.Context, input ImportOptions) (*ImportResult, error) {
	if input.DatasetID == "" {
		return nil, fmt.Errorf("dataset id is required")
	}
	if input.Version <= 0 {
		input.Version = 1
	}
	if input.Columns == (ColumnMapping{}) {
		input.Columns = DefaultColumnMapping()
	}

	source, err := NewSource(input.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to create data source: %w", err)
	}

	reader, err := source.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read data source: %w", err)
	}
	defer reader.Close()

	parser, err := NewParser(input.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create parser: %w", err)
	}

	rows, errs := parser.Parse(reader, input.Options)

	result := &ImportResult{}
	now := time.Now().UTC()
	var questions []*Question

	rowNum := 0
	for row := range rows {
		rowNum++
		if input.MaxRows > 0 && rowNum > input.MaxRows {
			result.SkippedCount++
			continue
		}

		q, err := questionFromRow(row, input.Columns, rowNum)
		if err != nil {
			if !input.SkipInvalid {
				go drain(rows)
				return nil, fmt.Errorf("row %d: %w", rowNum, err)
			}
			result.Errors = append(result.Errors, ImportError{RowNumber: rowNum, ErrorMessage: err.Error()})
			result.ErrorCount++
			continue
		}
		q.DatasetID = input.DatasetID
		q.Version = input.Version
		q.CreatedAt = now
		questions = append(questions, q)
	}

	if err := <-errs; err != nil {
		if !input.SkipInvalid {
			return nil, fmt.Errorf("parse error: %w", err)
		}
		result.Errors = append(result.Errors, ImportError{RowNumber: rowNum + 1, ErrorMessage: err.Error()})
		result.ErrorCount++
	}

	if len(questions) > 0 {
		if err := s.store.AddQuestions(ctx, questions); err != nil {
			return nil, fmt.Errorf("failed to add questions: %w", err)
		}
		result.ImportedCount = len(questions)
	}

	s.logger.InfoContext(ctx, "imported questions",
		"dataset_id", input.DatasetID,
		"version", input.Version,
		"format", input.Format.String(),
		"imported", result.ImportedCount,
		"skipped", result.SkippedCount,
		"errors", result.ErrorCount,
	)

	return result, nil
}

func drain(rows <-chan Row) {
	for range rows {
	}
}

func questionFromRow(row Row, cols ColumnMapping, rowNum int) (*Question, error) {
	body := strings.TrimSpace(stringField(row, cols.Body))
	if body == "" {
		return nil, fmt.Errorf("missing question body in column %q", cols.Body)
	}

	q := &Question{
		ID:              stringField(row, cols.ID),
		Body:            body,
		Type:            ParseQuestionType(stringField(row, cols.Type)),
		ReferenceAnswer: stringField(row, cols.ReferenceAnswer),
		Position:        rowNum,
		IsValid:         true,
	}
	if q.ID == "" {
		q.ID = uuid.New().String()
	}

	if v, ok := row[cols.Position]; ok && v != nil && stringField(row, cols.Position) != "" {
		pos, err := intValue(v)
		if err != nil {
			return nil, fmt.Errorf("invalid position: %w", err)
		}
		q.Position = pos
	}

	if v, ok := row[cols.IsValid]; ok && v != nil && stringField(row, cols.IsValid) != "" {
		valid, err := boolValue(v)
		if err != nil {
			return nil, fmt.Errorf("invalid validity flag: %w", err)
		}
		q.IsValid = valid
	}

	return q, nil
}

func stringField(row Row, key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimSpace(cellString(row[key]))
}

func intValue(v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func boolValue(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int64:
		return t != 0, nil
	case float64:
		return t != 0, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(t))
	default:
		return false, fmt.Errorf("unexpected type %T", v)
	}
}
