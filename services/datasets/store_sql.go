package datasets

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math"
	"time"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/database"
)

//go:embed migrations
var migrations embed.FS

// MigrationSchema prefixes the datasets migration bookkeeping table.
const MigrationSchema = "datasets"

// SQLStore is a PostgreSQL or SQLite implementation of Store.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates a SQL-backed question store.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate applies the question schema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return database.Migrate(ctx, s.db, MigrationSchema, migrations)
}

const questionColumns = `id, dataset_id, version, body, question_type, reference_answer, position, is_valid, created_at`

// AddQuestions inserts questions in one transaction.
func (s *SQLStore) AddQuestions(ctx context.Context, questions []*Question) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.db.Rebind(`
		INSERT INTO questions (`+questionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, q := range questions {
		created := q.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx,
			q.ID, q.DatasetID, q.Version, q.Body, string(q.Type),
			q.ReferenceAnswer, q.Position, q.IsValid, created,
		); err != nil {
			return fmt.Errorf("failed to insert question %s: %w", q.ID, err)
		}
	}

	return tx.Commit()
}

// ListQuestions returns questions matching the query.
func (s *SQLStore) ListQuestions(ctx context.Context, query ListQuestionsQuery) ([]*Question, int, error) {
	where := `WHERE dataset_id = $1 AND version = $2`
	if query.ValidOnly {
		where += ` AND is_valid = TRUE`
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM questions `+where),
		query.DatasetID, query.Version).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count questions: %w", err)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+questionColumns+` FROM questions `+where+`
		ORDER BY position, id
		LIMIT $3 OFFSET $4
	`), query.DatasetID, query.Version, limit, query.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list questions: %w", err)
	}
	defer rows.Close()

	var out []*Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, q)
	}
	return out, total, rows.Err()
}

// ListValidQuestions returns the ordered valid questions of a version.
func (s *SQLStore) ListValidQuestions(ctx context.Context, datasetID string, version int) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+questionColumns+` FROM questions
		WHERE dataset_id = $1 AND version = $2 AND is_valid = TRUE
		ORDER BY position, id
	`), datasetID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list valid questions: %w", err)
	}
	defer rows.Close()

	var out []Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// ListVersions summarizes every stored dataset version.
func (s *SQLStore) ListVersions(ctx context.Context) ([]DatasetVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dataset_id, version, COUNT(*),
		       SUM(CASE WHEN is_valid THEN 1 ELSE 0 END)
		FROM questions
		GROUP BY dataset_id, version
		ORDER BY dataset_id, version
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var out []DatasetVersion
	for rows.Next() {
		var v DatasetVersion
		if err := rows.Scan(&v.DatasetID, &v.Version, &v.QuestionCount, &v.ValidQuestions); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SetValidity flips a question's validity flag.
func (s *SQLStore) SetValidity(ctx context.Context, id string, valid bool) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE questions SET is_valid = $1 WHERE id = $2`), valid, id)
	if err != nil {
		return fmt.Errorf("failed to update question: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("question %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteVersion removes a dataset version.
func (s *SQLStore) DeleteVersion(ctx context.Context, datasetID string, version int) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM questions WHERE dataset_id = $1 AND version = $2`),
		datasetID, version)
	if err != nil {
		return 0, fmt.Errorf("failed to delete questions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, fmt.Errorf("dataset %s version %d: %w", datasetID, version, ErrNotFound)
	}
	return int(n), nil
}

func scanQuestion(rows *sql.Rows) (*Question, error) {
	var q Question
	var qtype string
	if err := rows.Scan(&q.ID, &q.DatasetID, &q.Version, &q.Body, &qtype,
		&q.ReferenceAnswer, &q.Position, &q.IsValid, &q.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan question: %w", err)
	}
	q.Type = QuestionType(qtype)
	return &q, nil
}
