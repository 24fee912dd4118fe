// Package datasets is the question store: versioned question sets that
// evaluation tasks run against, plus import from external data files.
package datasets

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a dataset version has no questions.
var ErrNotFound = errors.New("not found")

// QuestionType distinguishes multiple-choice from free-text questions.
type QuestionType string

const (
	QuestionTypeChoice QuestionType = "choice"
	QuestionTypeText   QuestionType = "text"
)

// ParseQuestionType maps common spellings to a QuestionType. Unknown or
// empty values are treated as text.
func ParseQuestionType(s string) QuestionType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "choice", "single_choice", "multiple_choice", "选择题", "选择":
		return QuestionTypeChoice
	default:
		return QuestionTypeText
	}
}

// Question is one standard question in a dataset version.
type Question struct {
	ID              string
	DatasetID       string
	Version         int
	Body            string
	Type            QuestionType
	ReferenceAnswer string
	Position        int
	IsValid         bool
	CreatedAt       time.Time
}

// DatasetVersion summarizes one stored dataset version.
type DatasetVersion struct {
	DatasetID      string
	Version        int
	QuestionCount  int
	ValidQuestions int
}

// ListQuestionsQuery filters questions.
type ListQuestionsQuery struct {
	DatasetID string
	Version   int
	ValidOnly bool
	Limit     int
	Offset    int
}

// DataFormat specifies the format of external data.
type DataFormat int

const (
	DataFormatUnspecified DataFormat = iota
	DataFormatCSV
	DataFormatJSONL
	DataFormatParquet
	DataFormatJSON
	DataFormatXLSX
)

var formatNames = map[DataFormat]string{
	DataFormatCSV:     "csv",
	DataFormatJSONL:   "jsonl",
	DataFormatParquet: "parquet",
	DataFormatJSON:    "json",
	DataFormatXLSX:    "xlsx",
}

func (f DataFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "unspecified"
}

// ContentType is the MIME type used when uploading the format.
func (f DataFormat) ContentType() string {
	switch f {
	case DataFormatCSV:
		return "text/csv"
	case DataFormatJSONL:
		return "application/x-ndjson"
	case DataFormatJSON:
		return "application/json"
	case DataFormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

// ParseDataFormat parses a format name such as "csv" or "xlsx".
func ParseDataFormat(s string) (DataFormat, error) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))
	if s == "ndjson" {
		s = "jsonl"
	}
	for f, name := range formatNames {
		if name == s {
			return f, nil
		}
	}
	return DataFormatUnspecified, fmt.Errorf("unsupported format: %q", s)
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (DataFormat, error) {
	return ParseDataFormat(filepath.Ext(path))
}

// DataSource specifies where external data is located. Exactly one field
// should be set.
type DataSource struct {
	LocalFile *LocalFileSource
	S3        *S3Source
	URL       *URLSource
	Inline    *InlineSource
}

// LocalFileSource reads from local filesystem.
type LocalFileSource struct {
	Path string
}

// S3Source reads from Amazon S3.
type S3Source struct {
	Bucket          string
	Key             string
	Region          string
	Endpoint        string // Custom endpoint for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
}

// URLSource reads from an HTTP(S) URL.
type URLSource struct {
	URL     string
	Headers map[string]string
}

// InlineSource provides data directly.
type InlineSource struct {
	Data []byte
}

// FormatOptions controls tabular encoding.
type FormatOptions struct {
	// Delimiter is the CSV field separator; zero means comma.
	Delimiter rune
	HasHeader bool
	// Columns fixes the column order for writers. When empty, writers use
	// the sorted union of row keys.
	Columns []string
	// Sheet selects the XLSX sheet; empty means the first sheet.
	Sheet string
}

// DefaultFormatOptions returns sensible defaults.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{
		Delimiter: ',',
		HasHeader: true,
	}
}

// ColumnMapping names the source columns holding each question field.
type ColumnMapping struct {
	ID              string
	Body            string
	Type            string
	ReferenceAnswer string
	Position        string
	IsValid         string
}

// DefaultColumnMapping matches the column names used by exported files.
func DefaultColumnMapping() ColumnMapping {
	return ColumnMapping{
		ID:              "id",
		Body:            "body",
		Type:            "type",
		ReferenceAnswer: "reference_answer",
		Position:        "position",
		IsValid:         "is_valid",
	}
}

// ImportOptions describes one question import.
type ImportOptions struct {
	DatasetID string
	Version   int
	Source    DataSource
	Format    DataFormat
	Columns   ColumnMapping
	Options   FormatOptions
	// SkipInvalid records bad rows as errors instead of failing the import.
	SkipInvalid bool
	MaxRows     int
}

// ImportResult contains the result of an import operation.
type ImportResult struct {
	ImportedCount int
	SkippedCount  int
	ErrorCount    int
	Errors        []ImportError
}

// ImportError describes an error during import.
type ImportError struct {
	RowNumber    int
	ErrorMessage string
}
