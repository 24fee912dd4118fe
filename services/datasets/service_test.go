package datasets

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/testutil"
)

func TestImportQuestions_CSV(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, testutil.DiscardLogger())
	ctx := context.Background()

	data := "id,body,type,reference_answer,position,is_valid\n" +
		"q1,1+1=? A.1 B.2,choice,B,2,true\n" +
		"q2,Explain recursion,text,,1,\n" +
		"q3,Disabled question,text,,3,false\n"

	result, err := svc.ImportQuestions(ctx, ImportOptions{
		DatasetID: "math",
		Source:    DataSource{Inline: &InlineSource{Data: []byte(data)}},
		Format:    DataFormatCSV,
		Options:   DefaultFormatOptions(),
	})
	if err != nil {
		t.Fatalf("ImportQuestions() error = %v", err)
	}
	if result.ImportedCount != 3 || result.ErrorCount != 0 {
		t.Errorf("result = %+v", result)
	}

	valid, err := store.ListValidQuestions(ctx, "math", 1)
	if err != nil {
		t.Fatalf("ListValidQuestions() error = %v", err)
	}
	if len(valid) != 2 {
		t.Fatalf("got %d valid questions, want 2", len(valid))
	}
	if valid[0].ID != "q2" || valid[1].ID != "q1" {
		t.Errorf("order = [%s %s], want [q2 q1]", valid[0].ID, valid[1].ID)
	}
	if valid[1].Type != QuestionTypeChoice || valid[1].ReferenceAnswer != "B" {
		t.Errorf("q1 = %+v", valid[1])
	}
}

func TestImportQuestions_CustomColumnsAndDefaults(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	data := `{"question": "什么是机器学习？", "answer": "一种方法"}
{"question": "Name a prime", "answer": "2", "kind": "选择题"}
`
	result, err := svc.ImportQuestions(ctx, ImportOptions{
		DatasetID: "mixed",
		Version:   3,
		Source:    DataSource{Inline: &InlineSource{Data: []byte(data)}},
		Format:    DataFormatJSONL,
		Columns:   ColumnMapping{Body: "question", ReferenceAnswer: "answer", Type: "kind"},
	})
	if err != nil {
		t.Fatalf("ImportQuestions() error = %v", err)
	}
	if result.ImportedCount != 2 {
		t.Errorf("imported %d, want 2", result.ImportedCount)
	}

	qs, err := store.ListValidQuestions(ctx, "mixed", 3)
	if err != nil {
		t.Fatalf("ListValidQuestions() error = %v", err)
	}
	if len(qs) != 2 {
		t.Fatalf("got %d questions, want 2", len(qs))
	}
	if qs[0].ID == "" || qs[0].Position != 1 || qs[0].Type != QuestionTypeText {
		t.Errorf("defaults not applied: %+v", qs[0])
	}
	if qs[1].Type != QuestionTypeChoice {
		t.Errorf("type = %s, want choice", qs[1].Type)
	}
}

func TestImportQuestions_InvalidRows(t *testing.T) {
	data := "id,body\nq1,ok\nq2,\nq3,also ok\n"
	src := DataSource{Inline: &InlineSource{Data: []byte(data)}}

	t.Run("strict", func(t *testing.T) {
		svc := NewService(NewMemoryStore(), testutil.DiscardLogger())
		_, err := svc.ImportQuestions(context.Background(), ImportOptions{
			DatasetID: "d", Source: src, Format: DataFormatCSV, Options: DefaultFormatOptions(),
		})
		if err == nil || !strings.Contains(err.Error(), "row 2") {
			t.Errorf("error = %v, want row 2 failure", err)
		}
	})

	t.Run("skip invalid", func(t *testing.T) {
		svc := NewService(NewMemoryStore(), testutil.DiscardLogger())
		result, err := svc.ImportQuestions(context.Background(), ImportOptions{
			DatasetID: "d", Source: src, Format: DataFormatCSV, Options: DefaultFormatOptions(), SkipInvalid: true,
		})
		if err != nil {
			t.Fatalf("ImportQuestions() error = %v", err)
		}
		if result.ImportedCount != 2 || result.ErrorCount != 1 || result.Errors[0].RowNumber != 2 {
			t.Errorf("result = %+v", result)
		}
	})
}

func TestImportQuestions_MaxRows(t *testing.T) {
	svc := NewService(NewMemoryStore(), testutil.DiscardLogger())
	data := "body\na\nb\nc\n"
	result, err := svc.ImportQuestions(context.Background(), ImportOptions{
		DatasetID: "d",
		Source:    DataSource{Inline: &InlineSource{Data: []byte(data)}},
		Format:    DataFormatCSV,
		Options:   DefaultFormatOptions(),
		MaxRows:   2,
	})
	if err != nil {
		t.Fatalf("ImportQuestions() error = %v", err)
	}
	if result.ImportedCount != 2 || result.SkippedCount != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestImportQuestions_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.csv")
	if err := os.WriteFile(path, []byte("body\nhello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := openSQLStore(t)
	svc := NewService(store, testutil.DiscardLogger())
	result, err := svc.ImportQuestions(context.Background(), ImportOptions{
		DatasetID: "file",
		Source:    DataSource{LocalFile: &LocalFileSource{Path: path}},
		Format:    DataFormatCSV,
		Options:   DefaultFormatOptions(),
	})
	if err != nil {
		t.Fatalf("ImportQuestions() error = %v", err)
	}
	if result.ImportedCount != 1 {
		t.Errorf("imported %d, want 1", result.ImportedCount)
	}

	versions, err := svc.ListVersions(context.Background())
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 1 || versions[0].DatasetID != "file" || versions[0].Version != 1 {
		t.Errorf("versions = %+v", versions)
	}
}

func TestImportQuestions_NoSource(t *testing.T) {
	svc := NewService(NewMemoryStore(), testutil.DiscardLogger())
	if _, err := svc.ImportQuestions(context.Background(), ImportOptions{DatasetID: "d", Format: DataFormatCSV}); err == nil {
		t.Error("expected error without a source")
	}
	if _, err := svc.ImportQuestions(context.Background(), ImportOptions{}); err == nil {
		t.Error("expected error without a dataset id")
	}
}

func TestLocalFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.csv")
	sink, err := NewSink(DataSource{LocalFile: &LocalFileSource{Path: path}})
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}
	if err := sink.Write(context.Background(), strings.NewReader("x\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "x\n" {
		t.Errorf("file = %q, %v", got, err)
	}
	if sink.URI() != path {
		t.Errorf("URI() = %q, want %q", sink.URI(), path)
	}

	if _, err := NewSink(DataSource{Inline: &InlineSource{}}); err == nil {
		t.Error("expected error for inline destination")
	}
}
