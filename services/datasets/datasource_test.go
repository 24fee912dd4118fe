package datasets

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func readAll(t *testing.T, src Source) string {
	t.Helper()
	rc, err := src.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return string(data)
}

func TestURLSource_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "body\nq1\n")
	}))
	defer srv.Close()

	src, err := NewSource(DataSource{URL: &URLSource{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}}})
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if got := readAll(t, src); got != "body\nq1\n" {
		t.Errorf("body = %q", got)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestURLSource_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src, err := NewSource(DataSource{URL: &URLSource{URL: srv.URL}})
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if _, err := src.Read(context.Background()); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("Read() error = %v, want status 404", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestNewSource_Validation(t *testing.T) {
	tests := []struct {
		name string
		ds   DataSource
	}{
		{"empty", DataSource{}},
		{"empty url", DataSource{URL: &URLSource{}}},
		{"s3 without key", DataSource{S3: &S3Source{Bucket: "b"}}},
		{"s3 without bucket", DataSource{S3: &S3Source{Key: "k.csv"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSource(tt.ds); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestS3Sink_URI(t *testing.T) {
	sink, err := NewSink(DataSource{S3: &S3Source{Bucket: "results", Key: "runs/t1.parquet"}})
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}
	if got := sink.URI(); got != "s3://results/runs/t1.parquet" {
		t.Errorf("URI() = %q", got)
	}
}

func TestLocalFileSink_Replaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")
	if err := os.WriteFile(path, []byte("old contents that are longer\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink, err := NewSink(DataSource{LocalFile: &LocalFileSource{Path: path}})
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}
	if err := sink.Write(context.Background(), strings.NewReader("new\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil || string(got) != "new\n" {
		t.Errorf("file = %q, %v", got, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the export", len(entries))
	}
}

func TestDataFormat_ContentType(t *testing.T) {
	if got := DataFormatCSV.ContentType(); got != "text/csv" {
		t.Errorf("csv content type = %q", got)
	}
	if got := DataFormatParquet.ContentType(); got != "application/octet-stream" {
		t.Errorf("parquet content type = %q", got)
	}
}
