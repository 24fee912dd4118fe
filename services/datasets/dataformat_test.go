package datasets

import (
	"bytes"
	"strings"
	"testing"
)

func collect(t *testing.T, p Parser, data []byte, opts FormatOptions) []Row {
	t.Helper()
	rows, errs := p.Parse(bytes.NewReader(data), opts)
	var out []Row
	for row := range rows {
		out = append(out, row)
	}
	if err := <-errs; err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return out
}

func TestCSVParser(t *testing.T) {
	data := "id,body,position,is_valid\nq1,\"What is 2+2?\",1,true\nq2,Capital of France,2,false\n"
	rows := collect(t, &CSVParser{}, []byte(data), DefaultFormatOptions())

	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0]["body"] != "What is 2+2?" {
		t.Errorf("body = %v", rows[0]["body"])
	}
	if rows[0]["position"] != int64(1) {
		t.Errorf("position = %#v, want int64(1)", rows[0]["position"])
	}
	if rows[1]["is_valid"] != false {
		t.Errorf("is_valid = %#v, want false", rows[1]["is_valid"])
	}
}

func TestCSVParser_NoHeader(t *testing.T) {
	rows := collect(t, &CSVParser{}, []byte("a;b\n"), FormatOptions{Delimiter: ';'})
	if len(rows) != 1 || rows[0]["col0"] != "a" || rows[0]["col1"] != "b" {
		t.Errorf("unexpected rows: %v", rows)
	}
}

func TestCSVWriter_ColumnOrder(t *testing.T) {
	rows := []Row{
		{"score": 85.5, "id": "a1", "note": nil},
		{"score": int64(70), "id": "a2", "note": "late"},
	}

	var buf bytes.Buffer
	opts := FormatOptions{HasHeader: true, Columns: []string{"id", "score", "note"}}
	if err := (&CSVWriter{}).Write(&buf, rows, opts); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	want := "id,score,note\na1,85.5,\na2,70,late\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestCSVWriter_SortedHeaderWithoutColumns(t *testing.T) {
	var buf bytes.Buffer
	if err := (&CSVWriter{}).Write(&buf, []Row{{"b": 1, "a": 2}}, DefaultFormatOptions()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "a,b\n") {
		t.Errorf("header not sorted: %q", buf.String())
	}
}

func TestJSONL_RoundTrip(t *testing.T) {
	rows := []Row{{"id": "q1", "body": "你好"}, {"id": "q2", "body": "second"}}

	var buf bytes.Buffer
	if err := (&JSONLWriter{}).Write(&buf, rows, FormatOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Errorf("got %d lines, want 2", got)
	}

	parsed := collect(t, &JSONLParser{}, buf.Bytes(), FormatOptions{})
	if len(parsed) != 2 || parsed[0]["body"] != "你好" {
		t.Errorf("unexpected rows: %v", parsed)
	}
}

func TestJSONLParser_SkipsBlankLinesAndReportsBadLine(t *testing.T) {
	rows := collect(t, &JSONLParser{}, []byte("{\"a\":1}\n\n{\"a\":2}\n"), FormatOptions{})
	if len(rows) != 2 {
		t.Errorf("got %d rows, want 2", len(rows))
	}

	ch, errs := (&JSONLParser{}).Parse(strings.NewReader("{\"a\":1}\nnot json\n"), FormatOptions{})
	for range ch {
	}
	err := <-errs
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error = %v, want line 2 failure", err)
	}
}

func TestJSON_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := (&JSONWriter{}).Write(&buf, nil, FormatOptions{}); err != nil {
		t.Fatalf("Write(nil) error = %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty export = %q, want []", buf.String())
	}

	buf.Reset()
	if err := (&JSONWriter{}).Write(&buf, []Row{{"score": 77.0}}, FormatOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	rows := collect(t, &JSONParser{}, buf.Bytes(), FormatOptions{})
	if len(rows) != 1 || rows[0]["score"] != 77.0 {
		t.Errorf("unexpected rows: %v", rows)
	}
}

func TestParquet_RoundTrip(t *testing.T) {
	rows := []Row{
		{"id": "q1", "position": int64(1), "score": 88.5, "is_valid": true},
		{"id": "q2", "position": int64(2), "score": nil, "is_valid": false},
	}

	var buf bytes.Buffer
	if err := (&ParquetWriter{}).Write(&buf, rows, FormatOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	parsed := collect(t, &ParquetParser{}, buf.Bytes(), FormatOptions{})
	if len(parsed) != 2 {
		t.Fatalf("got %d rows, want 2", len(parsed))
	}
	if parsed[0]["id"] != "q1" || parsed[0]["position"] != int64(1) || parsed[0]["score"] != 88.5 {
		t.Errorf("row 0 = %v", parsed[0])
	}
	if parsed[1]["score"] != nil || parsed[1]["is_valid"] != false {
		t.Errorf("row 1 = %v", parsed[1])
	}
}

func TestXLSX_RoundTrip(t *testing.T) {
	rows := []Row{
		{"id": "q1", "body": "第一题", "position": int64(1)},
		{"id": "q2", "body": "second", "position": int64(2)},
	}

	var buf bytes.Buffer
	opts := FormatOptions{HasHeader: true, Columns: []string{"id", "body", "position"}, Sheet: "questions"}
	if err := (&XLSXWriter{}).Write(&buf, rows, opts); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	parsed := collect(t, &XLSXParser{}, buf.Bytes(), FormatOptions{HasHeader: true})
	if len(parsed) != 2 {
		t.Fatalf("got %d rows, want 2", len(parsed))
	}
	if parsed[0]["body"] != "第一题" || parsed[1]["position"] != int64(2) {
		t.Errorf("unexpected rows: %v", parsed)
	}
}

func TestNewParser_Unsupported(t *testing.T) {
	if _, err := NewParser(DataFormatUnspecified); err == nil {
		t.Error("expected error for unspecified format")
	}
	if _, err := NewWriter(DataFormat(99)); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path string
		want DataFormat
		ok   bool
	}{
		{"questions.csv", DataFormatCSV, true},
		{"out/results.JSONL", DataFormatJSONL, true},
		{"a.ndjson", DataFormatJSONL, true},
		{"a.parquet", DataFormatParquet, true},
		{"report.xlsx", DataFormatXLSX, true},
		{"notes.txt", DataFormatUnspecified, false},
	}
	for _, tt := range tests {
		got, err := FormatFromPath(tt.path)
		if (err == nil) != tt.ok {
			t.Errorf("FormatFromPath(%q) error = %v", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("FormatFromPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
