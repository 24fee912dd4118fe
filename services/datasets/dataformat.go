package datasets

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"
)

// Row represents a single row of data with named fields.
type Row map[string]interface{}

// Parser reads data in a specific format and returns rows.
type Parser interface {
	// Parse reads from the reader and returns rows through a channel.
	// The channel is closed when parsing is complete or on error.
	Parse(r io.Reader, opts FormatOptions) (<-chan Row, <-chan error)
}

// Writer writes rows in a specific format.
type Writer interface {
	// Write writes rows to the writer.
	Write(w io.Writer, rows []Row, opts FormatOptions) error
}

// NewParser creates a parser for the given format.
func NewParser(format DataFormat) (Parser, error) {
	switch format {
	case DataFormatCSV:
		return &CSVParser{}, nil
	case DataFormatJSONL:
		return &JSONLParser{}, nil
	case DataFormatJSON:
		return &JSONParser{}, nil
	case DataFormatParquet:
		return &ParquetParser{}, nil
	case DataFormatXLSX:
		return &XLSXParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %v", format)
	}
}

// NewWriter creates a writer for the given format.
func NewWriter(format DataFormat) (Writer, error) {
	switch format {
	case DataFormatCSV:
		return &CSVWriter{}, nil
	case DataFormatJSONL:
		return &JSONLWriter{}, nil
	case DataFormatJSON:
		return &JSONWriter{}, nil
	case DataFormatParquet:
		return &ParquetWriter{}, nil
	case DataFormatXLSX:
		return &XLSXWriter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %v", format)
	}
}

// columnsFor returns opts.Columns, or the sorted union of row keys.
func columnsFor(rows []Row, opts FormatOptions) []string {
	if len(opts.Columns) > 0 {
		return opts.Columns
	}
	set := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			set[k] = true
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func cellString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func rowFromRecord(headers, record []string) Row {
	row := make(Row, len(record))
	for i, value := range record {
		var key string
		if headers != nil && i < len(headers) {
			key = headers[i]
		} else {
			key = fmt.Sprintf("col%d", i)
		}
		row[key] = inferType(value)
	}
	return row
}

// inferType tries to convert a string to a more specific type.
func inferType(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// CSVParser parses CSV data.
type CSVParser struct{}

// Parse reads CSV data and returns rows.
func (p *CSVParser) Parse(r io.Reader, opts FormatOptions) (<-chan Row, <-chan error) {
	rows := make(chan Row, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(rows)
		defer close(errs)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.LazyQuotes = true
		reader.TrimLeadingSpace = true
		reader.FieldsPerRecord = -1

		var headers []string
		if opts.HasHeader {
			var err error
			headers, err = reader.Read()
			if err != nil {
				errs <- fmt.Errorf("failed to read CSV header: %w", err)
				return
			}
		}

		rowNum := 0
		for {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			rowNum++
			if err != nil {
				errs <- fmt.Errorf("failed to read CSV row %d: %w", rowNum, err)
				return
			}
			rows <- rowFromRecord(headers, record)
		}
	}()

	return rows, errs
}

// CSVWriter writes data as CSV.
type CSVWriter struct{}

// Write writes rows as CSV.
func (w *CSVWriter) Write(wr io.Writer, rows []Row, opts FormatOptions) error {
	writer := csv.NewWriter(wr)
	if opts.Delimiter != 0 {
		writer.Comma = opts.Delimiter
	}

	headers := columnsFor(rows, opts)
	if opts.HasHeader {
		if err := writer.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
	}

	for i, row := range rows {
		record := make([]string, len(headers))
		for j, h := range headers {
			record[j] = cellString(row[h])
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// JSONLParser parses JSON Lines data (one JSON object per line).
type JSONLParser struct{}

// Parse reads JSONL data and returns rows.
func (p *JSONLParser) Parse(r io.Reader, opts FormatOptions) (<-chan Row, <-chan error) {
	rows := make(chan Row, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(rows)
		defer close(errs)

		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 10*1024*1024) // 10MB max line size

		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var row Row
			if err := sonic.Unmarshal(line, &row); err != nil {
				errs <- fmt.Errorf("failed to parse JSON on line %d: %w", lineNum, err)
				return
			}
			rows <- row
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("error reading JSONL: %w", err)
		}
	}()

	return rows, errs
}

// JSONLWriter writes data as JSON Lines.
type JSONLWriter struct{}

// Write writes rows as JSONL.
func (w *JSONLWriter) Write(wr io.Writer, rows []Row, opts FormatOptions) error {
	encoder := sonic.ConfigStd.NewEncoder(wr)
	for i, row := range rows {
		if err := encoder.Encode(row); err != nil {
			return fmt.Errorf("failed to encode row %d: %w", i, err)
		}
	}
	return nil
}

// JSONParser parses a JSON array of objects.
type JSONParser struct{}

// Parse reads JSON array data and returns rows.
func (p *JSONParser) Parse(r io.Reader, opts FormatOptions) (<-chan Row, <-chan error) {
	rows := make(chan Row, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(rows)
		defer close(errs)

		var data []Row
		if err := sonic.ConfigStd.NewDecoder(r).Decode(&data); err != nil {
			errs <- fmt.Errorf("failed to parse JSON array: %w", err)
			return
		}

		for _, row := range data {
			rows <- row
		}
	}()

	return rows, errs
}

// JSONWriter writes data as a JSON array.
type JSONWriter struct{}

// Write writes rows as a JSON array.
func (w *JSONWriter) Write(wr io.Writer, rows []Row, opts FormatOptions) error {
	if rows == nil {
		rows = []Row{}
	}
	encoder := sonic.ConfigStd.NewEncoder(wr)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rows)
}

// ParquetParser parses Parquet data. Every top-level column becomes a row
// key; nested columns are keyed by their dotted path.
type ParquetParser struct{}

// Parse reads Parquet data and returns rows.
func (p *ParquetParser) Parse(r io.Reader, opts FormatOptions) (<-chan Row, <-chan error) {
	rows := make(chan Row, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(rows)
		defer close(errs)

		// parquet-go requires io.ReaderAt
		data, err := io.ReadAll(r)
		if err != nil {
			errs <- fmt.Errorf("failed to read parquet data: %w", err)
			return
		}

		file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			errs <- fmt.Errorf("failed to open parquet file: %w", err)
			return
		}

		names := columnNames(file.Schema())
		reader := parquet.NewReader(file)
		defer reader.Close()

		buffer := make([]parquet.Row, 100)
		for {
			n, err := reader.ReadRows(buffer)
			for _, values := range buffer[:n] {
				row := make(Row, len(names))
				for _, v := range values {
					col := v.Column()
					if col < 0 || col >= len(names) {
						continue
					}
					row[names[col]] = parquetValue(v)
				}
				rows <- row
			}
			if err == io.EOF || (err == nil && n == 0) {
				return
			}
			if err != nil {
				errs <- fmt.Errorf("failed to read parquet rows: %w", err)
				return
			}
		}
	}()

	return rows, errs
}

func columnNames(schema *parquet.Schema) []string {
	paths := schema.Columns()
	names := make([]string, len(paths))
	for i, path := range paths {
		name := path[0]
		for _, p := range path[1:] {
			name += "." + p
		}
		names[i] = name
	}
	return names
}

func parquetValue(v parquet.Value) interface{} {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}

// ParquetWriter writes data as Parquet. Column types are inferred from the
// values: all-bool, all-integer and all-number columns keep their type,
// anything else is written as strings. Every column is optional.
type ParquetWriter struct{}

type parquetKind int

const (
	kindUnknown parquetKind = iota
	kindBool
	kindInt
	kindFloat
	kindString
)

func kindOf(v interface{}) parquetKind {
	switch v.(type) {
	case nil:
		return kindUnknown
	case bool:
		return kindBool
	case int, int32, int64:
		return kindInt
	case float32, float64:
		return kindFloat
	default:
		return kindString
	}
}

func mergeKind(a, b parquetKind) parquetKind {
	switch {
	case a == kindUnknown:
		return b
	case b == kindUnknown || a == b:
		return a
	case (a == kindInt && b == kindFloat) || (a == kindFloat && b == kindInt):
		return kindFloat
	default:
		return kindString
	}
}

// Write writes rows as Parquet.
func (w *ParquetWriter) Write(wr io.Writer, rows []Row, opts FormatOptions) error {
	cols := columnsFor(rows, opts)
	kinds := make(map[string]parquetKind, len(cols))
	for _, row := range rows {
		for _, c := range cols {
			kinds[c] = mergeKind(kinds[c], kindOf(row[c]))
		}
	}

	group := make(parquet.Group, len(cols))
	for _, c := range cols {
		var node parquet.Node
		switch kinds[c] {
		case kindBool:
			node = parquet.Leaf(parquet.BooleanType)
		case kindInt:
			node = parquet.Int(64)
		case kindFloat:
			node = parquet.Leaf(parquet.DoubleType)
		default:
			node = parquet.String()
		}
		group[c] = parquet.Optional(node)
	}
	schema := parquet.NewSchema("row", group)

	// Group orders leaf columns by name.
	index := make(map[string]int, len(cols))
	for i, path := range schema.Columns() {
		index[path[0]] = i
	}

	writer := parquet.NewWriter(wr, schema)
	out := make([]parquet.Row, 0, len(rows))
	for _, row := range rows {
		values := make(parquet.Row, len(cols))
		for _, c := range cols {
			i := index[c]
			v := row[c]
			if v == nil {
				values[i] = parquet.NullValue().Level(0, 0, i)
				continue
			}
			values[i] = parquet.ValueOf(convertForKind(v, kinds[c])).Level(0, 1, i)
		}
		out = append(out, values)
	}

	if _, err := writer.WriteRows(out); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

func convertForKind(v interface{}, k parquetKind) interface{} {
	switch k {
	case kindBool:
		return v.(bool)
	case kindInt:
		switch t := v.(type) {
		case int:
			return int64(t)
		case int32:
			return int64(t)
		}
		return v.(int64)
	case kindFloat:
		switch t := v.(type) {
		case int:
			return float64(t)
		case int32:
			return float64(t)
		case int64:
			return float64(t)
		case float32:
			return float64(t)
		}
		return v.(float64)
	default:
		return cellString(v)
	}
}

// XLSXParser parses one sheet of an Excel workbook.
type XLSXParser struct{}

// Parse reads the sheet named by opts.Sheet, or the first sheet.
func (p *XLSXParser) Parse(r io.Reader, opts FormatOptions) (<-chan Row, <-chan error) {
	rows := make(chan Row, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(rows)
		defer close(errs)

		f, err := excelize.OpenReader(r)
		if err != nil {
			errs <- fmt.Errorf("failed to open workbook: %w", err)
			return
		}
		defer f.Close()

		sheet := opts.Sheet
		if sheet == "" {
			sheets := f.GetSheetList()
			if len(sheets) == 0 {
				errs <- fmt.Errorf("workbook has no sheets")
				return
			}
			sheet = sheets[0]
		}

		records, err := f.GetRows(sheet)
		if err != nil {
			errs <- fmt.Errorf("failed to read sheet %q: %w", sheet, err)
			return
		}

		var headers []string
		if opts.HasHeader && len(records) > 0 {
			headers = records[0]
			records = records[1:]
		}
		for _, record := range records {
			if len(record) == 0 {
				continue
			}
			rows <- rowFromRecord(headers, record)
		}
	}()

	return rows, errs
}

// XLSXWriter writes rows to a single-sheet workbook.
type XLSXWriter struct{}

// Write writes rows as XLSX.
func (w *XLSXWriter) Write(wr io.Writer, rows []Row, opts FormatOptions) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Sheet1"
	if opts.Sheet != "" && opts.Sheet != sheet {
		if err := f.SetSheetName(sheet, opts.Sheet); err != nil {
			return fmt.Errorf("failed to name sheet: %w", err)
		}
		sheet = opts.Sheet
	}

	headers := columnsFor(rows, opts)
	line := 1
	if opts.HasHeader {
		header := make([]interface{}, len(headers))
		for i, h := range headers {
			header[i] = h
		}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		line++
	}

	for i, row := range rows {
		cells := make([]interface{}, len(headers))
		for j, h := range headers {
			cells[j] = row[h]
		}
		cell, err := excelize.CoordinatesToCellName(1, line)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
		line++
	}

	if _, err := f.WriteTo(wr); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
