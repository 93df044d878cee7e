package mirror

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/labrun/internal/jsonsafe"
)

// EncodeCSV renders rows with a header taken from the first row's keys in
// sorted order. Keys missing from later rows become empty cells; keys only
// later rows carry are dropped. Object and array cells are JSON encoded.
func EncodeCSV(rows []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if len(rows) == 0 {
		return buf.Bytes(), nil
	}
	header := jsonsafe.SortedKeys(rows[0])
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(header))
	for i, row := range rows {
		for j, col := range header {
			cell, err := formatCell(row[col])
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i, col, err)
			}
			record[j] = cell
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatCell(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case json.Number:
		return x.String(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeCSV parses a CSV document with a header row. Cells holding a JSON
// object or array decode to that value; every other cell stays a string.
func DecodeCSV(raw []byte) ([]map[string]any, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return []map[string]any{}, nil
	}
	header := records[0]
	rows := make([]map[string]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(header))
		for i, col := range header {
			cell := ""
			if i < len(rec) {
				cell = rec[i]
			}
			row[col] = parseCell(cell)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseCell(cell string) any {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return cell
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return cell
	}
	switch v.(type) {
	case map[string]any, []any:
		return v
	}
	return cell
}
