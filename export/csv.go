// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// TranscodeJSONToCSV reads a JSON array of objects from r and writes
// it as CSV to w. Nested objects flatten into slash-joined columns
// (user/id) and arrays into indexed ones (categories/0/name); columns
// are the sorted union across all rows, with empty cells where a row
// lacks a column. Numbers pass through verbatim.
//
// Any input that is not an array of objects fails; callers keep the
// original JSON in that case.
func TranscodeJSONToCSV(r io.Reader, w io.Writer) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var rows []any
	if err := dec.Decode(&rows); err != nil {
		return fmt.Errorf("export: csv transcode: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("export: csv transcode: trailing data after array")
	}

	flattened := make([]map[string]string, 0, len(rows))
	columnSet := map[string]bool{}
	for i, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			return fmt.Errorf("export: csv transcode: element %d is not an object", i)
		}
		flat := map[string]string{}
		flattenValue("", obj, flat)
		for column := range flat {
			columnSet[column] = true
		}
		flattened = append(flattened, flat)
	}

	columns := make([]string, 0, len(columnSet))
	for column := range columnSet {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("export: csv transcode: %w", err)
	}
	record := make([]string, len(columns))
	for _, flat := range flattened {
		for i, column := range columns {
			record[i] = flat[column]
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("export: csv transcode: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: csv transcode: %w", err)
	}
	return nil
}

func flattenValue(prefix string, v any, out map[string]string) {
	switch value := v.(type) {
	case map[string]any:
		for key, child := range value {
			flattenValue(joinColumn(prefix, key), child, out)
		}
	case []any:
		for i, child := range value {
			flattenValue(joinColumn(prefix, fmt.Sprintf("%d", i)), child, out)
		}
	case nil:
		out[prefix] = ""
	case bool:
		if value {
			out[prefix] = "true"
		} else {
			out[prefix] = "false"
		}
	case json.Number:
		out[prefix] = value.String()
	case string:
		out[prefix] = value
	}
}

func joinColumn(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
