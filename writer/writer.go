// Package writer persists DataItems to disk, dispatching on file extension:
// .csv flattens Values into rows over the sorted union of keys across all
// items; .jsonl writes one JSON object per line; anything else (including
// .json) writes a single indented JSON array with one object per item.
package writer

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lucaromagnoli/dataservice"
)

// Write persists items to path, choosing the encoding from path's extension.
func Write(path string, items []dataservice.DataItem) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return writeCSV(path, items)
	case ".jsonl":
		return writeJSONLines(path, items)
	default:
		return writeJSON(path, items)
	}
}

func writeJSON(path string, items []dataservice.DataItem) error {
	records := make([]any, 0, len(items))
	for _, item := range items {
		records = append(records, recordOf(item))
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("writer: encoding %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func writeJSONLines(path string, items []dataservice.DataItem) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writer: creating %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, item := range items {
		if err := enc.Encode(recordOf(item)); err != nil {
			return fmt.Errorf("writer: encoding row: %w", err)
		}
	}
	return nil
}

func writeCSV(path string, items []dataservice.DataItem) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writer: creating %s: %w", path, err)
	}
	defer f.Close()

	keys := sortedKeyUnion(items)
	w := csv.NewWriter(f)
	if err := w.Write(keys); err != nil {
		return fmt.Errorf("writer: writing header: %w", err)
	}
	for _, item := range items {
		row := make([]string, len(keys))
		for i, k := range keys {
			if v, ok := item.Values[k]; ok {
				row[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("writer: writing row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// recordOf prefers Record (a wrapped user struct) when present, otherwise
// falls back to the Values map, matching DataItem's two construction paths
// (NewDataItem vs WrapRecord).
func recordOf(item dataservice.DataItem) any {
	if item.Record != nil {
		return item.Record
	}
	return item.Values
}

func sortedKeyUnion(items []dataservice.DataItem) []string {
	seen := make(map[string]struct{})
	for _, item := range items {
		for k := range item.Values {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
