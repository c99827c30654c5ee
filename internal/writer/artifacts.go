package writer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SnapshotTimeFormat stamps processed dataset snapshots, e.g. train_20251030_143000.json
const SnapshotTimeFormat = "20060102_150405"

// WriteJSON writes v as indented UTF-8 JSON with a trailing newline.
// The file is written to a temp path and renamed so readers never see a partial artifact.
func WriteJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", tmpPath, err)
	}
	return nil
}

// ProcessedSnapshot is the on-disk shape of processed/<prefix>_<ts>.json
type ProcessedSnapshot struct {
	Records    any `json:"records"`
	Validation any `json:"validation"`
}

// SaveProcessedSnapshot writes records and their validation report to
// dir/<prefix>_<UTC timestamp>.json and returns the path
func SaveProcessedSnapshot(dir, prefix string, records, validation any, now time.Time) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", prefix, now.UTC().Format(SnapshotTimeFormat)))
	if err := WriteJSON(path, ProcessedSnapshot{Records: records, Validation: validation}); err != nil {
		return "", err
	}
	return path, nil
}
