package dataset

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileType is the on-disk encoding of a dataset file
type FileType string

const (
	FileJSON  FileType = "json"
	FileJSONL FileType = "jsonl"
	FileCSV   FileType = "csv"
	FileTXT   FileType = "txt"
)

// SupportedFileTypes lists the loadable encodings
var SupportedFileTypes = []FileType{FileJSON, FileJSONL, FileCSV, FileTXT}

const maxLineSize = 16 * 1024 * 1024

// DetectFileType returns explicit when set, otherwise the file extension
func DetectFileType(path string, explicit string) (FileType, error) {
	ft := FileType(strings.ToLower(strings.TrimSpace(explicit)))
	if ft == "" {
		ft = FileType(strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")))
	}
	for _, known := range SupportedFileTypes {
		if ft == known {
			return ft, nil
		}
	}
	return "", fmt.Errorf("unsupported file type: %q (supported: json, jsonl, csv, txt)", ft)
}

// LoadFile reads path into raw records. TXT parsing depends on format:
// sharegpt splits on "---" lines, everything else is one sample per line.
func LoadFile(path, fileType string, format Format, logger *slog.Logger) ([]Record, error) {
	ft, err := DetectFileType(path, fileType)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []Record
	switch ft {
	case FileJSON:
		records, err = DecodeJSON(f)
	case FileJSONL:
		records, err = DecodeJSONL(f, 0)
	case FileCSV:
		records, err = decodeCSV(f)
	case FileTXT:
		records, err = decodeTXT(f, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s file %s: %w", ft, path, err)
	}

	logger.Info("Loaded dataset file", "path", path, "type", ft, "samples", len(records))
	return records, nil
}

// LoadAndFormat loads a file and converts it to canonical samples in one step
func LoadAndFormat(path, fileType string, format Format, logger *slog.Logger) ([]Sample, error) {
	records, err := LoadFile(path, fileType, format, logger)
	if err != nil {
		return nil, err
	}
	samples, err := FormatRecords(records, format)
	if err != nil {
		return nil, err
	}
	logger.Info("Processed samples", "path", path, "format", format, "samples", len(samples))
	return samples, nil
}

// DecodeJSON decodes a JSON array of objects
func DecodeJSON(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var records []Record
	if err := dec.Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}

// DecodeJSONL decodes one object per non-blank line, stopping after limit
// records when limit > 0
func DecodeJSONL(r io.Reader, limit int) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var records []Record
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.UseNumber()
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func decodeCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var records []Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rec := make(Record, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			} else {
				rec[col] = ""
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeTXT(r io.Reader, format Format) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var records []Record
	if format != FormatShareGPT {
		for scanner.Scan() {
			if text := strings.TrimSpace(scanner.Text()); text != "" {
				records = append(records, Record{"text": text})
			}
		}
		return records, scanner.Err()
	}

	var block strings.Builder
	flush := func() {
		if block.Len() > 0 {
			records = append(records, Record{"text": block.String()})
			block.Reset()
		}
	}
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			flush()
			continue
		}
		block.WriteString(line)
		block.WriteByte('\n')
	}
	flush()
	return records, scanner.Err()
}
