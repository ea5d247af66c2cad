// Package partfile knows the on-disk layout of partitioned data: gzipped
// NDJSON inputs under date=YYYY-MM-DD/hour=HH directories, and the valid,
// quarantine and stats artifacts the pipeline writes back out.
package partfile

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"refinery/internal/domain"
)

// ErrNotFound reports an absent input file. An absent file is a normal
// condition for a partition, distinct from an unreadable one.
var ErrNotFound = errors.New("partition file not found")

// Dir returns the canonical partition directory under root, with the hour
// zero-padded.
func Dir(root string, pk domain.PartitionKey) string {
	return filepath.Join(root, fmt.Sprintf("date=%s", pk.Date), fmt.Sprintf("hour=%02d", pk.Hour))
}

// FindInput locates the input file for kind within a partition. Producers
// disagree on hour padding, so both hour=05 and hour=5 are probed.
func FindInput(root string, pk domain.PartitionKey, kind domain.Kind) (string, error) {
	dateDir := filepath.Join(root, fmt.Sprintf("date=%s", pk.Date))
	for _, hourDir := range []string{
		fmt.Sprintf("hour=%02d", pk.Hour),
		fmt.Sprintf("hour=%d", pk.Hour),
	} {
		path := filepath.Join(dateDir, hourDir, string(kind)+".json.gz")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat input %s: %w", path, err)
		}
	}
	return "", ErrNotFound
}

// ValidFile names the cleaned output artifact for kind.
func ValidFile(kind domain.Kind) string { return string(kind) + ".json.gz" }

// QuarantineFile names the rejected-record artifact for kind.
func QuarantineFile(kind domain.Kind) string { return string(kind) + "_invalid.json.gz" }

// StatsFile names the per-kind summary artifact.
func StatsFile(kind domain.Kind) string { return string(kind) + "_stats.json" }

// BatchValidFile names the cleaned output artifact for one streamed batch.
// The batch id keeps concurrent batches landing in the same partition from
// clobbering each other.
func BatchValidFile(kind domain.Kind, batchID string) string {
	return fmt.Sprintf("%s-%s.json.gz", kind, batchID)
}

// BatchQuarantineFile names the rejected-record artifact for one streamed
// batch.
func BatchQuarantineFile(kind domain.Kind, batchID string) string {
	return fmt.Sprintf("%s_invalid-%s.json.gz", kind, batchID)
}

// ReadLines decompresses a gzipped NDJSON file into its non-empty lines.
func ReadLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", path, err)
	}
	defer zr.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

// WriteLines writes lines as gzipped NDJSON, creating parent directories.
// Nothing is written when lines is empty.
func WriteLines(path string, lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	zw := gzip.NewWriter(f)
	for _, line := range lines {
		if _, err := zw.Write(line); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
		if _, err := zw.Write([]byte{'\n'}); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// WriteJSON writes v as an indented JSON document, creating parent
// directories.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadJSON reads a JSON document into v.
func ReadJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// AnnotateInvalid turns a rejected input line into its quarantine form: the
// original record with an _errors field appended. A line that never parsed
// is wrapped so the raw payload survives alongside the errors.
func AnnotateInvalid(raw []byte, errs []string) []byte {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rec); err != nil || rec == nil {
		out, _ := json.Marshal(map[string]any{
			"_raw":    string(raw),
			"_errors": errs,
		})
		return out
	}
	errList, _ := json.Marshal(errs)
	rec["_errors"] = errList
	out, _ := json.Marshal(rec)
	return out
}
