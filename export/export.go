// Package export writes scraped records to spreadsheet, CSV and JSON files.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluiziolira/book-harvest/models"
)

// Writer defines the interface for data output.
type Writer interface {
	Write(records []models.Record) error
	Close() error
	Validate() error
}

// IOError reports a failure to create, write, reopen or save an output file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("export %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// New returns the writer for format: xlsx, csv, json, or dual (a styled
// spreadsheet plus a CSV sidecar next to it).
func New(format, filename string) (Writer, error) {
	switch strings.ToLower(format) {
	case "xlsx":
		return NewXLSXWriter(filename), nil
	case "csv":
		return NewCSVWriter(filename)
	case "json":
		return NewJSONWriter(filename)
	case "dual":
		csvWriter, err := NewCSVWriter(sidecar(filename, ".csv"))
		if err != nil {
			return nil, err
		}
		return NewMultiWriter(NewXLSXWriter(filename), csvWriter), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func sidecar(filename, ext string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename)) + ext
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
