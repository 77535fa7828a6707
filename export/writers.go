package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/aluiziolira/book-harvest/models"
)

// CSVWriter writes records to CSV.
type CSVWriter struct {
	path   string
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, &IOError{Op: "create", Path: filename, Err: err}
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, &IOError{Op: "create", Path: filename, Err: err}
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(models.Columns()); err != nil {
		f.Close()
		return nil, &IOError{Op: "write", Path: filename, Err: fmt.Errorf("csv header: %w", err)}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, &IOError{Op: "write", Path: filename, Err: fmt.Errorf("flush csv header: %w", err)}
	}

	return &CSVWriter{
		path:   filename,
		file:   f,
		writer: writer,
	}, nil
}

// Write appends records to the CSV output.
func (cw *CSVWriter) Write(records []models.Record) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, record := range records {
		if err := cw.writer.Write(record.Values()); err != nil {
			return &IOError{Op: "write", Path: cw.path, Err: err}
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return &IOError{Op: "write", Path: cw.path, Err: err}
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return &IOError{Op: "save", Path: cw.path, Err: err}
	}
	if err := cw.file.Close(); err != nil {
		return &IOError{Op: "save", Path: cw.path, Err: err}
	}
	return nil
}

// Validate ensures the file has content besides the header.
func (cw *CSVWriter) Validate() error {
	return validateNonEmpty(cw.path, "csv")
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, &IOError{Op: "create", Path: filename, Err: err}
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, &IOError{Op: "create", Path: filename, Err: err}
	}

	buffer := bufio.NewWriter(f)
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	return &JSONWriter{
		path:    filename,
		file:    f,
		writer:  buffer,
		encoder: encoder,
	}, nil
}

// Write appends records in JSONL format.
func (jw *JSONWriter) Write(records []models.Record) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, record := range records {
		if err := jw.encoder.Encode(record); err != nil {
			return &IOError{Op: "write", Path: jw.path, Err: err}
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return &IOError{Op: "write", Path: jw.path, Err: err}
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return &IOError{Op: "save", Path: jw.path, Err: err}
	}
	if err := jw.file.Close(); err != nil {
		return &IOError{Op: "save", Path: jw.path, Err: err}
	}
	return nil
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	return validateNonEmpty(jw.path, "json")
}

func validateNonEmpty(path, kind string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s file: %w", kind, err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("%s file is empty", kind)
	}
	return nil
}
