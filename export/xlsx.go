package export

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/aluiziolira/book-harvest/models"
)

// SheetName is the worksheet the records are written to.
const SheetName = "Books"

const (
	ratingHeader = "rating"
	ratingColor  = "FFD700"
	widthMargin  = 2
)

// WriteXLSX writes records to path in two passes: the plain table is saved
// and closed first, then the file is reopened to apply header, alignment,
// width and rating-column styling before it is saved over itself.
func WriteXLSX(records []models.Record, path string) error {
	if err := ensureDir(path); err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	if err := writeTable(records, path); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := styleTable(path); err != nil {
		return &IOError{Op: "style", Path: path, Err: err}
	}
	return nil
}

func writeTable(records []models.Record, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	header := toRow(models.Columns())
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, record := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := toRow(record.Values())
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

type tableStyles struct {
	header, cell, ratingHeader, ratingCell int
}

func newTableStyles(f *excelize.File) (tableStyles, error) {
	center := &excelize.Alignment{Horizontal: "center", Vertical: "center"}

	var st tableStyles
	for _, def := range []struct {
		dst   *int
		style *excelize.Style
	}{
		{&st.header, &excelize.Style{Font: &excelize.Font{Bold: true}, Alignment: center}},
		{&st.cell, &excelize.Style{Alignment: center}},
		{&st.ratingHeader, &excelize.Style{Font: &excelize.Font{Bold: true, Color: ratingColor}, Alignment: center}},
		{&st.ratingCell, &excelize.Style{Font: &excelize.Font{Color: ratingColor}, Alignment: center}},
	} {
		id, err := f.NewStyle(def.style)
		if err != nil {
			return tableStyles{}, fmt.Errorf("create style: %w", err)
		}
		*def.dst = id
	}
	return st, nil
}

func styleTable(path string) error {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		return fmt.Errorf("read rows: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("sheet %q has no header row", SheetName)
	}

	styles, err := newTableStyles(f)
	if err != nil {
		return err
	}

	ratingCol := -1
	for i, name := range rows[0] {
		if strings.EqualFold(strings.TrimSpace(name), ratingHeader) {
			ratingCol = i
		}
	}

	lastRow := strconv.Itoa(len(rows))
	for col := 0; col < columnCount(rows); col++ {
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return err
		}

		headerStyle, cellStyle := styles.header, styles.cell
		if col == ratingCol {
			headerStyle, cellStyle = styles.ratingHeader, styles.ratingCell
		}
		if err := f.SetCellStyle(SheetName, name+"1", name+"1", headerStyle); err != nil {
			return fmt.Errorf("style header %s: %w", name, err)
		}
		if len(rows) > 1 {
			if err := f.SetCellStyle(SheetName, name+"2", name+lastRow, cellStyle); err != nil {
				return fmt.Errorf("style column %s: %w", name, err)
			}
		}

		if err := f.SetColWidth(SheetName, name, name, columnWidth(rows, col)); err != nil {
			return fmt.Errorf("size column %s: %w", name, err)
		}
	}

	if err := f.Save(); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// columnWidth is the longest cell in characters plus a margin, clamped to
// the format's maximum column width.
func columnWidth(rows [][]string, col int) float64 {
	longest := 0
	for _, row := range rows {
		if col < len(row) {
			if n := utf8.RuneCountInString(row[col]); n > longest {
				longest = n
			}
		}
	}
	width := float64(longest + widthMargin)
	if width > excelize.MaxColumnWidth {
		width = excelize.MaxColumnWidth
	}
	return width
}

func columnCount(rows [][]string) int {
	n := 0
	for _, row := range rows {
		if len(row) > n {
			n = len(row)
		}
	}
	return n
}

func toRow(values []string) []interface{} {
	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}
	return row
}

// XLSXWriter buffers records and writes the styled workbook on Close.
type XLSXWriter struct {
	path    string
	records []models.Record
	closed  bool
	mu      sync.Mutex
}

// NewXLSXWriter prepares a spreadsheet writer for path.
func NewXLSXWriter(path string) *XLSXWriter {
	return &XLSXWriter{path: path}
}

// Write appends records to the pending table.
func (xw *XLSXWriter) Write(records []models.Record) error {
	xw.mu.Lock()
	defer xw.mu.Unlock()
	if xw.closed {
		return fmt.Errorf("xlsx writer: closed")
	}
	xw.records = append(xw.records, records...)
	return nil
}

// Close writes and styles the workbook.
func (xw *XLSXWriter) Close() error {
	xw.mu.Lock()
	defer xw.mu.Unlock()
	if xw.closed {
		return nil
	}
	xw.closed = true
	return WriteXLSX(xw.records, xw.path)
}

// Validate reopens the workbook and checks the header and row count.
func (xw *XLSXWriter) Validate() error {
	xw.mu.Lock()
	want := len(xw.records) + 1
	xw.mu.Unlock()

	if _, err := os.Stat(xw.path); err != nil {
		return fmt.Errorf("stat xlsx file: %w", err)
	}
	f, err := excelize.OpenFile(xw.path)
	if err != nil {
		return fmt.Errorf("open xlsx file: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		return fmt.Errorf("read xlsx rows: %w", err)
	}
	if len(rows) != want {
		return fmt.Errorf("xlsx file has %d rows, want %d", len(rows), want)
	}
	if strings.Join(rows[0], ",") != strings.Join(models.Columns(), ",") {
		return fmt.Errorf("xlsx header is %v", rows[0])
	}
	return nil
}
