// Package models defines data structures for the scraper.
package models

import "time"

// Record is one catalog listing as it is exported.
type Record struct {
	Title  string `csv:"Title" json:"Title"`
	Price  string `csv:"Price" json:"Price"`
	Rating string `csv:"Rating" json:"Rating"`
}

// Columns returns the exported column names in order.
func Columns() []string {
	return []string{"Title", "Price", "Rating"}
}

// Values returns the record fields in column order.
func (r Record) Values() []string {
	return []string{r.Title, r.Price, r.Rating}
}

// ScrapeResult holds the overall result of a pagination run.
type ScrapeResult struct {
	Records      []Record
	StartTime    time.Time
	EndTime      time.Time
	PageCount    int
	RequestCount int
	SkippedCount int
	RetryCount   int
	ErrorsByType map[string]int

	// StopReason names the condition that ended pagination.
	StopReason string
	// Err is the fetch failure that ended pagination early, if any.
	Err error
}

// Stop reasons reported in ScrapeResult.StopReason.
const (
	StopEmptyPage    = "empty_page"
	StopHTTPStatus   = "http_status"
	StopFetchError   = "fetch_error"
	StopRepeatedPage = "repeated_page"
	StopMaxPages     = "max_pages"
	StopCanceled     = "canceled"
)

// Duration returns the wall time of the run.
func (r *ScrapeResult) Duration() time.Duration {
	if r == nil || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
