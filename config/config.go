package config

import (
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// MinPageDelay is the shortest pause allowed between two page fetches.
const MinPageDelay = 500 * time.Millisecond

var formatExtensions = map[string][]string{
	"xlsx": {".xlsx"},
	"dual": {".xlsx"},
	"csv":  {".csv"},
	"json": {".json", ".jsonl"},
}

// Config holds the settings for one scrape run.
type Config struct {
	BaseURL     string
	PagePattern string // relative to BaseURL, must contain a single %d
	MaxPages    int    // 0 means page until the catalog ends
	PageDelay   time.Duration
	Timeout     time.Duration // 0 keeps the collector default

	MaxRetries      int
	BackoffFactor   float64 // seconds
	RetryBackoffMax time.Duration
	RetryStatuses   []int

	Proxies    []string // IP:PORT:USERNAME:PASSWORD or a proxy URL
	UserAgents []string

	RepeatWindow     int
	OutputFile       string
	OutputFormat     string // xlsx, csv, json, or dual
	Verbose          bool
	RespectRobotsTxt bool
	MetricsAddr      string
}

// DefaultConfig returns conservative defaults for the demo target.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:         "http://books.toscrape.com",
		PagePattern:     "catalogue/page-%d.html",
		MaxPages:        0,
		PageDelay:       500 * time.Millisecond,
		Timeout:         0,
		MaxRetries:      3,
		BackoffFactor:   0.3,
		RetryBackoffMax: 120 * time.Second,
		RetryStatuses: []int{
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:91.0) Gecko/20100101 Firefox/91.0",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0.3 Safari/605.1.15",
		},
		RepeatWindow:     64,
		OutputFile:       "books.xlsx",
		OutputFormat:     "xlsx",
		Verbose:          false,
		RespectRobotsTxt: false,
	}
}

// PageURL builds the catalog URL for a 1-based page number.
func (c *Config) PageURL(page int) string {
	base := strings.TrimRight(c.BaseURL, "/")
	pattern := strings.TrimLeft(c.PagePattern, "/")
	return base + "/" + fmt.Sprintf(pattern, page)
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("base URL scheme must be http or https")
	}

	if strings.Count(c.PagePattern, "%d") != 1 || strings.Count(c.PagePattern, "%") != 1 {
		return fmt.Errorf("page pattern must contain exactly one %%d")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}
	if c.PageDelay < MinPageDelay {
		return fmt.Errorf("page delay must be at least %v, got %v", MinPageDelay, c.PageDelay)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.BackoffFactor < 0 {
		return fmt.Errorf("backoff factor cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	for _, status := range c.RetryStatuses {
		if status < 100 || status > 599 {
			return fmt.Errorf("retry status %d is not an HTTP status code", status)
		}
		if status == http.StatusOK {
			return fmt.Errorf("retry statuses cannot include 200")
		}
	}
	if c.RepeatWindow < 0 {
		return fmt.Errorf("repeat window cannot be negative")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	exts, ok := formatExtensions[c.OutputFormat]
	if !ok {
		return fmt.Errorf("output format must be xlsx, csv, json, or dual")
	}
	if !hasExtension(c.OutputFile, exts) {
		return fmt.Errorf("output file %q must end in %s for format %s", c.OutputFile, strings.Join(exts, " or "), c.OutputFormat)
	}
	if len(c.UserAgents) == 0 {
		return fmt.Errorf("user agents cannot be empty")
	}
	for _, ua := range c.UserAgents {
		if strings.TrimSpace(ua) == "" {
			return fmt.Errorf("user agent cannot be blank")
		}
	}

	return nil
}

func hasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range exts {
		if ext == want {
			return true
		}
	}
	return false
}
