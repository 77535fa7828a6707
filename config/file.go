package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the YAML config file. Unset keys leave the defaults alone.
type FileConfig struct {
	BaseURL      string   `yaml:"base_url"`
	PagePattern  string   `yaml:"page_pattern"`
	MaxPages     *int     `yaml:"max_pages"`
	PageDelay    string   `yaml:"page_delay"`
	Timeout      string   `yaml:"timeout"`
	RepeatWindow *int     `yaml:"repeat_window"`
	Proxies      []string `yaml:"proxies"`
	UserAgents   []string `yaml:"user_agents"`

	Retry struct {
		Total         *int     `yaml:"total"`
		BackoffFactor *float64 `yaml:"backoff_factor"`
		BackoffMax    string   `yaml:"backoff_max"`
		Statuses      []int    `yaml:"status_forcelist"`
	} `yaml:"retry"`

	Output struct {
		File   string `yaml:"file"`
		Format string `yaml:"format"`
	} `yaml:"output"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &fc, nil
}

// Apply copies every key present in the file onto cfg.
func (fc *FileConfig) Apply(cfg *Config) error {
	if fc == nil {
		return nil
	}
	if fc.BaseURL != "" {
		cfg.BaseURL = fc.BaseURL
	}
	if fc.PagePattern != "" {
		cfg.PagePattern = fc.PagePattern
	}
	if fc.MaxPages != nil {
		cfg.MaxPages = *fc.MaxPages
	}
	if fc.RepeatWindow != nil {
		cfg.RepeatWindow = *fc.RepeatWindow
	}
	if len(fc.Proxies) > 0 {
		cfg.Proxies = append([]string(nil), fc.Proxies...)
	}
	if len(fc.UserAgents) > 0 {
		cfg.UserAgents = append([]string(nil), fc.UserAgents...)
	}
	if fc.Retry.Total != nil {
		cfg.MaxRetries = *fc.Retry.Total
	}
	if fc.Retry.BackoffFactor != nil {
		cfg.BackoffFactor = *fc.Retry.BackoffFactor
	}
	if len(fc.Retry.Statuses) > 0 {
		cfg.RetryStatuses = append([]int(nil), fc.Retry.Statuses...)
	}
	if fc.Output.File != "" {
		cfg.OutputFile = fc.Output.File
	}
	if fc.Output.Format != "" {
		cfg.OutputFormat = strings.ToLower(fc.Output.Format)
	}
	if fc.MetricsAddr != "" {
		cfg.MetricsAddr = fc.MetricsAddr
	}

	durations := []struct {
		key   string
		raw   string
		field *time.Duration
	}{
		{"page_delay", fc.PageDelay, &cfg.PageDelay},
		{"timeout", fc.Timeout, &cfg.Timeout},
		{"retry.backoff_max", fc.Retry.BackoffMax, &cfg.RetryBackoffMax},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		value, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %w", d.key, err)
		}
		*d.field = value
	}
	return nil
}
