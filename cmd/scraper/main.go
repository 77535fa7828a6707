package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/book-harvest/config"
	"github.com/aluiziolira/book-harvest/export"
	"github.com/aluiziolira/book-harvest/identity"
	"github.com/aluiziolira/book-harvest/models"
	"github.com/aluiziolira/book-harvest/scraper"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	logger, level := newLogger(stdout, cfg.Verbose)
	slog.SetDefault(logger.With(slog.String("run_id", uuid.NewString())))
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	proxies, rejected := identity.ParseProxies(cfg.Proxies)
	for _, err := range rejected {
		slog.Warn("ignoring proxy", slog.Any("error", err))
	}
	provider := identity.NewProvider(proxies, cfg.UserAgents, rand.New(rand.NewSource(time.Now().UnixNano())))

	slog.Info("starting scrape",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("max_pages", cfg.MaxPages),
		slog.Int("proxies", len(proxies)),
		slog.String("output", cfg.OutputFile),
	)

	metrics := scraper.NewMetrics()
	metricsServer := startMetricsServer(cfg.MetricsAddr, metrics)
	defer shutdownMetricsServer(metricsServer)

	s, err := scraper.NewScraper(cfg, provider, scraper.WithMetrics(metrics))
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := s.ScrapeAll(ctx)
	if err != nil {
		slog.Error("scraping failed", slog.Any("error", err))
		return 1
	}

	if len(result.Records) == 0 {
		slog.Error("no records scraped", slog.String("stop_reason", result.StopReason), slog.Any("error", result.Err))
		return 1
	}
	for _, record := range result.Records {
		slog.Debug("record",
			slog.String("title", record.Title),
			slog.String("price", record.Price),
			slog.String("rating", record.Rating),
		)
	}

	if err := exportRecords(cfg, result.Records); err != nil {
		slog.Error("export failed", slog.Any("error", err))
		return 1
	}
	slog.Info("data exported", slog.String("output", cfg.OutputFile), slog.Int("records", len(result.Records)))

	printSummary(stdout, result, cfg.OutputFile)
	return 0
}

// loadConfig layers defaults, the optional YAML file, SCRAPER_* variables
// and finally the flags given on the command line.
func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("scraper", flag.ContinueOnError)

	configPath := fs.String("config", "", "YAML config file")
	baseURL := fs.String("base-url", "", "Catalog base URL")
	maxPages := fs.Int("pages", 0, "Maximum catalog pages to scrape (0 = until the catalog ends)")
	delayMs := fs.Int("delay", 0, "Delay between page fetches (milliseconds, at least 500)")
	timeoutMs := fs.Int("timeout", 0, "Per-request timeout (milliseconds, 0 = library default)")
	maxRetries := fs.Int("max-retries", 0, "Retries per page on transient failures")
	backoffFactor := fs.Float64("backoff-factor", 0, "Exponential backoff factor (seconds)")
	outputFile := fs.String("output", "", "Output file path")
	outputFormat := fs.String("format", "", "Output format: xlsx, csv, json, or dual")
	respectRobots := fs.Bool("respect-robots", false, "Respect robots.txt directives")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	verbose := fs.Bool("v", false, "Enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		fc, err := config.LoadFile(*configPath)
		if err != nil {
			return nil, err
		}
		if err := fc.Apply(cfg); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "base-url":
			cfg.BaseURL = *baseURL
		case "pages":
			cfg.MaxPages = *maxPages
		case "delay":
			cfg.PageDelay = time.Duration(*delayMs) * time.Millisecond
		case "timeout":
			cfg.Timeout = time.Duration(*timeoutMs) * time.Millisecond
		case "max-retries":
			cfg.MaxRetries = *maxRetries
		case "backoff-factor":
			cfg.BackoffFactor = *backoffFactor
		case "output":
			cfg.OutputFile = *outputFile
		case "format":
			cfg.OutputFormat = strings.ToLower(*outputFormat)
		case "respect-robots":
			cfg.RespectRobotsTxt = *respectRobots
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "v":
			cfg.Verbose = *verbose
		}
	})
	return cfg, nil
}

func exportRecords(cfg *config.Config, records []models.Record) error {
	writer, err := export.New(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		return err
	}
	if err := writer.Write(records); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := writer.Validate(); err != nil {
		return fmt.Errorf("output validation: %w", err)
	}
	return nil
}

func startMetricsServer(addr string, metrics *scraper.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func shutdownMetricsServer(server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

func printSummary(w io.Writer, result *models.ScrapeResult, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintln(w, "Scrape complete")
	fmt.Fprintf(w, "  Records:       %d\n", len(result.Records))
	fmt.Fprintf(w, "  Pages:         %d\n", result.PageCount)
	fmt.Fprintf(w, "  Skipped:       %d\n", result.SkippedCount)
	fmt.Fprintf(w, "  Retries:       %d\n", result.RetryCount)
	fmt.Fprintf(w, "  Stopped by:    %s\n", result.StopReason)
	if result.Err != nil {
		fmt.Fprintf(w, "  Last error:    %v\n", result.Err)
	}
	if len(result.ErrorsByType) > 0 {
		fmt.Fprintf(w, "  Error types:   %v\n", result.ErrorsByType)
	}
	fmt.Fprintf(w, "  Duration:      %v\n", result.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  Output file:   %s\n", outputFile)
	fmt.Fprintln(w, separator)
}

func newLogger(w io.Writer, verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
