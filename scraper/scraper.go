package scraper

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/book-harvest/config"
	"github.com/aluiziolira/book-harvest/fetch"
	"github.com/aluiziolira/book-harvest/identity"
	"github.com/aluiziolira/book-harvest/models"
	"github.com/aluiziolira/book-harvest/parser"
)

const pageKey = "page"

// Identity supplies the proxy and User-Agent for each request.
type Identity interface {
	ChooseProxy() (identity.ProxyConfig, bool)
	ChooseUserAgent() string
}

// Option customises a Scraper.
type Option func(*Scraper)

// WithBaseTransport replaces the network transport underneath the retry layer.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(s *Scraper) {
		s.base = rt
	}
}

// WithMetrics shares an existing metrics bundle.
func WithMetrics(m *Metrics) Option {
	return func(s *Scraper) {
		s.Metrics = m
	}
}

func withPause(fn func(context.Context, time.Duration) error) Option {
	return func(s *Scraper) {
		s.pause = fn
	}
}

// Scraper pages through the catalog one page at a time.
type Scraper struct {
	cfg       *config.Config
	identity  Identity
	base      http.RoundTripper
	collector *colly.Collector
	pause     func(context.Context, time.Duration) error
	Metrics   *Metrics

	retries int64
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config, id Identity, opts ...Option) (*Scraper, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	s := &Scraper{
		cfg:      cfg,
		identity: id,
		pause:    sleepContext,
		Metrics:  NewMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.base == nil {
		s.base = &http.Transport{
			Proxy: s.proxyFunc(),
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	transport := fetch.NewTransport(s.base, fetch.RetryPolicy{
		Total:           cfg.MaxRetries,
		BackoffFactor:   cfg.BackoffFactor,
		BackoffMax:      cfg.RetryBackoffMax,
		StatusForcelist: cfg.RetryStatuses,
	})
	transport.OnRetry = s.onRetry

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Host, parsed.Hostname()),
		colly.AllowURLRevisit(),
	)
	if cfg.Timeout > 0 {
		collector.SetRequestTimeout(cfg.Timeout)
	}
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(transport)

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	s.collector = collector
	s.configureHandlers()
	return s, nil
}

type pageResult struct {
	status   int
	doc      *goquery.Document
	parseErr error
}

func (s *Scraper) configureHandlers() {
	s.collector.OnRequest(func(r *colly.Request) {
		if s.identity == nil {
			return
		}
		if ua := s.identity.ChooseUserAgent(); ua != "" {
			r.Headers.Set("User-Agent", ua)
		}
	})

	// Every 200 body is parsed, whatever its Content-Type. OnHTML only
	// fires for html content types.
	s.collector.OnResponse(func(r *colly.Response) {
		page, ok := r.Request.Ctx.GetAny(pageKey).(*pageResult)
		if !ok {
			return
		}
		page.status = r.StatusCode
		if r.StatusCode != http.StatusOK {
			return
		}
		page.doc, page.parseErr = goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	})

	s.collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Request == nil {
			return
		}
		if page, ok := r.Request.Ctx.GetAny(pageKey).(*pageResult); ok {
			page.status = r.StatusCode
		}
	})
}

// ScrapeAll fetches pages until one is empty or fails and returns every
// record extracted on the way. Fetch failures end pagination early and are
// reported on the result together with the records gathered so far; the
// returned error is reserved for a first request that could not be issued.
func (s *Scraper) ScrapeAll(ctx context.Context) (*models.ScrapeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	window, err := newPageWindow(s.cfg.RepeatWindow)
	if err != nil {
		return nil, err
	}

	result := &models.ScrapeResult{
		StartTime:    time.Now(),
		ErrorsByType: make(map[string]int),
	}

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			result.StopReason = models.StopCanceled
			result.Err = err
			break
		}
		if s.cfg.MaxPages > 0 && page > s.cfg.MaxPages {
			result.StopReason = models.StopMaxPages
			break
		}
		if page > 1 {
			if err := s.pause(ctx, s.cfg.PageDelay); err != nil {
				result.StopReason = models.StopCanceled
				result.Err = err
				break
			}
		}

		pageURL := s.cfg.PageURL(page)
		slog.Info("scraping page", slog.Int("page", page), slog.String("url", pageURL))

		start := time.Now()
		res, err := s.fetchPage(pageURL)
		s.Metrics.ObserveDuration(time.Since(start))
		result.RequestCount++

		if err != nil {
			var fetchErr *fetch.FetchError
			if page == 1 && !errors.As(err, &fetchErr) {
				return nil, fmt.Errorf("initial visit: %w", err)
			}
			category := fetch.Label(err)
			result.ErrorsByType[category]++
			s.Metrics.IncError(category)
			s.Metrics.IncPage("fetch_error")
			slog.Warn("stopping pagination after fetch failure",
				slog.Int("page", page),
				slog.String("url", pageURL),
				slog.String("category", category),
				slog.Any("error", err),
			)
			result.StopReason = models.StopFetchError
			result.Err = err
			break
		}

		if res.status != http.StatusOK {
			category := statusCategory(res.status)
			s.Metrics.IncPage(category)
			slog.Warn("no more pages to scrape or encountered an error",
				slog.Int("page", page),
				slog.Int("status", res.status),
				slog.String("category", category),
			)
			result.StopReason = models.StopHTTPStatus
			break
		}

		listings := res.doc.Find(parser.ProductSelector)
		if listings.Length() == 0 {
			s.Metrics.IncPage("empty")
			slog.Info("page has no listings, stopping", slog.Int("page", page))
			result.StopReason = models.StopEmptyPage
			break
		}

		if earlier, repeated := window.check(listings, page); repeated {
			s.Metrics.IncPage("repeated")
			slog.Warn("page repeats an earlier page, stopping",
				slog.Int("page", page),
				slog.Int("earlier_page", earlier),
			)
			result.StopReason = models.StopRepeatedPage
			break
		}

		records, failures := parser.ExtractAll(res.doc)
		for _, err := range failures {
			result.SkippedCount++
			s.Metrics.IncSkipped()
			slog.Warn("skipping listing", slog.Int("page", page), slog.Any("error", err))
		}
		result.Records = append(result.Records, records...)
		extracted := len(records)

		result.PageCount++
		s.Metrics.AddRecords(extracted)
		s.Metrics.IncPage("ok")
		slog.Debug("page extracted", slog.Int("page", page), slog.Int("records", extracted))
	}

	result.EndTime = time.Now()
	result.RetryCount = int(atomic.LoadInt64(&s.retries))

	slog.Info("scrape complete",
		slog.Int("records", len(result.Records)),
		slog.Int("pages", result.PageCount),
		slog.Int("skipped", result.SkippedCount),
		slog.String("stop_reason", result.StopReason),
		slog.Duration("duration", result.Duration()),
	)
	return result, nil
}

// fetchPage issues one GET through the collector. A non-nil error means no
// response was obtained; any status, 200 or not, is returned on the result.
func (s *Scraper) fetchPage(pageURL string) (*pageResult, error) {
	page := &pageResult{}
	cctx := colly.NewContext()
	cctx.Put(pageKey, page)

	err := s.collector.Request(http.MethodGet, pageURL, nil, cctx, nil)
	if err != nil && page.status == 0 {
		return nil, err
	}
	if page.parseErr != nil {
		return nil, &fetch.FetchError{URL: pageURL, Attempts: 1, Err: fetch.ErrRead{Err: page.parseErr}}
	}
	if page.status == http.StatusOK && page.doc == nil {
		return nil, &fetch.FetchError{URL: pageURL, Attempts: 1, Err: fetch.ErrRead{Err: errors.New("response body was not delivered")}}
	}
	return page, nil
}

// statusCategory labels a final non-200 status for logs and page metrics.
func statusCategory(status int) string {
	if err := fetch.Classify(nil, status); err != nil {
		return fetch.Label(err)
	}
	return "http_status"
}

func (s *Scraper) onRetry(ev fetch.RetryEvent) {
	atomic.AddInt64(&s.retries, 1)
	s.Metrics.IncRetries(ev.Reason)
	slog.Debug("retrying request",
		slog.String("url", ev.URL),
		slog.Int("retry", ev.Retry),
		slog.String("reason", ev.Reason),
		slog.Int("status", ev.StatusCode),
		slog.Duration("wait", ev.Wait),
	)
}

func (s *Scraper) proxyFunc() func(*http.Request) (*url.URL, error) {
	if s.identity == nil {
		return http.ProxyFromEnvironment
	}
	return func(*http.Request) (*url.URL, error) {
		proxy, ok := s.identity.ChooseProxy()
		if !ok {
			return nil, nil
		}
		return proxy.URL, nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pageWindow remembers fingerprints of recent pages so a server that keeps
// answering with the same listing does not page forever.
type pageWindow struct {
	seen *lru.Cache[string, int]
}

func newPageWindow(size int) (*pageWindow, error) {
	if size <= 0 {
		return &pageWindow{}, nil
	}
	cache, err := lru.New[string, int](size)
	if err != nil {
		return nil, fmt.Errorf("page window: %w", err)
	}
	return &pageWindow{seen: cache}, nil
}

func (w *pageWindow) check(listings *goquery.Selection, page int) (int, bool) {
	if w.seen == nil {
		return 0, false
	}
	key := fingerprint(listings)
	if earlier, ok := w.seen.Get(key); ok {
		return earlier, true
	}
	w.seen.Add(key, page)
	return 0, false
}

func fingerprint(listings *goquery.Selection) string {
	h := sha256.New()
	listings.Each(func(_ int, listing *goquery.Selection) {
		html, err := goquery.OuterHtml(listing)
		if err != nil {
			html = listing.Text()
		}
		h.Write([]byte(html))
		h.Write([]byte{0})
	})
	return hex.EncodeToString(h.Sum(nil))
}
