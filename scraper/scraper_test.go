package scraper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aluiziolira/book-harvest/config"
	"github.com/aluiziolira/book-harvest/fetch"
	"github.com/aluiziolira/book-harvest/identity"
	"github.com/aluiziolira/book-harvest/models"
)

const testBase = "http://books.test"

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBase
	cfg.BackoffFactor = 0
	return cfg
}

func pageURL(n int) string {
	return fmt.Sprintf("%s/catalogue/page-%d.html", testBase, n)
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return httpmock.ResponderFromResponse(resp)
}

func buildCatalogPage(page, items int) string {
	var builder strings.Builder
	builder.WriteString("<html><body><section><ol class=\"row\">")

	for i := 1; i <= items; i++ {
		id := (page-1)*20 + i
		builder.WriteString("<li><article class=\"product_pod\">")
		fmt.Fprintf(&builder, "<h3><a href=\"book-%d/index.html\" title=\"Book %d\">Book %d</a></h3>", id, id, id)
		fmt.Fprintf(&builder, "<div class=\"product_price\"><p class=\"price_color\">£%0.2f</p></div>", float64(id))
		builder.WriteString("<p class=\"star-rating Two\"></p>")
		builder.WriteString("</article></li>")
	}

	builder.WriteString("</ol></section></body></html>")
	return builder.String()
}

type pauseRecorder struct {
	waits []time.Duration
}

func (p *pauseRecorder) pause(ctx context.Context, d time.Duration) error {
	p.waits = append(p.waits, d)
	return ctx.Err()
}

func newTestScraper(t *testing.T, cfg *config.Config, transport http.RoundTripper, id Identity, opts ...Option) *Scraper {
	t.Helper()
	opts = append([]Option{WithBaseTransport(transport), withPause((&pauseRecorder{}).pause)}, opts...)
	s, err := NewScraper(cfg, id, opts...)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	return s
}

func TestScrapeAllStopsOnNotFound(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL(1), htmlResponder(buildCatalogPage(1, 20)))
	transport.RegisterResponder("GET", pageURL(2), htmlResponder(buildCatalogPage(2, 20)))
	transport.RegisterResponder("GET", pageURL(3), httpmock.NewStringResponder(http.StatusNotFound, "not found"))

	s := newTestScraper(t, testConfig(), transport, nil)
	result, err := s.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}

	if got := len(result.Records); got != 40 {
		t.Fatalf("records=%d, want 40", got)
	}
	if result.PageCount != 2 {
		t.Fatalf("pages=%d, want 2", result.PageCount)
	}
	if result.StopReason != models.StopHTTPStatus {
		t.Fatalf("stop reason=%q, want %q", result.StopReason, models.StopHTTPStatus)
	}
	if result.Err != nil {
		t.Fatalf("404 is the end of the catalog, got err %v", result.Err)
	}
	if got := transport.GetTotalCallCount(); got != 3 {
		t.Fatalf("calls=%d, want 3 (404 is not retried)", got)
	}

	first, last := result.Records[0], result.Records[39]
	if first != (models.Record{Title: "Book 1", Price: "£1.00", Rating: "⭐⭐"}) {
		t.Fatalf("first record = %+v", first)
	}
	if last.Title != "Book 40" {
		t.Fatalf("last title = %q, want Book 40", last.Title)
	}
	if got := testutil.ToFloat64(s.Metrics.RecordsExtractedTotal); got != 40 {
		t.Fatalf("records metric = %v, want 40", got)
	}
	if got := testutil.ToFloat64(s.Metrics.PagesTotal.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ok pages metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.Metrics.PagesTotal.WithLabelValues("not_found")); got != 1 {
		t.Fatalf("not_found pages metric = %v, want 1", got)
	}
}

func TestScrapeAllParsesPageWithoutContentType(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL(1), httpmock.NewStringResponder(http.StatusOK, buildCatalogPage(1, 3)))
	transport.RegisterResponder("GET", pageURL(2), httpmock.NewStringResponder(http.StatusNotFound, ""))

	s := newTestScraper(t, testConfig(), transport, nil)
	result, err := s.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if got := len(result.Records); got != 3 {
		t.Fatalf("records=%d stop=%s, want 3 records", got, result.StopReason)
	}
	if result.StopReason != models.StopHTTPStatus {
		t.Fatalf("stop reason=%q, want %q", result.StopReason, models.StopHTTPStatus)
	}
}

func TestScrapeAllPausesBetweenPages(t *testing.T) {
	cfg := testConfig()
	cfg.PageDelay = 750 * time.Millisecond

	transport := httpmock.NewMockTransport()
	for page := 1; page <= 3; page++ {
		transport.RegisterResponder("GET", pageURL(page), htmlResponder(buildCatalogPage(page, 2)))
	}
	transport.RegisterResponder("GET", pageURL(4), httpmock.NewStringResponder(http.StatusNotFound, ""))

	recorder := &pauseRecorder{}
	s := newTestScraper(t, cfg, transport, nil, withPause(recorder.pause))
	result, err := s.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}

	fetched := transport.GetTotalCallCount()
	if fetched != 4 {
		t.Fatalf("calls=%d, want 4", fetched)
	}
	if len(recorder.waits) != fetched-1 {
		t.Fatalf("pauses=%v, want %d between %d fetches", recorder.waits, fetched-1, fetched)
	}
	for i, wait := range recorder.waits {
		if wait != cfg.PageDelay {
			t.Fatalf("pause %d = %v, want %v", i, wait, cfg.PageDelay)
		}
	}
	if len(result.Records) != 6 {
		t.Fatalf("records=%d, want 6", len(result.Records))
	}
}

func TestScrapeAllNoPauseAfterSinglePage(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL(1), httpmock.NewStringResponder(http.StatusNotFound, ""))

	recorder := &pauseRecorder{}
	s := newTestScraper(t, testConfig(), transport, nil, withPause(recorder.pause))
	if _, err := s.ScrapeAll(context.Background()); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if len(recorder.waits) != 0 {
		t.Fatalf("pauses=%v, want none", recorder.waits)
	}
}

func TestScrapeAllCanceledDuringPause(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL(1), htmlResponder(buildCatalogPage(1, 2)))

	ctx, cancel := context.WithCancel(context.Background())
	interrupt := func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	s := newTestScraper(t, testConfig(), transport, nil, withPause(interrupt))
	result, err := s.ScrapeAll(ctx)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if result.StopReason != models.StopCanceled {
		t.Fatalf("stop reason=%q, want %q", result.StopReason, models.StopCanceled)
	}
	if len(result.Records) != 2 || transport.GetTotalCallCount() != 1 {
		t.Fatalf("records=%d calls=%d, want 2 and 1", len(result.Records), transport.GetTotalCallCount())
	}
}

func TestWithMetricsSharesBundle(t *testing.T) {
	metrics := NewMetrics()
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL(1), htmlResponder(buildCatalogPage(1, 4)))
	transport.RegisterResponder("GET", pageURL(2), httpmock.NewStringResponder(http.StatusNotFound, ""))

	s := newTestScraper(t, testConfig(), transport, nil, WithMetrics(metrics))
	if s.Metrics != metrics {
		t.Fatalf("scraper did not keep the supplied metrics")
	}
	if _, err := s.ScrapeAll(context.Background()); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if got := testutil.ToFloat64(metrics.RecordsExtractedTotal); got != 4 {
		t.Fatalf("records metric = %v, want 4", got)
	}
}

func TestStatusCategory(t *testing.T) {
	tests := map[int]string{
		http.StatusNotFound:             "not_found",
		http.StatusForbidden:            "forbidden",
		http.StatusTooManyRequests:      "rate_limited",
		http.StatusNotImplemented:       "server_error",
		http.StatusMovedPermanently:     "http_status",
		http.StatusNonAuthoritativeInfo: "http_status",
	}
	for status, want := range tests {
		if got := statusCategory(status); got != want {
			t.Errorf("statusCategory(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestScrapeAllStopsOnEmptyPage(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL(1), htmlResponder(buildCatalogPage(1, 3)))
	transport.RegisterResponder("GET", pageURL(2), htmlResponder(buildCatalogPage(2, 0)))

	s := newTestScraper(t, testConfig(), transport, nil)
	result, err := s.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}

	if got := len(result.Records); got != 3 {
		t.Fatalf("records=%d, want 3", got)
	}
	if result.StopReason != models.StopEmptyPage {
		t.Fatalf("stop reason=%q, want %q", result.StopReason, models.StopEmptyPage)
	}
	if got := transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("calls=%d, want 2", got)
	}
}

func TestScrapeAllKeepsPartialResultsAfterRetryExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL(1), htmlResponder(buildCatalogPage(1, 20)))
	transport.RegisterResponder("GET", pageURL(2), httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	s := newTestScraper(t, cfg, transport, nil)
	result, err := s.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}

	if got := len(result.Records); got != 20 {
		t.Fatalf("records=%d, want 20", got)
	}
	if result.StopReason != models.StopFetchError {
		t.Fatalf("stop reason=%q, want %q", result.StopReason, models.StopFetchError)
	}
	if result.Err == nil {
		t.Fatalf("expected the fetch failure on the result")
	}
	if result.RetryCount != 2 {
		t.Fatalf("retries=%d, want 2", result.RetryCount)
	}
	if got := result.ErrorsByType["server_error"]; got != 1 {
		t.Fatalf("server_error count=%d, want 1", got)
	}
	if got := transport.GetCallCountInfo()["GET "+pageURL(2)]; got != 3 {
		t.Fatalf("page 2 calls=%d, want 3", got)
	}
	if got := testutil.ToFloat64(s.Metrics.RetriesTotal.WithLabelValues("server_error")); got != 2 {
		t.Fatalf("retries metric = %v, want 2", got)
	}
}

func TestScrapeAllRetriedPageCountedOnce(t *testing.T) {
	calls := 0
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL(1), func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusBadGateway, ""), nil
		}
		resp := httpmock.NewStringResponse(http.StatusOK, buildCatalogPage(1, 5))
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		return resp, nil
	})
	transport.RegisterResponder("GET", pageURL(2), httpmock.NewStringResponder(http.StatusNotFound, ""))

	s := newTestScraper(t, testConfig(), transport, nil)
	result, err := s.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if got := len(result.Records); got != 5 {
		t.Fatalf("records=%d, want 5", got)
	}
	if result.RetryCount != 1 {
		t.Fatalf("retries=%d, want 1", result.RetryCount)
	}
}

func TestScrapeAllSkipsBrokenListings(t *testing.T) {
	page := `<html><body>
		<article class="product_pod"><h3><a title="Book A">A</a></h3><p class="price_color">£10.00</p><p class="star-rating Two"></p></article>
		<article class="product_pod"><h3><a>no title</a></h3><p class="price_color">£3.00</p></article>
		<article class="product_pod"><h3><a title="Book B">B</a></h3><p class="price_color">£5.50</p><p class="star-rating Five"></p></article>
	</body></html>`

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL(1), htmlResponder(page))
	transport.RegisterResponder("GET", pageURL(2), httpmock.NewStringResponder(http.StatusNotFound, ""))

	s := newTestScraper(t, testConfig(), transport, nil)
	result, err := s.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}

	want := []models.Record{
		{Title: "Book A", Price: "£10.00", Rating: "⭐⭐"},
		{Title: "Book B", Price: "£5.50", Rating: "⭐⭐⭐⭐⭐"},
	}
	if len(result.Records) != len(want) {
		t.Fatalf("records=%+v, want %+v", result.Records, want)
	}
	for i := range want {
		if result.Records[i] != want[i] {
			t.Fatalf("record %d = %+v, want %+v", i, result.Records[i], want[i])
		}
	}
	if result.SkippedCount != 1 {
		t.Fatalf("skipped=%d, want 1", result.SkippedCount)
	}
	if got := testutil.ToFloat64(s.Metrics.RecordsSkippedTotal); got != 1 {
		t.Fatalf("skipped metric = %v, want 1", got)
	}
}

func TestScrapeAllStopsOnRepeatedPage(t *testing.T) {
	same := buildCatalogPage(1, 20)
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL(1), htmlResponder(same))
	transport.RegisterResponder("GET", pageURL(2), htmlResponder(same))

	s := newTestScraper(t, testConfig(), transport, nil)
	result, err := s.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if result.StopReason != models.StopRepeatedPage {
		t.Fatalf("stop reason=%q, want %q", result.StopReason, models.StopRepeatedPage)
	}
	if got := len(result.Records); got != 20 {
		t.Fatalf("records=%d, want 20", got)
	}
}

func TestScrapeAllRespectsMaxPages(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 1

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL(1), htmlResponder(buildCatalogPage(1, 20)))

	s := newTestScraper(t, cfg, transport, nil)
	result, err := s.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if result.StopReason != models.StopMaxPages {
		t.Fatalf("stop reason=%q, want %q", result.StopReason, models.StopMaxPages)
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls=%d, want 1", got)
	}
}

func TestScrapeAllCanceledContext(t *testing.T) {
	transport := httpmock.NewMockTransport()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestScraper(t, testConfig(), transport, nil)
	result, err := s.ScrapeAll(ctx)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if result.StopReason != models.StopCanceled {
		t.Fatalf("stop reason=%q, want %q", result.StopReason, models.StopCanceled)
	}
	if got := transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("calls=%d, want 0", got)
	}
}

func TestScrapeAllSendsRotatedUserAgent(t *testing.T) {
	var agents []string
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL(1), func(req *http.Request) (*http.Response, error) {
		agents = append(agents, req.Header.Get("User-Agent"))
		return httpmock.NewStringResponse(http.StatusNotFound, ""), nil
	})

	id := identity.NewProvider(nil, []string{"harvest-agent/1.0"}, rand.New(rand.NewSource(1)))
	s := newTestScraper(t, testConfig(), transport, id)
	if _, err := s.ScrapeAll(context.Background()); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if len(agents) != 1 || agents[0] != "harvest-agent/1.0" {
		t.Fatalf("user agents = %v", agents)
	}
}

func TestScraperProxyFunc(t *testing.T) {
	proxy, err := identity.ParseProxy("10.0.0.1:3128:u:p")
	if err != nil {
		t.Fatalf("parse proxy: %v", err)
	}
	id := identity.NewProvider([]identity.ProxyConfig{proxy}, []string{"ua"}, rand.New(rand.NewSource(1)))

	s, err := NewScraper(testConfig(), id)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	tr, ok := s.base.(*http.Transport)
	if !ok {
		t.Fatalf("base transport = %T, want *http.Transport", s.base)
	}
	got, err := tr.Proxy(&http.Request{})
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if got == nil || got.Host != "10.0.0.1:3128" {
		t.Fatalf("proxy url = %v", got)
	}
}

func TestScrapeAllFirstPageUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1

	// No responder registered: every attempt fails at the transport.
	transport := httpmock.NewMockTransport()

	s := newTestScraper(t, cfg, transport, nil)
	result, err := s.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if len(result.Records) != 0 {
		t.Fatalf("records=%d, want 0", len(result.Records))
	}
	var fetchErr *fetch.FetchError
	if !errors.As(result.Err, &fetchErr) || fetchErr.Attempts != 2 {
		t.Fatalf("err = %v, want FetchError after 2 attempts", result.Err)
	}
}
