package web

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

// page is one fetched URL
type page struct {
	URL      string
	MimeType string
	Body     []byte
}

// fetcher retrieves a page body
type fetcher interface {
	Fetch(ctx context.Context, pageURL string, headers map[string]string) (*page, error)
}

// httpFetcher fetches pages with a plain HTTP client
type httpFetcher struct {
	client      *http.Client
	userAgent   string
	maxBodySize int64
}

func (f *httpFetcher) Fetch(ctx context.Context, pageURL string, headers map[string]string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &statusError{URL: pageURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", pageURL, err)
	}
	mimeType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		mimeType = http.DetectContentType(body)
		mimeType, _, _ = mime.ParseMediaType(mimeType)
	}
	return &page{URL: resp.Request.URL.String(), MimeType: mimeType, Body: body}, nil
}

type statusError struct {
	URL        string
	StatusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// browserFetcher renders pages in headless Chrome. The browser is started
// on first use and every fetch runs in its own tab.
type browserFetcher struct {
	userAgent string
	wait      time.Duration
	timeout   time.Duration
	logger    arbor.ILogger

	mu              sync.Mutex
	browser         context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

func (f *browserFetcher) start() (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != nil {
		return f.browser, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(f.userAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	f.browser, f.browserCancel, f.allocatorCancel = browserCtx, browserCancel, allocatorCancel
	f.logger.Info().Str("user_agent", f.userAgent).Msg("Headless browser started")
	return f.browser, nil
}

func (f *browserFetcher) Fetch(ctx context.Context, pageURL string, headers map[string]string) (*page, error) {
	browser, err := f.start()
	if err != nil {
		return nil, err
	}
	tab, cancelTab := chromedp.NewContext(browser)
	defer cancelTab()
	tab, cancelTimeout := context.WithTimeout(tab, f.timeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var html, location string
	if err := chromedp.Run(tab,
		chromedp.Navigate(pageURL),
		chromedp.Sleep(f.wait),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("render %s: %w", pageURL, err)
	}
	if location == "" {
		location = pageURL
	}
	return &page{URL: location, MimeType: "text/html", Body: []byte(html)}, nil
}

// Close stops the browser, if one was started
func (f *browserFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser == nil {
		return
	}
	f.browserCancel()
	f.allocatorCancel()
	f.browser = nil
}

// hostLimiter paces requests per host
type hostLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	limiters map[string]*rate.Limiter
}

func newHostLimiter(requestsPerSecond float64) *hostLimiter {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &hostLimiter{limit: limit, limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until a request to rawURL's host is allowed
func (h *hostLimiter) Wait(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	h.mu.Lock()
	limiter, ok := h.limiters[u.Host]
	if !ok {
		limiter = rate.NewLimiter(h.limit, 1)
		h.limiters[u.Host] = limiter
	}
	h.mu.Unlock()
	return limiter.Wait(ctx)
}
