// Package showdown talks to the Pokémon Showdown replay server: the paginated
// search listing and the per-replay JSON endpoint.
package showdown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/replay-harvester/internal/harvest"
)

// Server defaults.
const (
	DefaultBaseURL  = "https://replay.pokemonshowdown.com"
	DefaultPageSize = 51
)

// Config controls the client.
type Config struct {
	BaseURL string
	// PageSize is the number of rows a full listing page carries; a shorter
	// page is the last one.
	PageSize       int
	UserAgent      string
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Waiter throttles outbound requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
	Pause(rawURL string, d time.Duration)
}

// Client implements harvest.PageSource and harvest.ReplayFetcher.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       Waiter
	logger        *zap.Logger
}

type response struct {
	status  int
	headers http.Header
	body    []byte
}

// New builds a Client. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid showdown base url: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Client{cfg: cfg, baseCollector: c, limiter: limiter, logger: logger}, nil
}

// Pages returns a lazy iterator over the listing of format. Newer listings
// start at the newest replay; Older listings start just below reference.
func (c *Client) Pages(format string, d harvest.Direction, reference int64) harvest.PageIterator {
	it := &pageIterator{client: c, format: format}
	if d == harvest.Older && reference > 0 {
		it.before = reference
	}
	return it
}

// FetchReplay downloads the JSON record of one replay.
func (c *Client) FetchReplay(ctx context.Context, replayID string) ([]byte, error) {
	target := fmt.Sprintf("%s/%s.json", c.cfg.BaseURL, url.PathEscape(replayID))
	resp, err := c.getWithRetry(ctx, "fetch replay "+replayID, target)
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

func (c *Client) searchURL(format string, before int64) string {
	q := url.Values{}
	q.Set("format", format)
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	return c.cfg.BaseURL + "/search.json?" + q.Encode()
}

// getWithRetry retries transport and rate limit failures with exponential
// backoff; every other failure returns immediately.
func (c *Client) getWithRetry(ctx context.Context, op, target string) (response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BackoffInitial
	policy.MaxInterval = c.cfg.BackoffMax
	policy.MaxElapsedTime = 0

	var resp response
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		resp, err = c.get(ctx, op, target)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !harvest.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying request",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if ctx.Err() != nil && harvest.KindOf(err) != harvest.KindInterrupted {
			return response{}, harvest.NewError(harvest.KindInterrupted, op, ctx.Err())
		}
		return response{}, err
	}
	return resp, nil
}

// get issues one GET through a cloned collector and classifies the result.
func (c *Client) get(ctx context.Context, op, target string) (response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, target); err != nil {
			return response{}, harvest.NewError(harvest.KindInterrupted, op, err)
		}
	}

	collector := c.baseCollector.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}

	var (
		resp     response
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})
	collector.OnResponse(func(r *colly.Response) {
		resp = response{
			status:  r.StatusCode,
			headers: r.Headers.Clone(),
			body:    append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil && r.StatusCode != 0 {
			resp.status = r.StatusCode
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return response{}, harvest.NewError(harvest.KindInterrupted, op, ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil && resp.status == 0 {
			return response{}, harvest.NewError(harvest.KindTransport, op, err)
		}
	}
	return resp, c.classify(op, target, resp)
}

func (c *Client) classify(op, target string, resp response) error {
	switch {
	case resp.status >= 200 && resp.status < 300:
		return nil
	case resp.status == http.StatusTooManyRequests:
		if wait := retryAfter(resp.headers); wait > 0 && c.limiter != nil {
			c.limiter.Pause(target, wait)
		}
		return &harvest.Error{Kind: harvest.KindRateLimited, Op: op, StatusCode: resp.status}
	case resp.status == http.StatusNotFound:
		return &harvest.Error{Kind: harvest.KindNotFound, Op: op, StatusCode: resp.status}
	case resp.status >= 500:
		return &harvest.Error{Kind: harvest.KindTransport, Op: op, StatusCode: resp.status}
	default:
		return &harvest.Error{
			Kind:       harvest.KindDecode,
			Op:         op,
			StatusCode: resp.status,
			Err:        errors.New("unexpected status"),
		}
	}
}

func retryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		return time.Until(at)
	}
	return 0
}

type pageIterator struct {
	client *Client
	format string
	before int64
	number int
	done   bool
}

// Next fetches the next listing page. The cursor only moves after a page
// decoded successfully, so a failed call can be repeated.
func (it *pageIterator) Next(ctx context.Context) (harvest.Page, error) {
	if it.done {
		return harvest.Page{Number: it.number, Exhausted: true}, nil
	}
	number := it.number + 1
	op := fmt.Sprintf("list %s page %d", it.format, number)
	resp, err := it.client.getWithRetry(ctx, op, it.client.searchURL(it.format, it.before))
	if err != nil {
		return harvest.Page{}, err
	}

	var entries []harvest.ListingEntry
	if err := json.Unmarshal(resp.body, &entries); err != nil {
		return harvest.Page{}, harvest.NewError(harvest.KindDecode, op, err)
	}
	it.number = number
	page := harvest.Page{
		Number:    number,
		Entries:   entries,
		Exhausted: len(entries) < it.client.cfg.PageSize,
	}
	if page.Exhausted {
		it.done = true
		return page, nil
	}
	it.before = oldest(entries)
	return page, nil
}

// oldest returns the minimum upload time of a page. Rows are not assumed to
// arrive in any order.
func oldest(entries []harvest.ListingEntry) int64 {
	low := entries[0].Timestamp
	for _, e := range entries[1:] {
		low = min(low, e.Timestamp)
	}
	return low
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
