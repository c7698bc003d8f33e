// Package collyfetcher implements scrape.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

// DefaultContentPrefix is the number of body bytes kept on success.
const DefaultContentPrefix = 200

const defaultTimeout = 15 * time.Second

var errEmptyURL = errors.New("missing URL")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// ContentPrefix is the number of body bytes kept on success. The cut is
	// made on bytes and may split a multi-byte UTF-8 sequence.
	ContentPrefix int
	// Transport overrides the pooled default transport (tests).
	Transport http.RoundTripper
}

// Fetcher implements scrape.Fetcher with a single GET per URL.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// outcome is what the colly callbacks observed for one visit.
type outcome struct {
	status int
	body   []byte
	url    string
	err    error
}

// New builds a Fetcher. Timeout and transport are fixed on the shared
// backend here so per-request clones never mutate it.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ContentPrefix <= 0 {
		cfg.ContentPrefix = DefaultContentPrefix
	}
	c := colly.NewCollector(colly.Async(false))
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Status 200 yields a success carrying the
// content prefix; any other status or transport error yields a failure.
func (f *Fetcher) Fetch(ctx context.Context, url string) scrape.Result {
	start := time.Now()
	result := f.fetch(ctx, url)
	result.Duration = time.Since(start)
	return result
}

func (f *Fetcher) fetch(ctx context.Context, url string) scrape.Result {
	if url == "" {
		return scrape.Failure(url, 0, errEmptyURL.Error())
	}
	if err := ctx.Err(); err != nil {
		return scrape.Failure(url, 0, fmt.Sprintf("fetch canceled: %v", err))
	}

	return f.visit(ctx, url)
}

// visit returns only once the request has finished; ctx aborts the transport.
func (f *Fetcher) visit(ctx context.Context, url string) scrape.Result {
	var seen outcome
	collector := f.buildCollector()
	collector.Context = ctx
	f.configureCollectorHooks(collector, &seen)

	if err := collector.Visit(url); err != nil && seen.err == nil {
		seen.err = err
	}
	return f.classify(url, seen)
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	// the same URL may arrive again in a later tick
	collector.AllowURLRevisit = true
	// route every status through OnResponse so it can be classified
	collector.ParseHTTPErrorResponse = true
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, seen *outcome) {
	hooks.OnResponse(func(r *colly.Response) {
		seen.status = r.StatusCode
		seen.body = append([]byte(nil), r.Body...)
		if r.Request != nil && r.Request.URL != nil {
			seen.url = r.Request.URL.String()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			seen.status = r.StatusCode
		}
		seen.err = err
	})
}

func (f *Fetcher) classify(url string, seen outcome) scrape.Result {
	if seen.status != 0 && seen.status != http.StatusOK {
		return scrape.Failure(url, seen.status, fmt.Sprintf("HTTP %d", seen.status))
	}
	if seen.err != nil {
		return scrape.Failure(url, seen.status, seen.err.Error())
	}
	if seen.status == http.StatusOK {
		return scrape.Success(url, seen.status, prefix(seen.body, f.cfg.ContentPrefix))
	}
	return scrape.Failure(url, 0, "no response received")
}

// prefix returns at most n leading bytes of body.
func prefix(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n])
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
