package engine

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/contentstore"
	"github.com/ternarybob/trawler/internal/fanout"
	"github.com/ternarybob/trawler/internal/models"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
)

// Params describe one crawl run.
type Params struct {
	CrawlID    string
	Domain     string
	URL        string
	MaxPages   int
	SingleURL  bool
	UseSitemap bool
	Custom     map[string]interface{}
}

// Engine runs a crawl to completion and reports its rolling counters.
type Engine interface {
	Run(ctx context.Context, params Params) (*models.CrawlStats, error)
}

// overshoot is how far past max_pages an in-flight crawl may run. The
// cap is soft because link discovery queues requests before earlier
// pages finish persisting.
const overshoot = 2

// Crawler fetches pages with colly, persists each body to the content
// store and fans it out to the parser tubes. Domains that serve
// protected or empty documents fall back to a JavaScript renderer and
// are remembered so later crawls render immediately.
type Crawler struct {
	config    *common.EngineConfig
	crawlJobs *storage.CrawlJobStorage
	kv        *storage.KVStorage
	content   *contentstore.Store
	fanout    *fanout.Dispatcher
	renderer  Renderer
	logger    arbor.ILogger
}

// NewCrawler creates a new Crawler instance. A nil renderer disables
// the JavaScript fallback regardless of configuration.
func NewCrawler(config *common.EngineConfig, crawlJobs *storage.CrawlJobStorage, kv *storage.KVStorage, content *contentstore.Store, dispatcher *fanout.Dispatcher, renderer Renderer, logger arbor.ILogger) *Crawler {
	return &Crawler{
		config:    config,
		crawlJobs: crawlJobs,
		kv:        kv,
		content:   content,
		fanout:    dispatcher,
		renderer:  renderer,
		logger:    logger,
	}
}

// jsDomainKey is the renderer-state key for a domain that needed
// JavaScript rendering.
func jsDomainKey(domain string) string {
	return "jsdomain:" + strings.ToLower(strings.TrimPrefix(domain, "www."))
}

// crawlRun is the mutable state of one Run invocation. colly callbacks
// fire from the collector's goroutines, so counters sit behind a mutex.
type crawlRun struct {
	params   Params
	maxPages int
	forceJS  bool

	mu        sync.Mutex
	requested int
	stats     models.CrawlStats
	jsMarked  bool
}

func (r *crawlRun) recordStatus(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.StatusCodes[strconv.Itoa(code)]++
}

func (r *crawlRun) skip() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.SkippedURLs++
}

func (r *crawlRun) addPage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.PagesCrawled++
}

func (r *crawlRun) pages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.PagesCrawled
}

// admit reserves a request slot, refusing once the hard cap is hit.
func (r *crawlRun) admit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requested >= r.maxPages+overshoot {
		r.stats.SkippedURLs++
		return false
	}
	r.requested++
	return true
}

func (r *crawlRun) snapshot() models.CrawlStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	stats.StatusCodes = make(map[string]int, len(r.stats.StatusCodes))
	for code, count := range r.stats.StatusCodes {
		stats.StatusCodes[code] = count
	}
	stats.JSRenderedDomains = append([]string(nil), r.stats.JSRenderedDomains...)
	return stats
}

// Run crawls a target until the page cap is reached or the frontier is
// exhausted. A run that captures zero pages is an error even when every
// fetch completed, since downstream parsing has nothing to work with.
func (e *Crawler) Run(ctx context.Context, params Params) (*models.CrawlStats, error) {
	if params.CrawlID == "" || params.Domain == "" {
		return nil, fmt.Errorf("crawl params need crawl_id and domain")
	}
	log := e.logger.WithCorrelationId(params.CrawlID)

	maxPages := params.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}
	if params.SingleURL {
		maxPages = 1
	}
	startURL := params.URL
	if startURL == "" {
		startURL = "https://" + params.Domain + "/"
	}

	forceJS := false
	if e.config.EnableJavaScript && e.renderer != nil {
		known, err := e.kv.Has(jsDomainKey(params.Domain))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to check renderer state, assuming plain fetch")
		}
		forceJS = known
	}

	run := &crawlRun{
		params:   params,
		maxPages: maxPages,
		forceJS:  forceJS,
		stats: models.CrawlStats{
			StatusCodes: make(map[string]int),
			StartedAt:   time.Now().UTC(),
		},
	}

	log.Info().
		Str("domain", params.Domain).
		Str("start_url", startURL).
		Int("max_pages", maxPages).
		Bool("single_url", params.SingleURL).
		Bool("force_js", forceJS).
		Msg("Starting crawl")

	collector := e.newCollector(ctx, run, startURL, log)

	seeds := []string{startURL}
	if params.UseSitemap && !params.SingleURL {
		locs, err := e.fetchSitemap(startURL)
		if err != nil {
			log.Warn().Err(err).Msg("Sitemap fetch failed, crawling from start URL only")
		} else {
			for _, loc := range locs {
				if len(seeds) >= maxPages {
					break
				}
				if loc != startURL {
					seeds = append(seeds, loc)
				}
			}
			log.Info().Int("sitemap_urls", len(locs)).Int("seeds", len(seeds)).Msg("Seeded crawl from sitemap")
		}
	}

	for _, seed := range seeds {
		if err := collector.Visit(seed); err != nil {
			log.Debug().Err(err).Str("url", seed).Msg("Seed visit refused")
		}
	}
	collector.Wait()

	run.mu.Lock()
	run.stats.EndedAt = time.Now().UTC()
	run.mu.Unlock()
	e.pushStats(run, log)

	stats := run.snapshot()
	log.Info().
		Int("pages_crawled", stats.PagesCrawled).
		Int("skipped_urls", stats.SkippedURLs).
		Msg("Crawl finished")

	if stats.PagesCrawled == 0 {
		return &stats, fmt.Errorf("crawl of %s captured zero pages", params.Domain)
	}
	return &stats, nil
}

// allowedHosts builds the collector's domain allow-list: the target
// domain, its www twin, and the start URL's host when it differs.
func allowedHosts(domain, startURL string) []string {
	hosts := []string{domain, "www." + domain}
	if parsed, err := url.Parse(startURL); err == nil {
		if host := parsed.Hostname(); host != "" && host != domain {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

func (e *Crawler) newCollector(ctx context.Context, run *crawlRun, startURL string, log arbor.ILogger) *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(e.config.UserAgent),
		colly.AllowedDomains(allowedHosts(run.params.Domain, startURL)...),
		colly.MaxBodySize(e.config.MaxBodySize),
		colly.ParseHTTPErrorResponse(),
		colly.Async(true),
	)
	c.SetRequestTimeout(common.Duration(e.config.RequestTimeout, 30*time.Second))
	if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: 1}); err != nil {
		log.Warn().Err(err).Msg("Failed to apply collector limit rule")
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if delay := common.Duration(e.config.RequestDelay, 0); delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		if !run.admit() {
			r.Abort()
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			r.Abort()
		}
	})

	c.OnResponse(func(resp *colly.Response) {
		e.handleResponse(ctx, run, resp, log)
	})

	c.OnHTML("a[href]", func(el *colly.HTMLElement) {
		if run.params.SingleURL || run.pages() >= run.maxPages {
			return
		}
		link := el.Request.AbsoluteURL(strings.TrimSpace(el.Attr("href")))
		if link == "" {
			return
		}
		if err := c.Visit(link); err != nil {
			// Duplicate and off-domain links land here; not a failure.
			log.Trace().Err(err).Str("url", link).Msg("Link not followed")
		}
	})

	c.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode > 0 {
			run.recordStatus(resp.StatusCode)
		}
		run.skip()
		log.Debug().Err(err).Str("url", resp.Request.URL.String()).Msg("Fetch failed")
	})

	return c
}

// handleResponse decides the fate of one fetched page: persist it,
// re-render it through the JavaScript fallback, or skip it.
func (e *Crawler) handleResponse(ctx context.Context, run *crawlRun, resp *colly.Response, log arbor.ILogger) {
	status := resp.StatusCode
	pageURL := resp.Request.URL.String()
	run.recordStatus(status)

	protected := status == 403 || status == 503
	if status >= 400 && !protected {
		run.skip()
		log.Debug().Int("status", status).Str("url", pageURL).Msg("Skipping error page")
		return
	}

	body := resp.Body
	if run.forceJS || protected || len(body) < e.config.MinHTMLBytes {
		if !e.config.EnableJavaScript || e.renderer == nil {
			run.skip()
			log.Warn().
				Int("status", status).
				Int("bytes", len(body)).
				Str("url", pageURL).
				Msg("Page looks protected or empty and rendering is disabled, skipping")
			return
		}
		rendered, err := e.renderer.Render(ctx, pageURL)
		if err != nil {
			run.skip()
			log.Warn().Err(err).Str("url", pageURL).Msg("JavaScript render failed, skipping page")
			return
		}
		body = rendered
		e.markJSDomain(run, log)
		log.Debug().Str("url", pageURL).Int("bytes", len(body)).Msg("Page re-rendered with JavaScript")
	}

	var headers map[string][]string
	if resp.Headers != nil {
		headers = *resp.Headers
	}
	pagePath, hdrPath, err := e.content.SavePage(run.params.Domain, pageURL, body, headers)
	if err != nil {
		run.skip()
		log.Error().Err(err).Str("url", pageURL).Msg("Failed to persist page body")
		return
	}

	if _, err := e.fanout.Dispatch(fanout.PageItem{
		CrawlID:         run.params.CrawlID,
		Domain:          run.params.Domain,
		URL:             pageURL,
		HTMLFilePath:    pagePath,
		HeadersFilePath: hdrPath,
		StatusCode:      status,
		Custom:          run.params.Custom,
	}); err != nil {
		log.Warn().Err(err).Str("url", pageURL).Msg("Fan-out failed for persisted page")
	}

	run.addPage()
	e.pushStats(run, log)
}

// markJSDomain records the run's domain in the renderer-state set, once
// per run.
func (e *Crawler) markJSDomain(run *crawlRun, log arbor.ILogger) {
	run.mu.Lock()
	already := run.jsMarked
	if !already {
		run.jsMarked = true
		run.stats.JSRenderedDomains = append(run.stats.JSRenderedDomains, run.params.Domain)
	}
	run.mu.Unlock()
	if already {
		return
	}
	if err := e.kv.Set(jsDomainKey(run.params.Domain), "1", "domain requires JavaScript rendering"); err != nil {
		log.Warn().Err(err).Str("domain", run.params.Domain).Msg("Failed to record renderer state")
	}
}

// pushStats writes the current counters onto the crawl job record so
// operators can watch a crawl progress.
func (e *Crawler) pushStats(run *crawlRun, log arbor.ILogger) {
	if err := e.crawlJobs.RecordStats(run.params.CrawlID, run.snapshot()); err != nil {
		log.Warn().Err(err).Msg("Failed to push crawl stats")
	}
}
