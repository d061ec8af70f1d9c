package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/common"
)

// Renderer produces a fully rendered HTML document for a URL whose
// plain fetch came back protected or empty.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, error)
}

// ChromeRenderer drives a headless Chrome instance through chromedp.
// The browser starts lazily on first use and is shared across renders.
type ChromeRenderer struct {
	config *common.EngineConfig
	logger arbor.ILogger

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

// NewChromeRenderer creates a new ChromeRenderer instance.
func NewChromeRenderer(config *common.EngineConfig, logger arbor.ILogger) *ChromeRenderer {
	return &ChromeRenderer{
		config: config,
		logger: logger,
	}
}

// init launches the browser on first use. Callers hold r.mu.
func (r *ChromeRenderer) init() error {
	if r.browserCtx != nil {
		return nil
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.UserAgent(r.config.UserAgent),
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(1920, 1080),
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			r.logger.Debug().Msgf("chromedp: "+format, args...)
		}),
	)

	// Startup probe so a broken Chrome install fails loudly here
	// instead of on the first real page.
	probeCtx, probeCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer probeCancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser failed startup probe: %w", err)
	}

	r.browserCtx = browserCtx
	r.browserCancel = browserCancel
	r.allocCancel = allocCancel
	r.logger.Info().Msg("Headless browser started for JavaScript rendering")
	return nil
}

// Render navigates to a URL, waits for scripts to settle and returns
// the rendered document.
func (r *ChromeRenderer) Render(ctx context.Context, pageURL string) ([]byte, error) {
	r.mu.Lock()
	if err := r.init(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	browserCtx := r.browserCtx
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := common.Duration(r.config.RequestTimeout, 30*time.Second)
	pageCtx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()

	wait := common.Duration(r.config.JavaScriptWaitTime, 3*time.Second)

	var html string
	err := chromedp.Run(pageCtx,
		chromedp.Navigate(pageURL),
		chromedp.Sleep(wait),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", pageURL, err)
	}
	return []byte(html), nil
}

// Close shuts the browser down.
func (r *ChromeRenderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browserCancel != nil {
		r.browserCancel()
		r.browserCancel = nil
	}
	if r.allocCancel != nil {
		r.allocCancel()
		r.allocCancel = nil
	}
	r.browserCtx = nil
}
