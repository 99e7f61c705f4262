package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"

	"github.com/MikeSquared-Agency/archivist/internal/extract"
)

const (
	defaultReadyTimeout = 20 * time.Second
	defaultNavTimeout   = 30 * time.Second
)

// Driver runs the live-interactive fallback: it renders a conversation
// page in headless Chromium, waits for the application content to
// hydrate, and re-enters the Extraction Engine in live mode. The
// browser itself is expensive, so it is launched lazily, once, with the
// same dedup discipline as the worker manager; pages are per-item and
// always disposed.
type Driver struct {
	readyTimeout time.Duration
	navTimeout   time.Duration
	logger       *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

func NewDriver(readyTimeout time.Duration, logger *slog.Logger) *Driver {
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	return &Driver{
		readyTimeout: readyTimeout,
		navTimeout:   defaultNavTimeout,
		logger:       logger,
	}
}

func (d *Driver) ensureBrowser() (playwright.Browser, error) {
	d.mu.Lock()
	b := d.browser
	d.mu.Unlock()
	if b != nil && b.IsConnected() {
		return b, nil
	}

	v, err, _ := d.group.Do("launch", func() (any, error) {
		pw, err := playwright.Run()
		if err != nil {
			return nil, fmt.Errorf("start playwright: %w", err)
		}
		browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(true),
		})
		if err != nil {
			_ = pw.Stop()
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		d.mu.Lock()
		d.pw = pw
		d.browser = browser
		d.mu.Unlock()
		d.logger.Info("headless browser launched")
		return browser, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(playwright.Browser), nil
}

// ExtractLive renders the page and extracts in live mode. Readiness is
// a predicate over observable content — the primary turn selector must
// attach — never just the navigation-complete event, because the page
// hydrates asynchronously after navigation finishes. The wait is
// bounded; on timeout the item fails rather than hanging the batch.
func (d *Driver) ExtractLive(ctx context.Context, url string) (*extract.ConversationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := d.ensureBrowser()
	if err != nil {
		return nil, err
	}

	page, err := b.NewPage(playwright.BrowserNewPageOptions{
		Viewport: &playwright.Size{Width: 1280, Height: 800},
	})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	// The rendering surface is disposed regardless of outcome.
	defer func() {
		if err := page.Close(); err != nil {
			d.logger.Warn("page close failed", "url", url, "error", err)
		}
	}()

	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(d.navTimeout.Milliseconds())),
	}); err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}

	if err := page.Locator(extract.TurnSelector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(float64(d.readyTimeout.Milliseconds())),
	}); err != nil {
		return nil, fmt.Errorf("conversation content did not hydrate within %s: %w", d.readyTimeout, err)
	}

	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("capture rendered content: %w", err)
	}

	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse rendered content: %w", err)
	}
	engine, err := extract.NewEngine(root, false)
	if err != nil {
		return nil, err
	}
	rec, err := engine.ExtractConversation(url)
	if err != nil {
		return nil, err
	}

	d.logger.Info("live extraction complete", "url", url, "messages", len(rec.Messages))
	return rec, nil
}

// Close shuts the shared browser down.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		_ = d.browser.Close()
		d.browser = nil
	}
	if d.pw != nil {
		err := d.pw.Stop()
		d.pw = nil
		return err
	}
	return nil
}
