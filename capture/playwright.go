package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

// BrowserConfig controls the browser Launch starts.
type BrowserConfig struct {
	Headless bool
	Width    int
	Height   int
	StartURL string        // Page opened at launch; blank keeps about:blank.
	Timeout  time.Duration // Default timeout for page operations.
	Install  bool          // Download the driver and browser before starting.
}

func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless: true,
		Width:    1280,
		Height:   720,
		Timeout:  30 * time.Second,
	}
}

// Browser is a Capturer backed by one playwright Chromium page. Operations
// on the page are serialized.
type Browser struct {
	logger *zap.Logger

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

// Launch starts playwright and opens a single page.
func Launch(cfg BrowserConfig, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if cfg.Install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: cfg.Width, Height: cfg.Height},
	})
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	if cfg.Timeout > 0 {
		page.SetDefaultTimeout(float64(cfg.Timeout.Milliseconds()))
	}

	b := &Browser{logger: logger, pw: pw, browser: browser, context: bctx, page: page}
	if cfg.StartURL != "" {
		if err := b.Navigate(context.Background(), cfg.StartURL); err != nil {
			_ = b.Close()
			return nil, err
		}
	}
	logger.Info("browser ready", zap.Bool("headless", cfg.Headless), zap.String("url", page.URL()))
	return b, nil
}

// Navigate loads url in the page.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.page.Goto(url); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (b *Browser) Viewport(ctx context.Context, format Format) ([]byte, error) {
	return b.screenshot(ctx, format, false, nil)
}

func (b *Browser) FullPage(ctx context.Context, format Format) ([]byte, error) {
	return b.screenshot(ctx, format, true, nil)
}

func (b *Browser) Element(ctx context.Context, q ElementQuery, format Format) ([]byte, ElementBounds, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, ElementBounds{}, err
	}

	loc, index, err := b.nth(q.Selector, q.Index)
	if err != nil {
		return nil, ElementBounds{}, err
	}
	if err := loc.ScrollIntoViewIfNeeded(); err != nil {
		return nil, ElementBounds{}, fmt.Errorf("scroll %s: %w", q.Selector, err)
	}
	box, err := loc.BoundingBox()
	if err != nil {
		return nil, ElementBounds{}, fmt.Errorf("bounding box %s: %w", q.Selector, err)
	}
	if box == nil {
		return nil, ElementBounds{}, fmt.Errorf("%s is not visible", q.Selector)
	}

	bounds := ElementBounds{
		X:        math.Max(0, box.X-q.Padding),
		Y:        math.Max(0, box.Y-q.Padding),
		Width:    box.Width + 2*q.Padding,
		Height:   box.Height + 2*q.Padding,
		Selector: q.Selector,
		Index:    index,
	}
	clip := &playwright.Rect{X: bounds.X, Y: bounds.Y, Width: bounds.Width, Height: bounds.Height}
	img, err := b.page.Screenshot(screenshotOptions(format, false, clip))
	if err != nil {
		return nil, ElementBounds{}, fmt.Errorf("screenshot %s: %w", q.Selector, err)
	}
	return img, bounds, nil
}

const pageInfoScript = `() => ({
	url: window.location.href,
	title: document.title,
	width: window.innerWidth,
	height: window.innerHeight,
	scrollHeight: document.documentElement.scrollHeight,
	scrollWidth: document.documentElement.scrollWidth
})`

func (b *Browser) PageInfo(ctx context.Context) (PageInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return PageInfo{}, err
	}
	raw, err := b.page.Evaluate(pageInfoScript)
	if err != nil {
		return PageInfo{}, err
	}
	// Evaluate returns generic maps; round-trip through JSON for the typed view.
	body, err := json.Marshal(raw)
	if err != nil {
		return PageInfo{}, err
	}
	var info PageInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return PageInfo{}, err
	}
	return info, nil
}

func (b *Browser) PageSource(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.page.Content()
}

func (b *Browser) ElementSource(ctx context.Context, selector string, index int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	loc, _, err := b.nth(selector, index)
	if err != nil {
		return "", err
	}
	html, err := loc.Evaluate("el => el.outerHTML", nil)
	if err != nil {
		return "", err
	}
	s, ok := html.(string)
	if !ok {
		return "", fmt.Errorf("outerHTML of %s is %T", selector, html)
	}
	return s, nil
}

// Close releases the page, the browser, and the driver.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.page.Close()
	_ = b.context.Close()
	_ = b.browser.Close()
	if err := b.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

// nth resolves the index-th match of selector, clamped to the last match.
// The caller holds mu.
func (b *Browser) nth(selector string, index int) (playwright.Locator, int, error) {
	all := b.page.Locator(selector)
	count, err := all.Count()
	if err != nil {
		return nil, 0, fmt.Errorf("query %s: %w", selector, err)
	}
	if count == 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	index = min(max(index, 0), count-1)
	return all.Nth(index), index, nil
}

func (b *Browser) screenshot(ctx context.Context, format Format, fullPage bool, clip *playwright.Rect) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := b.page.Screenshot(screenshotOptions(format, fullPage, clip))
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return img, nil
}

func screenshotOptions(format Format, fullPage bool, clip *playwright.Rect) playwright.PageScreenshotOptions {
	kind := playwright.ScreenshotTypePng
	if format == FormatJPEG {
		kind = playwright.ScreenshotTypeJpeg
	}
	return playwright.PageScreenshotOptions{
		Type:     kind,
		FullPage: playwright.Bool(fullPage),
		Clip:     clip,
	}
}
