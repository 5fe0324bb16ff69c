package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"farsight/internal/logging"
)

// BrowserConfig tunes the headless-render fallback.
type BrowserConfig struct {
	Bin               string
	NavigationTimeout time.Duration
}

// BrowserFetcher renders JS-gated pages in a headless Chrome and returns
// the settled DOM. The browser launches lazily on first use and one
// instance is shared across renders.
type BrowserFetcher struct {
	cfg BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowserFetcher creates the fallback renderer. Chrome is not launched
// until the first Render call.
func NewBrowserFetcher(cfg BrowserConfig) *BrowserFetcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 25 * time.Second
	}
	return &BrowserFetcher{cfg: cfg}
}

func (b *BrowserFetcher) ensureStarted(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		if _, err := b.browser.Version(); err == nil {
			return nil
		}
		logging.HarvestWarn("stale browser connection, relaunching")
		_ = b.browser.Close()
		b.browser = nil
	}

	launch := launcher.New().Headless(true)
	if b.cfg.Bin != "" {
		launch = launch.Bin(b.cfg.Bin)
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	b.browser = browser
	return nil
}

// Render navigates a fresh incognito page to the URL, waits for load, and
// returns the rendered HTML.
func (b *BrowserFetcher) Render(ctx context.Context, url string) (string, error) {
	if err := b.ensureStarted(ctx); err != nil {
		return "", err
	}

	b.mu.Lock()
	browser := b.browser
	b.mu.Unlock()
	if browser == nil {
		return "", errors.New("browser not connected")
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return "", fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}
	defer func() { _ = page.Close() }()

	page = page.Context(ctx).Timeout(b.cfg.NavigationTimeout)
	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load %s: %w", url, err)
	}

	htmlBody, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read dom %s: %w", url, err)
	}
	logging.HarvestDebug("browser rendered %s (%d bytes)", url, len(htmlBody))
	return htmlBody, nil
}

// Close shuts the shared browser down.
func (b *BrowserFetcher) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}
