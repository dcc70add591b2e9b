package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/browser"
)

// BrowserNavigator drives the system browser for terminal hosts. It cannot
// observe the tabs it opens, so its windows only report closed once Close has
// been called.
type BrowserNavigator struct {
	// Page is the URL this host presents itself as, usually the loopback
	// receiver's redirect URI.
	Page   string
	Logger *slog.Logger

	open func(string) error
}

// NewBrowserNavigator returns a BrowserNavigator for page.
func NewBrowserNavigator(page string, logger *slog.Logger) *BrowserNavigator {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserNavigator{Page: page, Logger: logger, open: browser.OpenURL}
}

// Navigate implements Navigator. When no browser can be started the URL is
// logged so the user can open it by hand.
func (n *BrowserNavigator) Navigate(_ context.Context, target string) error {
	n.Logger.Info("opening browser", "url", redactURL(target))
	if err := n.open(target); err != nil {
		n.Logger.Warn("failed to open browser, open the URL manually", "url", target, "error", err)
		return fmt.Errorf("open browser: %w", err)
	}
	return nil
}

// Open implements Navigator.
func (n *BrowserNavigator) Open(ctx context.Context, target string) (Window, error) {
	if err := n.Navigate(ctx, target); err != nil {
		return nil, err
	}
	return &browserWindow{}, nil
}

// CurrentURL implements Navigator.
func (n *BrowserNavigator) CurrentURL() string {
	return n.Page
}

type browserWindow struct {
	mu     sync.Mutex
	closed bool
}

func (w *browserWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *browserWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
