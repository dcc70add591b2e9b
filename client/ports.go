package client

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"
)

// RandomSource supplies cryptographically secure random bytes.
type RandomSource = io.Reader

// Digest hashes PKCE verifiers. Implementations must return a SHA-256 digest.
type Digest interface {
	Sum256(data []byte) ([]byte, error)
}

// SHA256Digest is the default Digest.
type SHA256Digest struct{}

// Sum256 implements Digest.
func (SHA256Digest) Sum256(data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Navigator moves the host between pages. Navigate is terminal for the
// current page in a browser host; Open starts a popup.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
	Open(ctx context.Context, target string) (Window, error)
	// CurrentURL reports the page the client runs on. Its origin decides
	// same-domain versus cross-domain mode.
	CurrentURL() string
}

// Window is a handle on a popup opened by Navigator.Open.
type Window interface {
	Close() error
	Closed() bool
}

// RecordingNavigator keeps navigations in memory. Hosts without a browser
// (tests, servers driving the flow for someone else) read the last target.
type RecordingNavigator struct {
	Current string

	mu      sync.Mutex
	visited []string
	windows []*RecordedWindow
}

// RecordedWindow is the Window handed out by RecordingNavigator.
type RecordedWindow struct {
	URL string

	mu     sync.Mutex
	closed bool
}

// Navigate implements Navigator.
func (n *RecordingNavigator) Navigate(_ context.Context, target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.visited = append(n.visited, target)
	return nil
}

// Open implements Navigator.
func (n *RecordingNavigator) Open(_ context.Context, target string) (Window, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	w := &RecordedWindow{URL: target}
	n.windows = append(n.windows, w)
	return w, nil
}

// CurrentURL implements Navigator.
func (n *RecordingNavigator) CurrentURL() string {
	return n.Current
}

// Visited returns every Navigate target in order.
func (n *RecordingNavigator) Visited() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.visited...)
}

// LastVisited returns the most recent Navigate target.
func (n *RecordingNavigator) LastVisited() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.visited) == 0 {
		return ""
	}
	return n.visited[len(n.visited)-1]
}

// Windows returns the popups opened so far.
func (n *RecordingNavigator) Windows() []*RecordedWindow {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*RecordedWindow(nil), n.windows...)
}

// Close implements Window.
func (w *RecordedWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// Closed implements Window.
func (w *RecordedWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// errNoNavigator is returned when a flow needs to leave the page but the
// client was built without a Navigator.
var errNoNavigator = errors.New("navigator not configured")

func defaultRandom() RandomSource {
	return rand.Reader
}
