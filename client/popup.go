package client

import (
	"context"
	"sync"
	"time"
)

// Popup message types exchanged between the popup page and its opener.
const (
	MessageSuccess  = "oauth-success"
	MessageError    = "oauth-error"
	MessageCallback = "oauth-callback"
)

// PopupMessage is what a popup posts to its opener.
type PopupMessage struct {
	Type        string         `json:"type"`
	ClientID    string         `json:"clientId"`
	CallbackURL string         `json:"callbackUrl,omitempty"`
	Error       string         `json:"error,omitempty"`
	Session     *SessionRecord `json:"-"`
}

// MessageBus connects a popup to the window that opened it. Post and Listen
// carry popup traffic; Dispatch and Subscribe carry the events re-emitted
// for UI code once a popup flow settles.
type MessageBus interface {
	Post(msg PopupMessage)
	Listen(fn func(PopupMessage)) (stop func())
	Dispatch(event PopupMessage)
	Subscribe(fn func(PopupMessage)) (stop func())
}

// LocalBus is an in-process MessageBus. Handlers run synchronously on the
// posting goroutine.
type LocalBus struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(PopupMessage)
	observers map[int]func(PopupMessage)
}

// NewLocalBus returns an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		listeners: make(map[int]func(PopupMessage)),
		observers: make(map[int]func(PopupMessage)),
	}
}

// Post implements MessageBus.
func (b *LocalBus) Post(msg PopupMessage) {
	for _, fn := range b.snapshot(b.listeners) {
		fn(msg)
	}
}

// Listen implements MessageBus.
func (b *LocalBus) Listen(fn func(PopupMessage)) func() {
	return b.add(b.listeners, fn)
}

// Dispatch implements MessageBus.
func (b *LocalBus) Dispatch(event PopupMessage) {
	for _, fn := range b.snapshot(b.observers) {
		fn(event)
	}
}

// Subscribe implements MessageBus.
func (b *LocalBus) Subscribe(fn func(PopupMessage)) func() {
	return b.add(b.observers, fn)
}

// Listeners reports how many popup listeners are registered.
func (b *LocalBus) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func (b *LocalBus) add(set map[int]func(PopupMessage), fn func(PopupMessage)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	set[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(set, id)
	}
}

func (b *LocalBus) snapshot(set map[int]func(PopupMessage)) []func(PopupMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fns := make([]func(PopupMessage), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	return fns
}

type popupState int

const (
	popupListening popupState = iota
	popupClosed
)

// popupCoordinator waits for the outcome of one popup. It moves from
// listening to closed exactly once, on whichever comes first: a matching
// message, the window being closed by hand, or ctx ending. listen must run
// before the popup opens so an early message is not lost.
type popupCoordinator struct {
	clientID string
	bus      MessageBus
	window   Window
	poll     time.Duration

	state popupState
	msgs  chan PopupMessage
	stop  func()
}

func (p *popupCoordinator) listen() {
	p.msgs = make(chan PopupMessage, 1)
	p.stop = p.bus.Listen(func(m PopupMessage) {
		if m.ClientID != p.clientID || !isPopupMessage(m.Type) {
			return
		}
		select {
		case p.msgs <- m:
		default:
		}
	})
}

func (p *popupCoordinator) wait(ctx context.Context) (PopupMessage, error) {
	if p.msgs == nil {
		p.listen()
	}
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	settle := func(m PopupMessage) (PopupMessage, error) {
		p.close()
		_ = p.window.Close()
		p.bus.Dispatch(m)
		return m, nil
	}
	for p.state == popupListening {
		select {
		case m := <-p.msgs:
			return settle(m)
		case <-ticker.C:
			if p.window.Closed() {
				// A popup posts its result and then closes, so a message
				// may be waiting alongside the tick.
				select {
				case m := <-p.msgs:
					return settle(m)
				default:
				}
				p.close()
				return PopupMessage{}, ErrPopupClosed
			}
		case <-ctx.Done():
			p.close()
			_ = p.window.Close()
			return PopupMessage{}, ctx.Err()
		}
	}
	return PopupMessage{}, ErrPopupClosed
}

func (p *popupCoordinator) close() {
	if p.stop != nil {
		p.stop()
	}
	p.state = popupClosed
}

func isPopupMessage(t string) bool {
	switch t {
	case MessageSuccess, MessageError, MessageCallback:
		return true
	default:
		return false
	}
}

// FinishPopupFlow runs on the popup's own page. It hands the callback URL to
// the opener and leaves the token exchange to it.
func (c *Client) FinishPopupFlow(callbackURL string) {
	c.bus.Post(PopupMessage{
		Type:        MessageCallback,
		ClientID:    c.cfg.ClientID,
		CallbackURL: callbackURL,
	})
}

// Events subscribes fn to the events re-emitted when popup flows settle.
func (c *Client) Events(fn func(PopupMessage)) (stop func()) {
	return c.bus.Subscribe(fn)
}
