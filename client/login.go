package client

import (
	"context"
	"fmt"
)

// Login starts the redirect flow. The current page is recorded so the
// callback can report where the user came from. In a browser host the
// navigation replaces the page, so Login is the last thing that page does.
func (c *Client) Login(ctx context.Context) error {
	if c.nav == nil {
		return errNoNavigator
	}
	target, err := c.builder.Build(c.cfg.RedirectURI, c.currentURL())
	if err != nil {
		return err
	}
	c.logger.Info("starting login", "mode", c.DomainMode().String())
	if err := c.nav.Navigate(ctx, target); err != nil {
		return fmt.Errorf("navigate to authorization: %w", err)
	}
	return nil
}

// LoginWithPopup runs the flow in a popup and completes it in this client.
// It returns ErrPopupClosed when the user closes the popup and ctx.Err()
// when ctx ends first; in the latter case the popup is closed.
func (c *Client) LoginWithPopup(ctx context.Context) (*SessionRecord, error) {
	if c.cfg.PopupRedirectURI == "" {
		return nil, &ConfigurationError{Field: "popupRedirectUri", Reason: "required for popup login"}
	}
	if c.nav == nil {
		return nil, errNoNavigator
	}
	target, err := c.builder.Build(c.cfg.PopupRedirectURI, "")
	if err != nil {
		return nil, err
	}
	coordinator := &popupCoordinator{
		clientID: c.cfg.ClientID,
		bus:      c.bus,
		poll:     c.pollInterval,
	}
	coordinator.listen()
	window, err := c.nav.Open(ctx, target)
	if err != nil {
		coordinator.close()
		return nil, fmt.Errorf("open popup: %w", err)
	}
	coordinator.window = window
	c.logger.Info("popup login started")

	msg, err := coordinator.wait(ctx)
	if err != nil {
		c.logger.Info("popup login ended", "reason", err.Error())
		return nil, err
	}

	switch msg.Type {
	case MessageCallback:
		return c.HandleCallbackURL(ctx, msg.CallbackURL)
	case MessageError:
		return nil, protocolError("OAuth error: " + msg.Error)
	default:
		if msg.Session != nil {
			return msg.Session, nil
		}
		return &SessionRecord{IsCrossDomain: c.DomainMode() == CrossDomain}, nil
	}
}
