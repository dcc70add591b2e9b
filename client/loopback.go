package client

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
)

// CallbackResult is the outcome of one redirect callback.
type CallbackResult struct {
	Session *SessionRecord
	Err     error
}

// LoopbackReceiver serves the client's redirect and popup redirect URIs on a
// local listener. It stands in for the browser pages of a terminal host: the
// redirect path completes the login itself, the popup path hands the
// callback to the opener through FinishPopupFlow.
type LoopbackReceiver struct {
	client  *Client
	logger  *slog.Logger
	router  chi.Router
	addr    string
	server  *http.Server
	results chan CallbackResult
}

// NewLoopbackReceiver routes the paths of the client's redirect URIs. The
// listen address is taken from the redirect URI's host.
func NewLoopbackReceiver(c *Client, logger *slog.Logger) (*LoopbackReceiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	redirect, err := url.Parse(c.cfg.RedirectURI)
	if err != nil {
		return nil, &ConfigurationError{Field: "redirectUri", Reason: err.Error()}
	}
	if !isLoopbackHost(redirect.Hostname()) {
		return nil, &ConfigurationError{Field: "redirectUri", Reason: "loopback receiver needs a localhost redirect URI"}
	}

	r := &LoopbackReceiver{
		client:  c,
		logger:  logger,
		router:  chi.NewRouter(),
		addr:    redirect.Host,
		results: make(chan CallbackResult, 1),
	}
	r.router.Get(pathOrRoot(redirect.Path), r.handleRedirect)

	if c.cfg.PopupRedirectURI != "" {
		popup, err := url.Parse(c.cfg.PopupRedirectURI)
		if err != nil {
			return nil, &ConfigurationError{Field: "popupRedirectUri", Reason: err.Error()}
		}
		if popup.Host != redirect.Host {
			return nil, &ConfigurationError{Field: "popupRedirectUri", Reason: "must share the redirect URI's host and port"}
		}
		if pathOrRoot(popup.Path) != pathOrRoot(redirect.Path) {
			r.router.Get(pathOrRoot(popup.Path), r.handlePopup)
		}
	}
	return r, nil
}

// Handler exposes the router, mainly for tests.
func (r *LoopbackReceiver) Handler() http.Handler {
	return r.router
}

// Start listens on the redirect URI's address and serves in the background.
func (r *LoopbackReceiver) Start() error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.addr, err)
	}
	r.server = &http.Server{
		Handler:           r.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		r.logger.Info("callback receiver listening", "addr", ln.Addr().String())
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("callback receiver failed", "error", err)
		}
	}()
	return nil
}

// Wait blocks until a redirect callback settles or ctx ends.
func (r *LoopbackReceiver) Wait(ctx context.Context) (*SessionRecord, error) {
	select {
	case res := <-r.results:
		return res.Session, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops the listener started by Start.
func (r *LoopbackReceiver) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}

func (r *LoopbackReceiver) handleRedirect(w http.ResponseWriter, req *http.Request) {
	record, err := r.client.HandleCallback(req.Context(), req.URL.Query())
	switch {
	case err != nil:
		r.logger.Warn("callback failed", "error", err)
		writeErrorPage(w, err)
		r.deliver(CallbackResult{Err: err})
	case record == nil:
		// consent_required: a new authorization request is already under way.
		writePage(w, http.StatusOK, "Consent Required", "Your browser has been sent back to the authorization server to grant consent.")
	default:
		writePage(w, http.StatusOK, "Authentication Successful", "You can now close this window and return to the terminal.")
		r.deliver(CallbackResult{Session: record})
	}
}

func (r *LoopbackReceiver) handlePopup(w http.ResponseWriter, req *http.Request) {
	callback := url.URL{Scheme: "http", Host: req.Host, Path: req.URL.Path, RawQuery: req.URL.RawQuery}
	r.client.FinishPopupFlow(callback.String())
	writePage(w, http.StatusOK, "Authentication Complete", "You can now close this window.")
}

func (r *LoopbackReceiver) deliver(res CallbackResult) {
	select {
	case r.results <- res:
	default:
		r.logger.Debug("callback result dropped, nobody waiting")
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func pathOrRoot(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline';")
}

const pageTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>%s</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        .container { max-width: 600px; margin: 0 auto; }
    </style>
</head>
<body>
    <div class="container">
        <h1>%s</h1>
        <p>%s</p>
    </div>
</body>
</html>`

func writePage(w http.ResponseWriter, status int, title, message string) {
	setSecurityHeaders(w)
	w.WriteHeader(status)
	t := html.EscapeString(title)
	_, _ = fmt.Fprintf(w, pageTemplate, t, t, html.EscapeString(message))
}

func writeErrorPage(w http.ResponseWriter, err error) {
	writePage(w, http.StatusBadRequest, "Authentication Failed", err.Error())
}
