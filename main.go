// Command catalogauth signs a terminal user in to the data catalog and makes
// authenticated API calls with the resulting session.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"catalogauth/client"
)

const usage = `usage: catalogauth [flags] <command> [args]

commands:
  login                     sign in through the system browser
  login-popup               sign in through a popup window
  status                    report whether the session is live
  whoami                    print the identity in the cached ID token
  userinfo                  fetch the userinfo document
  request METHOD URL [BODY] call an API with the session credentials
  logout                    end the session
`

func main() {
	configPath := flag.String("config", os.Getenv("CATALOGAUTH_CONFIG"), "Path to YAML client config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "warn", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "warn", "Alias for -log-level")
	storeKind := flag.String("store", "file", "Session storage: 'file', 'keyring' or 'memory'")
	storePath := flag.String("store-path", "", "Session file for -store=file (default: user config dir)")
	timeout := flag.Duration("timeout", 5*time.Minute, "How long to wait for the browser sign-in")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	configFile := *configPath
	if configFile == "" {
		configFile = "./catalogauth.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			fmt.Printf("configuration written to %s\n", configFile)
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			fmt.Printf("configuration at %s is valid\n", configFile)
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	durable, err := newDurableStorage(*storeKind, *storePath, cfg.ClientID)
	if err != nil {
		log.Fatalf("session storage: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		cfg:     cfg,
		logger:  logger,
		out:     os.Stdout,
		durable: durable,
		timeout: *timeout,
	}
	if err := a.run(ctx, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "catalogauth: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every command needs. browser overrides the system browser
// for the commands that open one.
type app struct {
	cfg        client.ClientConfig
	logger     *slog.Logger
	out        io.Writer
	durable    client.Storage
	httpClient *http.Client
	browser    client.Navigator
	timeout    time.Duration
}

func (a *app) run(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "login":
		return a.login(ctx, false)
	case "login-popup":
		return a.login(ctx, true)
	case "status":
		return a.status(ctx)
	case "whoami":
		return a.whoami()
	case "userinfo":
		return a.userinfo(ctx)
	case "request":
		return a.request(ctx, rest)
	case "logout":
		return a.logout(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// newClient builds a client. Commands that cannot complete a browser
// sign-in get a navigator that prints URLs instead of opening them.
func (a *app) newClient(interactive bool) (*client.Client, error) {
	var nav client.Navigator = &printNavigator{page: a.cfg.RedirectURI, out: a.out}
	if interactive {
		nav = a.browser
		if nav == nil {
			nav = client.NewBrowserNavigator(a.cfg.RedirectURI, a.logger)
		}
	}
	return client.New(a.cfg, client.Options{
		Logger:     a.logger,
		HTTPClient: a.httpClient,
		Durable:    a.durable,
		Navigator:  nav,
	})
}

func (a *app) login(ctx context.Context, popup bool) error {
	c, err := a.newClient(true)
	if err != nil {
		return err
	}
	recv, err := client.NewLoopbackReceiver(c, a.logger)
	if err != nil {
		return err
	}
	if err := recv.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = recv.Shutdown(shutdownCtx)
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var record *client.SessionRecord
	if popup {
		record, err = c.LoginWithPopup(ctx)
	} else {
		if err = c.Login(ctx); err == nil {
			record, err = recv.Wait(ctx)
		}
	}
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if record == nil {
		return errors.New("login: consent is still pending, run login again")
	}

	fmt.Fprintf(a.out, "signed in (%s)\n", c.DomainMode())
	if user := c.User(); user != nil {
		fmt.Fprintf(a.out, "user: %s\n", displayName(user))
	}
	return nil
}

func (a *app) status(ctx context.Context) error {
	c, err := a.newClient(false)
	if err != nil {
		return err
	}
	ok, err := c.IsAuthenticated(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(a.out, "not authenticated")
		return nil
	}
	fmt.Fprintf(a.out, "authenticated (%s)\n", c.DomainMode())
	if exp, ok := c.SessionExpiry(); ok {
		fmt.Fprintf(a.out, "id token expires: %s\n", exp.Format(time.RFC3339))
	}
	return nil
}

func (a *app) whoami() error {
	c, err := a.newClient(false)
	if err != nil {
		return err
	}
	user := c.User()
	if user == nil {
		return errors.New("no cached identity, run login first")
	}
	return a.printJSON(user.Raw)
}

func (a *app) userinfo(ctx context.Context) error {
	c, err := a.newClient(false)
	if err != nil {
		return err
	}
	info, err := c.UserInfo(ctx)
	if err != nil {
		return a.explain(err)
	}
	return a.printJSON(info)
}

func (a *app) request(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: request METHOD URL [BODY]")
	}
	method := strings.ToUpper(args[0])
	target, err := a.resolveAPIURL(args[1])
	if err != nil {
		return err
	}
	var body io.Reader
	var header http.Header
	if len(args) == 3 {
		body = strings.NewReader(args[2])
		header = http.Header{"Content-Type": []string{"application/json"}}
	}

	c, err := a.newClient(false)
	if err != nil {
		return err
	}
	resp, err := c.MakeAuthenticatedRequest(ctx, method, target, body, client.RequestOptions{Header: header})
	if err != nil {
		return a.explain(err)
	}
	defer resp.Body.Close()

	a.logger.Info("request complete", "method", method, "status", resp.StatusCode)
	if _, err := io.Copy(a.out, resp.Body); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, target, resp.Status)
	}
	return nil
}

func (a *app) logout(ctx context.Context) error {
	c, err := a.newClient(true)
	if err != nil {
		return err
	}
	if err := c.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	fmt.Fprintln(a.out, "signed out")
	return nil
}

// resolveAPIURL lets request take paths relative to the configured API.
func (a *app) resolveAPIURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base := a.cfg.APIURL
	if base == "" {
		base = a.cfg.AuthServerURL
	}
	b, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	return b.ResolveReference(&url.URL{Path: strings.TrimPrefix(u.Path, "/"), RawQuery: u.RawQuery}).String(), nil
}

func (a *app) explain(err error) error {
	if errors.Is(err, client.ErrSessionExpired) {
		return errors.New("session expired, run login again")
	}
	return err
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func displayName(u *client.IDTokenClaims) string {
	name, _ := u.Raw["name"].(string)
	for _, v := range []string{u.PreferredName, name, u.Email} {
		if v != "" {
			return v
		}
	}
	return u.Subject
}

// printNavigator shows navigation targets instead of following them.
type printNavigator struct {
	page string
	out  io.Writer
}

func (n *printNavigator) Navigate(_ context.Context, target string) error {
	fmt.Fprintf(n.out, "sign in again at: %s\n", target)
	return nil
}

func (n *printNavigator) Open(context.Context, string) (client.Window, error) {
	return nil, errors.New("popups need an interactive login")
}

func (n *printNavigator) CurrentURL() string {
	return n.page
}

func newDurableStorage(kind, path, clientID string) (client.Storage, error) {
	switch kind {
	case "", "file":
		if path == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return nil, fmt.Errorf("locate config dir: %w", err)
			}
			path = filepath.Join(dir, "catalogauth", clientID+".session.json")
		}
		return client.NewFileStorage(path), nil
	case "keyring":
		return client.NewKeyringStorage("catalogauth:" + clientID), nil
	case "memory":
		return client.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

func loadConfig(path string, logger *slog.Logger) (client.ClientConfig, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return client.ClientConfig{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return client.ClientConfig{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return client.LoadConfig(path)
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := loadConfig(path, logger)
	if err != nil {
		return err
	}
	_, err = client.New(cfg, client.Options{Logger: logger})
	return err
}

// runConfigInit asks for the client settings, offering development
// defaults, and writes them to path.
func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}

	reader := bufio.NewReader(in)
	fmt.Fprintln(out, "catalogauth client setup")
	fmt.Fprintln(out, "------------------------")

	cfg := client.ClientConfig{
		ClientID:      ask(reader, out, "Client ID", "catalog-ui"),
		AuthServerURL: ask(reader, out, "Authorization server URL", "http://localhost:9080"),
		RedirectURI:   ask(reader, out, "Redirect URI (loopback)", "http://127.0.0.1:8765/callback"),
	}
	if askYesNo(reader, out, "Enable popup login?", true) {
		cfg.PopupRedirectURI = ask(reader, out, "Popup redirect URI", "http://127.0.0.1:8765/popup-callback")
	}
	cfg.APIURL = ask(reader, out, "Catalog API URL (optional)", "")
	cfg.SameDomainSuffixes = normalizeList(ask(reader, out, "Same-domain host suffixes (comma separated)", strings.Join(client.DefaultSameDomainSuffixes, ",")), nil)

	if _, err := client.New(cfg, client.Options{Logger: logger}); err != nil {
		return err
	}
	return writeConfigFile(path, cfg)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg client.ClientConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
