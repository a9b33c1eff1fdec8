package cloudapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/syncharbor/syncharbor/internal/tokenfile"
)

// ErrNotLoggedIn is returned by TokenSourceFromPath when no token file
// exists yet at the configured path.
var ErrNotLoggedIn = errors.New("cloudapi: not logged in")

// TokenSource hands back a bearer access token, refreshing and persisting
// it transparently. Concrete adapters in cloudapi/graphlike and
// cloudapi/dropboxlike depend on this rather than on oauth2.TokenSource
// directly, so request-signing code never touches *oauth2.Token.
type TokenSource interface {
	Token() (string, error)
}

// callbackPath is the HTTP path the OAuth2 redirect hits on the local
// server; the redirect URI handed to the provider ends in this path.
const callbackPath = "/oauth2callback"

// stateTokenBytes is the number of random bytes for the OAuth2 state
// parameter.
const stateTokenBytes = 16

// shutdownTimeout bounds how long the loopback callback server is given to
// drain on shutdown, and doubles as the header-read timeout while serving.
const shutdownTimeout = 5 * time.Second

// callbackResult carries the authorization code or error from the
// callback handler to the goroutine waiting on it.
type callbackResult struct {
	code string
	err  error
}

// LoginWithBrowser runs the authorization code + PKCE flow against cfg:
// binds a loopback HTTP server on a random port, opens the browser to
// cfg's authorization endpoint, waits for the redirect, exchanges the
// code, persists the resulting token at tokenPath, and returns a
// TokenSource that keeps it fresh on disk.
//
// cfg must have ClientID, Scopes and Endpoint already populated by the
// caller (each provider supplies its own); RedirectURL is overwritten
// once the loopback port is known.
//
// openURL is called with the authorization URL so the caller can launch
// the platform's default browser; if it returns an error the URL is
// printed to stderr as a fallback.
func LoginWithBrowser(
	ctx context.Context,
	tokenPath string,
	cfg *oauth2.Config,
	openURL func(string) error,
	logger *slog.Logger,
) (TokenSource, error) {
	logger.Info("starting browser auth flow (authorization code + PKCE)",
		slog.String("path", tokenPath),
	)

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := startCallbackServer(ctx, mux, resultCh, logger)
	if err != nil {
		return nil, err
	}
	defer shutdownCallbackServer(srv, logger)

	// The provider redirects the browser to
	// http://localhost:<port>/oauth2callback?code=...&state=...
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d%s", port, callbackPath)

	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("cloudapi: generating state token: %w", err)
	}

	registerCallbackHandler(mux, state, resultCh)

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)

	launchBrowser(authURL, openURL, logger)

	code, err := waitForCallback(ctx, resultCh)
	if err != nil {
		return nil, err
	}

	return exchangeAndSave(ctx, cfg, tokenPath, nil, code, verifier, logger)
}

func startCallbackServer(
	ctx context.Context,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
	logger *slog.Logger,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("cloudapi: binding localhost listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, fmt.Errorf("cloudapi: listener address is not TCP")
	}

	port := tcpAddr.Port
	logger.Info("oauth callback server listening", slog.Int("port", port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			resultCh <- callbackResult{err: fmt.Errorf("cloudapi: callback server error: %w", serveErr)}
		}
	}()

	return srv, port, nil
}

func registerCallbackHandler(mux *http.ServeMux, state string, resultCh chan<- callbackResult) {
	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		handleOAuthCallback(w, r, state, resultCh)
	})
}

func handleOAuthCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	if r.URL.Query().Get("state") != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		resultCh <- callbackResult{err: errors.New("cloudapi: OAuth2 state mismatch (possible CSRF)")}

		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		desc := r.URL.Query().Get("error_description")
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
		resultCh <- callbackResult{err: fmt.Errorf("cloudapi: authorization failed: %s: %s", errParam, desc)}

		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		resultCh <- callbackResult{err: errors.New("cloudapi: callback missing authorization code")}

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Authentication successful</h1>"+
		"<p>You can close this window and return to the terminal.</p></body></html>")
	resultCh <- callbackResult{code: code}
}

func shutdownCallbackServer(srv *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

func launchBrowser(authURL string, openURL func(string) error, logger *slog.Logger) {
	logger.Info("opening browser for authorization")

	if openErr := openURL(authURL); openErr != nil {
		logger.Warn("failed to open browser, printing URL",
			slog.String("error", openErr.Error()),
		)

		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}
}

func waitForCallback(ctx context.Context, resultCh <-chan callbackResult) (string, error) {
	select {
	case result := <-resultCh:
		if result.err != nil {
			return "", result.err
		}

		return result.code, nil
	case <-ctx.Done():
		return "", fmt.Errorf("cloudapi: browser auth canceled: %w", ctx.Err())
	}
}

func exchangeAndSave(
	ctx context.Context,
	cfg *oauth2.Config,
	tokenPath string,
	meta map[string]string,
	code, verifier string,
	logger *slog.Logger,
) (TokenSource, error) {
	logger.Info("received authorization code, exchanging for token")

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("cloudapi: token exchange failed: %w", err)
	}

	logger.Info("token exchange successful", slog.Time("expiry", tok.Expiry))

	if saveErr := tokenfile.Save(tokenPath, tok, meta); saveErr != nil {
		return nil, fmt.Errorf("cloudapi: saving token: %w", saveErr)
	}

	return wrapTokenSource(ctx, cfg, tokenPath, meta, tok, logger), nil
}

// generateState produces a cryptographically random hex string for the
// OAuth2 state parameter.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// TokenSourceFromPath loads a saved token from tokenPath and returns a
// TokenSource that refreshes it through cfg and re-persists it to disk
// whenever the underlying library silently refreshes. Returns
// ErrNotLoggedIn if no token file exists.
//
// cfg must have ClientID, Scopes and Endpoint already populated by the
// caller; RedirectURL is not needed for refresh-only use.
func TokenSourceFromPath(ctx context.Context, tokenPath string, cfg *oauth2.Config, logger *slog.Logger) (TokenSource, error) {
	tok, meta, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, ErrNotLoggedIn
	}

	expired := !tok.Expiry.IsZero() && tok.Expiry.Before(time.Now())
	logger.Info("loaded saved token",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
		slog.Bool("expired", expired),
	)

	return wrapTokenSource(ctx, cfg, tokenPath, meta, tok, logger), nil
}

// Logout removes the saved token file at tokenPath. Returns nil if the
// file does not exist (already logged out).
func Logout(tokenPath string, logger *slog.Logger) error {
	err := os.Remove(tokenPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("logout: no token file to remove (already logged out)",
			slog.String("path", tokenPath),
		)

		return nil
	}

	if err != nil {
		return err
	}

	logger.Info("logout: removed token file", slog.String("path", tokenPath))

	return nil
}

// wrapTokenSource builds cfg's refreshing token source over tok and wraps
// it with persistingTokenSource and tokenBridge, so every caller — fresh
// login or loaded-from-disk — goes through the same refresh-then-persist
// path.
func wrapTokenSource(ctx context.Context, cfg *oauth2.Config, tokenPath string, meta map[string]string, tok *oauth2.Token, logger *slog.Logger) TokenSource {
	src := &persistingTokenSource{
		src:       cfg.TokenSource(ctx, tok),
		tokenPath: tokenPath,
		meta:      meta,
		logger:    logger,
		lastToken: tok.AccessToken,
	}

	return &tokenBridge{src: src, logger: logger}
}

// persistingTokenSource wraps an oauth2.TokenSource that already caches
// and refreshes internally (cfg.TokenSource's ReuseTokenSource), and
// persists to disk whenever the access token it hands back changes.
//
// The real golang.org/x/oauth2.Config has no OnTokenChange hook — only a
// fork carries that field — so this decorator is how refreshed tokens get
// written back to tokenPath without depending on that fork.
type persistingTokenSource struct {
	src       oauth2.TokenSource
	tokenPath string
	meta      map[string]string
	logger    *slog.Logger

	mu        sync.Mutex
	lastToken string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	changed := tok.AccessToken != p.lastToken
	if changed {
		p.lastToken = tok.AccessToken
	}
	p.mu.Unlock()

	if !changed {
		return tok, nil
	}

	p.logger.Info("token refreshed, persisting to disk",
		slog.String("path", p.tokenPath),
		slog.Time("new_expiry", tok.Expiry),
	)

	if saveErr := tokenfile.Save(p.tokenPath, tok, p.meta); saveErr != nil {
		p.logger.Warn("failed to persist refreshed token",
			slog.String("path", p.tokenPath),
			slog.String("error", saveErr.Error()),
		)
	}

	return tok, nil
}

// tokenBridge adapts oauth2.TokenSource to cloudapi.TokenSource, logging
// every acquisition so refresh activity is visible in the daemon log.
type tokenBridge struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

func (b *tokenBridge) Token() (string, error) {
	t, err := b.src.Token()
	if err != nil {
		b.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("cloudapi: obtaining token: %w", err)
	}

	b.logger.Debug("token acquired",
		slog.Time("expiry", t.Expiry),
		slog.Bool("valid", t.Valid()),
	)

	return t.AccessToken, nil
}

// LoadTokenMeta reads just the metadata from a token file. Returns nil
// metadata (not an error) if the file does not exist.
func LoadTokenMeta(tokenPath string) (map[string]string, error) {
	return tokenfile.ReadMeta(tokenPath)
}

// SaveTokenMeta reads the current token, merges new metadata, and saves.
// New metadata keys overwrite existing ones.
func SaveTokenMeta(tokenPath string, meta map[string]string) error {
	return tokenfile.LoadAndMergeMeta(tokenPath, meta)
}
