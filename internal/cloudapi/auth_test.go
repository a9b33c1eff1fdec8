package cloudapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/syncharbor/syncharbor/internal/tokenfile"
)

const testTokenJSON = `{
	"access_token": "test-access-token",
	"token_type": "Bearer",
	"refresh_token": "test-refresh-token",
	"expires_in": 3600
}`

// newMockAuthCodeServer runs an authorize + token endpoint pair: the
// authorize endpoint redirects straight to the caller's redirect_uri with
// a fixed code and the state it was given, like a provider would after
// the user grants consent.
func newMockAuthCodeServer(t *testing.T, tokenHandler http.HandlerFunc) *oauth2.Endpoint {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /authorize", func(w http.ResponseWriter, r *http.Request) {
		redirectURI := r.URL.Query().Get("redirect_uri")
		state := r.URL.Query().Get("state")
		callback := redirectURI + "?code=test-auth-code&state=" + url.QueryEscape(state)
		http.Redirect(w, r, callback, http.StatusFound)
	})

	handler := tokenHandler
	if handler == nil {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(testTokenJSON))
		}
	}
	mux.HandleFunc("POST /token", handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &oauth2.Endpoint{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL + "/token"}
}

func testConfig(endpoint *oauth2.Endpoint) *oauth2.Config {
	return &oauth2.Config{
		ClientID: "test-client",
		Scopes:   []string{"files.readwrite"},
		Endpoint: *endpoint,
	}
}

// simulateBrowserCallback acts as the browser: fetches the auth URL, which
// redirects to the loopback callback server, delivering the code.
func simulateBrowserCallback(t *testing.T) func(string) error {
	t.Helper()

	client := &http.Client{
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return func(authURL string) error {
		resp, err := client.Get(authURL) //nolint:noctx // test helper
		if err != nil {
			t.Fatalf("failed to hit authorize endpoint: %v", err)
		}
		resp.Body.Close()

		location := resp.Header.Get("Location")
		require.NotEmpty(t, location, "authorize endpoint must redirect")

		callbackResp, err := http.Get(location) //nolint:noctx // test helper
		if err != nil {
			t.Fatalf("failed to hit callback: %v", err)
		}
		callbackResp.Body.Close()

		return nil
	}
}

func TestLoginWithBrowser_Success(t *testing.T) {
	endpoint := newMockAuthCodeServer(t, nil)
	tokenPath := filepath.Join(t.TempDir(), "tokens", "authcode.json")
	cfg := testConfig(endpoint)
	openURL := simulateBrowserCallback(t)

	ts, err := LoginWithBrowser(context.Background(), tokenPath, cfg, openURL, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, ts)

	tok, _, loadErr := tokenfile.Load(tokenPath)
	require.NoError(t, loadErr)
	require.NotNil(t, tok)
	assert.Equal(t, "test-access-token", tok.AccessToken)
	assert.Equal(t, "test-refresh-token", tok.RefreshToken)

	got, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "test-access-token", got)
}

func TestLoginWithBrowser_InvalidState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", func(w http.ResponseWriter, r *http.Request) {
		redirectURI := r.URL.Query().Get("redirect_uri")
		callback := redirectURI + "?code=test-auth-code&state=wrong-state"
		http.Redirect(w, r, callback, http.StatusFound)
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testTokenJSON))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testConfig(&oauth2.Endpoint{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL + "/token"})
	tokenPath := filepath.Join(t.TempDir(), "tokens", "csrf.json")
	openURL := simulateBrowserCallback(t)

	_, err := LoginWithBrowser(context.Background(), tokenPath, cfg, openURL, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state mismatch")
}

func TestLoginWithBrowser_ContextCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testTokenJSON))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testConfig(&oauth2.Endpoint{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL + "/token"})
	tokenPath := filepath.Join(t.TempDir(), "tokens", "cancel.json")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	openURL := func(authURL string) error {
		resp, err := http.Get(authURL) //nolint:noctx // test helper
		if err == nil {
			resp.Body.Close()
		}
		return nil
	}

	_, err := LoginWithBrowser(ctx, tokenPath, cfg, openURL, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser auth canceled")
}

func TestLoginWithBrowser_MissingCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", func(w http.ResponseWriter, r *http.Request) {
		redirectURI := r.URL.Query().Get("redirect_uri")
		state := r.URL.Query().Get("state")
		callback := redirectURI + "?state=" + url.QueryEscape(state)
		http.Redirect(w, r, callback, http.StatusFound)
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testTokenJSON))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testConfig(&oauth2.Endpoint{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL + "/token"})
	tokenPath := filepath.Join(t.TempDir(), "tokens", "nocode.json")
	openURL := simulateBrowserCallback(t)

	_, err := LoginWithBrowser(context.Background(), tokenPath, cfg, openURL, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing authorization code")
}

func TestLoginWithBrowser_ExchangeError(t *testing.T) {
	endpoint := newMockAuthCodeServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
	})
	tokenPath := filepath.Join(t.TempDir(), "tokens", "exchange-fail.json")
	cfg := testConfig(endpoint)
	openURL := simulateBrowserCallback(t)

	_, err := LoginWithBrowser(context.Background(), tokenPath, cfg, openURL, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token exchange failed")
}

func TestLoginWithBrowser_OpenURLFails(t *testing.T) {
	endpoint := newMockAuthCodeServer(t, nil)
	tokenPath := filepath.Join(t.TempDir(), "tokens", "fallback.json")
	cfg := testConfig(endpoint)

	browserSim := simulateBrowserCallback(t)
	openURL := func(authURL string) error {
		go browserSim(authURL)
		return assert.AnError
	}

	ts, err := LoginWithBrowser(context.Background(), tokenPath, cfg, openURL, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, ts)
}

func TestTokenSourceFromPath_NoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent.json")
	cfg := testConfig(&oauth2.Endpoint{})

	_, err := TokenSourceFromPath(context.Background(), path, cfg, slog.Default())
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestTokenSourceFromPath_ValidToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens", "valid.json")
	tok := &oauth2.Token{
		AccessToken:  "saved-access-token",
		RefreshToken: "saved-refresh-token",
		Expiry:       time.Now().Add(time.Hour),
	}
	require.NoError(t, tokenfile.Save(path, tok, nil))

	cfg := testConfig(&oauth2.Endpoint{})
	ts, err := TokenSourceFromPath(context.Background(), path, cfg, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, ts)

	got, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "saved-access-token", got)
}

func TestLogout_RemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens", "logout.json")
	require.NoError(t, tokenfile.Save(path, &oauth2.Token{AccessToken: "doomed"}, nil))

	require.NoError(t, Logout(path, slog.Default()))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLogout_NoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent.json")
	assert.NoError(t, Logout(path, slog.Default()))
}

func TestTokenBridge(t *testing.T) {
	tok := &oauth2.Token{AccessToken: "bridge-token-123", Expiry: time.Now().Add(time.Hour)}
	bridge := &tokenBridge{src: oauth2.StaticTokenSource(tok), logger: slog.Default()}

	got, err := bridge.Token()
	require.NoError(t, err)
	assert.Equal(t, "bridge-token-123", got)
}

func TestTokenBridge_Error(t *testing.T) {
	cfg := &oauth2.Config{
		ClientID: "test",
		Endpoint: oauth2.Endpoint{TokenURL: "http://127.0.0.1:1/token"},
	}
	tok := &oauth2.Token{AccessToken: "expired", Expiry: time.Now().Add(-time.Hour)}

	bridge := &tokenBridge{src: cfg.TokenSource(context.Background(), tok), logger: slog.Default()}

	_, err := bridge.Token()
	require.Error(t, err)
}

// TestPersistingTokenSource_PersistsOnChange drives the decorator directly
// (without a real refresh) to confirm it writes through to disk exactly
// when the access token changes, and is silent otherwise.
func TestPersistingTokenSource_PersistsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens", "persist.json")

	calls := 0
	tokens := []*oauth2.Token{
		{AccessToken: "first", Expiry: time.Now().Add(time.Hour)},
		{AccessToken: "first", Expiry: time.Now().Add(time.Hour)}, // unchanged
		{AccessToken: "second", Expiry: time.Now().Add(2 * time.Hour)},
	}

	fake := fakeTokenSourceFunc(func() (*oauth2.Token, error) {
		tok := tokens[calls]
		calls++
		return tok, nil
	})

	pts := &persistingTokenSource{src: fake, tokenPath: path, logger: slog.Default()}

	_, err := pts.Token()
	require.NoError(t, err)
	saved, _, err := tokenfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "first", saved.AccessToken)

	// Remove the file to prove the second (unchanged) call does not rewrite it.
	require.NoError(t, os.Remove(path))
	_, err = pts.Token()
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "unchanged token must not be re-persisted")

	_, err = pts.Token()
	require.NoError(t, err)
	saved, _, err = tokenfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "second", saved.AccessToken)
}

type fakeTokenSourceFunc func() (*oauth2.Token, error)

func (f fakeTokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

func TestLoadTokenMeta_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	meta := map[string]string{"account": "contoso"}
	require.NoError(t, tokenfile.Save(path, &oauth2.Token{AccessToken: "at"}, meta))

	loaded, err := LoadTokenMeta(path)
	require.NoError(t, err)
	assert.Equal(t, "contoso", loaded["account"])
}

func TestSaveTokenMeta_MergesKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, tokenfile.Save(path, &oauth2.Token{AccessToken: "at"}, map[string]string{"a": "1"}))

	require.NoError(t, SaveTokenMeta(path, map[string]string{"b": "2"}))

	loaded, err := LoadTokenMeta(path)
	require.NoError(t, err)
	assert.Equal(t, "1", loaded["a"])
	assert.Equal(t, "2", loaded["b"])
}

func TestGenerateState(t *testing.T) {
	state1, err := generateState()
	require.NoError(t, err)
	assert.Len(t, state1, stateTokenBytes*2)

	state2, err := generateState()
	require.NoError(t, err)
	assert.NotEqual(t, state1, state2)
}
