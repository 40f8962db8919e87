// Package auth implements the OAuth2 token lifecycle for a Dropbox app:
// authorization-code + PKCE grant, durable credential persistence, and
// access-token refresh with singleflight collapsing so concurrent callers
// never race the token endpoint.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/mholtta/dropwatch/internal/store"
)

// ErrAuthRequired means no usable credential exists: either the account has
// never authorized, or the refresh token was revoked. Never retried
// automatically — the operator must re-run the authorization flow.
var ErrAuthRequired = errors.New("auth: authorization required")

// dropboxEndpoint is the Dropbox OAuth2 endpoint pair.
var dropboxEndpoint = oauth2.Endpoint{
	AuthURL:  "https://www.dropbox.com/oauth2/authorize",
	TokenURL: "https://api.dropboxapi.com/oauth2/token",
}

// Refresh policy constants.
const (
	// defaultExpiryMargin is how long before expiry a token is treated as
	// stale. Tokens returned by Token() are valid for at least this long.
	defaultExpiryMargin = 5 * time.Minute

	refreshMaxRetries  = 3
	refreshBaseBackoff = 1 * time.Second
	refreshMaxBackoff  = 30 * time.Second
	backoffFactor      = 2.0
	jitterFraction     = 0.25
)

// Config holds the Dropbox app registration values.
type Config struct {
	AppKey      string
	AppSecret   string
	RedirectURI string
	AccountID   string // key under which the credential is persisted
}

// CredentialStore is the durable persistence the manager needs. Satisfied
// by *store.SQLiteStore.
type CredentialStore interface {
	Credential(ctx context.Context, accountID string) (*store.Credential, error)
	SaveCredential(ctx context.Context, c *store.Credential) error
}

// Manager owns the Credential: it is the only component that reads the
// refresh token or mutates the stored credential. It implements the
// dropbox.TokenSource interface consumed by the API client.
type Manager struct {
	cfg        Config
	store      CredentialStore
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   oauth2.Endpoint
	margin     time.Duration

	// sleepFunc is called to wait between refresh retries. Tests override
	// this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	// group collapses concurrent refresh calls into one round trip.
	group singleflight.Group

	// mu protects cred, the in-memory copy of the persisted credential.
	mu   sync.Mutex
	cred *store.Credential
}

// NewManager creates a token manager. The credential is loaded lazily from
// the store on first use, so construction never touches the network.
func NewManager(cfg Config, st CredentialStore, httpClient *http.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Manager{
		cfg:        cfg,
		store:      st,
		httpClient: httpClient,
		logger:     logger,
		endpoint:   dropboxEndpoint,
		margin:     defaultExpiryMargin,
		sleepFunc:  timeSleep,
	}
}

// oauthConfig builds the oauth2.Config for the authorize/exchange flow.
func (m *Manager) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.cfg.AppKey,
		ClientSecret: m.cfg.AppSecret,
		RedirectURL:  m.cfg.RedirectURI,
		Endpoint:     m.endpoint,
	}
}

// AuthCodeURL returns the Dropbox consent page URL for the given CSRF state
// and PKCE verifier. token_access_type=offline requests a refresh token.
func (m *Manager) AuthCodeURL(state, verifier string) string {
	return m.oauthConfig().AuthCodeURL(state,
		oauth2.SetAuthURLParam("token_access_type", "offline"),
		oauth2.S256ChallengeOption(verifier),
	)
}

// Authorize performs the one-time exchange of an authorization code (plus
// PKCE verifier) for an initial credential, persists it, and returns it.
func (m *Manager) Authorize(ctx context.Context, code, verifier string) (*store.Credential, error) {
	m.logger.Info("exchanging authorization code for tokens")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	tok, err := m.oauthConfig().Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("auth: code exchange failed: %w", err)
	}

	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("auth: provider issued no refresh token (token_access_type=offline not honored?)")
	}

	cred := &store.Credential{
		AccountID:    m.cfg.AccountID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
	}

	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("auth: persisting credential: %w", err)
	}

	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()

	m.logger.Info("authorization complete",
		slog.String("account_id", cred.AccountID),
		slog.Time("expires_at", cred.ExpiresAt),
	)

	return cred, nil
}

// Token returns an access token guaranteed valid for at least the expiry
// margin, refreshing first when needed. Implements dropbox.TokenSource.
func (m *Manager) Token(ctx context.Context) (string, error) {
	cred, err := m.current(ctx)
	if err != nil {
		return "", err
	}

	if time.Until(cred.ExpiresAt) > m.margin {
		return cred.AccessToken, nil
	}

	refreshed, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}

	return refreshed.AccessToken, nil
}

// current returns the in-memory credential, loading it from the store on
// first use. Returns ErrAuthRequired if the account has never authorized.
func (m *Manager) current(ctx context.Context) (*store.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred != nil {
		return m.cred, nil
	}

	cred, err := m.store.Credential(ctx, m.cfg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("auth: loading credential: %w", err)
	}

	if cred == nil {
		return nil, fmt.Errorf("auth: no credential for account %s: %w", m.cfg.AccountID, ErrAuthRequired)
	}

	m.cred = cred

	return m.cred, nil
}

// Refresh exchanges the stored refresh token for a new access token and
// persists the result. Concurrent calls collapse into a single outstanding
// round trip: the first caller hits the network, the rest share its result.
func (m *Manager) Refresh(ctx context.Context) (*store.Credential, error) {
	v, err, shared := m.group.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return nil, err
	}

	if shared {
		m.logger.Debug("refresh result shared with concurrent caller")
	}

	cred, ok := v.(*store.Credential)
	if !ok {
		return nil, fmt.Errorf("auth: unexpected refresh result type %T", v)
	}

	return cred, nil
}

// doRefresh performs the actual token-endpoint round trip. Transient
// failures (network, 5xx, 429) are retried with exponential backoff; an
// invalid_grant response surfaces as ErrAuthRequired with the stored
// credential left untouched.
func (m *Manager) doRefresh(ctx context.Context) (*store.Credential, error) {
	cred, err := m.current(ctx)
	if err != nil {
		return nil, err
	}

	// A caller queued behind a completed refresh sees a fresh token here
	// and skips the round trip.
	if time.Until(cred.ExpiresAt) > m.margin {
		return cred, nil
	}

	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("auth: credential has no refresh token: %w", ErrAuthRequired)
	}

	m.logger.Info("refreshing access token",
		slog.String("account_id", cred.AccountID),
		slog.Time("old_expiry", cred.ExpiresAt),
	)

	tr, err := m.requestRefresh(ctx, cred.RefreshToken)
	if err != nil {
		return nil, err
	}

	newCred := &store.Credential{
		AccountID:    cred.AccountID,
		AccessToken:  tr.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC(),
	}

	// Dropbox does not rotate refresh tokens, but honor one if sent.
	if tr.RefreshToken != "" {
		newCred.RefreshToken = tr.RefreshToken
	}

	if err := m.store.SaveCredential(ctx, newCred); err != nil {
		return nil, fmt.Errorf("auth: persisting refreshed credential: %w", err)
	}

	m.mu.Lock()
	m.cred = newCred
	m.mu.Unlock()

	m.logger.Info("access token refreshed",
		slog.String("account_id", newCred.AccountID),
		slog.Time("new_expiry", newCred.ExpiresAt),
	)

	return newCred, nil
}

// tokenResponse mirrors the token endpoint's refresh response JSON.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// tokenErrorResponse mirrors the token endpoint's error JSON.
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// requestRefresh POSTs the refresh grant, retrying transient failures.
func (m *Manager) requestRefresh(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {m.cfg.AppKey},
		"client_secret": {m.cfg.AppSecret},
	}
	body := form.Encode()

	var attempt int
	for {
		tr, retriable, err := m.refreshOnce(ctx, body)
		if err == nil {
			return tr, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("auth: refresh canceled: %w", ctx.Err())
		}

		if !retriable || attempt >= refreshMaxRetries {
			return nil, err
		}

		backoff := calcBackoff(attempt)
		m.logger.Warn("retrying token refresh",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := m.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, fmt.Errorf("auth: refresh canceled: %w", sleepErr)
		}

		attempt++
	}
}

// refreshOnce performs a single token-endpoint request. The second return
// reports whether the failure is transient and worth retrying.
func (m *Manager) refreshOnce(ctx context.Context, form string) (*tokenResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint.TokenURL, strings.NewReader(form))
	if err != nil {
		return nil, false, fmt.Errorf("auth: creating refresh request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("auth: refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return nil, false, fmt.Errorf("auth: decoding refresh response: %w", err)
		}

		if tr.AccessToken == "" {
			return nil, false, fmt.Errorf("auth: refresh response missing access token")
		}

		return &tr, false, nil
	}

	errBody, _ := io.ReadAll(resp.Body)

	var te tokenErrorResponse
	_ = json.Unmarshal(errBody, &te)

	// invalid_grant means the refresh token is revoked or expired. Not
	// retriable: retrying a dead credential loops forever. The stored
	// credential is left as-is so `status` can still show what we had.
	if te.Error == "invalid_grant" {
		return nil, false, fmt.Errorf("auth: refresh token rejected (%s): %w", te.ErrorDescription, ErrAuthRequired)
	}

	transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError

	return nil, transient, fmt.Errorf("auth: token endpoint returned HTTP %d: %s", resp.StatusCode, errBody)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(refreshBaseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(refreshMaxBackoff) {
		backoff = float64(refreshMaxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
