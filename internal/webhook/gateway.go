// Package webhook implements the HTTP surface of the service: the change
// notification endpoints Dropbox calls, the OAuth browser flow, and a
// health probe.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/oauth2"

	"github.com/mholtta/dropwatch/internal/store"
	"github.com/mholtta/dropwatch/internal/sync"
)

const (
	// maxNotificationBody bounds the webhook payload read. Dropbox
	// notifications are tiny; anything bigger is not ours.
	maxNotificationBody = 64 * 1024

	defaultSyncTimeout = 5 * time.Minute
)

// SyncRunner runs one sync cycle. Satisfied by *sync.Engine.
type SyncRunner interface {
	SyncOnce(ctx context.Context) ([]sync.FileRecord, error)
}

// Authorizer is the OAuth surface the gateway needs for the browser flow.
// Satisfied by *auth.Manager.
type Authorizer interface {
	AuthCodeURL(state, verifier string) string
	Authorize(ctx context.Context, code, verifier string) (*store.Credential, error)
}

// Notifier receives each newly observed file. Implementations must be safe
// for concurrent use; delivery errors are logged, not retried.
type Notifier interface {
	Notify(ctx context.Context, rec sync.FileRecord) error
}

// GatewayConfig holds the options for NewGateway.
type GatewayConfig struct {
	Engine      SyncRunner
	Auth        Authorizer // optional: nil disables the /oauth routes
	Notifier    Notifier   // optional: nil drops records after logging
	Secret      string     // unguessable webhook path segment
	AppSecret   string     // optional: enables X-Dropbox-Signature verification
	SyncTimeout time.Duration
	Logger      *slog.Logger
}

// Gateway is the HTTP handler set. Notification processing happens on
// background goroutines so the provider always gets its ack within its
// delivery deadline; Wait blocks until in-flight cycles finish.
type Gateway struct {
	engine      SyncRunner
	auth        Authorizer
	notifier    Notifier
	secret      string
	appSecret   string
	syncTimeout time.Duration
	logger      *slog.Logger

	router chi.Router
	wg     stdsync.WaitGroup

	// pending holds the state and PKCE verifier of the one in-progress
	// browser authorization.
	mu      stdsync.Mutex
	pending *pendingAuth
}

type pendingAuth struct {
	state    string
	verifier string
}

// notification is the provider's webhook payload.
type notification struct {
	ListFolder struct {
		Accounts []string `json:"accounts"`
	} `json:"list_folder"`
}

// NewGateway builds the gateway and its routes.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.SyncTimeout
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}

	g := &Gateway{
		engine:      cfg.Engine,
		auth:        cfg.Auth,
		notifier:    cfg.Notifier,
		secret:      cfg.Secret,
		appSecret:   cfg.AppSecret,
		syncTimeout: timeout,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/webhook/{secret}", g.handleChallenge)
	r.Post("/webhook/{secret}", g.handleNotification)
	r.Get("/health", g.handleHealth)

	if g.auth != nil {
		r.Get("/oauth/authorize", g.handleAuthorize)
		r.Get("/oauth/callback", g.handleCallback)
	}

	g.router = r

	return g
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Wait blocks until all background sync cycles spawned by notifications
// have finished. Called during shutdown after the listener stops.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// checkSecret verifies the path segment. Constant-time: the segment is the
// only thing standing between the internet and a poll trigger.
func (g *Gateway) checkSecret(w http.ResponseWriter, r *http.Request) bool {
	got := chi.URLParam(r, "secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(g.secret)) != 1 {
		http.NotFound(w, r)
		return false
	}

	return true
}

// handleChallenge answers the provider's endpoint verification: the
// challenge parameter is echoed back verbatim.
func (g *Gateway) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if !g.checkSecret(w, r) {
		return
	}

	challenge := r.URL.Query().Get("challenge")
	if challenge == "" {
		http.Error(w, "missing challenge parameter", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	fmt.Fprint(w, challenge)
}

// handleNotification acks the webhook immediately and fans the actual
// sync work out to background goroutines, one per notified account. A
// malformed payload is still acked: the provider retries on non-200 and
// a retry of garbage stays garbage.
func (g *Gateway) handleNotification(w http.ResponseWriter, r *http.Request) {
	if !g.checkSecret(w, r) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBody+1))
	if err != nil {
		g.logger.Warn("failed to read notification body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusOK)

		return
	}

	// Refuse oversized payloads outright. Verifying a signature over a
	// truncated body would reject legitimate deliveries with a confusing
	// 403, and real notifications are nowhere near the limit.
	if len(body) > maxNotificationBody {
		g.logger.Warn("notification payload exceeds size limit", slog.Int("bytes", len(body)))
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)

		return
	}

	if g.appSecret != "" && !g.verifySignature(body, r.Header.Get("X-Dropbox-Signature")) {
		g.logger.Warn("notification signature mismatch")
		http.Error(w, "signature mismatch", http.StatusForbidden)

		return
	}

	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		g.logger.Warn("malformed notification payload", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusOK)

		return
	}

	w.WriteHeader(http.StatusOK)

	for _, account := range distinct(n.ListFolder.Accounts) {
		g.wg.Add(1)

		go func() {
			defer g.wg.Done()
			g.runCycle(account)
		}()
	}
}

// verifySignature checks the HMAC-SHA256 hex digest Dropbox sends over
// the raw body.
func (g *Gateway) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(g.appSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(want), []byte(signature))
}

// runCycle executes one sync cycle for a notified account with a bounded
// timeout, detached from the request context, and hands the results to
// the notifier.
func (g *Gateway) runCycle(account string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.syncTimeout)
	defer cancel()

	logger := g.logger.With(slog.String("account", account))

	records, err := g.engine.SyncOnce(ctx)
	if err != nil {
		logger.Error("sync cycle failed", slog.String("error", err.Error()))
		return
	}

	for _, rec := range records {
		logger.Info("new file observed",
			slog.String("file_id", rec.ID),
			slog.String("path", rec.Path),
			slog.Int64("size", rec.Size),
		)

		if g.notifier == nil {
			continue
		}

		if err := g.notifier.Notify(ctx, rec); err != nil {
			logger.Warn("notifier delivery failed",
				slog.String("file_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// handleAuthorize starts the browser consent flow: it generates a fresh
// state and PKCE verifier, remembers them, and redirects to the provider.
func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	verifier := oauth2.GenerateVerifier()

	g.mu.Lock()
	g.pending = &pendingAuth{state: state, verifier: verifier}
	g.mu.Unlock()

	http.Redirect(w, r, g.auth.AuthCodeURL(state, verifier), http.StatusFound)
}

// handleCallback finishes the consent flow: state check, code exchange,
// credential persistence.
func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()

	if pending == nil || r.URL.Query().Get("state") != pending.state {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}

	cred, err := g.auth.Authorize(r.Context(), code, pending.verifier)
	if err != nil {
		g.logger.Error("code exchange failed", slog.String("error", err.Error()))
		http.Error(w, "authorization failed", http.StatusBadGateway)

		return
	}

	g.logger.Info("authorization complete", slog.String("account_id", cred.AccountID))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Connected</h1><p>You can close this window.</p></body></html>")
}

// handleHealth reports liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// randomState returns a 128-bit hex state token.
func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf), nil
}

// distinct de-duplicates while preserving first-seen order.
func distinct(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]

	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}

		seen[v] = struct{}{}
		out = append(out, v)
	}

	return out
}
