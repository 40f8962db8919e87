package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mholtta/dropwatch/internal/store"
	"github.com/mholtta/dropwatch/internal/sync"
)

// fakeEngine counts cycles and returns scripted records.
type fakeEngine struct {
	calls   atomic.Int32
	records []sync.FileRecord
	err     error
}

func (f *fakeEngine) SyncOnce(_ context.Context) ([]sync.FileRecord, error) {
	f.calls.Add(1)

	return f.records, f.err
}

// fakeNotifier records delivered files.
type fakeNotifier struct {
	delivered atomic.Int32
}

func (f *fakeNotifier) Notify(_ context.Context, _ sync.FileRecord) error {
	f.delivered.Add(1)

	return nil
}

// fakeAuthorizer implements the OAuth surface without a real provider.
type fakeAuthorizer struct {
	exchangedCode     string
	exchangedVerifier string
	err               error
}

func (f *fakeAuthorizer) AuthCodeURL(state, _ string) string {
	return "https://www.dropbox.com/oauth2/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeAuthorizer) Authorize(_ context.Context, code, verifier string) (*store.Credential, error) {
	f.exchangedCode = code
	f.exchangedVerifier = verifier

	if f.err != nil {
		return nil, f.err
	}

	return &store.Credential{AccountID: "acct-1"}, nil
}

func newTestGateway(t *testing.T, cfg GatewayConfig) (*Gateway, *httptest.Server) {
	t.Helper()

	if cfg.Secret == "" {
		cfg.Secret = "hook-secret"
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	g := NewGateway(cfg)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	return g, srv
}

func TestChallenge_EchoedVerbatim(t *testing.T) {
	_, srv := newTestGateway(t, GatewayConfig{Engine: &fakeEngine{}})

	resp, err := http.Get(srv.URL + "/webhook/hook-secret?challenge=abc123")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc123", string(body))
}

func TestChallenge_MissingParameterRejected(t *testing.T) {
	_, srv := newTestGateway(t, GatewayConfig{Engine: &fakeEngine{}})

	resp, err := http.Get(srv.URL + "/webhook/hook-secret")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChallenge_WrongSecretIsNotFound(t *testing.T) {
	_, srv := newTestGateway(t, GatewayConfig{Engine: &fakeEngine{}})

	resp, err := http.Get(srv.URL + "/webhook/wrong?challenge=abc123")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNotification_TriggersCyclePerDistinctAccount(t *testing.T) {
	engine := &fakeEngine{}
	g, srv := newTestGateway(t, GatewayConfig{Engine: engine})

	payload := `{"list_folder":{"accounts":["acct-1","acct-2","acct-1"]}}`

	resp, err := http.Post(srv.URL+"/webhook/hook-secret", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	g.Wait()
	assert.Equal(t, int32(2), engine.calls.Load())
}

func TestNotification_MalformedPayloadAckedWithoutWork(t *testing.T) {
	engine := &fakeEngine{}
	g, srv := newTestGateway(t, GatewayConfig{Engine: engine})

	resp, err := http.Post(srv.URL+"/webhook/hook-secret", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	g.Wait()
	assert.Zero(t, engine.calls.Load())
}

func TestNotification_OversizedPayloadRejected(t *testing.T) {
	engine := &fakeEngine{}
	g, srv := newTestGateway(t, GatewayConfig{Engine: engine, AppSecret: "app-secret"})

	oversized := `{"list_folder":{"accounts":["` + strings.Repeat("a", maxNotificationBody) + `"]}}`

	resp, err := http.Post(srv.URL+"/webhook/hook-secret", "application/json", strings.NewReader(oversized))
	require.NoError(t, err)
	resp.Body.Close()

	// Explicit rejection, not a signature 403 over a truncated body.
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	g.Wait()
	assert.Zero(t, engine.calls.Load())
}

func TestNotification_RecordsDeliveredToNotifier(t *testing.T) {
	engine := &fakeEngine{
		records: []sync.FileRecord{
			{ID: "id:1", Name: "a.txt", Path: "/Watched/a.txt", ModifiedAt: time.Now()},
			{ID: "id:2", Name: "b.txt", Path: "/Watched/b.txt", ModifiedAt: time.Now()},
		},
	}
	notifier := &fakeNotifier{}

	g, srv := newTestGateway(t, GatewayConfig{Engine: engine, Notifier: notifier})

	payload := `{"list_folder":{"accounts":["acct-1"]}}`

	resp, err := http.Post(srv.URL+"/webhook/hook-secret", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()

	g.Wait()
	assert.Equal(t, int32(2), notifier.delivered.Load())
}

func TestNotification_SignatureVerified(t *testing.T) {
	engine := &fakeEngine{}
	g, srv := newTestGateway(t, GatewayConfig{Engine: engine, AppSecret: "app-secret"})

	payload := []byte(`{"list_folder":{"accounts":["acct-1"]}}`)

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write(payload)
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/hook-secret", strings.NewReader(string(payload)))
	require.NoError(t, err)
	req.Header.Set("X-Dropbox-Signature", signature)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	g.Wait()
	assert.Equal(t, int32(1), engine.calls.Load())
}

func TestNotification_BadSignatureRejected(t *testing.T) {
	engine := &fakeEngine{}
	g, srv := newTestGateway(t, GatewayConfig{Engine: engine, AppSecret: "app-secret"})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/hook-secret",
		strings.NewReader(`{"list_folder":{"accounts":["acct-1"]}}`))
	require.NoError(t, err)
	req.Header.Set("X-Dropbox-Signature", "deadbeef")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	g.Wait()
	assert.Zero(t, engine.calls.Load())
}

func TestOAuth_AuthorizeRedirectsWithState(t *testing.T) {
	_, srv := newTestGateway(t, GatewayConfig{Engine: &fakeEngine{}, Auth: &fakeAuthorizer{}})

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(srv.URL + "/oauth/authorize")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "www.dropbox.com", loc.Host)
	assert.NotEmpty(t, loc.Query().Get("state"))
}

func TestOAuth_CallbackExchangesCode(t *testing.T) {
	authz := &fakeAuthorizer{}
	_, srv := newTestGateway(t, GatewayConfig{Engine: &fakeEngine{}, Auth: authz})

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(srv.URL + "/oauth/authorize")
	require.NoError(t, err)
	resp.Body.Close()

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")

	resp, err = client.Get(srv.URL + "/oauth/callback?code=code-abc&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Connected")
	assert.Equal(t, "code-abc", authz.exchangedCode)
	assert.NotEmpty(t, authz.exchangedVerifier)
}

func TestOAuth_CallbackMissingCodeRejected(t *testing.T) {
	_, srv := newTestGateway(t, GatewayConfig{Engine: &fakeEngine{}, Auth: &fakeAuthorizer{}})

	resp, err := http.Get(srv.URL + "/oauth/callback")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOAuth_CallbackStateMismatchRejected(t *testing.T) {
	_, srv := newTestGateway(t, GatewayConfig{Engine: &fakeEngine{}, Auth: &fakeAuthorizer{}})

	resp, err := http.Get(srv.URL + "/oauth/callback?code=code-abc&state=bogus")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth_ReportsOK(t *testing.T) {
	_, srv := newTestGateway(t, GatewayConfig{Engine: &fakeEngine{}})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
