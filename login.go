package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/mholtta/dropwatch/internal/store"
)

// loginTimeout bounds the wait for the user to complete the browser flow.
const loginTimeout = 5 * time.Minute

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate with Dropbox using the browser consent flow",
		RunE:  runLogin,
	}
}

// callbackResult carries the authorization code (or error) from the local
// callback handler back to the command goroutine.
type callbackResult struct {
	code string
	err  error
}

func runLogin(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(context.Background(), logger)

	st, err := openStore(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	mgr, err := newAuthManager(resolvedCfg, st, logger)
	if err != nil {
		return err
	}

	redirect, err := url.Parse(resolvedCfg.App.RedirectURI)
	if err != nil {
		return fmt.Errorf("parsing app.redirect_uri: %w", err)
	}

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return fmt.Errorf("generating state: %w", err)
	}

	state := hex.EncodeToString(stateBytes)
	verifier := oauth2.GenerateVerifier()

	results := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("state")
		if subtle.ConstantTimeCompare([]byte(got), []byte(state)) != 1 {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			results <- callbackResult{err: errors.New("state mismatch in callback")}

			return
		}

		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code parameter", http.StatusBadRequest)
			results <- callbackResult{err: errors.New("callback missing authorization code")}

			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>Connected</h1><p>You can close this window and return to the terminal.</p></body></html>")

		results <- callbackResult{code: code}
	})

	srv := &http.Server{
		Addr:              redirect.Host,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			results <- callbackResult{err: fmt.Errorf("callback server: %w", err)}
		}
	}()

	defer srv.Close()

	// Consent prompts must always be visible — not suppressed by --quiet.
	fmt.Fprintf(os.Stderr, "To connect your Dropbox account, visit:\n\n  %s\n\n", mgr.AuthCodeURL(state, verifier))
	fmt.Fprintf(os.Stderr, "Waiting for authorization...\n")

	var result callbackResult

	select {
	case result = <-results:
	case <-time.After(loginTimeout):
		return errors.New("timed out waiting for authorization")
	case <-ctx.Done():
		return ctx.Err()
	}

	if result.err != nil {
		return result.err
	}

	cred, err := mgr.Authorize(ctx, result.code, verifier)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}

	logger.Info("login successful", "account_id", cred.AccountID)
	statusf("Connected. Tokens stored in %s.\n", resolvedCfg.Storage.DBPath)

	return nil
}

// requireCredential is a shared pre-check for commands that need a
// connected account.
func requireCredential(ctx context.Context, st *store.SQLiteStore, accountID string) error {
	cred, err := st.Credential(ctx, accountID)
	if err != nil {
		return err
	}

	if cred == nil {
		return errors.New("not connected — run 'dropwatch login' first")
	}

	return nil
}
