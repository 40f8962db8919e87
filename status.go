package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection, cursor, and delivery state",
		RunE:  runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	Connected      bool      `json:"connected"`
	AccountID      string    `json:"account_id,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitzero"`
	Folder         string    `json:"folder"`
	CursorPresent  bool      `json:"cursor_present"`
	ProcessedCount int64     `json:"processed_count"`
}

func runStatus(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	st, err := openStore(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	out := statusOutput{Folder: resolvedCfg.Watch.FolderPath}

	cred, err := st.Credential(ctx, resolvedCfg.App.AccountID)
	if err != nil {
		return err
	}

	if cred != nil {
		out.Connected = true
		out.AccountID = cred.AccountID
		out.TokenExpiresAt = cred.ExpiresAt
	}

	cursor, err := st.Cursor(ctx, resolvedCfg.Watch.FolderPath)
	if err != nil {
		return err
	}

	out.CursorPresent = cursor != ""

	count, err := st.ProcessedCount(ctx)
	if err != nil {
		return err
	}

	out.ProcessedCount = count

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	printStatusText(out)

	return nil
}

func printStatusText(out statusOutput) {
	if out.Connected {
		fmt.Printf("Account:     %s (token expires %s)\n", out.AccountID, formatTime(out.TokenExpiresAt))
	} else {
		fmt.Println("Account:     not connected — run 'dropwatch login'")
	}

	folder := out.Folder
	if folder == "" {
		folder = "(not configured)"
	}

	fmt.Printf("Folder:      %s\n", folder)

	if out.CursorPresent {
		fmt.Println("Cursor:      established")
	} else {
		fmt.Println("Cursor:      none (next sync bootstraps)")
	}

	fmt.Printf("Delivered:   %d files\n", out.ProcessedCount)
}
