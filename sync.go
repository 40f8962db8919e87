package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/mholtta/dropwatch/internal/sync"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print newly observed files",
		RunE:  runSync,
	}
}

func runSync(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(context.Background(), logger)

	st, err := openStore(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := requireCredential(ctx, st, resolvedCfg.App.AccountID); err != nil {
		return err
	}

	mgr, err := newAuthManager(resolvedCfg, st, logger)
	if err != nil {
		return err
	}

	engine, err := buildEngine(resolvedCfg, st, mgr, logger)
	if err != nil {
		return err
	}

	records, err := engine.SyncOnce(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		return printRecordsJSON(records)
	}

	printRecordsTable(records)

	return nil
}

func printRecordsJSON(records []sync.FileRecord) error {
	if records == nil {
		records = []sync.FileRecord{}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(records)
}

func printRecordsTable(records []sync.FileRecord) {
	if len(records) == 0 {
		statusf("No new files.\n")
		return
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.Name,
			formatSize(rec.Size),
			formatTime(rec.ModifiedAt),
			rec.Path,
		})
	}

	printTable(os.Stdout, []string{"NAME", "SIZE", "MODIFIED", "PATH"}, rows)
}
