// Package store implements durable persistence for dropwatch on an embedded
// SQLite database: OAuth credentials, folder cursors, and the processed-file
// records that back at-most-once delivery. All writes go through narrow
// conditional operations (upsert-by-key, insert-if-absent) so concurrent
// callers cannot lose updates.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// Credential is a persisted OAuth credential keyed by account identifier.
// Expiry is stored as absolute epoch milliseconds.
type Credential struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// ProcessedFile is the identity record written once per delivered file.
// Append-only: a file id that has a record is never delivered again.
type ProcessedFile struct {
	FileID      string
	Name        string
	Path        string
	ProcessedAt time.Time
}

// SQLiteStore persists credentials, cursors, and processed-file records in
// a single SQLite database with WAL mode.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	credStmts      credStatements
	cursorStmts    cursorStatements
	processedStmts processedStatements
}

type credStatements struct {
	get, upsert *sql.Stmt
}

type cursorStatements struct {
	get, save, delete *sql.Stmt
}

type processedStatements struct {
	insert, exists, count *sql.Stmt
}

// NewStore opens the database at dbPath, applies migrations, and prepares
// all repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening state database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and a ":memory:"
	// database would otherwise be distinct per pooled connection.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// prepareStatements prepares all repeated statements up front so runtime
// queries never pay compilation cost and SQL typos fail at startup.
func (s *SQLiteStore) prepareStatements(ctx context.Context) error {
	var err error

	prep := func(q string) *sql.Stmt {
		if err != nil {
			return nil
		}

		var stmt *sql.Stmt

		stmt, err = s.db.PrepareContext(ctx, q)

		return stmt
	}

	s.credStmts.get = prep(`SELECT account_id, access_token, refresh_token, expires_at, updated_at
		FROM credentials WHERE account_id = ?`)
	s.credStmts.upsert = prep(`INSERT INTO credentials (account_id, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`)

	s.cursorStmts.get = prep(`SELECT cursor FROM cursors WHERE folder_path = ?`)
	s.cursorStmts.save = prep(`INSERT INTO cursors (folder_path, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(folder_path) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at`)
	s.cursorStmts.delete = prep(`DELETE FROM cursors WHERE folder_path = ?`)

	s.processedStmts.insert = prep(`INSERT INTO processed_files (file_id, name, path, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_id) DO NOTHING`)
	s.processedStmts.exists = prep(`SELECT 1 FROM processed_files WHERE file_id = ?`)
	s.processedStmts.count = prep(`SELECT COUNT(*) FROM processed_files`)

	return err
}

// Credential returns the stored credential for the account, or nil if the
// account has never authorized.
func (s *SQLiteStore) Credential(ctx context.Context, accountID string) (*Credential, error) {
	var (
		c         Credential
		expiresMS int64
		updatedMS int64
	)

	err := s.credStmts.get.QueryRowContext(ctx, accountID).Scan(
		&c.AccountID, &c.AccessToken, &c.RefreshToken, &expiresMS, &updatedMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading credential: %w", err)
	}

	c.ExpiresAt = time.UnixMilli(expiresMS).UTC()
	c.UpdatedAt = time.UnixMilli(updatedMS).UTC()

	return &c, nil
}

// SaveCredential upserts the credential for its account id.
func (s *SQLiteStore) SaveCredential(ctx context.Context, c *Credential) error {
	now := time.Now().UTC()

	_, err := s.credStmts.upsert.ExecContext(ctx,
		c.AccountID, c.AccessToken, c.RefreshToken, c.ExpiresAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: saving credential: %w", err)
	}

	c.UpdatedAt = now

	s.logger.Debug("credential saved",
		slog.String("account_id", c.AccountID),
		slog.Time("expires_at", c.ExpiresAt),
	)

	return nil
}

// Cursor returns the persisted cursor for the folder, or "" if none exists.
func (s *SQLiteStore) Cursor(ctx context.Context, folderPath string) (string, error) {
	var cursor string

	err := s.cursorStmts.get.QueryRowContext(ctx, folderPath).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("store: reading cursor: %w", err)
	}

	return cursor, nil
}

// SaveCursor upserts the cursor for the folder.
func (s *SQLiteStore) SaveCursor(ctx context.Context, folderPath, cursor string) error {
	_, err := s.cursorStmts.save.ExecContext(ctx, folderPath, cursor, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: saving cursor: %w", err)
	}

	return nil
}

// DeleteCursor removes the persisted cursor for the folder. Used when the
// provider signals the cursor has been invalidated.
func (s *SQLiteStore) DeleteCursor(ctx context.Context, folderPath string) error {
	_, err := s.cursorStmts.delete.ExecContext(ctx, folderPath)
	if err != nil {
		return fmt.Errorf("store: deleting cursor: %w", err)
	}

	return nil
}

// MarkProcessed records the file as delivered. Returns true when this call
// created the record, false when the file id was already present. The
// conditional insert makes the mark itself the dedup source of truth —
// concurrent callers for the same id cannot both observe "newly marked".
func (s *SQLiteStore) MarkProcessed(ctx context.Context, f ProcessedFile) (bool, error) {
	if f.ProcessedAt.IsZero() {
		f.ProcessedAt = time.Now().UTC()
	}

	res, err := s.processedStmts.insert.ExecContext(ctx,
		f.FileID, f.Name, f.Path, f.ProcessedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("store: marking processed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: marking processed: %w", err)
	}

	return n > 0, nil
}

// IsProcessed reports whether a delivery record exists for the file id.
// Advisory only — MarkProcessed is the authoritative check.
func (s *SQLiteStore) IsProcessed(ctx context.Context, fileID string) (bool, error) {
	var one int

	err := s.processedStmts.exists.QueryRowContext(ctx, fileID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("store: checking processed: %w", err)
	}

	return true, nil
}

// ProcessedCount returns the number of delivery records.
func (s *SQLiteStore) ProcessedCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.processedStmts.count.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting processed: %w", err)
	}

	return n, nil
}

// Close releases the prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{
		s.credStmts.get, s.credStmts.upsert,
		s.cursorStmts.get, s.cursorStmts.save, s.cursorStmts.delete,
		s.processedStmts.insert, s.processedStmts.exists, s.processedStmts.count,
	}

	for _, st := range stmts {
		if st != nil {
			st.Close()
		}
	}

	return s.db.Close()
}
