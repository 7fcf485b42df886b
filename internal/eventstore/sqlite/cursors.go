package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/store"
)

var (
	_ store.CursorStore    = (*Store)(nil)
	_ store.StatusRecorder = (*Store)(nil)
)

type cursorRow struct {
	AccountID      string `db:"account_id"`
	Provider       string `db:"provider"`
	Watermark      string `db:"watermark"`
	SubscriptionID string `db:"subscription_id"`
	WatchExpiry    int64  `db:"watch_expiry"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r cursorRow) cursor() mail.SyncCursor {
	return mail.SyncCursor{
		AccountID:      r.AccountID,
		Provider:       mail.Provider(r.Provider),
		Watermark:      r.Watermark,
		SubscriptionID: r.SubscriptionID,
		WatchExpiry:    timeOrZero(r.WatchExpiry),
		UpdatedAt:      timeOrZero(r.UpdatedAt),
	}
}

func loadCursor(ctx context.Context, q sqlx.QueryerContext, accountID string, provider mail.Provider) (mail.SyncCursor, error) {
	var row cursorRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT account_id, provider, watermark, subscription_id, watch_expiry, updated_at
		FROM sync_cursors WHERE account_id = ? AND provider = ?
	`, accountID, string(provider))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mail.SyncCursor{}, nil
		}
		return mail.SyncCursor{}, fmt.Errorf("failed to load cursor: %w", err)
	}
	return row.cursor(), nil
}

// Load returns the zero cursor when none is stored
func (s *Store) Load(ctx context.Context, accountID string, provider mail.Provider) (mail.SyncCursor, error) {
	return loadCursor(ctx, s.DB, accountID, provider)
}

// Advance stores the watermark of cur unless it is behind the stored one
func (s *Store) Advance(ctx context.Context, cur mail.SyncCursor) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := loadCursor(ctx, tx, cur.AccountID, cur.Provider)
	if err != nil {
		return err
	}
	if err := store.CheckAdvance(prev, cur); err != nil {
		return fmt.Errorf("advance %s/%s from %s to %s: %w", cur.AccountID, cur.Provider, prev.Watermark, cur.Watermark, err)
	}
	if err := saveCursor(ctx, tx, cur, setWatermark); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Reset replaces the stored watermark unconditionally
func (s *Store) Reset(ctx context.Context, cur mail.SyncCursor) error {
	return saveCursor(ctx, s.DB, cur, setWatermark)
}

// SaveWatch stores the watch registration; the watermark is only filled in when empty
func (s *Store) SaveWatch(ctx context.Context, cur mail.SyncCursor) error {
	return saveCursor(ctx, s.DB, cur, setWatch)
}

// Update clauses for an existing row. A new row always takes every column of the cursor.
const (
	setWatermark = `watermark = excluded.watermark`
	setWatch     = `subscription_id = excluded.subscription_id,
			watch_expiry = excluded.watch_expiry,
			watermark = CASE WHEN sync_cursors.watermark = '' THEN excluded.watermark ELSE sync_cursors.watermark END`
)

func saveCursor(ctx context.Context, e sqlx.ExecerContext, cur mail.SyncCursor, set string) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO sync_cursors (account_id, provider, watermark, subscription_id, watch_expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, provider) DO UPDATE SET
			`+set+`,
			updated_at = excluded.updated_at
	`, cur.AccountID, string(cur.Provider), cur.Watermark, cur.SubscriptionID, unixOrZero(cur.WatchExpiry), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// RecordStatus updates the sync status with error info
func (s *Store) RecordStatus(ctx context.Context, accountID string, provider mail.Provider, status, lastError string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_cursors (account_id, provider, status, last_error, retry_count, updated_at)
		VALUES (?, ?, ?, ?, CASE WHEN ? != '' THEN 1 ELSE 0 END, ?)
		ON CONFLICT(account_id, provider) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			retry_count = CASE WHEN excluded.last_error != '' THEN sync_cursors.retry_count + 1 ELSE 0 END,
			updated_at = excluded.updated_at
	`, accountID, string(provider), status, lastError, lastError, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record status: %w", err)
	}
	return nil
}

// Status returns the recorded status, last error and consecutive failure count
func (s *Store) Status(ctx context.Context, accountID string, provider mail.Provider) (string, string, int, error) {
	var row struct {
		Status     string `db:"status"`
		LastError  string `db:"last_error"`
		RetryCount int    `db:"retry_count"`
	}
	err := s.DB.GetContext(ctx, &row, `
		SELECT status, last_error, retry_count FROM sync_cursors WHERE account_id = ? AND provider = ?
	`, accountID, string(provider))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", 0, nil
		}
		return "", "", 0, fmt.Errorf("failed to load status: %w", err)
	}
	return row.Status, row.LastError, row.RetryCount, nil
}
