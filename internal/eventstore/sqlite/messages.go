package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/store"
)

var _ store.MessageStore = (*Store)(nil)

// UpsertMessage inserts or replaces a message keyed by (account_id, provider_message_id)
func (s *Store) UpsertMessage(ctx context.Context, m *mail.Message) error {
	if m.ID == "" {
		m.ID = mail.MessageID(m.AccountID, m.Provider, m.ProviderMessageID)
	}
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO messages
		(id, account_id, provider, provider_message_id, thread_id, folder_id, internet_message_id,
		 subject, msg_date, seen, flagged, doc, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, provider_message_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			folder_id = excluded.folder_id,
			seen = excluded.seen,
			flagged = excluded.flagged,
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`, m.ID, m.AccountID, string(m.Provider), m.ProviderMessageID, m.ThreadID, m.FolderID, m.InternetMessageID,
		m.Subject, m.Date.UnixMilli(), m.Flags.Seen, m.Flags.Flagged, string(doc), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

// GetMessage returns nil, nil when the message is not cached
func (s *Store) GetMessage(ctx context.Context, accountID, providerMessageID string) (*mail.Message, error) {
	var doc string
	err := s.DB.GetContext(ctx, &doc, `
		SELECT doc FROM messages WHERE account_id = ? AND provider_message_id = ?
	`, accountID, providerMessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return decodeMessage(doc)
}

// ListMessages returns cached messages newest first.
// A folder matches on folder_id or on any label.
func (s *Store) ListMessages(ctx context.Context, accountID string, q store.Query) ([]mail.Message, error) {
	query := `SELECT doc FROM messages WHERE account_id = ?`
	args := []any{accountID}
	if q.FolderID != "" {
		query += ` AND (folder_id = ? OR EXISTS (SELECT 1 FROM json_each(doc, '$.labels') WHERE upper(value) = upper(?)))`
		args = append(args, q.FolderID, q.FolderID)
	}
	if q.ThreadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, q.ThreadID)
	}
	query += ` ORDER BY msg_date DESC, provider_message_id`
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Offset)
	} else if q.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, q.Offset)
	}

	var docs []string
	if err := s.DB.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	out := make([]mail.Message, 0, len(docs))
	for _, d := range docs {
		m, err := decodeMessage(d)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// UpdateFlags applies u to every cached message in ids and returns how many were found
func (s *Store) UpdateFlags(ctx context.Context, accountID string, ids []string, u store.FlagUpdate) (int, error) {
	return s.mutate(ctx, accountID, ids, u.Apply)
}

// MoveMessages sets the folder of every cached message in ids
func (s *Store) MoveMessages(ctx context.Context, accountID string, ids []string, folderID string) (int, error) {
	return s.mutate(ctx, accountID, ids, func(m *mail.Message) { m.MoveTo(folderID) })
}

// DeleteMessages removes cached messages
func (s *Store) DeleteMessages(ctx context.Context, accountID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM messages WHERE account_id = ? AND provider_message_id IN (?)`, accountID, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to build delete: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) mutate(ctx context.Context, accountID string, ids []string, fn func(*mail.Message)) (int, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for _, id := range ids {
		var doc string
		err := tx.GetContext(ctx, &doc, `
			SELECT doc FROM messages WHERE account_id = ? AND provider_message_id = ?
		`, accountID, id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to load message %s: %w", id, err)
		}

		m, err := decodeMessage(doc)
		if err != nil {
			return 0, err
		}
		fn(m)
		updated, err := json.Marshal(m)
		if err != nil {
			return 0, fmt.Errorf("failed to encode message: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET folder_id = ?, seen = ?, flagged = ?, doc = ?, updated_at = ?
			WHERE account_id = ? AND provider_message_id = ?
		`, m.FolderID, m.Flags.Seen, m.Flags.Flagged, string(updated), time.Now().Unix(), accountID, id)
		if err != nil {
			return 0, fmt.Errorf("failed to update message %s: %w", id, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}

func decodeMessage(doc string) (*mail.Message, error) {
	var m mail.Message
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}
