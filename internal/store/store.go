// Package store defines the persistence collaborators of the sync engine
// and process-scoped in-memory implementations of them.
package store

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// ErrCursorRegression is returned when Advance would move a watermark backwards
var ErrCursorRegression = errors.New("cursor regression")

// Query selects cached messages for one account
type Query struct {
	FolderID string
	ThreadID string
	Limit    int
	Offset   int
}

// FlagUpdate sets the non-nil flags
type FlagUpdate struct {
	Seen    *bool
	Flagged *bool
}

// Apply sets the flags on m and keeps the UNREAD and STARRED labels in step with them
func (u FlagUpdate) Apply(m *mail.Message) {
	if u.Seen != nil {
		m.Flags.Seen = *u.Seen
		m.SetLabel(mail.LabelUnread, !*u.Seen)
	}
	if u.Flagged != nil {
		m.Flags.Flagged = *u.Flagged
		m.SetLabel(mail.LabelStarred, *u.Flagged)
	}
}

// MessageStore is the local mirror keyed by (account id, provider message id)
type MessageStore interface {
	// UpsertMessage inserts or replaces the message
	UpsertMessage(ctx context.Context, m *mail.Message) error

	// GetMessage returns nil, nil when the message is not cached
	GetMessage(ctx context.Context, accountID, providerMessageID string) (*mail.Message, error)

	// ListMessages returns cached messages newest first
	ListMessages(ctx context.Context, accountID string, q Query) ([]mail.Message, error)

	UpdateFlags(ctx context.Context, accountID string, ids []string, u FlagUpdate) (int, error)
	MoveMessages(ctx context.Context, accountID string, ids []string, folderID string) (int, error)
	DeleteMessages(ctx context.Context, accountID string, ids []string) (int, error)
}

// CursorStore persists one SyncCursor per (account, provider)
type CursorStore interface {
	// Load returns the zero cursor when none exists
	Load(ctx context.Context, accountID string, provider mail.Provider) (mail.SyncCursor, error)

	// Advance stores the watermark of cur unless it would regress the stored one.
	// An existing watch registration is left as stored.
	Advance(ctx context.Context, cur mail.SyncCursor) error

	// Reset replaces the stored watermark unconditionally, keeping the watch registration
	Reset(ctx context.Context, cur mail.SyncCursor) error

	// SaveWatch stores the subscription id and watch expiry of cur. The watermark of cur
	// is only used when none is stored yet.
	SaveWatch(ctx context.Context, cur mail.SyncCursor) error
}

// StatusRecorder is optionally implemented by cursor stores that track sync health
type StatusRecorder interface {
	RecordStatus(ctx context.Context, accountID string, provider mail.Provider, status, lastError string) error
}

// Sync status values
const (
	StatusSyncing = "SYNCING"
	StatusHooked  = "HOOKED"
	StatusError   = "ERROR"
)

// CompareWatermarks orders two watermarks when both are comparable.
// Plain integers (history ids) compare numerically; "epoch:n" pairs compare
// on n when epochs match. Anything else is not comparable.
func CompareWatermarks(a, b string) (int, bool) {
	if an, bn, ok := parsePair(a, b); ok {
		return cmp(an, bn), true
	}
	ae, an, aok := splitEpoch(a)
	be, bn, bok := splitEpoch(b)
	if aok && bok && ae == be {
		return cmp(an, bn), true
	}
	return 0, false
}

// CheckAdvance returns ErrCursorRegression if next is behind prev
func CheckAdvance(prev, next mail.SyncCursor) error {
	if prev.Watermark == "" || next.Watermark == "" {
		return nil
	}
	if c, ok := CompareWatermarks(next.Watermark, prev.Watermark); ok && c < 0 {
		return ErrCursorRegression
	}
	return nil
}

func parsePair(a, b string) (uint64, uint64, bool) {
	an, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	bn, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return an, bn, true
}

func splitEpoch(s string) (string, uint64, bool) {
	epoch, n, ok := strings.Cut(s, ":")
	if !ok {
		return "", 0, false
	}
	v, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return epoch, v, true
}

func cmp(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
