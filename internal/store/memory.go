package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

type cursorKey struct {
	account  string
	provider mail.Provider
}

// MemoryCursors is a process-scoped CursorStore
type MemoryCursors struct {
	mu      sync.Mutex
	cursors map[cursorKey]mail.SyncCursor
}

func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{cursors: make(map[cursorKey]mail.SyncCursor)}
}

func (s *MemoryCursors) Load(_ context.Context, accountID string, provider mail.Provider) (mail.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[cursorKey{accountID, provider}], nil
}

func (s *MemoryCursors) Advance(_ context.Context, cur mail.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cursorKey{cur.AccountID, cur.Provider}
	prev, ok := s.cursors[k]
	if err := CheckAdvance(prev, cur); err != nil {
		return err
	}
	s.setWatermark(k, prev, ok, cur)
	return nil
}

func (s *MemoryCursors) Reset(_ context.Context, cur mail.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cursorKey{cur.AccountID, cur.Provider}
	prev, ok := s.cursors[k]
	s.setWatermark(k, prev, ok, cur)
	return nil
}

func (s *MemoryCursors) setWatermark(k cursorKey, prev mail.SyncCursor, found bool, cur mail.SyncCursor) {
	if found {
		prev.Watermark = cur.Watermark
		cur = prev
	}
	cur.UpdatedAt = time.Now()
	s.cursors[k] = cur
}

func (s *MemoryCursors) SaveWatch(_ context.Context, cur mail.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cursorKey{cur.AccountID, cur.Provider}
	if prev, ok := s.cursors[k]; ok {
		prev.SubscriptionID = cur.SubscriptionID
		prev.WatchExpiry = cur.WatchExpiry
		if prev.Watermark == "" {
			prev.Watermark = cur.Watermark
		}
		cur = prev
	}
	cur.UpdatedAt = time.Now()
	s.cursors[k] = cur
	return nil
}

type messageKey struct {
	account string
	id      string
}

// MemoryMessages is a process-scoped MessageStore
type MemoryMessages struct {
	mu   sync.RWMutex
	msgs map[messageKey]mail.Message
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{msgs: make(map[messageKey]mail.Message)}
}

func (s *MemoryMessages) UpsertMessage(_ context.Context, m *mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[messageKey{m.AccountID, m.ProviderMessageID}] = *m
	return nil
}

func (s *MemoryMessages) GetMessage(_ context.Context, accountID, providerMessageID string) (*mail.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[messageKey{accountID, providerMessageID}]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemoryMessages) ListMessages(_ context.Context, accountID string, q Query) ([]mail.Message, error) {
	s.mu.RLock()
	var out []mail.Message
	for k, m := range s.msgs {
		if k.account != accountID {
			continue
		}
		if q.FolderID != "" && m.FolderID != q.FolderID && !m.HasLabel(q.FolderID) {
			continue
		}
		if q.ThreadID != "" && m.ThreadID != q.ThreadID {
			continue
		}
		out = append(out, m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ProviderMessageID < out[j].ProviderMessageID
		}
		return out[i].Date.After(out[j].Date)
	})
	return paginate(out, q.Offset, q.Limit), nil
}

func paginate(msgs []mail.Message, offset, limit int) []mail.Message {
	if offset >= len(msgs) {
		return nil
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs
}

func (s *MemoryMessages) mutate(accountID string, ids []string, fn func(*mail.Message)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		k := messageKey{accountID, id}
		m, ok := s.msgs[k]
		if !ok {
			continue
		}
		fn(&m)
		s.msgs[k] = m
		n++
	}
	return n
}

func (s *MemoryMessages) UpdateFlags(_ context.Context, accountID string, ids []string, u FlagUpdate) (int, error) {
	return s.mutate(accountID, ids, u.Apply), nil
}

func (s *MemoryMessages) MoveMessages(_ context.Context, accountID string, ids []string, folderID string) (int, error) {
	return s.mutate(accountID, ids, func(m *mail.Message) { m.MoveTo(folderID) }), nil
}

func (s *MemoryMessages) DeleteMessages(_ context.Context, accountID string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		k := messageKey{accountID, id}
		if _, ok := s.msgs[k]; ok {
			delete(s.msgs, k)
			n++
		}
	}
	return n, nil
}
