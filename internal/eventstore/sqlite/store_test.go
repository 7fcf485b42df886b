package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/auth"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mailsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mailsync.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestMessageUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

	msgs := []mail.Message{
		{AccountID: "acct", Provider: mail.ProviderGmail, ProviderMessageID: "g1", ThreadID: "t1",
			FolderID: "INBOX", Labels: []string{"INBOX", "UNREAD"}, Subject: "one", Date: base},
		{AccountID: "acct", Provider: mail.ProviderGmail, ProviderMessageID: "g2", ThreadID: "t1",
			Labels: []string{"SENT"}, Subject: "two", Date: base.Add(time.Hour)},
		{AccountID: "acct", Provider: mail.ProviderGmail, ProviderMessageID: "g3", ThreadID: "t2",
			FolderID: "INBOX", Subject: "three", Date: base.Add(2 * time.Hour)},
	}
	for i := range msgs {
		require.NoError(t, s.UpsertMessage(ctx, &msgs[i]))
	}

	got, err := s.GetMessage(ctx, "acct", "g1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "one", got.Subject)
	assert.Equal(t, mail.MessageID("acct", mail.ProviderGmail, "g1"), got.ID)

	missing, err := s.GetMessage(ctx, "acct", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	inbox, err := s.ListMessages(ctx, "acct", store.Query{FolderID: "INBOX"})
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "g3", inbox[0].ProviderMessageID)

	sent, err := s.ListMessages(ctx, "acct", store.Query{FolderID: "sent"})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "g2", sent[0].ProviderMessageID)

	thread, err := s.ListMessages(ctx, "acct", store.Query{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Len(t, thread, 2)

	page, err := s.ListMessages(ctx, "acct", store.Query{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "g2", page[0].ProviderMessageID)

	// Second upsert of the same provider id replaces rather than duplicates
	msgs[0].Flags.Seen = true
	require.NoError(t, s.UpsertMessage(ctx, &msgs[0]))
	all, err := s.ListMessages(ctx, "acct", store.Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMessageMutations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, s.UpsertMessage(ctx, &mail.Message{
			AccountID: "acct", Provider: mail.ProviderOutlook, ProviderMessageID: id, FolderID: "inbox",
		}))
	}

	seen := true
	n, err := s.UpdateFlags(ctx, "acct", []string{"m1", "m2", "ghost"}, store.FlagUpdate{Seen: &seen})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m, _ := s.GetMessage(ctx, "acct", "m2")
	assert.True(t, m.Flags.Seen)

	n, err = s.MoveMessages(ctx, "acct", []string{"m1"}, "archive")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	archived, err := s.ListMessages(ctx, "acct", store.Query{FolderID: "archive"})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "m1", archived[0].ProviderMessageID)

	require.NoError(t, s.UpsertMessage(ctx, &mail.Message{
		AccountID: "acct", Provider: mail.ProviderGmail, ProviderMessageID: "g1", FolderID: mail.LabelInbox,
		Labels: []string{mail.LabelInbox, mail.LabelUnread, mail.LabelStarred},
	}))
	unflag := false
	_, err = s.UpdateFlags(ctx, "acct", []string{"g1"}, store.FlagUpdate{Seen: &seen, Flagged: &unflag})
	require.NoError(t, err)
	_, err = s.MoveMessages(ctx, "acct", []string{"g1"}, mail.LabelTrash)
	require.NoError(t, err)
	for _, folder := range []string{mail.LabelInbox, mail.LabelUnread, mail.LabelStarred} {
		listed, err := s.ListMessages(ctx, "acct", store.Query{FolderID: folder})
		require.NoError(t, err)
		for _, m := range listed {
			assert.NotEqual(t, "g1", m.ProviderMessageID, "still listed in %s", folder)
		}
	}
	trash, err := s.ListMessages(ctx, "acct", store.Query{FolderID: mail.LabelTrash})
	require.NoError(t, err)
	require.Len(t, trash, 1)
	assert.Equal(t, []string{mail.LabelTrash}, trash[0].Labels)
	_, err = s.DeleteMessages(ctx, "acct", []string{"g1"})
	require.NoError(t, err)

	n, err = s.DeleteMessages(ctx, "acct", []string{"m1", "m2"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	all, _ := s.ListMessages(ctx, "acct", store.Query{})
	assert.Empty(t, all)
}

func TestCursorMonotonicity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cur, err := s.Load(ctx, "acct", mail.ProviderGmail)
	require.NoError(t, err)
	assert.True(t, cur.IsZero())

	expiry := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Second)
	require.NoError(t, s.Advance(ctx, mail.SyncCursor{
		AccountID: "acct", Provider: mail.ProviderGmail, Watermark: "105", WatchExpiry: expiry,
	}))

	err = s.Advance(ctx, mail.SyncCursor{AccountID: "acct", Provider: mail.ProviderGmail, Watermark: "100"})
	assert.ErrorIs(t, err, store.ErrCursorRegression)

	cur, err = s.Load(ctx, "acct", mail.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "105", cur.Watermark)
	assert.True(t, expiry.Equal(cur.WatchExpiry))

	require.NoError(t, s.Reset(ctx, mail.SyncCursor{AccountID: "acct", Provider: mail.ProviderGmail, Watermark: "42"}))
	cur, _ = s.Load(ctx, "acct", mail.ProviderGmail)
	assert.Equal(t, "42", cur.Watermark)
}

func TestSaveWatchLeavesWatermark(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := mail.SyncCursor{AccountID: "acct", Provider: mail.ProviderGmail, Watermark: "100", SubscriptionID: "old"}
	require.NoError(t, s.Reset(ctx, base))

	expiry := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Second)
	renewed := base
	renewed.Watermark = "90"
	renewed.SubscriptionID = "projects/p/topics/mail"
	renewed.WatchExpiry = expiry
	require.NoError(t, s.SaveWatch(ctx, renewed))

	base.Watermark = "120"
	require.NoError(t, s.Advance(ctx, base))

	cur, err := s.Load(ctx, "acct", mail.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "120", cur.Watermark)
	assert.Equal(t, "projects/p/topics/mail", cur.SubscriptionID)
	assert.True(t, expiry.Equal(cur.WatchExpiry))
}

func TestRecordStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Reset(ctx, mail.SyncCursor{AccountID: "acct", Provider: mail.ProviderIMAP, Watermark: "7:10"}))
	require.NoError(t, s.RecordStatus(ctx, "acct", mail.ProviderIMAP, store.StatusError, "dial tcp: refused"))
	require.NoError(t, s.RecordStatus(ctx, "acct", mail.ProviderIMAP, store.StatusError, "dial tcp: refused"))

	status, lastErr, retries, err := s.Status(ctx, "acct", mail.ProviderIMAP)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, status)
	assert.Equal(t, "dial tcp: refused", lastErr)
	assert.Equal(t, 2, retries)

	require.NoError(t, s.RecordStatus(ctx, "acct", mail.ProviderIMAP, store.StatusHooked, ""))
	_, _, retries, _ = s.Status(ctx, "acct", mail.ProviderIMAP)
	assert.Equal(t, 0, retries)

	cur, _ := s.Load(ctx, "acct", mail.ProviderIMAP)
	assert.Equal(t, "7:10", cur.Watermark)
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetCredential(ctx, "acct")
	assert.ErrorIs(t, err, auth.ErrNoCredential)

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.SaveCredential(ctx, &auth.Credential{
		AccountID: "acct", Provider: mail.ProviderGmail, AccessToken: "at", RefreshToken: "rt", Expiry: expiry,
	}))
	require.NoError(t, s.SaveCredential(ctx, &auth.Credential{
		AccountID: "acct", Provider: mail.ProviderGmail, AccessToken: "at2", RefreshToken: "rt", Expiry: expiry,
	}))

	c, err := s.GetCredential(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "at2", c.AccessToken)
	assert.Equal(t, "rt", c.RefreshToken)
	assert.True(t, expiry.Equal(c.Expiry))
}

func TestOutbox(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendOutbox(ctx, "user.acct.email.received", "email.received", []byte(`{}`), "email.received|gmail|m1"))
	require.NoError(t, s.AppendOutbox(ctx, "user.acct.email.received", "email.received", []byte(`{}`), "email.received|gmail|m1"))
	require.NoError(t, s.AppendOutbox(ctx, "user.acct.email.sent", "email.sent", []byte(`{}`), "email.sent|gmail|m2"))

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkPublished(ctx, pending[0].ID))
	require.NoError(t, s.MarkOutboxRetry(ctx, pending[1].ID, time.Hour))

	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
