package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/store"
)

type stubAdapter struct {
	mail.Adapter
	caps mail.Capabilities

	listCalls int
	page      *mail.MessagePage
	listErr   error
	message   *mail.Message
	getErr    error
	mutateErr error
	searchErr error
	content   *mail.AttachmentContent
}

func (s *stubAdapter) Provider() mail.Provider { return mail.ProviderIMAP }
func (s *stubAdapter) Capabilities() mail.Capabilities { return s.caps }
func (s *stubAdapter) GetThread(context.Context, string) (*mail.Thread, error) {
	return nil, mail.Unsupported(mail.ProviderIMAP, "get_thread")
}

func (s *stubAdapter) GetEmails(context.Context, mail.ListOptions) (*mail.MessagePage, error) {
	s.listCalls++
	return s.page, s.listErr
}

func (s *stubAdapter) GetEmail(context.Context, string) (*mail.Message, error) {
	return s.message, s.getErr
}

func (s *stubAdapter) SearchEmails(context.Context, mail.SearchQuery) (*mail.MessagePage, error) {
	return s.page, s.searchErr
}

func (s *stubAdapter) MarkAsRead(_ context.Context, ids []string) (int, error) {
	if s.mutateErr != nil {
		return 0, s.mutateErr
	}
	return len(ids), nil
}

func (s *stubAdapter) MoveEmails(_ context.Context, ids []string, _ string) (int, error) {
	if s.mutateErr != nil {
		return 0, s.mutateErr
	}
	return len(ids), nil
}

func (s *stubAdapter) GetAttachment(context.Context, string, string) (*mail.AttachmentContent, error) {
	return s.content, nil
}

func msg(id, subject string, minutes int) mail.Message {
	return mail.Message{
		AccountID:         "acct-1",
		Provider:          mail.ProviderIMAP,
		ProviderMessageID: id,
		InternetMessageID: "<" + id + "@example.org>",
		Subject:           subject,
		From:              mail.Address{Email: "alice@example.org"},
		FolderID:          "INBOX",
		Labels:            []string{mail.LabelInbox},
		Date:              time.Date(2024, 1, 1, 0, minutes, 0, 0, time.UTC),
	}
}

func seed(t *testing.T, st store.MessageStore, msgs ...mail.Message) {
	t.Helper()
	for i := range msgs {
		require.NoError(t, st.UpsertMessage(context.Background(), &msgs[i]))
	}
}

func TestCacheFirstWhenUnfiltered(t *testing.T) {
	st := store.NewMemoryMessages()
	seed(t, st, msg("1", "cached", 1))
	a := &stubAdapter{page: &mail.MessagePage{Messages: []mail.Message{msg("2", "upstream", 2)}}}
	o := New("acct-1", a, st)
	ctx := context.Background()

	page, err := o.GetEmails(ctx, mail.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "cached", page.Messages[0].Subject)
	assert.Zero(t, a.listCalls)

	unread := true
	page, err = o.GetEmails(ctx, mail.ListOptions{Unread: &unread})
	require.NoError(t, err)
	assert.Equal(t, "upstream", page.Messages[0].Subject)
	assert.Equal(t, 1, a.listCalls)

	written, err := st.GetMessage(ctx, "acct-1", "2")
	require.NoError(t, err)
	require.NotNil(t, written)
	assert.Equal(t, "upstream", written.Subject)
}

func TestCacheMissFallsThrough(t *testing.T) {
	st := store.NewMemoryMessages()
	a := &stubAdapter{page: &mail.MessagePage{Messages: []mail.Message{msg("2", "upstream", 2)}}}
	page, err := New("acct-1", a, st).GetEmails(context.Background(), mail.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, 1, a.listCalls)
}

func TestWithoutCacheAlwaysAsksAdapter(t *testing.T) {
	st := store.NewMemoryMessages()
	seed(t, st, msg("1", "cached", 1))
	a := &stubAdapter{page: &mail.MessagePage{}}
	_, err := New("acct-1", a, st, WithoutCache()).GetEmails(context.Background(), mail.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, a.listCalls)
}

func TestNotFoundIsEmpty(t *testing.T) {
	a := &stubAdapter{
		listErr: mail.Errorf(mail.ProviderIMAP, mail.KindNotFound, "get_emails", "no such folder"),
		getErr:  mail.Errorf(mail.ProviderIMAP, mail.KindNotFound, "get_email", "gone"),
	}
	o := New("acct-1", a, store.NewMemoryMessages(), WithoutCache())

	page, err := o.GetEmails(context.Background(), mail.ListOptions{FolderID: "nope"})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)

	m, err := o.GetEmail(context.Background(), "x")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestWriteThroughKeepsDirection(t *testing.T) {
	st := store.NewMemoryMessages()
	prev := msg("1", "hello", 1)
	prev.Direction = mail.DirectionSent
	seed(t, st, prev)

	fresh := msg("1", "hello", 1)
	fresh.Flags.Seen = true
	a := &stubAdapter{page: &mail.MessagePage{Messages: []mail.Message{fresh}}}
	_, err := New("acct-1", a, st).Refresh(context.Background(), mail.ListOptions{})
	require.NoError(t, err)

	got, err := st.GetMessage(context.Background(), "acct-1", "1")
	require.NoError(t, err)
	assert.Equal(t, mail.DirectionSent, got.Direction)
	assert.True(t, got.Flags.Seen)
}

func TestMutationsMirrorOnlyOnSuccess(t *testing.T) {
	st := store.NewMemoryMessages()
	seed(t, st, msg("1", "hello", 1))
	a := &stubAdapter{mutateErr: mail.Errorf(mail.ProviderIMAP, mail.KindUpstreamTransient, "store", "connection reset")}
	o := New("acct-1", a, st)
	ctx := context.Background()

	_, err := o.MarkAsRead(ctx, []string{"1"})
	require.Error(t, err)
	_, err = o.MoveEmails(ctx, []string{"1"}, "Archive")
	require.Error(t, err)
	got, _ := st.GetMessage(ctx, "acct-1", "1")
	assert.False(t, got.Flags.Seen)
	assert.Equal(t, "INBOX", got.FolderID)

	a.mutateErr = nil
	n, err := o.MarkAsRead(ctx, []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = o.MoveEmails(ctx, []string{"1"}, "Archive")
	require.NoError(t, err)
	got, _ = st.GetMessage(ctx, "acct-1", "1")
	assert.True(t, got.Flags.Seen)
	assert.Equal(t, "Archive", got.FolderID)
}

func TestMovedMessageLeavesFolderListing(t *testing.T) {
	st := store.NewMemoryMessages()
	unread := msg("1", "hello", 1)
	unread.Labels = append(unread.Labels, mail.LabelUnread, "Label_7")
	seed(t, st, unread, msg("2", "stays", 2))
	a := &stubAdapter{}
	o := New("acct-1", a, st)
	ctx := context.Background()

	_, err := o.MarkAsRead(ctx, []string{"1"})
	require.NoError(t, err)
	unreadPage, err := st.ListMessages(ctx, "acct-1", store.Query{FolderID: mail.LabelUnread})
	require.NoError(t, err)
	assert.Empty(t, unreadPage)

	_, err = o.MoveEmails(ctx, []string{"1"}, mail.LabelTrash)
	require.NoError(t, err)

	page, err := o.GetEmails(ctx, mail.ListOptions{FolderID: mail.LabelInbox})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "2", page.Messages[0].ProviderMessageID)
	assert.Zero(t, a.listCalls)

	trash, err := o.GetEmails(ctx, mail.ListOptions{FolderID: mail.LabelTrash})
	require.NoError(t, err)
	require.Len(t, trash.Messages, 1)
	moved := trash.Messages[0]
	assert.Equal(t, mail.LabelTrash, moved.FolderID)
	assert.ElementsMatch(t, []string{"Label_7", mail.LabelTrash}, moved.Labels)
}

func TestLocalThreadingWithoutNativeSupport(t *testing.T) {
	st := store.NewMemoryMessages()
	root := msg("1", "Plans", 1)
	reply := msg("2", "Re: Plans", 2)
	reply.InReplyTo = root.InternetMessageID
	other := msg("3", "Unrelated", 3)
	a := &stubAdapter{page: &mail.MessagePage{Messages: []mail.Message{other, reply, root}}}
	o := New("acct-1", a, st, WithoutCache())
	ctx := context.Background()

	threads, err := o.GetThreads(ctx, mail.ListOptions{})
	require.NoError(t, err)
	require.Len(t, threads, 2)

	var plans *mail.Thread
	for i := range threads {
		if threads[i].MessageCount == 2 {
			plans = &threads[i]
		}
	}
	require.NotNil(t, plans)
	assert.Equal(t, "Plans", plans.Subject)

	// the listing was written through, so the thread resolves from the mirror
	got, err := o.GetThread(ctx, plans.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.MessageCount)
}

func TestLocalThreadsSpanPages(t *testing.T) {
	st := store.NewMemoryMessages()
	root := msg("1", "Plans", 1)
	seed(t, st, root)
	reply := msg("2", "Re: Plans", 30)
	reply.InReplyTo = root.InternetMessageID
	a := &stubAdapter{page: &mail.MessagePage{Messages: []mail.Message{reply}, NextPageToken: "2"}}
	o := New("acct-1", a, st, WithoutCache())

	threads, err := o.GetThreads(context.Background(), mail.ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, 2, threads[0].MessageCount)
	assert.Equal(t, "Plans", threads[0].Subject)

	got, err := o.GetThread(context.Background(), threads[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.MessageCount)
}

func TestSearchScansCacheWithoutNativeSearch(t *testing.T) {
	st := store.NewMemoryMessages()
	seed(t, st, msg("1", "Quarterly report", 1), msg("2", "Lunch", 2), msg("3", "Report draft", 3))
	o := New("acct-1", &stubAdapter{}, st)

	page, err := o.SearchEmails(context.Background(), mail.SearchQuery{Text: "report"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "Report draft", page.Messages[0].Subject)

	page, err = o.SearchEmails(context.Background(), mail.SearchQuery{Text: "report", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "Quarterly report", page.Messages[0].Subject)
}

func TestSearchFallsBackWhenProviderRefuses(t *testing.T) {
	st := store.NewMemoryMessages()
	seed(t, st, msg("1", "Quarterly report", 1))
	a := &stubAdapter{caps: mail.Capabilities{Search: true}, searchErr: mail.Unsupported(mail.ProviderIMAP, "search_emails")}

	page, err := New("acct-1", a, st).SearchEmails(context.Background(), mail.SearchQuery{Subject: "quarterly", Sort: &mail.Sort{Field: mail.SortBySubject}})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)

	a.searchErr = errors.New("boom")
	_, err = New("acct-1", a, st).SearchEmails(context.Background(), mail.SearchQuery{Subject: "quarterly"})
	assert.Error(t, err)
}

func TestAttachmentSizeCeiling(t *testing.T) {
	st := store.NewMemoryMessages()
	big := msg("1", "big", 1)
	big.Attachments = []mail.AttachmentMeta{{ID: "a1", Size: 2048}}
	seed(t, st, big)
	a := &stubAdapter{
		caps:    mail.Capabilities{Attachments: true, MaxAttachmentSize: 1024},
		content: &mail.AttachmentContent{Data: make([]byte, 512)},
	}
	o := New("acct-1", a, st)

	_, err := o.GetAttachment(context.Background(), "1", "a1")
	assert.True(t, mail.IsKind(err, mail.KindUpstreamRejected))

	got, err := o.GetAttachment(context.Background(), "2", "a1")
	require.NoError(t, err)
	assert.Len(t, got.Data, 512)

	_, err = o.SendEmail(context.Background(), mail.OutgoingMessage{})
	assert.True(t, mail.IsKind(err, mail.KindUnsupported))
}
