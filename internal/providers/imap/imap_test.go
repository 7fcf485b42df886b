package imap

import (
	"bytes"
	"context"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	imapserver "github.com/emersion/go-imap/server"
	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// the memory backend seeds INBOX with one seen message
const seededSubject = "A little message, just for you"

type testServer struct {
	host string
	port int
}

func startServer(t *testing.T, mailboxes ...string) *testServer {
	t.Helper()
	s := imapserver.New(memory.New())
	s.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	ts := &testServer{host: host, port: port}

	if len(mailboxes) > 0 {
		ts.do(t, func(c *client.Client) {
			for _, name := range mailboxes {
				require.NoError(t, c.Create(name))
			}
		})
	}
	return ts
}

// do runs fn on a separate logged-in client, standing in for another mail agent
func (ts *testServer) do(t *testing.T, fn func(c *client.Client)) {
	t.Helper()
	c, err := client.Dial(net.JoinHostPort(ts.host, strconv.Itoa(ts.port)))
	require.NoError(t, err)
	defer func() { _ = c.Logout() }()
	require.NoError(t, c.Login("username", "password"))
	fn(c)
}

func (ts *testServer) deliver(t *testing.T, mailbox, raw string) {
	t.Helper()
	ts.do(t, func(c *client.Client) {
		require.NoError(t, c.Append(mailbox, nil, time.Now(), bytes.NewBufferString(raw)))
	})
}

func (ts *testServer) adapter(t *testing.T, mutate ...func(*Config)) *Adapter {
	t.Helper()
	cfg := Config{
		AccountID: "acct-1",
		Email:     "contact@example.org",
		Host:      ts.host,
		Port:      ts.port,
		Security:  SecurityNone,
		Username:  "username",
		Password:  "password",
		Timeout:   5 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func rawMessage(subject, body string) string {
	return "From: Bob <bob@example.org>\r\n" +
		"To: contact@example.org\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 13 Nov 2023 10:00:00 +0000\r\n" +
		"Message-Id: <" + strings.ReplaceAll(strings.ToLower(subject), " ", "-") + "@example.org>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" + body
}

func TestLoginFailureIsNotAuthenticated(t *testing.T) {
	ts := startServer(t)
	a := ts.adapter(t, func(c *Config) { c.Password = "wrong" })

	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, mail.IsKind(err, mail.KindNotAuthenticated))
}

func TestMessageRef(t *testing.T) {
	box, uid, err := ParseMessageRef(MessageRef("Archive/2024", 42))
	require.NoError(t, err)
	assert.Equal(t, "Archive/2024", box)
	assert.Equal(t, uint32(42), uid)

	for _, bad := range []string{"", "INBOX", "INBOX:", "INBOX:abc", ":5", "INBOX:0"} {
		_, _, err := ParseMessageRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestGetFoldersSynthesizesParents(t *testing.T) {
	ts := startServer(t, "Archive/2024", "Sent", "Trash")
	a := ts.adapter(t)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))

	roots, err := a.GetFolders(ctx)
	require.NoError(t, err)

	byID := make(map[string]*mail.Folder)
	for _, f := range mail.Flatten(roots) {
		byID[f.ID] = f
	}
	require.Contains(t, byID, "Archive")
	require.Contains(t, byID, "Archive/2024")
	assert.Equal(t, mail.FolderUser, byID["Archive"].Kind)
	assert.Equal(t, "Archive", byID["Archive/2024"].ParentID)
	assert.Equal(t, "2024", byID["Archive/2024"].Name)
	assert.Equal(t, mail.FolderSystem, byID["INBOX"].Kind)
	assert.Equal(t, mail.FolderSystem, byID["Sent"].Kind)
	assert.Equal(t, mail.FolderSystem, byID["Trash"].Kind)
	assert.Equal(t, 1, byID["INBOX"].Total)
	assert.Equal(t, 0, byID["INBOX"].Unread)

	archive := byID["Archive"]
	require.Len(t, archive.Children, 1)
	assert.Equal(t, "Archive/2024", archive.Children[0].ID)
}

func TestGetEmailsPagesNewestFirst(t *testing.T) {
	ts := startServer(t)
	ts.deliver(t, "INBOX", rawMessage("Second", "two"))
	ts.deliver(t, "INBOX", rawMessage("Third", "three"))
	a := ts.adapter(t)
	ctx := context.Background()

	page, err := a.GetEmails(ctx, mail.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "Third", page.Messages[0].Subject)
	assert.Equal(t, "Second", page.Messages[1].Subject)
	assert.Equal(t, "2", page.NextPageToken)

	page, err = a.GetEmails(ctx, mail.ListOptions{Limit: 2, PageToken: page.NextPageToken})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, seededSubject, page.Messages[0].Subject)
	assert.Empty(t, page.NextPageToken)

	msg := page.Messages[0]
	assert.Equal(t, "Hi there :)", msg.Body.Text)
	assert.Equal(t, "contact@example.org", msg.From.Email)
	assert.True(t, msg.Flags.Seen)
	assert.Equal(t, []string{mail.LabelInbox}, msg.Labels)
	assert.Equal(t, mail.MessageID("acct-1", mail.ProviderIMAP, msg.ProviderMessageID), msg.ID)

	unread := true
	page, err = a.GetEmails(ctx, mail.ListOptions{Unread: &unread})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	for _, m := range page.Messages {
		assert.Contains(t, m.Labels, mail.LabelUnread)
	}

	page, err = a.GetEmails(ctx, mail.ListOptions{Sort: &mail.Sort{Field: mail.SortBySubject}})
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, []string{seededSubject, "Second", "Third"}, []string{
		page.Messages[0].Subject, page.Messages[1].Subject, page.Messages[2].Subject,
	})
}

func TestSearchEmails(t *testing.T) {
	ts := startServer(t)
	ts.deliver(t, "INBOX", rawMessage("Quarterly report", "numbers attached"))
	a := ts.adapter(t)

	page, err := a.SearchEmails(context.Background(), mail.SearchQuery{Subject: "Quarterly"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "Quarterly report", page.Messages[0].Subject)

	has := true
	page, err = a.SearchEmails(context.Background(), mail.SearchQuery{HasAttachment: &has})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestThreadsAreUnsupported(t *testing.T) {
	a := startServer(t).adapter(t)
	_, err := a.GetThread(context.Background(), "x")
	assert.True(t, mail.IsKind(err, mail.KindUnsupported))
	_, err = a.GetThreads(context.Background(), mail.ListOptions{})
	assert.True(t, mail.IsKind(err, mail.KindUnsupported))
	assert.False(t, a.Capabilities().Threading)
}

func TestAttachments(t *testing.T) {
	ts := startServer(t)
	raw := "From: bob@example.org\r\n" +
		"To: contact@example.org\r\n" +
		"Subject: Notes\r\n" +
		"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Disposition: attachment; filename=notes.txt\r\n" +
		"\r\n" +
		"remember the milk\r\n" +
		"--XYZ--\r\n"
	ts.deliver(t, "INBOX", raw)
	a := ts.adapter(t)
	ctx := context.Background()

	page, err := a.SearchEmails(ctx, mail.SearchQuery{Subject: "Notes"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	msg := page.Messages[0]
	assert.Equal(t, "see attached", strings.TrimSpace(msg.Body.Text))
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "notes.txt", msg.Attachments[0].Filename)

	content, err := a.GetAttachment(ctx, msg.ProviderMessageID, msg.Attachments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", strings.TrimSpace(string(content.Data)))

	_, err = a.GetAttachment(ctx, msg.ProviderMessageID, "9")
	assert.True(t, mail.IsNotFound(err))
}

func TestSyncFromWatermark(t *testing.T) {
	ts := startServer(t)
	a := ts.adapter(t)
	ctx := context.Background()

	first, err := a.Sync(ctx, mail.SyncRequest{Cursor: mail.SyncCursor{AccountID: "acct-1"}})
	require.NoError(t, err)
	require.Len(t, first.Messages, 1)
	assert.Equal(t, seededSubject, first.Messages[0].Subject)
	assert.False(t, first.Reset)
	wm, ok := parseWatermark(first.Cursor.Watermark)
	require.True(t, ok)

	idle, err := a.Sync(ctx, mail.SyncRequest{Cursor: first.Cursor})
	require.NoError(t, err)
	assert.Empty(t, idle.Messages)
	assert.Equal(t, first.Cursor.Watermark, idle.Cursor.Watermark)

	ts.deliver(t, "INBOX", rawMessage("Fresh", "new mail"))
	next, err := a.Sync(ctx, mail.SyncRequest{Cursor: idle.Cursor})
	require.NoError(t, err)
	require.Len(t, next.Messages, 1)
	assert.Equal(t, "Fresh", next.Messages[0].Subject)
	advanced, ok := parseWatermark(next.Cursor.Watermark)
	require.True(t, ok)
	assert.Equal(t, wm.validity, advanced.validity)
	assert.Greater(t, advanced.uid, wm.uid)
}

func TestSyncResetsOnUIDValidityChange(t *testing.T) {
	a := startServer(t).adapter(t)

	res, err := a.Sync(context.Background(), mail.SyncRequest{Cursor: mail.SyncCursor{Watermark: "999:1"}})
	require.NoError(t, err)
	assert.True(t, res.Reset)
	assert.Empty(t, res.Messages)
	wm, ok := parseWatermark(res.Cursor.Watermark)
	require.True(t, ok)
	assert.NotEqual(t, uint32(999), wm.validity)
}

func TestFlagsAndMissingMessages(t *testing.T) {
	ts := startServer(t)
	a := ts.adapter(t)
	ctx := context.Background()

	page, err := a.GetEmails(ctx, mail.ListOptions{})
	require.NoError(t, err)
	id := page.Messages[0].ProviderMessageID

	n, err := a.MarkAsUnread(ctx, []string{id, "INBOX:9999"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg, err := a.GetEmail(ctx, id)
	require.NoError(t, err)
	assert.False(t, msg.Flags.Seen)
	assert.Contains(t, msg.Labels, mail.LabelUnread)

	n, err = a.MarkAsFlagged(ctx, []string{id})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	// re-marking succeeds
	n, err = a.MarkAsFlagged(ctx, []string{id})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg, err = a.GetEmail(ctx, id)
	require.NoError(t, err)
	assert.True(t, msg.Flags.Flagged)
	assert.Contains(t, msg.Labels, mail.LabelStarred)

	_, err = a.GetEmail(ctx, "INBOX:9999")
	assert.True(t, mail.IsNotFound(err))
	n, err = a.MarkAsRead(ctx, []string{"Nowhere:1"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteMovesToTrash(t *testing.T) {
	ts := startServer(t, "Trash", "Archive")
	a := ts.adapter(t)
	ctx := context.Background()

	ts.deliver(t, "INBOX", rawMessage("Keep", "archive me"))
	page, err := a.GetEmails(ctx, mail.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	keep, drop := page.Messages[0].ProviderMessageID, page.Messages[1].ProviderMessageID

	n, err := a.MoveEmails(ctx, []string{keep}, "Archive")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = a.DeleteEmails(ctx, []string{drop})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inboxPage, err := a.GetEmails(ctx, mail.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, inboxPage.Messages)

	trash, err := a.GetEmails(ctx, mail.ListOptions{FolderID: "trash"})
	require.NoError(t, err)
	require.Len(t, trash.Messages, 1)
	assert.Equal(t, seededSubject, trash.Messages[0].Subject)
	assert.Equal(t, []string{mail.LabelTrash}, trash.Messages[0].Labels)

	archived, err := a.GetEmails(ctx, mail.ListOptions{FolderID: "Archive"})
	require.NoError(t, err)
	require.Len(t, archived.Messages, 1)
	assert.Equal(t, "Keep", archived.Messages[0].Subject)
}

func TestSendFilesSentCopy(t *testing.T) {
	ts := startServer(t, "Sent")
	var (
		gotAddr string
		gotMail *email.Email
	)
	a := ts.adapter(t, func(c *Config) { c.SMTPHost = "smtp.example.org" })
	a.send = func(addr string, _ smtp.Auth, e *email.Email) error {
		gotAddr, gotMail = addr, e
		return nil
	}
	ctx := context.Background()

	res, err := a.SendEmail(ctx, mail.OutgoingMessage{
		To:      []mail.Address{{Email: "bob@example.org"}},
		Subject: "Hello",
		Body:    mail.Body{Text: "hi bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.org:587", gotAddr)
	require.NotNil(t, gotMail)
	assert.Equal(t, "contact@example.org", gotMail.From)
	assert.NotEmpty(t, res.InternetMessageID)
	assert.True(t, strings.HasPrefix(res.ProviderMessageID, "Sent:"))

	sent, err := a.GetEmails(ctx, mail.ListOptions{FolderID: "sent"})
	require.NoError(t, err)
	require.Len(t, sent.Messages, 1)
	assert.Equal(t, "Hello", sent.Messages[0].Subject)
	assert.Equal(t, []string{mail.LabelSent}, sent.Messages[0].Labels)
	assert.True(t, sent.Messages[0].Flags.Seen)
}

func TestReplyThreadsHeaders(t *testing.T) {
	ts := startServer(t)
	ts.deliver(t, "INBOX", rawMessage("Question", "are you there?"))
	var gotMail *email.Email
	a := ts.adapter(t, func(c *Config) { c.SMTPHost = "smtp.example.org" })
	a.send = func(_ string, _ smtp.Auth, e *email.Email) error {
		gotMail = e
		return nil
	}
	ctx := context.Background()

	page, err := a.SearchEmails(ctx, mail.SearchQuery{Subject: "Question"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	orig := page.Messages[0]

	_, err = a.ReplyToEmail(ctx, orig.ProviderMessageID, mail.OutgoingMessage{Body: mail.Body{Text: "yes"}})
	require.NoError(t, err)
	require.NotNil(t, gotMail)
	assert.Equal(t, "Re: Question", gotMail.Subject)
	assert.Equal(t, []string{"Bob <bob@example.org>"}, gotMail.To)
	assert.Equal(t, "<question@example.org>", gotMail.Headers.Get("In-Reply-To"))

	msg, err := a.GetEmail(ctx, orig.ProviderMessageID)
	require.NoError(t, err)
	assert.True(t, msg.Flags.Answered)
}

func TestSendWithoutSMTPIsUnsupported(t *testing.T) {
	a := startServer(t).adapter(t)
	assert.False(t, a.Capabilities().Sending)
	_, err := a.SendEmail(context.Background(), mail.OutgoingMessage{To: []mail.Address{{Email: "x@example.org"}}})
	assert.True(t, mail.IsKind(err, mail.KindUnsupported))
}
