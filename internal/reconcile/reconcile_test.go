package reconcile

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/dedup"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers/outlook"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/store"
)

// fakeAdapter serves Sync from a script; every other operation is unused here
type fakeAdapter struct {
	mail.Adapter
	provider mail.Provider

	mu     sync.Mutex
	calls  int
	script func(req mail.SyncRequest) (*mail.SyncResult, error)
}

func (f *fakeAdapter) Provider() mail.Provider { return f.provider }

func (f *fakeAdapter) Sync(_ context.Context, req mail.SyncRequest) (*mail.SyncResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.script(req)
}

func (f *fakeAdapter) syncCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAccounts struct {
	accounts []providers.Account
	adapter  mail.Adapter
}

func (f *fakeAccounts) Resolve(_ context.Context, p mail.Provider, hint string) (providers.Account, error) {
	for _, a := range f.accounts {
		if a.Provider == p && (a.ID == hint || strings.EqualFold(a.Email, hint)) {
			return a, nil
		}
	}
	return providers.Account{}, mail.Errorf(p, mail.KindNotFound, "resolve", "no account for %q", hint)
}

func (f *fakeAccounts) Adapter(context.Context, providers.Account) (mail.Adapter, error) {
	return f.adapter, nil
}

type delivery struct {
	direction mail.Direction
	id        string
	contacts  []Contact
}

type recordingDownstream struct {
	mu        sync.Mutex
	delivered []delivery
	fail      error
}

func (d *recordingDownstream) Deliver(_ context.Context, dir mail.Direction, m *mail.Message, contacts []Contact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.delivered = append(d.delivered, delivery{direction: dir, id: m.ProviderMessageID, contacts: contacts})
	return nil
}

func (d *recordingDownstream) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

type harness struct {
	rec        *Reconciler
	adapter    *fakeAdapter
	cursors    *store.MemoryCursors
	messages   *store.MemoryMessages
	downstream *recordingDownstream
}

var gmailAccount = providers.Account{ID: "acct-1", Provider: mail.ProviderGmail, Email: "me@gmail.com"}

func newHarness(t *testing.T, account providers.Account, script func(mail.SyncRequest) (*mail.SyncResult, error)) *harness {
	t.Helper()
	h := &harness{
		adapter:    &fakeAdapter{provider: account.Provider, script: script},
		cursors:    store.NewMemoryCursors(),
		messages:   store.NewMemoryMessages(),
		downstream: &recordingDownstream{},
	}
	h.rec = New(Config{
		Accounts:   &fakeAccounts{accounts: []providers.Account{account}, adapter: h.adapter},
		Dedup:      dedup.NewMemoryManager(5*time.Minute, time.Hour),
		Cursors:    h.cursors,
		Downstream: h.downstream,
		Messages:   h.messages,
	})
	return h
}

func inboxMessage(id string) mail.Message {
	return mail.Message{
		AccountID:         "acct-1",
		Provider:          mail.ProviderGmail,
		ProviderMessageID: id,
		Subject:           "hello",
		From:              mail.Address{Name: "Alice", Email: "alice@example.com"},
		To:                []mail.Address{{Email: "me@gmail.com"}},
		Labels:            []string{mail.LabelInbox},
	}
}

// gmailHistory plays a mailbox whose history advances from 100 to 105 with one new message
func gmailHistory(req mail.SyncRequest) (*mail.SyncResult, error) {
	cur := req.Cursor
	if cur.Watermark == "105" {
		return &mail.SyncResult{Cursor: cur}, nil
	}
	cur.Watermark = "105"
	return &mail.SyncResult{Messages: []mail.Message{inboxMessage("m105")}, Cursor: cur}, nil
}

func gmailNotification(history string) mail.Notification {
	return mail.Notification{
		Provider:     mail.ProviderGmail,
		AccountHint:  "me@gmail.com",
		ResourceID:   "me@gmail.com",
		ChangeVector: history,
	}
}

func TestGmailHistoryRedeliveryFetchesNothing(t *testing.T) {
	h := newHarness(t, gmailAccount, gmailHistory)
	ctx := context.Background()
	require.NoError(t, h.cursors.Reset(ctx, mail.SyncCursor{AccountID: "acct-1", Provider: mail.ProviderGmail, Watermark: "100"}))

	res, err := h.rec.Process(ctx, gmailNotification("105"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Delivered)

	cur, err := h.cursors.Load(ctx, "acct-1", mail.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "105", cur.Watermark)

	res, err = h.rec.Process(ctx, gmailNotification("105"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 1, h.adapter.syncCalls())
	assert.Equal(t, 1, h.downstream.count())

	cached, err := h.messages.GetMessage(ctx, "acct-1", "m105")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, mail.DirectionReceived, cached.Direction)
}

func TestReplayInOneBatchDeliversOnce(t *testing.T) {
	h := newHarness(t, gmailAccount, gmailHistory)

	out := h.rec.ProcessBatch(context.Background(), []mail.Notification{
		gmailNotification("105"), gmailNotification("105"), gmailNotification("105"),
	})
	assert.Zero(t, out.Failed)
	require.Len(t, out.Results, 3)
	assert.Equal(t, OutcomeProcessed, out.Results[0].Outcome)
	assert.Equal(t, OutcomeDuplicate, out.Results[1].Outcome)
	assert.Equal(t, 1, h.downstream.count())
}

func TestMessageDedupAcrossNotifications(t *testing.T) {
	// two history notifications that surface the same message
	h := newHarness(t, gmailAccount, func(req mail.SyncRequest) (*mail.SyncResult, error) {
		cur := req.Cursor
		cur.Watermark = req.Event.ChangeVector
		return &mail.SyncResult{Messages: []mail.Message{inboxMessage("m1")}, Cursor: cur}, nil
	})
	ctx := context.Background()

	_, err := h.rec.Process(ctx, gmailNotification("101"))
	require.NoError(t, err)
	res, err := h.rec.Process(ctx, gmailNotification("102"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Zero(t, res.Delivered)
	assert.Equal(t, 1, h.downstream.count())
}

func TestSentLabelWinsOverSender(t *testing.T) {
	h := newHarness(t, gmailAccount, func(req mail.SyncRequest) (*mail.SyncResult, error) {
		m := inboxMessage("s1")
		m.Labels = []string{mail.LabelSent}
		m.From = mail.Address{Email: "alias@elsewhere.com"}
		return &mail.SyncResult{Messages: []mail.Message{m}, Cursor: req.Cursor}, nil
	})

	_, err := h.rec.Process(context.Background(), gmailNotification("1"))
	require.NoError(t, err)
	require.Equal(t, 1, h.downstream.count())
	got := h.downstream.delivered[0]
	assert.Equal(t, mail.DirectionSent, got.direction)
	// the account owner is never its own contact
	require.Len(t, got.contacts, 1)
	assert.Equal(t, "alias@elsewhere.com", got.contacts[0].Address.Email)
	assert.Equal(t, RoleFrom, got.contacts[0].Role)
}

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		name     string
		msg      mail.Message
		hint     mail.Direction
		want     mail.Direction
		strategy string
	}{
		{"label", mail.Message{Labels: []string{"SENT"}, From: mail.Address{Email: "x@y.z"}}, mail.DirectionReceived, mail.DirectionSent, "sent_label"},
		{"sender", mail.Message{From: mail.Address{Email: "ME@gmail.com"}}, mail.DirectionReceived, mail.DirectionSent, "sender_is_account"},
		{"folder", mail.Message{FolderID: "Sent Items", From: mail.Address{Email: "x@y.z"}}, "", mail.DirectionSent, "sent_folder"},
		{"hint", mail.Message{From: mail.Address{Email: "x@y.z"}}, mail.DirectionSent, mail.DirectionSent, "subscription_hint"},
		{"default", mail.Message{From: mail.Address{Email: "x@y.z"}}, "", mail.DirectionReceived, "default_received"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := tc.msg
			dir, strategy := Classify(DefaultStrategies, Classification{Message: &msg, AccountEmail: "me@gmail.com", Hint: tc.hint})
			assert.Equal(t, tc.want, dir)
			assert.Equal(t, tc.strategy, strategy)
		})
	}
}

func TestFailureReleasesNotification(t *testing.T) {
	h := newHarness(t, gmailAccount, gmailHistory)
	ctx := context.Background()
	h.downstream.fail = errors.New("outbox unavailable")

	_, err := h.rec.Process(ctx, gmailNotification("105"))
	require.Error(t, err)
	cur, err := h.cursors.Load(ctx, "acct-1", mail.ProviderGmail)
	require.NoError(t, err)
	assert.Empty(t, cur.Watermark)

	h.downstream.fail = nil
	res, err := h.rec.Process(ctx, gmailNotification("105"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, 1, h.downstream.count())
}

func TestBatchIsolatesFailures(t *testing.T) {
	h := newHarness(t, gmailAccount, gmailHistory)

	unknown := gmailNotification("105")
	unknown.AccountHint = "stranger@gmail.com"
	unknown.ResourceID = "stranger@gmail.com"

	out := h.rec.ProcessBatch(context.Background(), []mail.Notification{unknown, gmailNotification("105")})
	assert.Equal(t, 1, out.Failed)
	require.Len(t, out.Results, 1)
	assert.Equal(t, OutcomeProcessed, out.Results[0].Outcome)
	assert.Equal(t, 1, h.downstream.count())
}

func TestResetLandsOnProviderWatermark(t *testing.T) {
	h := newHarness(t, gmailAccount, func(req mail.SyncRequest) (*mail.SyncResult, error) {
		cur := req.Cursor
		cur.Watermark = "900"
		return &mail.SyncResult{Cursor: cur, Reset: true}, nil
	})
	ctx := context.Background()
	require.NoError(t, h.cursors.Reset(ctx, mail.SyncCursor{AccountID: "acct-1", Provider: mail.ProviderGmail, Watermark: "1000"}))

	res, err := h.rec.Process(ctx, gmailNotification("1001"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReset, res.Outcome)

	cur, err := h.cursors.Load(ctx, "acct-1", mail.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "900", cur.Watermark)
	assert.Zero(t, h.downstream.count())
}

func TestValidateRejectsIncompleteNotifications(t *testing.T) {
	h := newHarness(t, gmailAccount, gmailHistory)

	_, err := h.rec.Process(context.Background(), mail.Notification{Provider: mail.ProviderGmail})
	assert.True(t, mail.IsKind(err, mail.KindMalformedWebhook))
	_, err = h.rec.Process(context.Background(), mail.Notification{Provider: "pop3", AccountHint: "a", ResourceID: "b"})
	assert.True(t, mail.IsKind(err, mail.KindMalformedWebhook))
	assert.Zero(t, h.adapter.syncCalls())
}

func TestOutlookHintClassifiesSent(t *testing.T) {
	account := providers.Account{ID: "acct-o", Provider: mail.ProviderOutlook, Email: "me@contoso.com"}
	h := newHarness(t, account, func(req mail.SyncRequest) (*mail.SyncResult, error) {
		m := mail.Message{
			AccountID:         "acct-o",
			Provider:          mail.ProviderOutlook,
			ProviderMessageID: req.Event.ResourceID,
			From:              mail.Address{Email: "shared-mailbox@contoso.com"},
		}
		return &mail.SyncResult{Messages: []mail.Message{m}, Cursor: req.Cursor}, nil
	})

	body := `{"value":[{"subscriptionId":"sub-2","changeType":"created","clientState":"s3cret.acct-o.sent",
		"resourceData":{"@odata.etag":"W/\"1\"","id":"AAMk1"}}]}`
	ns, err := ParseOutlookNotifications([]byte(body), "s3cret")
	require.NoError(t, err)

	out := h.rec.ProcessBatch(context.Background(), ns)
	assert.Zero(t, out.Failed)
	require.Equal(t, 1, h.downstream.count())
	assert.Equal(t, mail.DirectionSent, h.downstream.delivered[0].direction)
	assert.Equal(t, "AAMk1", h.downstream.delivered[0].id)
}

func TestParseGmailPush(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"Me@Gmail.com","historyId":105}`))
	n, err := ParseGmailPush([]byte(`{"message":{"data":"` + data + `","messageId":"1"},"subscription":"projects/p/subscriptions/s"}`))
	require.NoError(t, err)
	assert.Equal(t, mail.ProviderGmail, n.Provider)
	assert.Equal(t, "me@gmail.com", n.AccountHint)
	assert.Equal(t, "105", n.ChangeVector)
	assert.Equal(t, "gmail:me@gmail.com:105", n.DedupKey())

	stringified := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"me@gmail.com","historyId":"106"}`))
	n, err = ParseGmailPush([]byte(`{"message":{"data":"` + stringified + `"}}`))
	require.NoError(t, err)
	assert.Equal(t, "106", n.ChangeVector)

	for name, body := range map[string]string{
		"not json":      `nope`,
		"no data":       `{"message":{}}`,
		"not base64":    `{"message":{"data":"!!!"}}`,
		"no history":    `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"a@b.c"}`)) + `"}}`,
		"no address":    `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(`{"historyId":1}`)) + `"}}`,
		"bogus history": `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"a@b.c","historyId":"x"}`)) + `"}}`,
	} {
		_, err := ParseGmailPush([]byte(body))
		assert.True(t, mail.IsKind(err, mail.KindMalformedWebhook), name)
	}
}

func TestParseOutlookNotifications(t *testing.T) {
	good := outlook.ClientState("s3cret", "acct-o", outlook.HintInbox)
	body := `{"value":[
		{"subscriptionId":"sub-1","changeType":"created","clientState":"` + good + `","resourceData":{"id":"AAMk1"}},
		{"subscriptionId":"sub-1","changeType":"created","clientState":"forged.acct-o.inbox","resourceData":{"id":"AAMk2"}}
	]}`
	ns, err := ParseOutlookNotifications([]byte(body), "s3cret")
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, "acct-o", ns[0].AccountHint)
	assert.Equal(t, "AAMk1", ns[0].ResourceID)
	assert.Equal(t, mail.DirectionReceived, ns[0].DirectionHint)
	assert.Equal(t, "created", ns[0].ChangeVector)

	for name, body := range map[string]string{
		"not json":         `[`,
		"empty":            `{"value":[]}`,
		"no resource data": `{"value":[{"subscriptionId":"s","clientState":"` + good + `"}]}`,
		"no client state":  `{"value":[{"subscriptionId":"s","resourceData":{"id":"x"}}]}`,
	} {
		_, err := ParseOutlookNotifications([]byte(body), "s3cret")
		assert.True(t, mail.IsKind(err, mail.KindMalformedWebhook), name)
	}
}
