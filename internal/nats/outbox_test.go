package natsjs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/eventstore/sqlite"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/reconcile"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type published struct {
	subject string
	payload []byte
	msgID   string
}

type fakeSink struct {
	fail bool
	got  []published
}

func (f *fakeSink) Publish(_ context.Context, subject string, payload []byte, msgID string) error {
	if f.fail {
		return errors.New("nats: no responders available for request")
	}
	f.got = append(f.got, published{subject, payload, msgID})
	return nil
}

func sample() *mail.Message {
	return &mail.Message{
		AccountID:         "acct-1",
		Provider:          mail.ProviderGmail,
		ProviderMessageID: "18c2f",
		ThreadID:          "t-9",
		Subject:           "Invoice",
		From:              mail.Address{Name: "Bob", Email: "bob@example.org"},
		To:                []mail.Address{{Email: "me@example.org"}},
		Date:              time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestDeliverQueuesOnceAndPublishes(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	down := NewDownstream(s)
	m := sample()
	contacts := reconcile.Contacts(m, "me@example.org")

	require.NoError(t, down.Deliver(ctx, mail.DirectionReceived, m, contacts))
	require.NoError(t, down.Deliver(ctx, mail.DirectionReceived, m, contacts))

	sink := &fakeSink{}
	n, err := NewDispatcher(s, sink).DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sink.got, 1)
	assert.Equal(t, "user.acct-1.email.received", sink.got[0].subject)
	assert.Equal(t, "email.received|gmail|18c2f", sink.got[0].msgID)

	var ev Event
	require.NoError(t, json.Unmarshal(sink.got[0].payload, &ev))
	assert.Equal(t, "email.received", ev.Type)
	assert.Equal(t, mail.MessageID("acct-1", mail.ProviderGmail, "18c2f"), ev.MessageID)
	require.Len(t, ev.Contacts, 1)
	assert.Equal(t, "bob@example.org", ev.Contacts[0].Address.Email)
	assert.Equal(t, reconcile.RoleFrom, ev.Contacts[0].Role)

	n, err = NewDispatcher(s, sink).DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailedPublishIsRetriedLater(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, NewDownstream(s).Deliver(ctx, mail.DirectionSent, sample(), nil))

	sink := &fakeSink{fail: true}
	d := NewDispatcher(s, sink)
	d.RetryAfter = time.Hour
	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// backed off, so nothing is due yet
	sink.fail = false
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sink.got)
}

func TestSubjectDefaultsToReceived(t *testing.T) {
	assert.Equal(t, "user.a.email.received", Subject("a", mail.DirectionUnknown))
	assert.Equal(t, "user.a.email.sent", Subject("a", mail.DirectionSent))
	assert.Equal(t, "email.sent|gmail|18c2f", MsgID(mail.DirectionSent, sample()))
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := openStore(t)
	d := NewDispatcher(s, &fakeSink{})
	d.Idle = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
