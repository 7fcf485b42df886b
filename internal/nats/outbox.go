package natsjs

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/reconcile"
)

// Appender is the write side of the outbox
type Appender interface {
	AppendOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error
}

// Event is the payload published for every classified message
type Event struct {
	EventID           string              `json:"event_id"`
	Type              string              `json:"type"`
	TS                int64               `json:"ts"`
	AccountID         string              `json:"account_id"`
	Provider          mail.Provider       `json:"provider"`
	Direction         mail.Direction      `json:"direction"`
	MessageID         string              `json:"message_id"`
	ProviderMessageID string              `json:"provider_message_id"`
	ThreadID          string              `json:"thread_id,omitempty"`
	InternetMessageID string              `json:"internet_message_id,omitempty"`
	Subject           string              `json:"subject"`
	From              mail.Address        `json:"from"`
	To                []mail.Address      `json:"to,omitempty"`
	Cc                []mail.Address      `json:"cc,omitempty"`
	Snippet           string              `json:"snippet,omitempty"`
	Labels            []string            `json:"labels,omitempty"`
	MsgDate           int64               `json:"msg_date"`
	Contacts          []reconcile.Contact `json:"contacts"`
}

// Subject returns the NATS subject for an event of direction on account
func Subject(accountID string, direction mail.Direction) string {
	return fmt.Sprintf("user.%s.email.%s", accountID, eventDirection(direction))
}

// MsgID is stable per message so redelivery collapses in the outbox and in JetStream
func MsgID(direction mail.Direction, m *mail.Message) string {
	return fmt.Sprintf("email.%s|%s|%s", eventDirection(direction), m.Provider, m.ProviderMessageID)
}

func eventDirection(d mail.Direction) mail.Direction {
	if d == mail.DirectionUnknown {
		return mail.DirectionReceived
	}
	return d
}

// Downstream queues classified messages in the outbox; the dispatcher publishes them later
type Downstream struct {
	outbox Appender
}

func NewDownstream(outbox Appender) *Downstream {
	return &Downstream{outbox: outbox}
}

func (d *Downstream) Deliver(ctx context.Context, direction mail.Direction, m *mail.Message, contacts []reconcile.Contact) error {
	direction = eventDirection(direction)
	eventType := "email." + string(direction)
	id := m.ID
	if id == "" {
		id = mail.MessageID(m.AccountID, m.Provider, m.ProviderMessageID)
	}
	if contacts == nil {
		contacts = []reconcile.Contact{}
	}

	payload, err := json.Marshal(Event{
		EventID:           uuid.NewString(),
		Type:              eventType,
		TS:                time.Now().Unix(),
		AccountID:         m.AccountID,
		Provider:          m.Provider,
		Direction:         direction,
		MessageID:         id,
		ProviderMessageID: m.ProviderMessageID,
		ThreadID:          m.ThreadID,
		InternetMessageID: m.InternetMessageID,
		Subject:           m.Subject,
		From:              m.From,
		To:                m.To,
		Cc:                m.Cc,
		Snippet:           m.Snippet,
		Labels:            m.Labels,
		MsgDate:           m.Date.Unix(),
		Contacts:          contacts,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return d.outbox.AppendOutbox(ctx, Subject(m.AccountID, direction), eventType, payload, MsgID(direction, m))
}
