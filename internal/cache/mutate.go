package cache

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/store"
)

func boolPtr(b bool) *bool { return &b }

// mirror applies fn to the cache after a successful upstream mutation.
// A cache failure is logged; the upstream result stands.
func (o *Orchestrator) mirror(op string, fn func() (int, error)) {
	if _, err := fn(); err != nil {
		log.Warn().Err(err).Str("account", o.accountID).Str("op", op).Msg("cache mirror failed")
	}
}

func (o *Orchestrator) flags(ctx context.Context, op string, ids []string, upstream func(context.Context, []string) (int, error), u store.FlagUpdate) (int, error) {
	n, err := upstream(ctx, ids)
	if err != nil {
		return 0, err
	}
	o.mirror(op, func() (int, error) { return o.store.UpdateFlags(ctx, o.accountID, ids, u) })
	return n, nil
}

func (o *Orchestrator) MarkAsRead(ctx context.Context, ids []string) (int, error) {
	return o.flags(ctx, "mark_as_read", ids, o.adapter.MarkAsRead, store.FlagUpdate{Seen: boolPtr(true)})
}

func (o *Orchestrator) MarkAsUnread(ctx context.Context, ids []string) (int, error) {
	return o.flags(ctx, "mark_as_unread", ids, o.adapter.MarkAsUnread, store.FlagUpdate{Seen: boolPtr(false)})
}

func (o *Orchestrator) MarkAsFlagged(ctx context.Context, ids []string) (int, error) {
	return o.flags(ctx, "mark_as_flagged", ids, o.adapter.MarkAsFlagged, store.FlagUpdate{Flagged: boolPtr(true)})
}

func (o *Orchestrator) MarkAsUnflagged(ctx context.Context, ids []string) (int, error) {
	return o.flags(ctx, "mark_as_unflagged", ids, o.adapter.MarkAsUnflagged, store.FlagUpdate{Flagged: boolPtr(false)})
}

func (o *Orchestrator) MoveEmails(ctx context.Context, ids []string, folderID string) (int, error) {
	n, err := o.adapter.MoveEmails(ctx, ids, folderID)
	if err != nil {
		return 0, err
	}
	o.mirror("move_emails", func() (int, error) { return o.store.MoveMessages(ctx, o.accountID, ids, folderID) })
	return n, nil
}

// DeleteEmails drops deleted messages from the mirror; they reappear if listed from the trash
func (o *Orchestrator) DeleteEmails(ctx context.Context, ids []string) (int, error) {
	n, err := o.adapter.DeleteEmails(ctx, ids)
	if err != nil {
		return 0, err
	}
	o.mirror("delete_emails", func() (int, error) { return o.store.DeleteMessages(ctx, o.accountID, ids) })
	return n, nil
}

func (o *Orchestrator) checkOutgoing(op string, msg mail.OutgoingMessage) error {
	caps := o.capabilities()
	if !caps.Sending {
		return mail.Unsupported(o.adapter.Provider(), op)
	}
	var total int64
	for _, a := range msg.Attachments {
		total += int64(len(a.Data))
	}
	if caps.MaxAttachmentSize > 0 && total > caps.MaxAttachmentSize {
		return tooLarge(o.adapter.Provider(), total, caps.MaxAttachmentSize)
	}
	return nil
}

func (o *Orchestrator) SendEmail(ctx context.Context, msg mail.OutgoingMessage) (*mail.SendResult, error) {
	if err := o.checkOutgoing("send_email", msg); err != nil {
		return nil, err
	}
	return o.adapter.SendEmail(ctx, msg)
}

func (o *Orchestrator) ReplyToEmail(ctx context.Context, id string, msg mail.OutgoingMessage) (*mail.SendResult, error) {
	if err := o.checkOutgoing("reply_to_email", msg); err != nil {
		return nil, err
	}
	return o.adapter.ReplyToEmail(ctx, id, msg)
}

func (o *Orchestrator) ForwardEmail(ctx context.Context, id string, msg mail.OutgoingMessage) (*mail.SendResult, error) {
	if err := o.checkOutgoing("forward_email", msg); err != nil {
		return nil, err
	}
	return o.adapter.ForwardEmail(ctx, id, msg)
}

// sortMessages orders a local result set; nil means newest first
func sortMessages(msgs []mail.Message, s *mail.Sort) {
	if s == nil {
		s = &mail.Sort{Field: mail.SortByDate, Descending: true}
	}
	less := func(a, b *mail.Message) bool {
		switch s.Field {
		case mail.SortBySubject:
			return strings.ToLower(a.Subject) < strings.ToLower(b.Subject)
		case mail.SortByFrom:
			return strings.ToLower(a.From.Email) < strings.ToLower(b.From.Email)
		}
		return a.Date.Before(b.Date)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if s.Descending {
			return less(&msgs[j], &msgs[i])
		}
		return less(&msgs[i], &msgs[j])
	})
}
