package gmail

import (
	"context"
	"encoding/base64"
	"strings"

	"google.golang.org/api/gmail/v1"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers/compose"
)

// batchModifyLimit is the API cap on ids per batchModify call
const batchModifyLimit = 1000

func (a *Adapter) MarkAsRead(ctx context.Context, ids []string) (int, error) {
	return a.modify(ctx, "mark_read", ids, nil, []string{mail.LabelUnread})
}

func (a *Adapter) MarkAsUnread(ctx context.Context, ids []string) (int, error) {
	return a.modify(ctx, "mark_unread", ids, []string{mail.LabelUnread}, nil)
}

func (a *Adapter) MarkAsFlagged(ctx context.Context, ids []string) (int, error) {
	return a.modify(ctx, "mark_flagged", ids, []string{mail.LabelStarred}, nil)
}

func (a *Adapter) MarkAsUnflagged(ctx context.Context, ids []string) (int, error) {
	return a.modify(ctx, "mark_unflagged", ids, nil, []string{mail.LabelStarred})
}

// MoveEmails adds the target label and takes the messages out of the inbox
func (a *Adapter) MoveEmails(ctx context.Context, ids []string, folderID string) (int, error) {
	var target string
	if _, ok := systemQueries[strings.ToLower(folderID)]; ok {
		target = systemLabelID(folderID)
	} else {
		id, err := a.resolveLabel(ctx, folderID)
		if err != nil {
			return 0, err
		}
		target = id
	}
	if target == mail.LabelTrash {
		return a.DeleteEmails(ctx, ids)
	}
	remove := []string{mail.LabelInbox}
	if target == mail.LabelInbox {
		remove = nil
	}
	return a.modify(ctx, "move_emails", ids, []string{target}, remove)
}

func (a *Adapter) modify(ctx context.Context, op string, ids []string, add, remove []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	done := 0
	for start := 0; start < len(ids); start += batchModifyLimit {
		end := min(start+batchModifyLimit, len(ids))
		chunk := ids[start:end]
		_, err := call(ctx, a, op, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.svc.Users.Messages.BatchModify(me, &gmail.BatchModifyMessagesRequest{
				Ids:            chunk,
				AddLabelIds:    add,
				RemoveLabelIds: remove,
			}).Context(ctx).Do()
		})
		if err != nil {
			return done, err
		}
		done += len(chunk)
	}
	return done, nil
}

// DeleteEmails moves messages to the trash. Missing messages are not counted.
func (a *Adapter) DeleteEmails(ctx context.Context, ids []string) (int, error) {
	done := 0
	for _, id := range ids {
		_, err := call(ctx, a, "delete_emails", func(ctx context.Context) (*gmail.Message, error) {
			return a.svc.Users.Messages.Trash(me, id).Context(ctx).Do()
		})
		if mail.IsNotFound(err) {
			continue
		}
		if err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// SendEmail sends msg as raw RFC 822. ThreadID keeps a reply in its conversation.
func (a *Adapter) SendEmail(ctx context.Context, msg mail.OutgoingMessage) (*mail.SendResult, error) {
	if msg.From.Email == "" {
		msg.From = mail.Address{Email: a.cfg.Email}
	}
	raw, internetID, err := compose.Raw(msg)
	if err != nil {
		return nil, mail.NewError(mail.ProviderGmail, mail.KindUpstreamRejected, "send_email", err)
	}
	sent, err := call(ctx, a, "send_email", func(ctx context.Context) (*gmail.Message, error) {
		return a.svc.Users.Messages.Send(me, &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString(raw),
			ThreadId: msg.ThreadID,
		}).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	return &mail.SendResult{ProviderMessageID: sent.Id, ThreadID: sent.ThreadId, InternetMessageID: internetID}, nil
}

func (a *Adapter) ReplyToEmail(ctx context.Context, id string, msg mail.OutgoingMessage) (*mail.SendResult, error) {
	orig, err := a.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.SendEmail(ctx, compose.Reply(orig, msg))
}

func (a *Adapter) ForwardEmail(ctx context.Context, id string, msg mail.OutgoingMessage) (*mail.SendResult, error) {
	orig, err := a.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.SendEmail(ctx, compose.Forward(orig, msg))
}
