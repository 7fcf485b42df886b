package outlook

import (
	"context"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

func (a *Adapter) MarkAsRead(ctx context.Context, ids []string) (int, error) {
	return a.patchEach(ctx, "mark_read", ids, func(m models.Messageable) { m.SetIsRead(ptr(true)) })
}

func (a *Adapter) MarkAsUnread(ctx context.Context, ids []string) (int, error) {
	return a.patchEach(ctx, "mark_unread", ids, func(m models.Messageable) { m.SetIsRead(ptr(false)) })
}

func (a *Adapter) MarkAsFlagged(ctx context.Context, ids []string) (int, error) {
	return a.patchEach(ctx, "mark_flagged", ids, func(m models.Messageable) { m.SetFlag(flag(models.FLAGGED_FOLLOWUPFLAGSTATUS)) })
}

func (a *Adapter) MarkAsUnflagged(ctx context.Context, ids []string) (int, error) {
	return a.patchEach(ctx, "mark_unflagged", ids, func(m models.Messageable) { m.SetFlag(flag(models.NOTFLAGGED_FOLLOWUPFLAGSTATUS)) })
}

func flag(status models.FollowupFlagStatus) models.FollowupFlagable {
	f := models.NewFollowupFlag()
	f.SetFlagStatus(ptr(status))
	return f
}

// patchEach applies set to each message. Missing messages are skipped and not counted.
func (a *Adapter) patchEach(ctx context.Context, op string, ids []string, set func(models.Messageable)) (int, error) {
	done := 0
	for _, id := range ids {
		body := models.NewMessage()
		set(body)
		_, err := call(ctx, a, op, func(ctx context.Context) (models.Messageable, error) {
			return a.user().Messages().ByMessageId(id).Patch(ctx, body, nil)
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

// DeleteEmails moves messages to Deleted Items
func (a *Adapter) DeleteEmails(ctx context.Context, ids []string) (int, error) {
	done := 0
	for _, id := range ids {
		err := do(ctx, a, "delete_emails", func(ctx context.Context) error {
			return a.user().Messages().ByMessageId(id).Delete(ctx, nil)
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

func (a *Adapter) MoveEmails(ctx context.Context, ids []string, folderID string) (int, error) {
	dest := folderRef(folderID)
	done := 0
	for _, id := range ids {
		body := users.NewItemMessagesItemMovePostRequestBody()
		body.SetDestinationId(ptr(dest))
		_, err := call(ctx, a, "move_emails", func(ctx context.Context) (models.Messageable, error) {
			return a.user().Messages().ByMessageId(id).Move().Post(ctx, body, nil)
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

// SendEmail posts to sendMail. Graph does not return the id of the sent item.
func (a *Adapter) SendEmail(ctx context.Context, msg mail.OutgoingMessage) (*mail.SendResult, error) {
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		return nil, mail.Errorf(mail.ProviderOutlook, mail.KindUpstreamRejected, "send_email", "at least one recipient is required")
	}
	body := users.NewItemSendMailPostRequestBody()
	body.SetMessage(graphMessage(msg))
	body.SetSaveToSentItems(ptr(true))
	if err := do(ctx, a, "send_email", func(ctx context.Context) error {
		return a.user().SendMail().Post(ctx, body, nil)
	}); err != nil {
		return nil, err
	}
	return &mail.SendResult{ThreadID: msg.ThreadID}, nil
}

// ReplyToEmail uses the reply action so Graph maintains the conversation and threading headers
func (a *Adapter) ReplyToEmail(ctx context.Context, id string, msg mail.OutgoingMessage) (*mail.SendResult, error) {
	orig, err := a.GetEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	body := users.NewItemMessagesItemReplyPostRequestBody()
	body.SetComment(ptr(comment(msg.Body)))
	if len(msg.To) > 0 || len(msg.Cc) > 0 || len(msg.Attachments) > 0 {
		m := models.NewMessage()
		if len(msg.To) > 0 {
			m.SetToRecipients(toRecipients(msg.To))
		}
		if len(msg.Cc) > 0 {
			m.SetCcRecipients(toRecipients(msg.Cc))
		}
		if len(msg.Attachments) > 0 {
			m.SetAttachments(graphMessage(msg).GetAttachments())
		}
		body.SetMessage(m)
	}
	if err := do(ctx, a, "reply_email", func(ctx context.Context) error {
		return a.user().Messages().ByMessageId(id).Reply().Post(ctx, body, nil)
	}); err != nil {
		return nil, err
	}
	return &mail.SendResult{ThreadID: orig.ThreadID}, nil
}

func (a *Adapter) ForwardEmail(ctx context.Context, id string, msg mail.OutgoingMessage) (*mail.SendResult, error) {
	if len(msg.To) == 0 {
		return nil, mail.Errorf(mail.ProviderOutlook, mail.KindUpstreamRejected, "forward_email", "at least one recipient is required")
	}
	orig, err := a.GetEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	body := users.NewItemMessagesItemForwardPostRequestBody()
	body.SetComment(ptr(comment(msg.Body)))
	body.SetToRecipients(toRecipients(msg.To))
	if err := do(ctx, a, "forward_email", func(ctx context.Context) error {
		return a.user().Messages().ByMessageId(id).Forward().Post(ctx, body, nil)
	}); err != nil {
		return nil, err
	}
	return &mail.SendResult{ThreadID: orig.ThreadID}, nil
}
