package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jordan-wright/email"
	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers/compose"
)

func (a *Adapter) MarkAsRead(ctx context.Context, ids []string) (int, error) {
	return a.store(ctx, "mark_as_read", ids, imap.AddFlags, imap.SeenFlag)
}

func (a *Adapter) MarkAsUnread(ctx context.Context, ids []string) (int, error) {
	return a.store(ctx, "mark_as_unread", ids, imap.RemoveFlags, imap.SeenFlag)
}

func (a *Adapter) MarkAsFlagged(ctx context.Context, ids []string) (int, error) {
	return a.store(ctx, "mark_as_flagged", ids, imap.AddFlags, imap.FlaggedFlag)
}

func (a *Adapter) MarkAsUnflagged(ctx context.Context, ids []string) (int, error) {
	return a.store(ctx, "mark_as_unflagged", ids, imap.RemoveFlags, imap.FlaggedFlag)
}

// existing narrows uids to those still present in the selected mailbox
func existing(c *client.Client, uids []uint32) ([]uint32, error) {
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	criteria := imap.NewSearchCriteria()
	criteria.Uid = set
	return c.UidSearch(criteria)
}

func (a *Adapter) store(ctx context.Context, op string, ids []string, mode imap.FlagsOp, flag string) (int, error) {
	groups, order, err := groupRefs(ids)
	if err != nil {
		return 0, err
	}
	count := 0
	err = a.with(ctx, op, func(c *client.Client) error {
		for _, box := range order {
			if _, err := selectBox(c, box, false); err != nil {
				if mail.IsNotFound(err) {
					continue
				}
				return err
			}
			found, err := existing(c, groups[box])
			if err != nil {
				return err
			}
			if len(found) == 0 {
				continue
			}
			set := new(imap.SeqSet)
			set.AddNum(found...)
			item := imap.FormatFlagsOp(mode, true)
			if err := c.UidStore(set, item, []interface{}{flag}, nil); err != nil {
				return err
			}
			count += len(found)
		}
		return nil
	})
	return count, err
}

// MoveEmails moves messages into folderID, accepting neutral names like "trash"
func (a *Adapter) MoveEmails(ctx context.Context, ids []string, folderID string) (int, error) {
	groups, order, err := groupRefs(ids)
	if err != nil {
		return 0, err
	}
	count := 0
	err = a.with(ctx, "move_emails", func(c *client.Client) error {
		dest, err := a.resolveMailbox(c, folderID)
		if err != nil {
			return err
		}
		for _, box := range order {
			n, err := move(c, box, groups[box], dest)
			if err != nil {
				return err
			}
			count += n
		}
		return nil
	})
	return count, err
}

func move(c *client.Client, box string, uids []uint32, dest string) (int, error) {
	if box == dest {
		return 0, nil
	}
	if _, err := selectBox(c, box, false); err != nil {
		if mail.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	found, err := existing(c, uids)
	if err != nil || len(found) == 0 {
		return 0, err
	}
	set := new(imap.SeqSet)
	set.AddNum(found...)
	if ok, _ := c.Support("MOVE"); ok {
		err := c.UidMove(set, dest)
		if err == nil {
			return len(found), nil
		}
		// some servers advertise MOVE without a working backend for it
		log.Debug().Err(err).Str("mailbox", box).Str("dest", dest).Msg("imap move failed, falling back to copy and expunge")
	}
	if err := c.UidCopy(set, dest); err != nil {
		return 0, mail.NewError(mail.ProviderIMAP, mail.KindUpstreamRejected, "move", fmt.Errorf("copy to %q: %w", dest, err))
	}
	if err := c.UidStore(set, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil); err != nil {
		return 0, err
	}
	if err := c.Expunge(nil); err != nil {
		return 0, err
	}
	return len(found), nil
}

// DeleteEmails moves messages to the trash mailbox, or expunges them when there is none
func (a *Adapter) DeleteEmails(ctx context.Context, ids []string) (int, error) {
	groups, order, err := groupRefs(ids)
	if err != nil {
		return 0, err
	}
	count := 0
	err = a.with(ctx, "delete_emails", func(c *client.Client) error {
		special, err := a.specialUse(c)
		if err != nil {
			return err
		}
		trash := special[attrTrash]
		for _, box := range order {
			if trash != "" && box != trash {
				n, err := move(c, box, groups[box], trash)
				if err != nil {
					return err
				}
				count += n
				continue
			}
			n, err := expunge(c, box, groups[box])
			if err != nil {
				return err
			}
			count += n
		}
		return nil
	})
	return count, err
}

func expunge(c *client.Client, box string, uids []uint32) (int, error) {
	if _, err := selectBox(c, box, false); err != nil {
		if mail.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	found, err := existing(c, uids)
	if err != nil || len(found) == 0 {
		return 0, err
	}
	set := new(imap.SeqSet)
	set.AddNum(found...)
	if err := c.UidStore(set, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil); err != nil {
		return 0, err
	}
	if err := c.Expunge(nil); err != nil {
		return 0, err
	}
	return len(found), nil
}

// SendEmail delivers over SMTP and files a copy in the sent mailbox when one exists
func (a *Adapter) SendEmail(ctx context.Context, msg mail.OutgoingMessage) (*mail.SendResult, error) {
	if a.cfg.SMTPHost == "" {
		return nil, mail.Unsupported(mail.ProviderIMAP, "send_email")
	}
	if msg.From.Email == "" {
		msg.From = mail.Address{Email: a.cfg.Email}
	}
	e, internetID, err := compose.Build(msg)
	if err != nil {
		return nil, mail.NewError(mail.ProviderIMAP, mail.KindUpstreamRejected, "send_email", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, mail.NewError(mail.ProviderIMAP, mail.KindUpstreamTransient, "send_email", err)
	}

	addr := net.JoinHostPort(a.cfg.SMTPHost, strconv.Itoa(a.smtpPort()))
	auth := smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.SMTPHost)
	if err := a.send(addr, auth, e); err != nil {
		return nil, mail.NewError(mail.ProviderIMAP, mail.KindUpstreamTransient, "send_email", fmt.Errorf("smtp %s: %w", addr, err))
	}

	res := &mail.SendResult{InternetMessageID: internetID}
	if err := a.fileSent(ctx, e, res); err != nil {
		// the message is out; a missing sent copy is not worth failing the send
		log.Warn().Err(err).Str("account", a.cfg.AccountID).Msg("failed to append sent copy")
	}
	return res, nil
}

// fileSent appends the rendered message to the sent mailbox
func (a *Adapter) fileSent(ctx context.Context, e *email.Email, res *mail.SendResult) error {
	raw, err := e.Bytes()
	if err != nil {
		return err
	}
	return a.with(ctx, "append_sent", func(c *client.Client) error {
		special, err := a.specialUse(c)
		if err != nil {
			return err
		}
		sent := special[attrSent]
		if sent == "" {
			return nil
		}
		if err := c.Append(sent, []string{imap.SeenFlag}, time.Now(), bytes.NewBuffer(raw)); err != nil {
			return err
		}
		status, err := c.Status(sent, []imap.StatusItem{imap.StatusUidNext})
		if err == nil && status.UidNext > 1 {
			res.ProviderMessageID = MessageRef(sent, status.UidNext-1)
		}
		return nil
	})
}

func (a *Adapter) ReplyToEmail(ctx context.Context, id string, msg mail.OutgoingMessage) (*mail.SendResult, error) {
	orig, err := a.GetEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := a.SendEmail(ctx, compose.Reply(orig, msg))
	if err != nil {
		return nil, err
	}
	if _, err := a.store(ctx, "mark_answered", []string{id}, imap.AddFlags, imap.AnsweredFlag); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("failed to flag original as answered")
	}
	return res, nil
}

func (a *Adapter) ForwardEmail(ctx context.Context, id string, msg mail.OutgoingMessage) (*mail.SendResult, error) {
	orig, err := a.GetEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.SendEmail(ctx, compose.Forward(orig, msg))
}

func (a *Adapter) smtpPort() int {
	if a.cfg.SMTPPort != 0 {
		return a.cfg.SMTPPort
	}
	switch a.cfg.SMTPSecurity {
	case SecurityTLS:
		return 465
	case SecurityNone:
		return 25
	}
	return 587
}

func (a *Adapter) smtpSend(addr string, auth smtp.Auth, e *email.Email) error {
	tlsConfig := a.cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: a.cfg.SMTPHost}
	}
	switch a.cfg.SMTPSecurity {
	case SecurityTLS:
		return e.SendWithTLS(addr, auth, tlsConfig)
	case SecurityNone:
		return e.Send(addr, auth)
	}
	return e.SendWithStartTLS(addr, auth, tlsConfig)
}
