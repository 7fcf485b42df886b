package outlook

import (
	"strings"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// messageFields is the $select used for every message read
var messageFields = []string{
	"id", "conversationId", "internetMessageId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "replyTo", "bodyPreview", "body", "receivedDateTime", "sentDateTime", "isRead",
	"isDraft", "flag", "parentFolderId", "hasAttachments", "internetMessageHeaders",
}

const attachmentExpand = "attachments($select=id,name,contentType,size,isInline)"

// normalize converts a Graph message. folders maps folder ids to well-known names.
func (a *Adapter) normalize(m models.Messageable, folders map[string]string) mail.Message {
	id := str(m.GetId())
	out := mail.Message{
		ID:                mail.MessageID(a.cfg.AccountID, mail.ProviderOutlook, id),
		AccountID:         a.cfg.AccountID,
		Provider:          mail.ProviderOutlook,
		ProviderMessageID: id,
		ThreadID:          str(m.GetConversationId()),
		InternetMessageID: str(m.GetInternetMessageId()),
		Subject:           str(m.GetSubject()),
		Snippet:           str(m.GetBodyPreview()),
		FolderID:          str(m.GetParentFolderId()),
		From:              recipient(m.GetFrom()),
		To:                recipients(m.GetToRecipients()),
		Cc:                recipients(m.GetCcRecipients()),
		Bcc:               recipients(m.GetBccRecipients()),
		ReplyTo:           recipients(m.GetReplyTo()),
	}

	if d := m.GetReceivedDateTime(); d != nil {
		out.Date = d.UTC()
	} else if d := m.GetSentDateTime(); d != nil {
		out.Date = d.UTC()
	}
	if v := m.GetIsRead(); v != nil {
		out.Flags.Seen = *v
	}
	if v := m.GetIsDraft(); v != nil {
		out.Flags.Draft = *v
	}
	if f := m.GetFlag(); f != nil && f.GetFlagStatus() != nil {
		out.Flags.Flagged = *f.GetFlagStatus() == models.FLAGGED_FOLLOWUPFLAGSTATUS
	}

	if body := m.GetBody(); body != nil {
		content := str(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			out.Body.HTML = content
			out.Body.Text = mail.TextFromHTML(content)
		} else {
			out.Body.Text = content
		}
	}
	if out.Snippet == "" {
		out.Snippet = mail.Snippet(out.Body)
	}

	for _, h := range m.GetInternetMessageHeaders() {
		switch strings.ToLower(str(h.GetName())) {
		case "in-reply-to":
			out.InReplyTo = strings.TrimSpace(str(h.GetValue()))
		case "references":
			out.References = mail.SplitMessageIDs(str(h.GetValue()))
		}
	}

	for _, att := range m.GetAttachments() {
		meta := mail.AttachmentMeta{
			ID:          str(att.GetId()),
			Filename:    str(att.GetName()),
			ContentType: str(att.GetContentType()),
		}
		if s := att.GetSize(); s != nil {
			meta.Size = int64(*s)
		}
		if v := att.GetIsInline(); v != nil {
			meta.Inline = *v
		}
		out.Attachments = append(out.Attachments, meta)
	}

	switch folders[out.FolderID] {
	case "inbox":
		out.Labels = append(out.Labels, mail.LabelInbox)
	case "sentitems":
		out.Labels = append(out.Labels, mail.LabelSent)
	case "drafts":
		out.Labels = append(out.Labels, mail.LabelDraft)
	case "deleteditems":
		out.Labels = append(out.Labels, mail.LabelTrash)
	case "junkemail":
		out.Labels = append(out.Labels, mail.LabelSpam)
	}
	if !out.Flags.Seen {
		out.Labels = append(out.Labels, mail.LabelUnread)
	}
	if out.Flags.Flagged {
		out.Labels = append(out.Labels, mail.LabelStarred)
	}
	return out
}

func recipient(r models.Recipientable) mail.Address {
	if r == nil || r.GetEmailAddress() == nil {
		return mail.Address{}
	}
	e := r.GetEmailAddress()
	return mail.Address{Name: str(e.GetName()), Email: str(e.GetAddress())}
}

func recipients(rs []models.Recipientable) []mail.Address {
	if len(rs) == 0 {
		return nil
	}
	out := make([]mail.Address, 0, len(rs))
	for _, r := range rs {
		if a := recipient(r); a.Email != "" {
			out = append(out, a)
		}
	}
	return out
}

func toRecipients(addrs []mail.Address) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(addrs))
	for _, a := range addrs {
		e := models.NewEmailAddress()
		e.SetAddress(ptr(a.Email))
		if a.Name != "" {
			e.SetName(ptr(a.Name))
		}
		r := models.NewRecipient()
		r.SetEmailAddress(e)
		out = append(out, r)
	}
	return out
}

// graphMessage builds a Graph message for sendMail
func graphMessage(msg mail.OutgoingMessage) models.Messageable {
	m := models.NewMessage()
	m.SetSubject(ptr(msg.Subject))
	m.SetToRecipients(toRecipients(msg.To))
	if len(msg.Cc) > 0 {
		m.SetCcRecipients(toRecipients(msg.Cc))
	}
	if len(msg.Bcc) > 0 {
		m.SetBccRecipients(toRecipients(msg.Bcc))
	}
	if len(msg.ReplyTo) > 0 {
		m.SetReplyTo(toRecipients(msg.ReplyTo))
	}
	m.SetBody(itemBody(msg.Body))

	if len(msg.Attachments) > 0 {
		atts := make([]models.Attachmentable, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			fa := models.NewFileAttachment()
			fa.SetOdataType(ptr("#microsoft.graph.fileAttachment"))
			fa.SetName(ptr(a.Filename))
			ct := a.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			fa.SetContentType(ptr(ct))
			fa.SetContentBytes(a.Data)
			atts = append(atts, fa)
		}
		m.SetAttachments(atts)
	}
	return m
}

func itemBody(b mail.Body) models.ItemBodyable {
	body := models.NewItemBody()
	if b.HTML != "" {
		body.SetContentType(ptr(models.HTML_BODYTYPE))
		body.SetContent(ptr(b.HTML))
	} else {
		body.SetContentType(ptr(models.TEXT_BODYTYPE))
		body.SetContent(ptr(b.Text))
	}
	return body
}

// comment renders a reply or forward body as the Graph comment string
func comment(b mail.Body) string {
	if b.HTML != "" {
		return b.HTML
	}
	return b.Text
}
