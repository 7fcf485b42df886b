package gmail

import (
	"encoding/base64"
	"net/mail"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	mailbox "github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// normalize converts an API message fetched with format=full
func (a *Adapter) normalize(m *gmail.Message) mailbox.Message {
	out := mailbox.Message{
		ID:                mailbox.MessageID(a.cfg.AccountID, mailbox.ProviderGmail, m.Id),
		AccountID:         a.cfg.AccountID,
		Provider:          mailbox.ProviderGmail,
		ProviderMessageID: m.Id,
		ThreadID:          m.ThreadId,
		Labels:            append([]string(nil), m.LabelIds...),
		Snippet:           m.Snippet,
		Size:              m.SizeEstimate,
	}
	if m.InternalDate > 0 {
		out.Date = time.UnixMilli(m.InternalDate).UTC()
	}

	out.Flags.Seen = true
	for _, l := range m.LabelIds {
		switch l {
		case mailbox.LabelUnread:
			out.Flags.Seen = false
		case mailbox.LabelStarred:
			out.Flags.Flagged = true
		case mailbox.LabelDraft:
			out.Flags.Draft = true
		case mailbox.LabelTrash:
			out.Flags.Deleted = true
		}
	}
	out.FolderID = primaryFolder(m.LabelIds)

	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "subject":
				out.Subject = h.Value
			case "from":
				out.From = mailbox.ParseAddress(h.Value)
			case "to":
				out.To = mailbox.ParseAddressList(h.Value)
			case "cc":
				out.Cc = mailbox.ParseAddressList(h.Value)
			case "bcc":
				out.Bcc = mailbox.ParseAddressList(h.Value)
			case "reply-to":
				out.ReplyTo = mailbox.ParseAddressList(h.Value)
			case "message-id":
				out.InternetMessageID = strings.TrimSpace(h.Value)
			case "in-reply-to":
				out.InReplyTo = strings.TrimSpace(h.Value)
			case "references":
				out.References = mailbox.SplitMessageIDs(h.Value)
			case "date":
				if out.Date.IsZero() {
					if d, err := mail.ParseDate(h.Value); err == nil {
						out.Date = d.UTC()
					}
				}
			}
		}
		walkParts(m.Payload, &out)
	}

	if out.Snippet == "" {
		out.Snippet = mailbox.Snippet(out.Body)
	}
	return out
}

// primaryFolder picks the folder a message is listed under
func primaryFolder(labels []string) string {
	for _, want := range []string{mailbox.LabelTrash, mailbox.LabelSpam, mailbox.LabelDraft, mailbox.LabelInbox, mailbox.LabelSent} {
		for _, l := range labels {
			if l == want {
				return want
			}
		}
	}
	for _, l := range labels {
		if strings.HasPrefix(l, "Label_") {
			return l
		}
	}
	return ""
}

func walkParts(p *gmail.MessagePart, out *mailbox.Message) {
	if p == nil {
		return
	}
	if p.Filename != "" || (p.Body != nil && p.Body.AttachmentId != "" && !strings.HasPrefix(p.MimeType, "text/")) {
		att := mailbox.AttachmentMeta{
			Filename:    p.Filename,
			ContentType: p.MimeType,
		}
		if p.Body != nil {
			att.ID = p.Body.AttachmentId
			att.Size = p.Body.Size
		}
		for _, h := range p.Headers {
			switch strings.ToLower(h.Name) {
			case "content-id":
				att.ContentID = strings.Trim(h.Value, "<> ")
			case "content-disposition":
				att.Inline = strings.HasPrefix(strings.ToLower(h.Value), "inline")
			}
		}
		out.Attachments = append(out.Attachments, att)
		return
	}

	switch {
	case p.MimeType == "text/plain" && out.Body.Text == "":
		out.Body.Text = decodeBody(p.Body)
	case p.MimeType == "text/html" && out.Body.HTML == "":
		out.Body.HTML = decodeBody(p.Body)
	}
	for _, child := range p.Parts {
		walkParts(child, out)
	}
}

func decodeBody(b *gmail.MessagePartBody) string {
	if b == nil || b.Data == "" {
		return ""
	}
	data, err := base64.URLEncoding.DecodeString(b.Data)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(b.Data)
		if err != nil {
			return ""
		}
	}
	return string(data)
}
