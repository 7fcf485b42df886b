// Package compose renders outgoing messages as RFC 5322 bytes.
package compose

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jordan-wright/email"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// Build converts msg into an email ready to send or serialize.
// A Message-Id is always assigned so callers can report it.
func Build(msg mail.OutgoingMessage) (*email.Email, string, error) {
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		return nil, "", fmt.Errorf("at least one recipient is required")
	}
	if msg.From.Email == "" {
		return nil, "", fmt.Errorf("sender address is required")
	}

	e := email.NewEmail()
	e.From = msg.From.String()
	e.To = addrs(msg.To)
	e.Cc = addrs(msg.Cc)
	e.Bcc = addrs(msg.Bcc)
	e.ReplyTo = addrs(msg.ReplyTo)
	e.Subject = msg.Subject

	if msg.Body.Text != "" {
		e.Text = []byte(msg.Body.Text)
	} else if msg.Body.HTML != "" {
		e.Text = []byte(mail.TextFromHTML(msg.Body.HTML))
	}
	if msg.Body.HTML != "" {
		e.HTML = []byte(msg.Body.HTML)
	}

	if msg.InReplyTo != "" {
		e.Headers.Set("In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		e.Headers.Set("References", strings.Join(msg.References, " "))
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(msg.From.Email))
	e.Headers.Set("Message-Id", messageID)

	for _, a := range msg.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		if _, err := e.Attach(bytes.NewReader(a.Data), a.Filename, ct); err != nil {
			return nil, "", fmt.Errorf("attach %s: %w", a.Filename, err)
		}
	}
	return e, messageID, nil
}

// Raw renders msg including a Bcc header, for APIs that take the recipient list from the headers
func Raw(msg mail.OutgoingMessage) ([]byte, string, error) {
	e, id, err := Build(msg)
	if err != nil {
		return nil, "", err
	}
	if len(e.Bcc) > 0 {
		e.Headers.Set("Bcc", strings.Join(e.Bcc, ", "))
	}
	raw, err := e.Bytes()
	if err != nil {
		return nil, "", fmt.Errorf("render message: %w", err)
	}
	return raw, id, nil
}

// Reply fills threading headers, subject and default recipients for a reply to orig
func Reply(orig *mail.Message, msg mail.OutgoingMessage) mail.OutgoingMessage {
	msg.ThreadID = orig.ThreadID
	msg.InReplyTo = orig.InternetMessageID
	msg.References = mail.ReplyReferences(orig)
	if msg.Subject == "" {
		msg.Subject = mail.ReplySubject(orig.Subject)
	}
	if len(msg.To) == 0 {
		if len(orig.ReplyTo) > 0 {
			msg.To = orig.ReplyTo
		} else {
			msg.To = []mail.Address{orig.From}
		}
	}
	return msg
}

// Forward prefixes the subject and appends the original message below the new body
func Forward(orig *mail.Message, msg mail.OutgoingMessage) mail.OutgoingMessage {
	if msg.Subject == "" {
		msg.Subject = mail.ForwardSubject(orig.Subject)
	}

	var quoted strings.Builder
	quoted.WriteString("\n\n---------- Forwarded message ---------\n")
	fmt.Fprintf(&quoted, "From: %s\n", orig.From.String())
	fmt.Fprintf(&quoted, "Date: %s\n", orig.Date.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	fmt.Fprintf(&quoted, "Subject: %s\n", orig.Subject)
	fmt.Fprintf(&quoted, "To: %s\n\n", mail.FormatAddressList(orig.To))
	origText := orig.Body.Text
	if origText == "" {
		origText = mail.TextFromHTML(orig.Body.HTML)
	}
	quoted.WriteString(origText)

	msg.Body.Text += quoted.String()
	if msg.Body.HTML != "" && orig.Body.HTML != "" {
		msg.Body.HTML += "<br><br>---------- Forwarded message ---------<br>" + orig.Body.HTML
	}
	return msg
}

func addrs(in []mail.Address) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, a := range in {
		out = append(out, a.String())
	}
	return out
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
