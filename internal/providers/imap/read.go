package imap

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	message "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

var fullBody = &imap.BodySectionName{Peek: true}

var fetchItems = []imap.FetchItem{
	imap.FetchUid, imap.FetchFlags, imap.FetchInternalDate, imap.FetchRFC822Size, imap.FetchEnvelope, fullBody.FetchItem(),
}

// fetch retrieves uids from the selected mailbox, newest UID first
func (a *Adapter) fetch(c *client.Client, mailbox string, uids []uint32, labels []string) ([]mail.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	set := new(imap.SeqSet)
	set.AddNum(uids...)

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(set, fetchItems, ch)
	}()

	byUID := make(map[uint32]mail.Message, len(uids))
	var parseErr error
	for m := range ch {
		msg, err := a.normalize(mailbox, m, labels)
		if err != nil {
			parseErr = err
			continue
		}
		byUID[m.Uid] = msg
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if parseErr != nil && len(byUID) == 0 {
		return nil, parseErr
	}

	out := make([]mail.Message, 0, len(byUID))
	for _, uid := range uids {
		if m, ok := byUID[uid]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// normalize converts a fetched message. Parsing failures of individual parts are tolerated.
func (a *Adapter) normalize(mailbox string, m *imap.Message, labels []string) (mail.Message, error) {
	id := MessageRef(mailbox, m.Uid)
	out := mail.Message{
		ID:                mail.MessageID(a.cfg.AccountID, mail.ProviderIMAP, id),
		AccountID:         a.cfg.AccountID,
		Provider:          mail.ProviderIMAP,
		ProviderMessageID: id,
		FolderID:          mailbox,
		Labels:            append([]string(nil), labels...),
		Date:              m.InternalDate.UTC(),
		Size:              int64(m.Size),
	}
	for _, f := range m.Flags {
		switch f {
		case imap.SeenFlag:
			out.Flags.Seen = true
		case imap.FlaggedFlag:
			out.Flags.Flagged = true
		case imap.DraftFlag:
			out.Flags.Draft = true
		case imap.AnsweredFlag:
			out.Flags.Answered = true
		case imap.DeletedFlag:
			out.Flags.Deleted = true
		}
	}
	if !out.Flags.Seen {
		out.Labels = append(out.Labels, mail.LabelUnread)
	}
	if out.Flags.Flagged {
		out.Labels = append(out.Labels, mail.LabelStarred)
	}
	if env := m.Envelope; env != nil {
		out.Subject = env.Subject
		out.InternetMessageID = env.MessageId
		out.InReplyTo = env.InReplyTo
		if !env.Date.IsZero() {
			out.Date = env.Date.UTC()
		}
	}

	r := m.GetBody(fullBody)
	if r == nil {
		return out, fmt.Errorf("message %s has no body", id)
	}
	if _, err := parseMessage(r, &out, nil); err != nil {
		return out, fmt.Errorf("parse %s: %w", id, err)
	}
	out.Snippet = mail.Snippet(out.Body)
	return out, nil
}

// parseMessage fills headers, bodies and attachment metadata from a raw message.
// If want is set, the content of that attachment is returned.
func parseMessage(r io.Reader, out *mail.Message, want *string) ([]byte, error) {
	mr, err := gomail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	if mr == nil {
		return nil, fmt.Errorf("unreadable message")
	}
	defer mr.Close()

	h := mr.Header
	if s, err := h.Subject(); err == nil && s != "" {
		out.Subject = s
	}
	if v := h.Get("From"); v != "" {
		out.From = mail.ParseAddress(v)
	}
	out.To = mail.ParseAddressList(h.Get("To"))
	out.Cc = mail.ParseAddressList(h.Get("Cc"))
	out.Bcc = mail.ParseAddressList(h.Get("Bcc"))
	out.ReplyTo = mail.ParseAddressList(h.Get("Reply-To"))
	if v := strings.TrimSpace(h.Get("Message-Id")); v != "" {
		out.InternetMessageID = v
	}
	if v := strings.TrimSpace(h.Get("In-Reply-To")); v != "" {
		out.InReplyTo = v
	}
	out.References = mail.SplitMessageIDs(h.Get("References"))
	if d, err := h.Date(); err == nil && !d.IsZero() {
		out.Date = d.UTC()
	}

	var found []byte
	n := 0
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			// keep what was parsed so far
			break
		}

		switch ph := p.Header.(type) {
		case *gomail.InlineHeader:
			ct, _, _ := ph.ContentType()
			switch {
			case ct == "text/plain" && out.Body.Text == "":
				b, _ := io.ReadAll(p.Body)
				out.Body.Text = string(b)
				continue
			case ct == "text/html" && out.Body.HTML == "":
				b, _ := io.ReadAll(p.Body)
				out.Body.HTML = string(b)
				continue
			case strings.HasPrefix(ct, "text/"):
				continue
			}
			n++
			data, meta := readAttachment(p.Body, n, "", ct, ph.Header.Get("Content-Id"))
			meta.Inline = true
			out.Attachments = append(out.Attachments, meta)
			if want != nil && *want == meta.ID {
				found = data
			}
		case *gomail.AttachmentHeader:
			n++
			filename, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			data, meta := readAttachment(p.Body, n, filename, ct, ph.Header.Get("Content-Id"))
			out.Attachments = append(out.Attachments, meta)
			if want != nil && *want == meta.ID {
				found = data
			}
		}
	}
	return found, nil
}

func readAttachment(body io.Reader, n int, filename, contentType, contentID string) ([]byte, mail.AttachmentMeta) {
	data, _ := io.ReadAll(body)
	return data, mail.AttachmentMeta{
		ID:          strconv.Itoa(n),
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		ContentID:   strings.Trim(contentID, "<> "),
	}
}

// GetEmails lists a mailbox newest first. The page token is the next offset.
func (a *Adapter) GetEmails(ctx context.Context, opts mail.ListOptions) (*mail.MessagePage, error) {
	criteria := imap.NewSearchCriteria()
	if opts.Unread != nil {
		if *opts.Unread {
			criteria.WithoutFlags = append(criteria.WithoutFlags, imap.SeenFlag)
		} else {
			criteria.WithFlags = append(criteria.WithFlags, imap.SeenFlag)
		}
	}
	if opts.Flagged != nil {
		if *opts.Flagged {
			criteria.WithFlags = append(criteria.WithFlags, imap.FlaggedFlag)
		} else {
			criteria.WithoutFlags = append(criteria.WithoutFlags, imap.FlaggedFlag)
		}
	}
	criteria.Since = opts.Since
	criteria.Before = opts.Before

	offset := opts.Offset
	if opts.PageToken != "" {
		if n, err := strconv.Atoi(opts.PageToken); err == nil {
			offset = n
		}
	}
	return a.search(ctx, "get_emails", opts.FolderID, criteria, opts.Sort, offset, opts.PageSize(defaultPageSize, maxPageSize), nil)
}

// SearchEmails runs UID SEARCH in one mailbox, INBOX by default
func (a *Adapter) SearchEmails(ctx context.Context, q mail.SearchQuery) (*mail.MessagePage, error) {
	criteria := imap.NewSearchCriteria()
	if q.From != "" {
		criteria.Header.Add("From", q.From)
	}
	if q.To != "" {
		criteria.Header.Add("To", q.To)
	}
	if q.Subject != "" {
		criteria.Header.Add("Subject", q.Subject)
	}
	criteria.Text = append(criteria.Text, strings.Fields(q.Text)...)
	criteria.Since = q.Since
	criteria.Before = q.Before
	if q.Unread != nil {
		if *q.Unread {
			criteria.WithoutFlags = append(criteria.WithoutFlags, imap.SeenFlag)
		} else {
			criteria.WithFlags = append(criteria.WithFlags, imap.SeenFlag)
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	} else if limit > maxPageSize {
		limit = maxPageSize
	}

	// IMAP SEARCH has no attachment criterion
	var post func(*mail.Message) bool
	if q.HasAttachment != nil {
		want := *q.HasAttachment
		post = func(m *mail.Message) bool { return (len(m.Attachments) > 0) == want }
	}
	page, err := a.search(ctx, "search_emails", q.FolderID, criteria, q.Sort, q.Offset, limit, post)
	if err != nil {
		return nil, err
	}
	page.NextPageToken = ""
	return page, nil
}

func (a *Adapter) search(ctx context.Context, op, folder string, criteria *imap.SearchCriteria, order *mail.Sort, offset, limit int, post func(*mail.Message) bool) (*mail.MessagePage, error) {
	page := &mail.MessagePage{}
	err := a.with(ctx, op, func(c *client.Client) error {
		mailbox, err := a.resolveMailbox(c, folder)
		if err != nil {
			return err
		}
		if _, err := selectBox(c, mailbox, true); err != nil {
			return err
		}
		special, err := a.specialUse(c)
		if err != nil {
			return err
		}
		labels := labelsFor(mailbox, special)

		uids, err := c.UidSearch(criteria)
		if err != nil {
			return err
		}
		// higher UIDs arrived later
		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

		if order != nil && !(order.Field == mail.SortByDate && order.Descending) {
			uids, err = sortUIDs(c, uids, order)
			if err != nil {
				return err
			}
		}

		if post != nil {
			all, err := a.fetch(c, mailbox, uids, labels)
			if err != nil {
				return err
			}
			kept := all[:0]
			for i := range all {
				if post(&all[i]) {
					kept = append(kept, all[i])
				}
			}
			page.Total = len(kept)
			page.Messages = window(kept, offset, limit)
			return nil
		}

		page.Total = len(uids)
		pageUIDs := window(uids, offset, limit)
		msgs, err := a.fetch(c, mailbox, pageUIDs, labels)
		if err != nil {
			return err
		}
		page.Messages = msgs
		if offset+len(pageUIDs) < len(uids) {
			page.NextPageToken = strconv.Itoa(offset + len(pageUIDs))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// sortUIDs orders uids by envelope fields, fetching envelopes only
func sortUIDs(c *client.Client, uids []uint32, order *mail.Sort) ([]uint32, error) {
	if len(uids) == 0 {
		return uids, nil
	}
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	ch := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(set, []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchInternalDate}, ch)
	}()
	var envs []*imap.Message
	for m := range ch {
		envs = append(envs, m)
	}
	if err := <-done; err != nil {
		return nil, err
	}

	key := func(m *imap.Message) string {
		if m.Envelope == nil {
			return ""
		}
		switch order.Field {
		case mail.SortBySubject:
			return strings.ToLower(m.Envelope.Subject)
		case mail.SortByFrom:
			if len(m.Envelope.From) > 0 {
				return strings.ToLower(m.Envelope.From[0].Address())
			}
		}
		return ""
	}
	less := func(x, y *imap.Message) bool {
		if order.Field == mail.SortBySubject || order.Field == mail.SortByFrom {
			return key(x) < key(y)
		}
		dx, dy := x.InternalDate, y.InternalDate
		if x.Envelope != nil && !x.Envelope.Date.IsZero() {
			dx = x.Envelope.Date
		}
		if y.Envelope != nil && !y.Envelope.Date.IsZero() {
			dy = y.Envelope.Date
		}
		return dx.Before(dy)
	}
	sort.SliceStable(envs, func(i, j int) bool {
		if order.Descending {
			return less(envs[j], envs[i])
		}
		return less(envs[i], envs[j])
	})
	out := make([]uint32, 0, len(envs))
	for _, m := range envs {
		out = append(out, m.Uid)
	}
	return out, nil
}

// GetEmail fetches one message by "<mailbox>:<uid>"
func (a *Adapter) GetEmail(ctx context.Context, id string) (*mail.Message, error) {
	mailbox, uid, err := ParseMessageRef(id)
	if err != nil {
		return nil, err
	}
	var out *mail.Message
	err = a.with(ctx, "get_email", func(c *client.Client) error {
		if _, err := selectBox(c, mailbox, true); err != nil {
			return err
		}
		special, err := a.specialUse(c)
		if err != nil {
			return err
		}
		msgs, err := a.fetch(c, mailbox, []uint32{uid}, labelsFor(mailbox, special))
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return mail.Errorf(mail.ProviderIMAP, mail.KindNotFound, "get_email", "message %s not found", id)
		}
		out = &msgs[0]
		return nil
	})
	return out, err
}

// GetThread is not native to IMAP; callers group locally
func (a *Adapter) GetThread(context.Context, string) (*mail.Thread, error) {
	return nil, mail.Unsupported(mail.ProviderIMAP, "get_thread")
}

func (a *Adapter) GetThreads(context.Context, mail.ListOptions) ([]mail.Thread, error) {
	return nil, mail.Unsupported(mail.ProviderIMAP, "get_threads")
}

// GetAttachment re-reads the message and returns the n-th attachment
func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) (*mail.AttachmentContent, error) {
	mailbox, uid, err := ParseMessageRef(messageID)
	if err != nil {
		return nil, err
	}
	var out *mail.AttachmentContent
	err = a.with(ctx, "get_attachment", func(c *client.Client) error {
		if _, err := selectBox(c, mailbox, true); err != nil {
			return err
		}
		set := new(imap.SeqSet)
		set.AddNum(uid)
		ch := make(chan *imap.Message, 1)
		if err := c.UidFetch(set, []imap.FetchItem{imap.FetchUid, fullBody.FetchItem()}, ch); err != nil {
			return err
		}
		m := <-ch
		if m == nil {
			return mail.Errorf(mail.ProviderIMAP, mail.KindNotFound, "get_attachment", "message %s not found", messageID)
		}
		r := m.GetBody(fullBody)
		if r == nil {
			return mail.Errorf(mail.ProviderIMAP, mail.KindNotFound, "get_attachment", "message %s has no body", messageID)
		}
		var parsed mail.Message
		data, err := parseMessage(r, &parsed, &attachmentID)
		if err != nil {
			return err
		}
		for _, meta := range parsed.Attachments {
			if meta.ID == attachmentID {
				out = &mail.AttachmentContent{AttachmentMeta: meta, Data: data}
				return nil
			}
		}
		return mail.Errorf(mail.ProviderIMAP, mail.KindNotFound, "get_attachment", "attachment %s not on message %s", attachmentID, messageID)
	})
	return out, err
}
