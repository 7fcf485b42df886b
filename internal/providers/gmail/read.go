package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// GetEmails lists a folder newest first
func (a *Adapter) GetEmails(ctx context.Context, opts mail.ListOptions) (*mail.MessagePage, error) {
	query, labelID, err := a.folderQuery(ctx, opts.FolderID)
	if err != nil {
		return nil, err
	}
	terms := []string{query}
	if opts.Unread != nil {
		terms = append(terms, negate("is:unread", !*opts.Unread))
	}
	if opts.Flagged != nil {
		terms = append(terms, negate("is:starred", !*opts.Flagged))
	}
	if !opts.Since.IsZero() {
		terms = append(terms, fmt.Sprintf("after:%d", opts.Since.Unix()))
	}
	if !opts.Before.IsZero() {
		terms = append(terms, fmt.Sprintf("before:%d", opts.Before.Unix()))
	}

	page, err := a.list(ctx, "get_emails", joinQuery(terms), labelID, opts.PageToken, opts.Offset, opts.PageSize(defaultPageSize, maxPageSize))
	if err != nil {
		return nil, err
	}
	applySort(page.Messages, opts.Sort)
	return page, nil
}

// SearchEmails translates the query to Gmail search syntax
func (a *Adapter) SearchEmails(ctx context.Context, q mail.SearchQuery) (*mail.MessagePage, error) {
	var terms []string
	labelID := ""
	if q.FolderID != "" {
		query, id, err := a.folderQuery(ctx, q.FolderID)
		if err != nil {
			return nil, err
		}
		terms = append(terms, query)
		labelID = id
	}
	if q.From != "" {
		terms = append(terms, "from:"+quote(q.From))
	}
	if q.To != "" {
		terms = append(terms, "to:"+quote(q.To))
	}
	if q.Subject != "" {
		terms = append(terms, "subject:"+quote(q.Subject))
	}
	if !q.Since.IsZero() {
		terms = append(terms, fmt.Sprintf("after:%d", q.Since.Unix()))
	}
	if !q.Before.IsZero() {
		terms = append(terms, fmt.Sprintf("before:%d", q.Before.Unix()))
	}
	if q.Unread != nil {
		terms = append(terms, negate("is:unread", !*q.Unread))
	}
	if q.HasAttachment != nil {
		terms = append(terms, negate("has:attachment", !*q.HasAttachment))
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		terms = append(terms, text)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	} else if limit > maxPageSize {
		limit = maxPageSize
	}
	page, err := a.list(ctx, "search_emails", joinQuery(terms), labelID, "", q.Offset, limit)
	if err != nil {
		return nil, err
	}
	applySort(page.Messages, q.Sort)
	return page, nil
}

// list pages message ids and fetches the bodies. offset is emulated by over-fetching ids.
func (a *Adapter) list(ctx context.Context, op, query, labelID, pageToken string, offset, limit int) (*mail.MessagePage, error) {
	want := limit
	if pageToken == "" && offset > 0 {
		want += offset
	}

	var refs []*gmail.Message
	next := pageToken
	total := 0
	for len(refs) < want {
		batch := want - len(refs)
		if batch > maxPageSize {
			batch = maxPageSize
		}
		resp, err := call(ctx, a, op, func(ctx context.Context) (*gmail.ListMessagesResponse, error) {
			req := a.svc.Users.Messages.List(me).MaxResults(int64(batch)).Context(ctx)
			if query != "" {
				req = req.Q(query)
			}
			if labelID != "" {
				req = req.LabelIds(labelID)
			}
			if next != "" {
				req = req.PageToken(next)
			}
			return req.Do()
		})
		if err != nil {
			return nil, err
		}
		refs = append(refs, resp.Messages...)
		total = int(resp.ResultSizeEstimate)
		next = resp.NextPageToken
		if next == "" {
			break
		}
	}

	if pageToken == "" && offset > 0 {
		if offset >= len(refs) {
			refs = nil
		} else {
			refs = refs[offset:]
		}
	}
	if len(refs) > limit {
		refs = refs[:limit]
	}

	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.Id
	}
	msgs, err := a.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &mail.MessagePage{Messages: msgs, NextPageToken: next, Total: total}, nil
}

// fetchAll retrieves full messages with bounded parallelism, keeping the input order.
// Messages deleted between listing and fetching are skipped.
func (a *Adapter) fetchAll(ctx context.Context, ids []string) ([]mail.Message, error) {
	results := make([]*mail.Message, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.FetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			m, err := a.fetch(gctx, id)
			if mail.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]mail.Message, 0, len(ids))
	for _, m := range results {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (a *Adapter) fetch(ctx context.Context, id string) (*mail.Message, error) {
	raw, err := call(ctx, a, "get_email", func(ctx context.Context) (*gmail.Message, error) {
		return a.svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	m := a.normalize(raw)
	return &m, nil
}

// GetEmail fetches one message by provider id
func (a *Adapter) GetEmail(ctx context.Context, id string) (*mail.Message, error) {
	return a.fetch(ctx, id)
}

// GetThread returns the native Gmail conversation
func (a *Adapter) GetThread(ctx context.Context, threadID string) (*mail.Thread, error) {
	t, err := call(ctx, a, "get_thread", func(ctx context.Context) (*gmail.Thread, error) {
		return a.svc.Users.Threads.Get(me, threadID).Format("full").Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	members := make([]mail.Message, 0, len(t.Messages))
	for _, m := range t.Messages {
		members = append(members, a.normalize(m))
	}
	thread := mail.NewThread(t.Id, members)
	return &thread, nil
}

// GetThreads lists conversations in a folder, newest first
func (a *Adapter) GetThreads(ctx context.Context, opts mail.ListOptions) ([]mail.Thread, error) {
	query, labelID, err := a.folderQuery(ctx, opts.FolderID)
	if err != nil {
		return nil, err
	}
	limit := opts.PageSize(20, 100)
	resp, err := call(ctx, a, "get_threads", func(ctx context.Context) (*gmail.ListThreadsResponse, error) {
		req := a.svc.Users.Threads.List(me).MaxResults(int64(limit)).Context(ctx)
		if query != "" {
			req = req.Q(query)
		}
		if labelID != "" {
			req = req.LabelIds(labelID)
		}
		if opts.PageToken != "" {
			req = req.PageToken(opts.PageToken)
		}
		return req.Do()
	})
	if err != nil {
		return nil, err
	}

	threads := make([]*mail.Thread, len(resp.Threads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.FetchConcurrency)
	for i, t := range resp.Threads {
		g.Go(func() error {
			th, err := a.GetThread(gctx, t.Id)
			if mail.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			threads[i] = th
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]mail.Thread, 0, len(threads))
	for _, t := range threads {
		if t != nil {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

// GetAttachment downloads attachment content. The metadata comes from the parent message.
func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) (*mail.AttachmentContent, error) {
	msg, err := a.fetch(ctx, messageID)
	if err != nil {
		return nil, err
	}
	var meta *mail.AttachmentMeta
	for i := range msg.Attachments {
		if msg.Attachments[i].ID == attachmentID {
			meta = &msg.Attachments[i]
			break
		}
	}
	if meta == nil {
		return nil, mail.Errorf(mail.ProviderGmail, mail.KindNotFound, "get_attachment", "attachment %s not on message %s", attachmentID, messageID)
	}

	body, err := call(ctx, a, "get_attachment", func(ctx context.Context) (*gmail.MessagePartBody, error) {
		return a.svc.Users.Messages.Attachments.Get(me, messageID, attachmentID).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	data, err := base64.URLEncoding.DecodeString(body.Data)
	if err != nil {
		if data, err = base64.RawURLEncoding.DecodeString(body.Data); err != nil {
			return nil, mail.NewError(mail.ProviderGmail, mail.KindUpstreamRejected, "get_attachment", err)
		}
	}
	return &mail.AttachmentContent{AttachmentMeta: *meta, Data: data}, nil
}

func applySort(msgs []mail.Message, s *mail.Sort) {
	if s == nil || (s.Field == mail.SortByDate && s.Descending) {
		return
	}
	less := func(x, y *mail.Message) bool {
		switch s.Field {
		case mail.SortBySubject:
			return strings.ToLower(x.Subject) < strings.ToLower(y.Subject)
		case mail.SortByFrom:
			return strings.ToLower(x.From.Email) < strings.ToLower(y.From.Email)
		}
		return x.Date.Before(y.Date)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if s.Descending {
			return less(&msgs[j], &msgs[i])
		}
		return less(&msgs[i], &msgs[j])
	})
}

func negate(term string, not bool) string {
	if not {
		return "-" + term
	}
	return term
}

func quote(v string) string {
	if strings.ContainsAny(v, " \t") {
		return `"` + strings.ReplaceAll(v, `"`, "") + `"`
	}
	return v
}

func joinQuery(terms []string) string {
	out := terms[:0:0]
	for _, t := range terms {
		if t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, " ")
}
