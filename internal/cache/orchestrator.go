// Package cache fronts a mail adapter with the local mirror.
//
// Reads are served from the mirror when possible and written through otherwise.
// Mutations go upstream first; the mirror only follows a successful upstream call.
package cache

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/store"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/threading"
)

// scanLimit bounds local search and threading over the mirror
const scanLimit = 5000

// Orchestrator serves one account
type Orchestrator struct {
	accountID string
	adapter   mail.Adapter
	store     store.MessageStore
	caching   bool
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithoutCache disables cache-first reads; results are still written through
func WithoutCache() Option {
	return func(o *Orchestrator) { o.caching = false }
}

func New(accountID string, adapter mail.Adapter, st store.MessageStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{accountID: accountID, adapter: adapter, store: st, caching: true}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Adapter() mail.Adapter { return o.adapter }

func (o *Orchestrator) capabilities() mail.Capabilities { return o.adapter.Capabilities() }

// writeThrough upserts each message; failures are logged and skipped.
// Direction set by the reconciler survives a refresh from the adapter.
func (o *Orchestrator) writeThrough(ctx context.Context, msgs []mail.Message) {
	for i := range msgs {
		m := &msgs[i]
		if m.AccountID == "" {
			m.AccountID = o.accountID
		}
		if m.Direction == mail.DirectionUnknown {
			if prev, err := o.store.GetMessage(ctx, o.accountID, m.ProviderMessageID); err == nil && prev != nil {
				m.Direction = prev.Direction
			}
		}
		if err := o.store.UpsertMessage(ctx, m); err != nil {
			log.Warn().Err(err).Str("account", o.accountID).Str("id", m.ProviderMessageID).Msg("cache upsert failed")
		}
	}
}

func cacheFolder(folder string) string {
	if folder == "" {
		return mail.LabelInbox
	}
	return folder
}

// GetEmails serves unfiltered first pages from the mirror, falling through to the adapter on a miss
func (o *Orchestrator) GetEmails(ctx context.Context, opts mail.ListOptions) (*mail.MessagePage, error) {
	if o.caching && !opts.HasFilter() && opts.PageToken == "" {
		msgs, err := o.store.ListMessages(ctx, o.accountID, store.Query{
			FolderID: cacheFolder(opts.FolderID),
			Limit:    opts.Limit,
			Offset:   opts.Offset,
		})
		if err != nil {
			log.Warn().Err(err).Str("account", o.accountID).Msg("cache read failed, falling back to provider")
		} else if len(msgs) > 0 {
			return &mail.MessagePage{Messages: msgs}, nil
		}
	}
	return o.Refresh(ctx, opts)
}

// Refresh always reads from the adapter and writes the page through
func (o *Orchestrator) Refresh(ctx context.Context, opts mail.ListOptions) (*mail.MessagePage, error) {
	page, err := o.adapter.GetEmails(ctx, opts)
	if err != nil {
		if mail.IsNotFound(err) {
			return &mail.MessagePage{}, nil
		}
		return nil, err
	}
	o.writeThrough(ctx, page.Messages)
	return page, nil
}

// GetEmail returns nil when the message does not exist
func (o *Orchestrator) GetEmail(ctx context.Context, id string) (*mail.Message, error) {
	if o.caching {
		if m, err := o.store.GetMessage(ctx, o.accountID, id); err == nil && m != nil {
			return m, nil
		}
	}
	m, err := o.adapter.GetEmail(ctx, id)
	if err != nil {
		if mail.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	msgs := []mail.Message{*m}
	o.writeThrough(ctx, msgs)
	return &msgs[0], nil
}

// GetThread uses native threading when the provider has it, otherwise groups the mirror locally
func (o *Orchestrator) GetThread(ctx context.Context, threadID string) (*mail.Thread, error) {
	if o.capabilities().Threading {
		t, err := o.adapter.GetThread(ctx, threadID)
		if err != nil {
			if mail.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		o.writeThrough(ctx, t.Messages)
		return t, nil
	}

	msgs, err := o.store.ListMessages(ctx, o.accountID, store.Query{Limit: scanLimit})
	if err != nil {
		return nil, fmt.Errorf("list cached messages: %w", err)
	}
	for _, t := range threading.Group(msgs) {
		if t.ID == threadID {
			return &t, nil
		}
	}
	return nil, nil
}

// GetThreads returns the threads of one page. Without native threading they are grouped over the
// whole mirror so a thread spanning pages comes back complete.
func (o *Orchestrator) GetThreads(ctx context.Context, opts mail.ListOptions) ([]mail.Thread, error) {
	if o.capabilities().Threading {
		threads, err := o.adapter.GetThreads(ctx, opts)
		if err != nil {
			if mail.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		for i := range threads {
			o.writeThrough(ctx, threads[i].Messages)
		}
		return threads, nil
	}

	page, err := o.GetEmails(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(page.Messages) == 0 {
		return nil, nil
	}
	mirror, err := o.store.ListMessages(ctx, o.accountID, store.Query{Limit: scanLimit})
	if err != nil {
		return nil, fmt.Errorf("list cached messages: %w", err)
	}

	// threads are built from the whole mirror; the page only selects which of them to return
	onPage := make(map[string]bool, len(page.Messages))
	for _, m := range page.Messages {
		onPage[m.ProviderMessageID] = true
	}
	all := append([]mail.Message(nil), page.Messages...)
	for _, m := range mirror {
		if !onPage[m.ProviderMessageID] {
			all = append(all, m)
		}
	}
	var out []mail.Thread
	for _, t := range threading.Group(all) {
		for _, m := range t.Messages {
			if onPage[m.ProviderMessageID] {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// SearchEmails uses provider search when available, otherwise scans the mirror linearly
func (o *Orchestrator) SearchEmails(ctx context.Context, q mail.SearchQuery) (*mail.MessagePage, error) {
	if o.capabilities().Search {
		page, err := o.adapter.SearchEmails(ctx, q)
		switch {
		case err == nil:
			o.writeThrough(ctx, page.Messages)
			return page, nil
		case mail.IsNotFound(err):
			return &mail.MessagePage{}, nil
		case !mail.IsKind(err, mail.KindUnsupported):
			return nil, err
		}
		log.Debug().Err(err).Str("account", o.accountID).Msg("provider search unsupported, scanning cache")
	}
	return o.scan(ctx, q)
}

func (o *Orchestrator) scan(ctx context.Context, q mail.SearchQuery) (*mail.MessagePage, error) {
	msgs, err := o.store.ListMessages(ctx, o.accountID, store.Query{Limit: scanLimit})
	if err != nil {
		return nil, fmt.Errorf("list cached messages: %w", err)
	}
	var hits []mail.Message
	for i := range msgs {
		if q.Matches(&msgs[i]) {
			hits = append(hits, msgs[i])
		}
	}
	sortMessages(hits, q.Sort)

	page := &mail.MessagePage{Total: len(hits)}
	if q.Offset < len(hits) {
		hits = hits[q.Offset:]
		if q.Limit > 0 && q.Limit < len(hits) {
			hits = hits[:q.Limit]
		}
		page.Messages = hits
	}
	return page, nil
}

// GetAttachment enforces the provider's attachment size ceiling
func (o *Orchestrator) GetAttachment(ctx context.Context, messageID, attachmentID string) (*mail.AttachmentContent, error) {
	caps := o.capabilities()
	if !caps.Attachments {
		return nil, mail.Unsupported(o.adapter.Provider(), "get_attachment")
	}
	if m, err := o.store.GetMessage(ctx, o.accountID, messageID); err == nil && m != nil {
		for _, a := range m.Attachments {
			if a.ID == attachmentID && caps.MaxAttachmentSize > 0 && a.Size > caps.MaxAttachmentSize {
				return nil, tooLarge(o.adapter.Provider(), a.Size, caps.MaxAttachmentSize)
			}
		}
	}
	content, err := o.adapter.GetAttachment(ctx, messageID, attachmentID)
	if err != nil {
		if mail.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if size := int64(len(content.Data)); caps.MaxAttachmentSize > 0 && size > caps.MaxAttachmentSize {
		return nil, tooLarge(o.adapter.Provider(), size, caps.MaxAttachmentSize)
	}
	return content, nil
}

func tooLarge(p mail.Provider, size, limit int64) error {
	return mail.Errorf(p, mail.KindUpstreamRejected, "attachment", "attachment of %d bytes exceeds the %d byte limit", size, limit)
}
