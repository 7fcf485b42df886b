package gmail

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/gmail/v1"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// Sync lists history since the cursor and fetches every message added to INBOX or SENT.
// The returned cursor is the highest history id the API reported, or the mailbox's current
// position when the stored one is gone.
func (a *Adapter) Sync(ctx context.Context, req mail.SyncRequest) (*mail.SyncResult, error) {
	cur := req.Cursor
	cur.AccountID = a.cfg.AccountID
	cur.Provider = mail.ProviderGmail

	if cur.Watermark == "" {
		return a.reset(ctx, cur)
	}
	start, err := strconv.ParseUint(cur.Watermark, 10, 64)
	if err != nil {
		log.Warn().Str("account", a.cfg.AccountID).Str("watermark", cur.Watermark).Msg("unparseable gmail watermark, resetting")
		return a.reset(ctx, cur)
	}

	type page struct {
		ids    []string
		latest uint64
	}
	hist, err := call(ctx, a, "sync", func(ctx context.Context) (page, error) {
		p := page{latest: start}
		seen := make(map[string]bool)
		err := a.svc.Users.History.List(me).
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			Context(ctx).
			Pages(ctx, func(resp *gmail.ListHistoryResponse) error {
				if resp.HistoryId > p.latest {
					p.latest = resp.HistoryId
				}
				for _, h := range resp.History {
					for _, added := range h.MessagesAdded {
						if added.Message == nil || seen[added.Message.Id] || !relevant(added.Message.LabelIds) {
							continue
						}
						seen[added.Message.Id] = true
						p.ids = append(p.ids, added.Message.Id)
					}
				}
				return nil
			})
		return p, err
	})
	if mail.IsNotFound(err) {
		log.Warn().Str("account", a.cfg.AccountID).Uint64("start", start).Msg("gmail history expired, resetting cursor")
		return a.reset(ctx, cur)
	}
	if err != nil {
		return nil, err
	}

	msgs, err := a.fetchAll(ctx, hist.ids)
	if err != nil {
		return nil, err
	}

	cur.Watermark = strconv.FormatUint(hist.latest, 10)
	cur.UpdatedAt = time.Now().UTC()
	return &mail.SyncResult{Messages: msgs, Cursor: cur}, nil
}

func (a *Adapter) reset(ctx context.Context, cur mail.SyncCursor) (*mail.SyncResult, error) {
	id, err := a.currentHistoryID(ctx)
	if err != nil {
		return nil, err
	}
	cur.Watermark = strconv.FormatUint(id, 10)
	cur.UpdatedAt = time.Now().UTC()
	return &mail.SyncResult{Cursor: cur, Reset: true}, nil
}

func relevant(labels []string) bool {
	for _, l := range labels {
		if l == mail.LabelInbox || l == mail.LabelSent {
			return true
		}
	}
	return false
}

// Watch registers push notifications on the configured topic.
// An existing watermark is kept so renewals never skip history.
func (a *Adapter) Watch(ctx context.Context, cur mail.SyncCursor) (mail.SyncCursor, error) {
	if a.cfg.Topic == "" {
		return cur, mail.Errorf(mail.ProviderGmail, mail.KindUnsupported, "watch", "no pub/sub topic configured")
	}
	resp, err := call(ctx, a, "watch", func(ctx context.Context) (*gmail.WatchResponse, error) {
		return a.svc.Users.Watch(me, &gmail.WatchRequest{
			TopicName:         a.cfg.Topic,
			LabelIds:          []string{mail.LabelInbox, mail.LabelSent},
			LabelFilterAction: "include",
		}).Context(ctx).Do()
	})
	if err != nil {
		return cur, err
	}

	cur.AccountID = a.cfg.AccountID
	cur.Provider = mail.ProviderGmail
	if cur.Watermark == "" {
		cur.Watermark = strconv.FormatUint(resp.HistoryId, 10)
	}
	cur.SubscriptionID = a.cfg.Topic
	cur.WatchExpiry = time.UnixMilli(resp.Expiration).UTC()
	cur.UpdatedAt = time.Now().UTC()

	log.Info().Str("account", a.cfg.AccountID).Time("expires", cur.WatchExpiry).Msg("gmail watch registered")
	return cur, nil
}

func (a *Adapter) StopWatch(ctx context.Context, _ mail.SyncCursor) error {
	_, err := call(ctx, a, "stop_watch", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.svc.Users.Stop(me).Context(ctx).Do()
	})
	return err
}
