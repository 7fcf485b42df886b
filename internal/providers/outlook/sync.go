package outlook

import (
	"context"
	"strconv"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

const pollBatch = 50

// watermark is the receive time in unix milliseconds
func watermark(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Sync fetches the message a notification refers to. Without a notification it polls
// inbox and sent items for anything received after the watermark.
func (a *Adapter) Sync(ctx context.Context, req mail.SyncRequest) (*mail.SyncResult, error) {
	cur := req.Cursor
	cur.AccountID = a.cfg.AccountID
	cur.Provider = mail.ProviderOutlook

	if req.Event != nil && req.Event.ResourceID != "" {
		m, err := a.GetEmail(ctx, req.Event.ResourceID)
		if mail.IsNotFound(err) {
			// deleted before we got to it
			return &mail.SyncResult{Cursor: cur}, nil
		}
		if err != nil {
			return nil, err
		}
		advance(&cur, m.Date)
		return &mail.SyncResult{Messages: []mail.Message{*m}, Cursor: cur}, nil
	}

	if cur.Watermark == "" {
		cur.Watermark = watermark(time.Now())
		cur.UpdatedAt = time.Now().UTC()
		return &mail.SyncResult{Cursor: cur, Reset: true}, nil
	}
	ms, err := strconv.ParseInt(cur.Watermark, 10, 64)
	if err != nil {
		cur.Watermark = watermark(time.Now())
		return &mail.SyncResult{Cursor: cur, Reset: true}, nil
	}
	since := time.UnixMilli(ms).UTC()

	known, err := a.folderIDs(ctx)
	if err != nil {
		return nil, err
	}
	var (
		msgs   []mail.Message
		latest time.Time
		capped time.Time // a full page means more remain after its last message
	)
	for _, folder := range []string{"inbox", "sentitems"} {
		resp, err := call(ctx, a, "sync", func(ctx context.Context) (models.MessageCollectionResponseable, error) {
			return a.user().MailFolders().ByMailFolderId(folder).Messages().Get(ctx,
				&users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
					QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
						Filter:  ptr("receivedDateTime gt " + odataTime(since)),
						Orderby: []string{"receivedDateTime asc"},
						Top:     ptr(int32(pollBatch)),
						Select:  messageFields,
					},
				})
		})
		if err != nil {
			return nil, err
		}
		var last time.Time
		for _, m := range resp.GetValue() {
			msg := a.normalize(m, known)
			msgs = append(msgs, msg)
			last = msg.Date
			if last.After(latest) {
				latest = last
			}
		}
		if len(resp.GetValue()) == pollBatch && (capped.IsZero() || last.Before(capped)) {
			capped = last
		}
	}
	if !capped.IsZero() {
		latest = capped
	}
	advance(&cur, latest)
	return &mail.SyncResult{Messages: msgs, Cursor: cur}, nil
}

// advance moves the watermark forward to t, never back
func advance(cur *mail.SyncCursor, t time.Time) {
	if t.IsZero() {
		return
	}
	prev, _ := strconv.ParseInt(cur.Watermark, 10, 64)
	if t.UnixMilli() > prev {
		cur.Watermark = watermark(t)
		cur.UpdatedAt = time.Now().UTC()
	}
}
