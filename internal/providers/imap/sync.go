package imap

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

const (
	// servers drop IDLE after 30 minutes
	idleKeepAlive  = 25 * time.Minute
	reconnectDelay = 5 * time.Second
)

// watermark is the last seen INBOX position, encoded as "uidvalidity:uid"
type watermark struct {
	validity uint32
	uid      uint32
}

func (w watermark) String() string {
	return strconv.FormatUint(uint64(w.validity), 10) + ":" + strconv.FormatUint(uint64(w.uid), 10)
}

func parseWatermark(s string) (watermark, bool) {
	v, u, ok := strings.Cut(s, ":")
	if !ok {
		return watermark{}, false
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return watermark{}, false
	}
	uid, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return watermark{}, false
	}
	return watermark{validity: uint32(validity), uid: uint32(uid)}, true
}

// Sync fetches INBOX messages above the watermark.
// Without a watermark the most recent message is returned so the first step has something to reconcile.
func (a *Adapter) Sync(ctx context.Context, req mail.SyncRequest) (*mail.SyncResult, error) {
	res := &mail.SyncResult{Cursor: req.Cursor}
	res.Cursor.AccountID = a.cfg.AccountID
	res.Cursor.Provider = mail.ProviderIMAP

	err := a.with(ctx, "sync", func(c *client.Client) error {
		status, err := selectBox(c, inbox, true)
		if err != nil {
			return err
		}
		labels := []string{mail.LabelInbox}
		top := status.UidNext - 1

		prev, ok := parseWatermark(req.Cursor.Watermark)
		switch {
		case !ok:
			latest, err := latestUID(c, status)
			if err != nil {
				return err
			}
			if latest == 0 {
				res.Cursor.Watermark = watermark{validity: status.UidValidity, uid: top}.String()
				return nil
			}
			msgs, err := a.fetch(c, inbox, []uint32{latest}, labels)
			if err != nil {
				return err
			}
			res.Messages = msgs
			res.Cursor.Watermark = watermark{validity: status.UidValidity, uid: latest}.String()
			return nil

		case prev.validity != status.UidValidity:
			log.Warn().Str("account", a.cfg.AccountID).
				Uint32("old", prev.validity).Uint32("new", status.UidValidity).
				Msg("imap uidvalidity changed, resetting cursor")
			res.Reset = true
			res.Cursor.Watermark = watermark{validity: status.UidValidity, uid: top}.String()
			return nil
		}

		uids, err := uidsAbove(c, prev.uid)
		if err != nil {
			return err
		}
		next := prev
		if len(uids) == 0 {
			res.Cursor.Watermark = next.String()
			return nil
		}
		msgs, err := a.fetch(c, inbox, uids, labels)
		if err != nil {
			return err
		}
		next.uid = uids[0]
		res.Messages = msgs
		res.Cursor.Watermark = next.String()
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Cursor.UpdatedAt = time.Now().UTC()
	return res, nil
}

// latestUID returns the UID of the highest sequence number, or 0 for an empty mailbox
func latestUID(c *client.Client, status *imap.MailboxStatus) (uint32, error) {
	if status.Messages == 0 {
		return 0, nil
	}
	set := new(imap.SeqSet)
	set.AddNum(status.Messages)
	ch := make(chan *imap.Message, 1)
	if err := c.Fetch(set, []imap.FetchItem{imap.FetchUid}, ch); err != nil {
		return 0, err
	}
	var uid uint32
	for m := range ch {
		uid = m.Uid
	}
	return uid, nil
}

// uidsAbove returns UIDs greater than last, highest first.
// "last+1:*" always matches the highest UID, so results are filtered.
func uidsAbove(c *client.Client, last uint32) ([]uint32, error) {
	set := new(imap.SeqSet)
	set.AddRange(last+1, 0)
	criteria := imap.NewSearchCriteria()
	criteria.Uid = set
	found, err := c.UidSearch(criteria)
	if err != nil {
		return nil, err
	}
	out := found[:0]
	for _, uid := range found {
		if uid > last {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out, nil
}

// Listen holds a dedicated IDLE connection on INBOX and signals on every mailbox update.
// Signals are coalesced: a pending signal is not duplicated.
func (a *Adapter) Listen(ctx context.Context, signal chan<- struct{}) error {
	for {
		err := a.idle(ctx, signal)
		if ctx.Err() != nil {
			return nil
		}
		if mail.IsKind(err, mail.KindNotAuthenticated) {
			return err
		}
		log.Warn().Err(err).Str("account", a.cfg.AccountID).Msg("imap idle interrupted, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (a *Adapter) idle(ctx context.Context, signal chan<- struct{}) error {
	c, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Logout() }()

	if _, err := selectBox(c, inbox, true); err != nil {
		return err
	}
	// the dedicated connection must not time out while idling
	c.Timeout = 0

	updates := make(chan client.Update, 128)
	c.Updates = updates

	stopIdle := make(chan struct{})
	doneIdle := make(chan error, 1)
	go func() { doneIdle <- c.Idle(stopIdle, nil) }()

	notify := func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			close(stopIdle)
			<-doneIdle
			return nil

		case update := <-updates:
			if _, ok := update.(*client.MailboxUpdate); ok {
				notify()
			}

		case err := <-doneIdle:
			if err == nil {
				err = fmt.Errorf("idle ended")
			}
			return err

		case <-time.After(idleKeepAlive):
			close(stopIdle)
			if err := <-doneIdle; err != nil {
				return err
			}
			stopIdle = make(chan struct{})
			doneIdle = make(chan error, 1)
			go func() { doneIdle <- c.Idle(stopIdle, nil) }()
		}
	}
}
