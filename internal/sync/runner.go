package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/cache"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/reconcile"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/store"
)

// Processor runs one notification; *reconcile.Reconciler satisfies it
type Processor interface {
	Process(ctx context.Context, n mail.Notification) (reconcile.Result, error)
}

// Runner keeps one account in sync
type Runner struct {
	Account    providers.Account
	Accounts   reconcile.Accounts
	Processor  Processor
	Cursors    store.CursorStore
	SafetyNet  time.Duration
	RetryDelay time.Duration
}

func (r *Runner) status(ctx context.Context, status string, err error) {
	rec, ok := r.Cursors.(store.StatusRecorder)
	if !ok {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if rerr := rec.RecordStatus(ctx, r.Account.ID, r.Account.Provider, status, msg); rerr != nil {
		log.Warn().Err(rerr).Str("account", r.Account.ID).Msg("failed to record sync status")
	}
}

// Run registers for changes and then reacts to pushes, IDLE signals and safety-net ticks until ctx is done
func (r *Runner) Run(ctx context.Context) error {
	r.status(ctx, store.StatusSyncing, nil)
	adapter, err := r.Accounts.Adapter(ctx, r.Account)
	if err != nil {
		r.status(ctx, store.StatusError, err)
		return fmt.Errorf("open adapter: %w", err)
	}
	if err := r.ensureWatch(ctx, adapter); err != nil {
		r.status(ctx, store.StatusError, err)
		return err
	}
	r.status(ctx, store.StatusHooked, nil)

	if l, ok := adapter.(mail.Listener); ok {
		go r.listen(ctx, l)
	}

	every := r.SafetyNet
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx, adapter)
		}
	}
}

// ensureWatch creates the cursor on first start and renews the upstream registration before it lapses
func (r *Runner) ensureWatch(ctx context.Context, adapter mail.Adapter) error {
	cur, err := r.Cursors.Load(ctx, r.Account.ID, r.Account.Provider)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	cur.AccountID = r.Account.ID
	cur.Provider = r.Account.Provider

	if w, ok := adapter.(mail.Watcher); ok {
		if !cur.IsZero() && time.Until(cur.WatchExpiry) > mail.WatchRenewalWindow {
			return nil
		}
		next, err := w.Watch(ctx, cur)
		switch {
		case err == nil:
			// deliveries may have moved the watermark while Watch was in flight
			if err := r.Cursors.SaveWatch(ctx, next); err != nil {
				return fmt.Errorf("save watch: %w", err)
			}
			return nil
		case !mail.IsKind(err, mail.KindUnsupported):
			return err
		}
		log.Warn().Err(err).Str("account", r.Account.ID).Msg("push notifications unavailable, polling only")
	}

	if !cur.IsZero() {
		return nil
	}
	// no push channel: take the provider's current position as the starting point
	res, err := adapter.Sync(ctx, mail.SyncRequest{Cursor: cur})
	if err != nil {
		return err
	}
	return r.Cursors.Reset(ctx, res.Cursor)
}

func (r *Runner) tick(ctx context.Context, adapter mail.Adapter) {
	if err := r.ensureWatch(ctx, adapter); err != nil {
		log.Error().Err(err).Str("account", r.Account.ID).Msg("watch renewal failed")
		r.status(ctx, store.StatusError, err)
	}
	r.notify(ctx, reconcile.ChangePoll)
}

func (r *Runner) notify(ctx context.Context, changeType string) {
	n := mail.Notification{
		Provider:     r.Account.Provider,
		AccountHint:  r.Account.ID,
		ResourceID:   "INBOX",
		ChangeType:   changeType,
		ChangeVector: uuid.NewString(),
		ReceivedAt:   time.Now().UTC(),
	}
	res, err := r.Processor.Process(ctx, n)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("account", r.Account.ID).Str("change", changeType).Msg("incremental sync failed")
		r.status(ctx, store.StatusError, err)
		return
	}
	if res.Delivered > 0 {
		log.Info().Str("account", r.Account.ID).Str("change", changeType).Int("delivered", res.Delivered).Msg("synced new messages")
	}
}

// listen turns IDLE signals into notifications; it reconnects until ctx is done
func (r *Runner) listen(ctx context.Context, l mail.Listener) {
	signal := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				r.notify(ctx, "idle")
			}
		}
	}()

	delay := r.RetryDelay
	if delay <= 0 {
		delay = 30 * time.Second
	}
	for {
		err := l.Listen(ctx, signal)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("account", r.Account.ID).Dur("retry_in", delay).Msg("listener stopped")
		if mail.IsKind(err, mail.KindNotAuthenticated) {
			r.status(ctx, store.StatusError, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// FullSync walks every folder sequentially and writes each page through to the mirror.
// It keeps no checkpoint; an interrupted run starts over.
func FullSync(ctx context.Context, account providers.Account, adapter mail.Adapter, messages store.MessageStore, pageSize int) (int, error) {
	folders, err := adapter.GetFolders(ctx)
	if err != nil {
		return 0, err
	}
	o := cache.New(account.ID, adapter, messages, cache.WithoutCache())

	total := 0
	for _, f := range mail.Flatten(folders) {
		token := ""
		for {
			page, err := o.Refresh(ctx, mail.ListOptions{FolderID: f.ID, Limit: pageSize, PageToken: token})
			if err != nil {
				return total, fmt.Errorf("folder %s: %w", f.Path, err)
			}
			total += len(page.Messages)
			if page.NextPageToken == "" || len(page.Messages) == 0 {
				break
			}
			token = page.NextPageToken
		}
		log.Debug().Str("account", account.ID).Str("folder", f.Path).Int("total", total).Msg("folder synced")
	}
	return total, nil
}
