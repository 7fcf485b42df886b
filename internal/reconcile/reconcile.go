// Package reconcile turns upstream change notifications into canonical messages,
// classified by direction and handed to the downstream pipeline exactly once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/dedup"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/store"
)

// Accounts resolves notification hints to accounts and their live adapters
type Accounts interface {
	// Resolve maps a hint (mailbox address or account id) to an account of provider
	Resolve(ctx context.Context, provider mail.Provider, hint string) (providers.Account, error)
	Adapter(ctx context.Context, account providers.Account) (mail.Adapter, error)
}

// Downstream receives classified messages. Implementations must not block on consumers.
type Downstream interface {
	Deliver(ctx context.Context, direction mail.Direction, msg *mail.Message, contacts []Contact) error
}

// Outcome of one notification
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeReset     Outcome = "reset"
)

// ChangePoll marks a synthetic notification raised by a periodic tick rather than by the provider
const ChangePoll = "poll"

// Result describes what processing a notification did
type Result struct {
	Outcome   Outcome
	AccountID string
	Fetched   int
	Delivered int
	Cursor    mail.SyncCursor
}

// Config wires a Reconciler
type Config struct {
	Accounts   Accounts
	Dedup      *dedup.Manager
	Cursors    store.CursorStore
	Downstream Downstream
	// Messages is optional; classified messages are written through when set
	Messages   store.MessageStore
	Strategies []Strategy
}

// Reconciler processes notifications one at a time per account
type Reconciler struct {
	cfg Config

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(cfg Config) *Reconciler {
	if cfg.Strategies == nil {
		cfg.Strategies = DefaultStrategies
	}
	return &Reconciler{cfg: cfg, locks: make(map[string]*sync.Mutex)}
}

func (r *Reconciler) lock(accountID string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[accountID] = l
	}
	r.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

func validate(n mail.Notification) error {
	if !n.Provider.Valid() {
		return mail.Errorf(n.Provider, mail.KindMalformedWebhook, "validate", "unknown provider %q", n.Provider)
	}
	if n.AccountHint == "" || n.ResourceID == "" {
		return mail.Errorf(n.Provider, mail.KindMalformedWebhook, "validate", "notification is missing account hint or resource id")
	}
	return nil
}

// Process runs one notification through validate, dedup, sync, classify, deliver and cursor update.
// On failure the dedup key is released so a redelivery is processed again.
func (r *Reconciler) Process(ctx context.Context, n mail.Notification) (res Result, err error) {
	if err := validate(n); err != nil {
		return Result{}, err
	}

	key := n.DedupKey()
	fresh, err := r.cfg.Dedup.Notifications().TryMark(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("dedup check: %w", err)
	}
	if !fresh {
		log.Debug().Str("key", key).Msg("notification already processed")
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	defer func() {
		if err != nil {
			if ferr := r.cfg.Dedup.Notifications().Forget(ctx, key); ferr != nil {
				log.Error().Err(ferr).Str("key", key).Msg("failed to release dedup key")
			}
		}
	}()

	account, err := r.cfg.Accounts.Resolve(ctx, n.Provider, n.AccountHint)
	if err != nil {
		return Result{}, err
	}
	res.AccountID = account.ID
	defer r.lock(account.ID)()

	adapter, err := r.cfg.Accounts.Adapter(ctx, account)
	if err != nil {
		return res, err
	}
	cur, err := r.cfg.Cursors.Load(ctx, account.ID, n.Provider)
	if err != nil {
		return res, fmt.Errorf("load cursor: %w", err)
	}
	cur.AccountID = account.ID
	cur.Provider = n.Provider

	req := mail.SyncRequest{Cursor: cur}
	if n.ChangeType != ChangePoll {
		event := n
		req.Event = &event
	}
	synced, err := adapter.Sync(ctx, req)
	if err != nil {
		return res, err
	}
	res.Cursor = synced.Cursor

	if synced.Reset {
		// messages between the old and new watermark are not back-filled
		log.Warn().Str("account", account.ID).Str("provider", string(n.Provider)).
			Str("from", cur.Watermark).Str("to", synced.Cursor.Watermark).
			Msg("sync cursor expired, reset to provider watermark")
		if err := r.cfg.Cursors.Reset(ctx, synced.Cursor); err != nil {
			return res, fmt.Errorf("reset cursor: %w", err)
		}
		res.Outcome = OutcomeReset
		return res, nil
	}

	res.Fetched = len(synced.Messages)
	for i := range synced.Messages {
		delivered, err := r.handle(ctx, account, n, &synced.Messages[i])
		if err != nil {
			return res, err
		}
		if delivered {
			res.Delivered++
		}
	}

	if err := r.cfg.Cursors.Advance(ctx, synced.Cursor); err != nil {
		if !errors.Is(err, store.ErrCursorRegression) {
			return res, fmt.Errorf("advance cursor: %w", err)
		}
		// a concurrent delivery already moved past this point
		log.Debug().Str("account", account.ID).Str("watermark", synced.Cursor.Watermark).Msg("cursor already ahead")
	}
	if rec, ok := r.cfg.Cursors.(store.StatusRecorder); ok {
		_ = rec.RecordStatus(ctx, account.ID, n.Provider, store.StatusHooked, "")
	}
	res.Outcome = OutcomeProcessed
	return res, nil
}

// handle classifies and delivers one message, skipping messages already delivered
func (r *Reconciler) handle(ctx context.Context, account providers.Account, n mail.Notification, m *mail.Message) (bool, error) {
	key := string(m.Provider) + ":" + account.ID + ":" + m.ProviderMessageID
	fresh, err := r.cfg.Dedup.Messages().TryMark(ctx, key)
	if err != nil {
		return false, fmt.Errorf("message dedup: %w", err)
	}
	if !fresh {
		return false, nil
	}

	direction, strategy := Classify(r.cfg.Strategies, Classification{
		Message:      m,
		AccountEmail: account.Email,
		Hint:         n.DirectionHint,
	})
	m.Direction = direction

	if r.cfg.Messages != nil {
		if err := r.cfg.Messages.UpsertMessage(ctx, m); err != nil {
			log.Warn().Err(err).Str("id", m.ProviderMessageID).Msg("failed to cache message")
		}
	}

	if err := r.cfg.Downstream.Deliver(ctx, direction, m, Contacts(m, account.Email)); err != nil {
		_ = r.cfg.Dedup.Messages().Forget(ctx, key)
		return false, fmt.Errorf("deliver %s: %w", m.ProviderMessageID, err)
	}
	log.Info().Str("account", account.ID).Str("id", m.ProviderMessageID).
		Str("direction", string(direction)).Str("strategy", strategy).Msg("message delivered")
	return true, nil
}

// BatchResult summarizes a delivery of several notifications
type BatchResult struct {
	Results []Result
	Failed  int
	// Retryable counts transient and unclassified (local infrastructure) failures
	Retryable int
}

// ProcessBatch handles notifications in order. A failure is logged and does not stop the batch.
func (r *Reconciler) ProcessBatch(ctx context.Context, ns []mail.Notification) BatchResult {
	var out BatchResult
	for _, n := range ns {
		res, err := r.Process(ctx, n)
		if err != nil {
			out.Failed++
			if mail.IsRetryable(err) || mail.KindOf(err) == "" {
				out.Retryable++
			}
			log.Error().Err(err).Str("provider", string(n.Provider)).Str("resource", n.ResourceID).
				Str("kind", string(mail.KindOf(err))).Msg("notification failed")
			continue
		}
		out.Results = append(out.Results, res)
	}
	return out
}
