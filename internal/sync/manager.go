// Package sync runs the per-account sync workers: watch registration and renewal,
// IMAP IDLE listening, safety-net polling and full folder walks.
package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/store"
)

type handle struct {
	cancel context.CancelFunc
}

// Options tune every runner started by a Manager
type Options struct {
	SafetyNet    time.Duration
	RetryDelay   time.Duration
	FullSyncPage int
}

// Manager manages one sync worker per account
type Manager struct {
	registry  *Registry
	processor Processor
	cursors   store.CursorStore
	messages  store.MessageStore
	opts      Options

	runners      map[string]*handle
	runnersMutex sync.RWMutex
	wg           sync.WaitGroup
}

func NewManager(registry *Registry, processor Processor, cursors store.CursorStore, messages store.MessageStore, opts Options) *Manager {
	return &Manager{
		registry:  registry,
		processor: processor,
		cursors:   cursors,
		messages:  messages,
		opts:      opts,
		runners:   make(map[string]*handle),
	}
}

// StartAll starts a runner for every configured account
func (m *Manager) StartAll(ctx context.Context) {
	for _, a := range m.registry.Accounts() {
		if err := m.StartSync(ctx, a.ID); err != nil {
			log.Error().Err(err).Str("account", a.ID).Msg("failed to start sync")
		}
	}
}

// StartSync starts syncing accountID in the background
func (m *Manager) StartSync(ctx context.Context, accountID string) error {
	account, ok := m.registry.Account(accountID)
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}

	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	if _, exists := m.runners[accountID]; exists {
		return fmt.Errorf("sync already running for %s", accountID)
	}

	runner := &Runner{
		Account:    account,
		Accounts:   m.registry,
		Processor:  m.processor,
		Cursors:    m.cursors,
		SafetyNet:  m.opts.SafetyNet,
		RetryDelay: m.opts.RetryDelay,
	}
	runnerCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel}
	m.runners[accountID] = h

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log.Info().Str("account", accountID).Str("provider", string(account.Provider)).Msg("sync start")
		if err := runner.Run(runnerCtx); err != nil {
			log.Error().Err(err).Str("account", accountID).Msg("sync error")
			if mail.IsKind(err, mail.KindNotAuthenticated) {
				m.registry.Evict(accountID)
			}
		}

		m.runnersMutex.Lock()
		if m.runners[accountID] == h {
			delete(m.runners, accountID)
		}
		m.runnersMutex.Unlock()
		cancel()
		log.Info().Str("account", accountID).Msg("sync stop")
	}()
	return nil
}

// StopSync stops the runner of accountID
func (m *Manager) StopSync(accountID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	h, exists := m.runners[accountID]
	if !exists {
		return fmt.Errorf("no sync running for %s", accountID)
	}
	h.cancel()
	delete(m.runners, accountID)
	return nil
}

// Unwatch stops the runner and cancels the upstream registration of accountID
func (m *Manager) Unwatch(ctx context.Context, accountID string) error {
	_ = m.StopSync(accountID)
	account, ok := m.registry.Account(accountID)
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	adapter, err := m.registry.Adapter(ctx, account)
	if err != nil {
		return err
	}
	w, ok := adapter.(mail.Watcher)
	if !ok {
		return nil
	}
	cur, err := m.cursors.Load(ctx, account.ID, account.Provider)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if err := w.StopWatch(ctx, cur); err != nil {
		return err
	}
	cur.SubscriptionID = ""
	cur.WatchExpiry = time.Time{}
	return m.cursors.SaveWatch(ctx, cur)
}

func (m *Manager) IsRunning(accountID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()
	_, exists := m.runners[accountID]
	return exists
}

// StopAll stops every runner and waits for them to exit
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	for id, h := range m.runners {
		log.Info().Str("account", id).Msg("stopping sync")
		h.cancel()
	}
	m.runners = make(map[string]*handle)
	m.runnersMutex.Unlock()
	m.wg.Wait()
}

// GetRunningSyncs returns the account ids with a running worker, sorted
func (m *Manager) GetRunningSyncs() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	syncs := make([]string, 0, len(m.runners))
	for id := range m.runners {
		syncs = append(syncs, id)
	}
	sort.Strings(syncs)
	return syncs
}

// FullSync walks every folder of accountID into the mirror
func (m *Manager) FullSync(ctx context.Context, accountID string) (int, error) {
	account, ok := m.registry.Account(accountID)
	if !ok {
		return 0, fmt.Errorf("unknown account %s", accountID)
	}
	adapter, err := m.registry.Adapter(ctx, account)
	if err != nil {
		return 0, err
	}
	page := m.opts.FullSyncPage
	if page <= 0 {
		page = 100
	}
	n, err := FullSync(ctx, account, adapter, m.messages, page)
	if err != nil {
		return n, err
	}
	log.Info().Str("account", accountID).Int("messages", n).Msg("full sync complete")
	return n, nil
}
