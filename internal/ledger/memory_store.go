package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/reelads/creditledger/internal/idgen"
	"github.com/reelads/creditledger/internal/plans"
)

// MemoryStore is an in-memory ledger store for development mode and tests.
// It implements the same transactional semantics as the Postgres store
// under a single mutex.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*Account
	entries   map[string][]*Entry // accountID -> entries, append order
	processed map[string]*ProcessedEvent
	byEntryID map[string]*Entry
	clock     func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*Account),
		entries:   make(map[string][]*Entry),
		processed: make(map[string]*ProcessedEvent),
		byEntryID: make(map[string]*Entry),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, ch *Change) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.processed[ch.EventKey]; ok {
		prior := *m.byEntryID[rec.EntryID]
		return &prior, false, nil
	}

	now := m.clock()
	acct, ok := m.accounts[ch.AccountID]
	if !ok {
		if !ch.AllowCreate {
			return nil, false, ErrAccountNotFound
		}
		acct = &Account{
			ID:        ch.AccountID,
			PlanTier:  plans.TierFree,
			Status:    StatusNone,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.accounts[ch.AccountID] = acct
	}

	newBalance := acct.CreditsRemaining + ch.Delta
	if ch.Target != nil {
		newBalance = *ch.Target
	}
	if newBalance < 0 {
		return nil, false, ErrInsufficientCredits
	}
	entryAmount := newBalance - acct.CreditsRemaining

	acct.CreditsRemaining = newBalance
	if ch.ResetTotal && ch.Target != nil {
		acct.CreditsTotal = *ch.Target
	} else {
		acct.CreditsTotal += ch.TotalDelta
	}
	if ch.Tier != "" {
		acct.PlanTier = ch.Tier
	}
	if ch.Status != "" && statusAllowed(acct.Status, ch.StatusWhen) {
		acct.Status = ch.Status
	}
	if ch.RenewalAt != nil {
		t := *ch.RenewalAt
		acct.RenewalAt = &t
	}
	acct.UpdatedAt = now

	entry := &Entry{
		ID:          idgen.WithPrefix("ent_"),
		AccountID:   acct.ID,
		Amount:      entryAmount,
		Kind:        ch.Kind,
		Description: ch.Description,
		EventKey:    ch.EventKey,
		CreatedAt:   now,
	}
	m.entries[acct.ID] = append(m.entries[acct.ID], entry)
	m.byEntryID[entry.ID] = entry
	m.processed[ch.EventKey] = &ProcessedEvent{
		EventKey:    ch.EventKey,
		AccountID:   acct.ID,
		EntryID:     entry.ID,
		ProcessedAt: now,
	}

	cp := *entry
	return &cp, true, nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, accountID string, limit int, before *EntryCursor) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[accountID]
	// Newest first; entries share timestamps within a test tick, so order
	// falls back to insertion order like the (created_at, id) index does.
	var result []*Entry
	skipping := before != nil
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		e := all[i]
		if skipping {
			if e.ID == before.ID {
				skipping = false
			}
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) SumEntries(ctx context.Context, accountID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.entries[accountID] {
		sum += e.Amount
	}
	return sum, nil
}

func (m *MemoryStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, rec := range m.processed {
		if rec.ProcessedAt.Before(before) {
			delete(m.processed, key)
			n++
		}
	}
	return n, nil
}
