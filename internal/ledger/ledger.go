// Package ledger tracks per-account credit balances for the platform.
//
// Flow:
//  1. A payment processor webhook, debit request, or admin action arrives
//  2. An adapter normalizes it into an Event with a globally unique key
//  3. The Engine applies the Event through the Store in one transaction
//  4. Readers see the new balance via the query handlers or the ws stream
//
// Every balance change appends an immutable Entry, and every applied Event
// leaves a ProcessedEvent marker with the same key. Re-delivered events are
// answered with the previously recorded result instead of being reapplied.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/reelads/creditledger/internal/plans"
)

var (
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrInvalidEvent        = errors.New("ledger: invalid event")
	ErrTransientStorage    = errors.New("ledger: transient storage failure")
	ErrBalanceDrift        = errors.New("ledger: balance does not match entry sum")
)

// SubscriptionStatus is the lifecycle state of an account's subscription.
type SubscriptionStatus string

const (
	StatusNone      SubscriptionStatus = "none"
	StatusActive    SubscriptionStatus = "active"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
)

// Kind classifies a ledger event and the entry it produces.
type Kind string

const (
	KindSubscriptionGrant     Kind = "subscription_grant"
	KindPackPurchase          Kind = "pack_purchase"
	KindAdminAdjustment       Kind = "admin_adjustment"
	KindGenerationDebit       Kind = "generation_debit"
	KindRefund                Kind = "refund"
	KindSubscriptionCancelled Kind = "subscription_cancelled"
	KindSubscriptionExpired   Kind = "subscription_expired"
)

// Account is the credit-bearing entity, one per user. Mutated only through
// Engine.Apply, never directly.
type Account struct {
	ID               string             `json:"id"`
	CreditsRemaining int64              `json:"creditsRemaining"`
	CreditsTotal     int64              `json:"creditsTotal"` // lifetime counter, not a cap
	PlanTier         plans.Tier         `json:"planTier"`
	Status           SubscriptionStatus `json:"subscriptionStatus"`
	RenewalAt        *time.Time         `json:"renewalAt,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// Entry is an immutable record of a single balance change.
// Positive amounts credit the account, negative amounts debit it.
type Entry struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Amount      int64     `json:"amount"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description,omitempty"`
	EventKey    string    `json:"eventKey"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Event is the canonical form of an external trigger, produced exclusively
// by adapters. Key must be globally unique per source event
// (e.g. "paddle:evt_01h..."), and is what makes redelivery harmless.
type Event struct {
	Key         string
	AccountID   string
	Kind        Kind
	Amount      int64 // credits; meaning depends on Kind
	Tier        plans.Tier
	Description string
	RenewalAt   *time.Time
	OccurredAt  time.Time
}

// ProcessedEvent marks an event that has been applied, keyed by the event's
// unique key. Created once, never updated; may be pruned after a retention
// window for storage hygiene.
type ProcessedEvent struct {
	EventKey    string    `json:"eventKey"`
	AccountID   string    `json:"accountId"`
	EntryID     string    `json:"entryId"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Change is the state transition the Engine computes from an Event.
// The Store applies it atomically: balance update, entry append, and
// processed-event marker commit together or not at all.
type Change struct {
	AccountID string
	Kind      Kind

	// Delta is a signed balance adjustment. When Target is set the balance
	// is replaced with *Target instead and Delta is ignored; the entry
	// amount is then the difference computed inside the transaction.
	Delta  int64
	Target *int64

	// TotalDelta adjusts the lifetime credits counter. When ResetTotal is
	// set the counter is replaced with *Target (subscription grants).
	TotalDelta int64
	ResetTotal bool

	Tier   plans.Tier         // "" = unchanged
	Status SubscriptionStatus // "" = unchanged
	// StatusWhen restricts the Status update to accounts currently in one
	// of the listed states. Empty means unconditional. Used so a late
	// cancellation cannot resurrect an already-expired account.
	StatusWhen []SubscriptionStatus
	RenewalAt  *time.Time

	// AllowCreate lazily creates a missing account with a zero balance
	// before applying. Debits and expirations never create accounts.
	AllowCreate bool

	Description string
	EventKey    string
	OccurredAt  time.Time
}

// Store persists accounts, entries, and processed-event markers.
//
// Apply is the single write path: it must check the processed-event marker,
// mutate the balance, append the entry, and record the marker within one
// atomic transaction. It returns applied=false with the previously recorded
// entry when the event key was already processed.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	Apply(ctx context.Context, ch *Change) (entry *Entry, applied bool, err error)

	// ListEntries returns up to limit entries newest first, starting after
	// the cursor position (exclusive) when before is non-nil.
	ListEntries(ctx context.Context, accountID string, limit int, before *EntryCursor) ([]*Entry, error)

	// SumEntries returns the signed sum of all entry amounts for an account.
	SumEntries(ctx context.Context, accountID string) (int64, error)

	// ListAccountIDs returns all known account IDs, for reconciliation sweeps.
	ListAccountIDs(ctx context.Context) ([]string, error)

	// PruneProcessedEvents deletes markers older than the cutoff and
	// returns the number removed. Not required for correctness.
	PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error)
}

// EntryCursor is a stable position in an account's entry history.
type EntryCursor struct {
	CreatedAt time.Time
	ID        string
}

// statusAllowed reports whether the current status satisfies the guard.
func statusAllowed(current SubscriptionStatus, when []SubscriptionStatus) bool {
	if len(when) == 0 {
		return true
	}
	for _, s := range when {
		if current == s {
			return true
		}
	}
	return false
}
