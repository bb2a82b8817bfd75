package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reelads/creditledger/internal/plans"
	"github.com/reelads/creditledger/internal/retry"
	"github.com/reelads/creditledger/internal/syncutil"
	"github.com/reelads/creditledger/internal/traces"
)

const (
	applyMaxAttempts = 3
	applyBaseDelay   = 25 * time.Millisecond
)

// Publisher receives balance updates after a successful commit.
// Implementations must not block; the engine calls it outside any lock.
type Publisher interface {
	BalanceUpdated(account *Account, entry *Entry)
}

// Engine is the single choke point through which every balance change
// passes. It turns canonical events into storage changes, serializes
// application per account, and retries transient storage conflicts.
type Engine struct {
	store  Store
	locks  *syncutil.KeyedMutex
	logger *slog.Logger
	pub    Publisher
}

// NewEngine creates a credit engine on top of a store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		locks:  syncutil.NewKeyedMutex(),
		logger: logger,
	}
}

// SetPublisher wires a post-commit balance update sink (optional).
func (e *Engine) SetPublisher(p Publisher) { e.pub = p }

// Apply applies a canonical event to the ledger. It returns the resulting
// entry and applied=true on first application, or the previously recorded
// entry and applied=false when the event key was already processed.
func (e *Engine) Apply(ctx context.Context, ev *Event) (*Entry, bool, error) {
	ch, err := e.change(ev)
	if err != nil {
		eventsTotal.WithLabelValues(string(ev.Kind), "invalid").Inc()
		return nil, false, err
	}

	ctx, span := traces.StartSpan(ctx, "ledger.Apply",
		traces.AccountID(ev.AccountID), traces.EventKey(ev.Key), traces.Kind(string(ev.Kind)))
	defer span.End()

	// Serialize per account within this process. Correctness does not
	// depend on this lock (the store transaction row-locks the account);
	// it keeps concurrent same-account events from burning DB retries.
	unlock, err := e.locks.LockContext(ctx, ev.AccountID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	var (
		entry   *Entry
		applied bool
	)
	err = retry.Do(ctx, applyMaxAttempts, applyBaseDelay, func() error {
		en, ap, err := e.store.Apply(ctx, ch)
		if err != nil {
			if errors.Is(err, ErrTransientStorage) {
				return err
			}
			return retry.Permanent(err)
		}
		entry, applied = en, ap
		return nil
	})
	if err != nil {
		eventsTotal.WithLabelValues(string(ev.Kind), outcomeLabel(err)).Inc()
		return nil, false, err
	}

	if !applied {
		duplicateEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		e.logger.Info("duplicate event ignored",
			"event_key", ev.Key, "account_id", ev.AccountID, "kind", ev.Kind)
		return entry, false, nil
	}

	eventsTotal.WithLabelValues(string(ev.Kind), "applied").Inc()
	e.logger.Info("ledger event applied",
		"event_key", ev.Key,
		"account_id", ev.AccountID,
		"kind", ev.Kind,
		"amount", entry.Amount,
	)

	if e.pub != nil {
		if acct, err := e.store.GetAccount(ctx, ev.AccountID); err == nil {
			e.pub.BalanceUpdated(acct, entry)
		}
	}

	return entry, true, nil
}

// Reserve debits credits ahead of a costly generation. The debit must
// succeed before the downstream call is issued; if that call later fails,
// the caller compensates with Refund.
func (e *Engine) Reserve(ctx context.Context, accountID string, cost int64, description, requestID string) (*Entry, bool, error) {
	return e.Apply(ctx, &Event{
		Key:         "debit:" + requestID,
		AccountID:   accountID,
		Kind:        KindGenerationDebit,
		Amount:      cost,
		Description: description,
		OccurredAt:  time.Now().UTC(),
	})
}

// Refund compensates a reservation whose downstream action failed.
// debitKey is the event key of the original debit, which also makes the
// refund idempotent: one refund per reservation.
func (e *Engine) Refund(ctx context.Context, accountID string, amount int64, reason, debitKey string) (*Entry, bool, error) {
	return e.Apply(ctx, &Event{
		Key:         "refund:" + debitKey,
		AccountID:   accountID,
		Kind:        KindRefund,
		Amount:      amount,
		Description: fmt.Sprintf("%s (compensates %s)", reason, debitKey),
		OccurredAt:  time.Now().UTC(),
	})
}

// change translates an event into a storage change, enforcing the business
// rules for its kind.
func (e *Engine) change(ev *Event) (*Change, error) {
	if ev.Key == "" || ev.AccountID == "" {
		return nil, fmt.Errorf("%w: missing event key or account id", ErrInvalidEvent)
	}

	ch := &Change{
		AccountID:   ev.AccountID,
		Kind:        ev.Kind,
		Description: ev.Description,
		EventKey:    ev.Key,
		OccurredAt:  ev.OccurredAt,
	}

	switch ev.Kind {
	case KindSubscriptionGrant:
		// Plan changes replace the allotment rather than adding to it;
		// unused credits from the prior tier are discarded.
		target, ok := plans.Credits(ev.Tier)
		if !ok {
			return nil, fmt.Errorf("%w: unknown plan tier %q", ErrInvalidEvent, ev.Tier)
		}
		ch.Target = &target
		ch.ResetTotal = true
		ch.Tier = ev.Tier
		ch.Status = StatusActive
		ch.RenewalAt = ev.RenewalAt
		ch.AllowCreate = true

	case KindPackPurchase:
		if ev.Amount <= 0 {
			return nil, fmt.Errorf("%w: pack purchase requires a positive amount", ErrInvalidEvent)
		}
		ch.Delta = ev.Amount
		ch.TotalDelta = ev.Amount
		ch.AllowCreate = true

	case KindAdminAdjustment:
		if ev.Amount == 0 {
			return nil, fmt.Errorf("%w: adjustment amount must be non-zero", ErrInvalidEvent)
		}
		if ev.Description == "" {
			return nil, fmt.Errorf("%w: adjustment requires a description", ErrInvalidEvent)
		}
		ch.Delta = ev.Amount
		if ev.Amount > 0 {
			// Only positive corrections count toward the lifetime total.
			ch.TotalDelta = ev.Amount
			ch.AllowCreate = true
		}

	case KindGenerationDebit:
		if ev.Amount <= 0 {
			return nil, fmt.Errorf("%w: debit requires a positive cost", ErrInvalidEvent)
		}
		ch.Delta = -ev.Amount

	case KindRefund:
		if ev.Amount <= 0 {
			return nil, fmt.Errorf("%w: refund requires a positive amount", ErrInvalidEvent)
		}
		ch.Delta = ev.Amount

	case KindSubscriptionCancelled:
		// Credits stay usable until expiry. Guarded so a late cancellation
		// cannot overwrite an expiry that already won the race.
		ch.Status = StatusCancelled
		ch.StatusWhen = []SubscriptionStatus{StatusActive}

	case KindSubscriptionExpired:
		// Forfeit the pooled balance and drop to the free tier.
		var zero int64
		ch.Target = &zero
		ch.Tier = plans.TierFree
		ch.Status = StatusExpired

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}

	return ch, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, ErrTransientStorage):
		return "transient"
	default:
		return "error"
	}
}
