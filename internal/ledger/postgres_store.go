package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/reelads/creditledger/internal/idgen"
	"github.com/reelads/creditledger/internal/plans"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store. The schema is
// managed by the goose migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetAccount retrieves an account by ID.
func (p *PostgresStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	acct := &Account{}
	var renewal sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, credits_remaining, credits_total, plan_tier, subscription_status, renewal_at, created_at, updated_at
		FROM accounts WHERE id = $1
	`, accountID).Scan(&acct.ID, &acct.CreditsRemaining, &acct.CreditsTotal,
		&acct.PlanTier, &acct.Status, &renewal, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, classifyPQ(err)
	}
	if renewal.Valid {
		t := renewal.Time
		acct.RenewalAt = &t
	}
	return acct, nil
}

// Apply performs the whole state transition in one transaction: duplicate
// check, row lock, balance update, entry append, processed-event marker.
// A concurrent duplicate loses the unique-constraint race on
// processed_events, surfaces as ErrTransientStorage, and resolves to the
// recorded result on the caller's retry.
func (p *PostgresStore) Apply(ctx context.Context, ch *Change) (*Entry, bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, classifyPQ(err)
	}
	defer func() { _ = tx.Rollback() }()

	// Already processed? Return the recorded result instead of reapplying.
	prior, err := p.entryForEventKey(ctx, tx, ch.EventKey)
	if err != nil {
		return nil, false, err
	}
	if prior != nil {
		return prior, false, nil
	}

	acct, err := p.lockAccount(ctx, tx, ch)
	if err != nil {
		return nil, false, err
	}

	newBalance := acct.CreditsRemaining + ch.Delta
	if ch.Target != nil {
		newBalance = *ch.Target
	}
	if newBalance < 0 {
		return nil, false, ErrInsufficientCredits
	}
	entryAmount := newBalance - acct.CreditsRemaining

	newTotal := acct.CreditsTotal + ch.TotalDelta
	if ch.ResetTotal && ch.Target != nil {
		newTotal = *ch.Target
	}

	tier := acct.PlanTier
	if ch.Tier != "" {
		tier = ch.Tier
	}
	status := acct.Status
	if ch.Status != "" && statusAllowed(acct.Status, ch.StatusWhen) {
		status = ch.Status
	}
	renewal := acct.RenewalAt
	if ch.RenewalAt != nil {
		renewal = ch.RenewalAt
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			credits_remaining = $2,
			credits_total     = $3,
			plan_tier         = $4,
			subscription_status = $5,
			renewal_at        = $6,
			updated_at        = $7
		WHERE id = $1
	`, acct.ID, newBalance, newTotal, tier, status, renewal, now); err != nil {
		return nil, false, fmt.Errorf("update account: %w", classifyPQ(err))
	}

	entry := &Entry{
		ID:          idgen.WithPrefix("ent_"),
		AccountID:   acct.ID,
		Amount:      entryAmount,
		Kind:        ch.Kind,
		Description: ch.Description,
		EventKey:    ch.EventKey,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, amount, kind, description, event_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.AccountID, entry.Amount, entry.Kind, entry.Description, entry.EventKey, entry.CreatedAt); err != nil {
		return nil, false, fmt.Errorf("append entry: %w", classifyPQ(err))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_key, account_id, entry_id, processed_at)
		VALUES ($1, $2, $3, $4)
	`, ch.EventKey, acct.ID, entry.ID, now); err != nil {
		return nil, false, fmt.Errorf("record processed event: %w", classifyPQ(err))
	}

	// Reconciliation invariant: the balance must equal the entry sum.
	var sum int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1
	`, acct.ID).Scan(&sum); err != nil {
		return nil, false, classifyPQ(err)
	}
	if sum != newBalance {
		return nil, false, fmt.Errorf("%w: account %s balance %d sum %d",
			ErrBalanceDrift, acct.ID, newBalance, sum)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, classifyPQ(err)
	}
	return entry, true, nil
}

// lockAccount reads the account row FOR UPDATE, lazily creating it when the
// change allows that. Missing accounts on non-creating changes fail with
// ErrAccountNotFound.
func (p *PostgresStore) lockAccount(ctx context.Context, tx *sql.Tx, ch *Change) (*Account, error) {
	acct := &Account{}
	var renewal sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT id, credits_remaining, credits_total, plan_tier, subscription_status, renewal_at, created_at, updated_at
		FROM accounts WHERE id = $1
		FOR UPDATE
	`, ch.AccountID).Scan(&acct.ID, &acct.CreditsRemaining, &acct.CreditsTotal,
		&acct.PlanTier, &acct.Status, &renewal, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if !ch.AllowCreate {
			return nil, ErrAccountNotFound
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, credits_remaining, credits_total, plan_tier, subscription_status, created_at, updated_at)
			VALUES ($1, 0, 0, $2, $3, $4, $4)
		`, ch.AccountID, plans.TierFree, StatusNone, now); err != nil {
			return nil, fmt.Errorf("create account: %w", classifyPQ(err))
		}
		return &Account{
			ID:        ch.AccountID,
			PlanTier:  plans.TierFree,
			Status:    StatusNone,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}
	if err != nil {
		return nil, classifyPQ(err)
	}
	if renewal.Valid {
		t := renewal.Time
		acct.RenewalAt = &t
	}
	return acct, nil
}

func (p *PostgresStore) entryForEventKey(ctx context.Context, tx *sql.Tx, eventKey string) (*Entry, error) {
	entry := &Entry{}
	var desc sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT e.id, e.account_id, e.amount, e.kind, e.description, e.event_key, e.created_at
		FROM processed_events p
		JOIN ledger_entries e ON e.id = p.entry_id
		WHERE p.event_key = $1
	`, eventKey).Scan(&entry.ID, &entry.AccountID, &entry.Amount, &entry.Kind,
		&desc, &entry.EventKey, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPQ(err)
	}
	entry.Description = desc.String
	return entry, nil
}

// ListEntries returns up to limit entries for an account, newest first.
func (p *PostgresStore) ListEntries(ctx context.Context, accountID string, limit int, before *EntryCursor) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, account_id, amount, kind, description, event_key, created_at
			FROM ledger_entries
			WHERE account_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, accountID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, account_id, amount, kind, description, event_key, created_at
			FROM ledger_entries
			WHERE account_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, accountID, limit)
	}
	if err != nil {
		return nil, classifyPQ(err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var desc sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Kind, &desc, &e.EventKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Description = desc.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumEntries returns the signed sum of all entry amounts for an account.
func (p *PostgresStore) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1
	`, accountID).Scan(&sum)
	return sum, classifyPQ(err)
}

// ListAccountIDs returns all known account IDs.
func (p *PostgresStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, classifyPQ(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneProcessedEvents removes markers older than the cutoff.
func (p *PostgresStore) PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM processed_events WHERE processed_at < $1
	`, before)
	if err != nil {
		return 0, classifyPQ(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// classifyPQ maps retryable Postgres failures to ErrTransientStorage so the
// engine's bounded retry can handle them. Serialization failures, deadlocks,
// and the unique-violation race on processed_events all resolve on retry.
func classifyPQ(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrTransientStorage, err)
		case "23505": // unique_violation: concurrent duplicate delivery
			if pqErr.Constraint == "processed_events_pkey" {
				return fmt.Errorf("%w: %v", ErrTransientStorage, err)
			}
		}
	}
	return err
}
