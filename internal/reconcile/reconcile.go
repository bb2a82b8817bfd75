// Package reconcile verifies that stored balances match entry sums.
//
// The ledger's writes keep sum(entries.amount) == creditsRemaining by
// construction; reconciliation is the independent check that catches bugs
// or manual database edits. It only reports, it never repairs.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/reelads/creditledger/internal/ledger"
)

var driftGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "creditledger",
	Subsystem: "reconcile",
	Name:      "accounts_with_drift",
	Help:      "Accounts whose stored balance differed from their entry sum in the last sweep.",
})

func init() {
	prometheus.MustRegister(driftGauge)
}

// Report is the reconciliation result for one account.
type Report struct {
	AccountID        string    `json:"accountId"`
	CreditsRemaining int64     `json:"creditsRemaining"`
	EntrySum         int64     `json:"entrySum"`
	Consistent       bool      `json:"consistent"`
	CheckedAt        time.Time `json:"checkedAt"`
}

// Summary aggregates a full sweep.
type Summary struct {
	Checked    int       `json:"checked"`
	Drifted    []Report  `json:"drifted"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Reconciler checks balance consistency against a ledger store.
type Reconciler struct {
	store  ledger.Store
	logger *slog.Logger
}

// New creates a reconciler.
func New(store ledger.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// CheckAccount compares one account's stored balance with its entry sum.
func (r *Reconciler) CheckAccount(ctx context.Context, accountID string) (*Report, error) {
	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sum, err := r.store.SumEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		AccountID:        accountID,
		CreditsRemaining: acct.CreditsRemaining,
		EntrySum:         sum,
		Consistent:       acct.CreditsRemaining == sum,
		CheckedAt:        time.Now().UTC(),
	}
	if !report.Consistent {
		r.logger.Error("balance drift detected",
			"account_id", accountID,
			"credits_remaining", acct.CreditsRemaining,
			"entry_sum", sum)
	}
	return report, nil
}

// Sweep checks every account. Accounts mutated mid-sweep can show phantom
// drift; operators re-check individual accounts before acting.
func (r *Reconciler) Sweep(ctx context.Context) (*Summary, error) {
	summary := &Summary{StartedAt: time.Now().UTC()}

	ids, err := r.store.ListAccountIDs(ctx)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report, err := r.CheckAccount(ctx, id)
		if err != nil {
			r.logger.Warn("reconcile check failed", "account_id", id, "error", err)
			continue
		}
		summary.Checked++
		if !report.Consistent {
			summary.Drifted = append(summary.Drifted, *report)
		}
	}

	summary.FinishedAt = time.Now().UTC()
	driftGauge.Set(float64(len(summary.Drifted)))
	r.logger.Info("reconcile sweep finished",
		"checked", summary.Checked, "drifted", len(summary.Drifted))
	return summary, nil
}
