/*
scheduler.go - Debtor flag reconciler

PURPOSE:
  Periodically recomputes every account's cached IsDebtor flag from its
  debts. Settlement and debt edits already recompute the flag after commit,
  but that step is allowed to fail softly; this job is the backstop that
  brings a stale flag back in line.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Lists all accounts, then recomputes each one under the owner lock
  - An account whose flag changed counts as corrected
  - A failure on one account is logged and does not stop the run

CONFIGURATION:
  - CheckInterval: How often to check (default: 15 minutes)
  - Enabled: Whether the reconciler is active (default: true)

USAGE:
  reconciler := NewDebtorReconciler(store, engine)
  reconciler.Start()
  // ... later
  reconciler.Stop()

SEE ALSO:
  - handlers.go: ReconcileDebtors endpoint (manual run)
  - ledger/debtor.go: DebtorRecalculator
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/settlement-engine/ledger"
)

// ReconcileReport summarizes one reconciler pass.
type ReconcileReport struct {
	Checked   int
	Corrected int
	Failed    int
}

// DebtorReconciler handles periodic debtor flag repair.
type DebtorReconciler struct {
	Store         ledger.TxStore
	Engine        *ledger.Engine
	CheckInterval time.Duration
	Enabled       bool
	Logger        *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	// runMu keeps a manual run from overlapping a scheduled one.
	runMu sync.Mutex
}

// NewDebtorReconciler creates a new reconciler.
func NewDebtorReconciler(store ledger.TxStore, engine *ledger.Engine) *DebtorReconciler {
	return &DebtorReconciler{
		Store:         store,
		Engine:        engine,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		Logger:        slog.Default().With("component", "reconciler"),
	}
}

// Start begins the reconciler.
func (dr *DebtorReconciler) Start() {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	if !dr.Enabled {
		dr.Logger.Info("reconciler disabled, not starting")
		return
	}
	if dr.ticker != nil {
		return
	}

	dr.ticker = time.NewTicker(dr.CheckInterval)
	dr.stop = make(chan struct{})
	dr.wg.Add(1)

	go dr.run()

	dr.Logger.Info("reconciler started", "interval", dr.CheckInterval)
}

// Stop stops the reconciler and waits for a running pass to finish.
func (dr *DebtorReconciler) Stop() {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	if dr.ticker == nil {
		return
	}
	dr.ticker.Stop()
	close(dr.stop)
	dr.wg.Wait()
	dr.ticker = nil
	dr.Logger.Info("reconciler stopped")
}

func (dr *DebtorReconciler) run() {
	defer dr.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-dr.stop
		cancel()
	}()

	// Run immediately on start
	dr.RunNow(ctx)

	for {
		select {
		case <-dr.ticker.C:
			dr.RunNow(ctx)
		case <-dr.stop:
			return
		}
	}
}

// RunNow performs one pass over all accounts.
func (dr *DebtorReconciler) RunNow(ctx context.Context) (ReconcileReport, error) {
	dr.runMu.Lock()
	defer dr.runMu.Unlock()

	var report ReconcileReport
	accounts, err := dr.Store.ListAccounts(ctx)
	if err != nil {
		dr.Logger.Error("list accounts failed", "error", err)
		return report, err
	}

	for _, acct := range accounts {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		changed, err := dr.reconcile(ctx, acct.ID)
		if err != nil {
			report.Failed++
			dr.Logger.Warn("debtor flag reconcile failed", "owner_id", acct.ID, "error", err)
			continue
		}
		if changed {
			report.Corrected++
		}
	}

	if report.Corrected > 0 || report.Failed > 0 {
		dr.Logger.Info("reconcile pass completed",
			"checked", report.Checked, "corrected", report.Corrected, "failed", report.Failed)
	} else {
		dr.Logger.Debug("reconcile pass completed", "checked", report.Checked)
	}
	return report, nil
}

// reconcile recomputes one owner's flag and reports whether it changed.
func (dr *DebtorReconciler) reconcile(ctx context.Context, ownerID ledger.OwnerID) (bool, error) {
	unlock, err := dr.Engine.Lock(ctx, ownerID)
	if err != nil {
		return false, err
	}
	defer unlock()

	var flag ledger.DebtorFlag
	err = dr.Store.WithTx(ctx, ownerID, func(repo ledger.Repository) error {
		flag, err = dr.Engine.Debtors(repo).Refresh(ctx, ownerID)
		return err
	})
	if err != nil {
		return false, err
	}
	if flag.Changed && dr.Engine.Notifier != nil {
		if err := dr.Engine.Notifier.Publish(ctx, ledger.EventDebtorFlagChanged, flag.Event()); err != nil {
			dr.Logger.Warn("event publish failed", "event", ledger.EventDebtorFlagChanged, "error", err)
		}
	}
	return flag.Changed, nil
}
