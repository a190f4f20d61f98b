// Package guardian enforces the two budget axes a run must respect: wall
// clock elapsed since the trace started, and cumulative dollar cost against
// daily/monthly caps. Grounded on kernel/guardian.py's BudgetGuardian (the
// timeout check) composed with the teacher's budget.Tracker cost-accounting
// logic (daily/monthly spend limits, downgrade hints).
package guardian

import (
	"fmt"
	"sync"
	"time"

	"github.com/overhuman/overhuman/internal/kinderr"
)

// Guardian tracks one trace's elapsed time and spend, and raises a Budget
// error the moment either axis is exceeded.
type Guardian struct {
	mu        sync.Mutex
	startedAt time.Time
	timeout   time.Duration
	budgetUSD float64
	spent     float64

	dailyLimit   float64
	monthlyLimit float64
	daySpent     float64
	monthSpent   float64
}

// New creates a Guardian for one trace with a per-run dollar budget and
// wall-clock timeout, matching BudgetGuardian(budget_usd, timeout_ms).
func New(budgetUSD float64, timeout time.Duration) *Guardian {
	return &Guardian{
		startedAt: time.Now(),
		timeout:   timeout,
		budgetUSD: budgetUSD,
	}
}

// WithSpendLimits attaches daily/monthly caps on top of the per-run budget,
// the axis the Python guardian doesn't model but the teacher's Tracker does.
func (g *Guardian) WithSpendLimits(daily, monthly float64) *Guardian {
	g.dailyLimit = daily
	g.monthlyLimit = monthly
	return g
}

// Check raises a kinderr.Budget error if elapsed wall-clock time, per-run
// spend, or the daily/monthly caps have been exceeded. Called after every
// pipeline stage, mirroring cmd_run's guardian.check() calls.
func (g *Guardian) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if elapsed := time.Since(g.startedAt); elapsed > g.timeout {
		return kinderr.New(kinderr.Budget, "guardian.Check",
			fmt.Errorf("elapsed %s exceeds timeout %s", elapsed, g.timeout))
	}
	if g.budgetUSD > 0 && g.spent > g.budgetUSD {
		return kinderr.New(kinderr.Budget, "guardian.Check",
			fmt.Errorf("spend $%.4f exceeds run budget $%.4f", g.spent, g.budgetUSD))
	}
	if g.dailyLimit > 0 && g.daySpent > g.dailyLimit {
		return kinderr.New(kinderr.Budget, "guardian.Check",
			fmt.Errorf("daily spend $%.4f exceeds limit $%.4f", g.daySpent, g.dailyLimit))
	}
	if g.monthlyLimit > 0 && g.monthSpent > g.monthlyLimit {
		return kinderr.New(kinderr.Budget, "guardian.Check",
			fmt.Errorf("monthly spend $%.4f exceeds limit $%.4f", g.monthSpent, g.monthlyLimit))
	}
	return nil
}

// Record adds cost to the run, day, and month totals. The caller supplies
// cost from an LLM call's meta; cost of 0 is a no-op but still safe to call.
func (g *Guardian) Record(cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spent += cost
	g.daySpent += cost
	g.monthSpent += cost
}

// Spent returns the cumulative per-run spend recorded so far.
func (g *Guardian) Spent() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spent
}

// Elapsed returns wall-clock time since the guardian was created.
func (g *Guardian) Elapsed() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Since(g.startedAt)
}

// RemainingDaily reports how much of the daily cap is left, or -1 if no cap
// is configured.
func (g *Guardian) RemainingDaily() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dailyLimit <= 0 {
		return -1
	}
	if r := g.dailyLimit - g.daySpent; r > 0 {
		return r
	}
	return 0
}

// RemainingMonthly reports how much of the monthly cap is left, or -1 if no
// cap is configured.
func (g *Guardian) RemainingMonthly() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.monthlyLimit <= 0 {
		return -1
	}
	if r := g.monthlyLimit - g.monthSpent; r > 0 {
		return r
	}
	return 0
}

// ShouldDowngrade reports whether the caller should fall back to a cheaper
// model: true once daily spend crosses 80% of its cap.
func (g *Guardian) ShouldDowngrade() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dailyLimit <= 0 {
		return false
	}
	return g.daySpent >= 0.8*g.dailyLimit
}
