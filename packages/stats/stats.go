package stats

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/monitor"
)

// Tracker aggregates cycle outcomes across a fleet and reports them
// periodically. It implements monitor.Observer.
type Tracker struct {
	mu    sync.RWMutex
	log   log.Logger
	clock clock.Clock

	cycles  uint64
	skipped uint64
	failed  uint64
	ready   uint64
	swept   uint64
	// Totals over submitted sweeps only, in wei.
	amount *uint256.Int
	fees   *uint256.Int

	accounts  map[common.Address]struct{}
	startTime time.Time
	lastSweep time.Time
}

// Snapshot is a point-in-time copy of the tracker's counters.
type Snapshot struct {
	Cycles   uint64
	Skipped  uint64
	Failed   uint64
	Ready    uint64
	Swept    uint64
	Amount   *uint256.Int
	Fees     *uint256.Int
	Accounts int
	Uptime   time.Duration
	// LastSweep is zero until the first submitted sweep.
	LastSweep time.Time
}

// NewTracker creates a tracker. A nil clk uses the wall clock.
func NewTracker(l log.Logger, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		log:       l,
		clock:     clk,
		amount:    new(uint256.Int),
		fees:      new(uint256.Int),
		accounts:  make(map[common.Address]struct{}),
		startTime: clk.Now(),
	}
}

func (t *Tracker) Observe(account common.Address, out monitor.Outcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cycles++
	t.accounts[account] = struct{}{}
	switch {
	case err != nil:
		t.failed++
	case out.Swept:
		t.swept++
		t.lastSweep = t.clock.Now()
		if out.Amount != nil {
			t.amount.Add(t.amount, out.Amount)
		}
		if cost, err := out.Fee.Cost(); err == nil {
			t.fees.Add(t.fees, cost)
		}
	case out.Amount != nil:
		t.ready++
	default:
		t.skipped++
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Cycles:    t.cycles,
		Skipped:   t.skipped,
		Failed:    t.failed,
		Ready:     t.ready,
		Swept:     t.swept,
		Amount:    t.amount.Clone(),
		Fees:      t.fees.Clone(),
		Accounts:  len(t.accounts),
		Uptime:    t.clock.Since(t.startTime),
		LastSweep: t.lastSweep,
	}
}

// Run logs a summary every interval and a final one when ctx is done.
// A non-positive interval only logs the final summary.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		t.report(true)
		return
	}
	ticker := t.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.report(true)
			return
		case <-ticker.C:
			t.report(false)
		}
	}
}

func (t *Tracker) report(final bool) {
	s := t.Snapshot()
	msg := "Sweep statistics"
	if final {
		msg = "Final sweep statistics"
	}
	ctx := []interface{}{
		"accounts", s.Accounts,
		"cycles", s.Cycles,
		"swept", s.Swept,
		"ready", s.Ready,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"amount", s.Amount,
		"fees", s.Fees,
		"uptime", s.Uptime.Round(time.Second).String(),
	}
	if !s.LastSweep.IsZero() {
		ctx = append(ctx, "lastSweep", s.LastSweep.Format("2006-01-02 15:04:05"))
	}
	t.log.Info(msg, ctx...)
}
