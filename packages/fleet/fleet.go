// Package fleet runs one monitor per signing identity and owns their keys.
package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/keys"
	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/monitor"
	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/stats"
)

type Fleet struct {
	monitors      []*monitor.Monitor
	identities    []*keys.Identity
	tracker       *stats.Tracker
	statsInterval time.Duration
	log           log.Logger
}

type Option func(*Fleet)

// WithStatsInterval makes Run log a statistics summary every d. Without it
// only the final summary is logged.
func WithStatsInterval(d time.Duration) Option {
	return func(f *Fleet) {
		f.statsInterval = d
	}
}

// New builds one monitor per identity, in the given order. The fleet takes
// ownership of the identities and destroys them when Run returns.
func New(cfg monitor.Config, ledger monitor.Ledger, ids []*keys.Identity, logger log.Logger, opts ...Option) *Fleet {
	f := &Fleet{
		identities: ids,
		tracker:    stats.NewTracker(logger, cfg.Clock),
		log:        logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	cfg.Observer = f.tracker
	for _, id := range ids {
		f.monitors = append(f.monitors, monitor.New(cfg, ledger, id, logger))
	}
	return f
}

// Size returns the number of monitored accounts.
func (f *Fleet) Size() int {
	return len(f.monitors)
}

// Stats returns the counters accumulated by Run so far.
func (f *Fleet) Stats() stats.Snapshot {
	return f.tracker.Snapshot()
}

// Run starts every monitor and blocks until all of them return, which only
// happens once ctx is cancelled. Cancellation is not an error.
func (f *Fleet) Run(ctx context.Context) error {
	defer f.destroy()

	if len(f.monitors) == 0 {
		f.log.Warn("No accounts to monitor")
		return nil
	}
	f.log.Info("Starting sweep fleet", "accounts", len(f.monitors))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		f.tracker.Run(gctx, f.statsInterval)
		return nil
	})
	for _, m := range f.monitors {
		m := m
		g.Go(func() error {
			return m.Run(gctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	f.log.Info("Sweep fleet stopped", "accounts", len(f.monitors))
	return err
}

// Cycle runs a single cycle for every account, sequentially, in order.
func (f *Fleet) Cycle(ctx context.Context, fn func(m *monitor.Monitor, out monitor.Outcome, err error)) {
	defer f.destroy()

	for _, m := range f.monitors {
		if ctx.Err() != nil {
			return
		}
		out, err := m.Cycle(ctx)
		fn(m, out, err)
	}
}

func (f *Fleet) destroy() {
	for _, id := range f.identities {
		id.Destroy()
	}
}
