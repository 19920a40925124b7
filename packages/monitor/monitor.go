// Package monitor runs the poll, decide, sign and submit loop for one account.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/keys"
	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/policy"
)

// Ledger is the node API a monitor consumes. Implementations must be safe for
// concurrent use; one instance is shared by every monitor.
type Ledger interface {
	BalanceAt(ctx context.Context, account common.Address) (*uint256.Int, error)
	SuggestGasPrice(ctx context.Context) (*uint256.Int, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Config is shared read-only by every monitor of a fleet.
type Config struct {
	Destination common.Address
	Threshold   *uint256.Int
	Interval    time.Duration
	// EstimateValue is the value of the template transfer used for gas estimation.
	EstimateValue *uint256.Int
	Signer        types.Signer
	// DryRun signs the transfer but never submits it.
	DryRun bool
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Observer, when set, is told about every completed cycle of Run.
	Observer Observer
}

// Observer receives cycle results from every monitor of a fleet, concurrently.
// Observe must not block.
type Observer interface {
	Observe(account common.Address, out Outcome, err error)
}

// TransferIntent is the transfer built for a single acting cycle.
type TransferIntent struct {
	To       common.Address
	Amount   *uint256.Int
	Nonce    uint64
	GasPrice *uint256.Int
	GasLimit uint64
}

// Transaction returns the unsigned legacy transaction for the intent.
func (t TransferIntent) Transaction() *types.Transaction {
	to := t.To
	return types.NewTx(&types.LegacyTx{
		Nonce:    t.Nonce,
		To:       &to,
		Value:    t.Amount.ToBig(),
		Gas:      t.GasLimit,
		GasPrice: t.GasPrice.ToBig(),
	})
}

// Outcome describes what one cycle did. Fields are filled as far as the
// cycle got before returning.
type Outcome struct {
	// CycleID is set once the balance clears the threshold.
	CycleID string
	Reason  policy.Reason
	Balance *uint256.Int
	Fee     policy.FeeEstimate
	Nonce   uint64
	Amount  *uint256.Int
	TxHash  common.Hash
	Swept   bool
}

type Monitor struct {
	cfg    Config
	ledger Ledger
	id     *keys.Identity
	clock  clock.Clock
	log    log.Logger
}

func New(cfg Config, ledger Ledger, id *keys.Identity, logger log.Logger) *Monitor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	if cfg.EstimateValue == nil {
		cfg.EstimateValue = uint256.NewInt(100)
	}
	return &Monitor{
		cfg:    cfg,
		ledger: ledger,
		id:     id,
		clock:  clk,
		log:    logger.New("account", id.Address()),
	}
}

// Address returns the monitored account.
func (m *Monitor) Address() common.Address {
	return m.id.Address()
}

// Run ticks every Interval, first tick immediately, until ctx is cancelled.
// Ticks missed while a cycle overruns are run back to back once it finishes,
// so cycles never overlap and none is dropped. Cycle errors are logged, never
// returned.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.Interval <= 0 {
		return fmt.Errorf("invalid interval %v", m.cfg.Interval)
	}
	m.log.Info("Monitoring account", "interval", m.cfg.Interval, "threshold", m.cfg.Threshold, "destination", m.cfg.Destination)

	next := m.clock.Now()
	for {
		if err := m.waitUntil(ctx, next); err != nil {
			m.log.Info("Stopped monitoring account")
			return err
		}
		m.runCycle(ctx)
		next = next.Add(m.cfg.Interval)
	}
}

func (m *Monitor) waitUntil(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := deadline.Sub(m.clock.Now())
	if d <= 0 {
		return nil
	}
	timer := m.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Monitor) runCycle(ctx context.Context) {
	out, err := m.Cycle(ctx)

	logger := m.log
	if out.CycleID != "" {
		logger = logger.New("cycle", out.CycleID)
	}
	if err != nil && ctx.Err() != nil {
		logger.Debug("Sweep cycle interrupted", "err", err)
		return
	}
	if m.cfg.Observer != nil {
		m.cfg.Observer.Observe(m.id.Address(), out, err)
	}
	switch {
	case err != nil:
		logger.Error("Sweep cycle failed", "err", err)
	case out.Swept:
		logger.Info("Sweep submitted", "amount", out.Amount, "nonce", out.Nonce,
			"gasPrice", out.Fee.GasPrice, "gas", out.Fee.GasLimit, "tx", out.TxHash)
	case out.Reason == policy.ReasonSweep:
		logger.Info("Sweep ready, not submitted", "amount", out.Amount, "nonce", out.Nonce, "tx", out.TxHash)
	default:
		logger.Debug("Sweep skipped", "reason", out.Reason, "balance", out.Balance)
	}
}

// Cycle performs one poll and, when the balance qualifies, one transfer.
// A balance below the threshold costs exactly one ledger call.
func (m *Monitor) Cycle(ctx context.Context) (Outcome, error) {
	var out Outcome
	addr := m.id.Address()

	balance, err := m.ledger.BalanceAt(ctx, addr)
	if err != nil {
		return out, fmt.Errorf("query balance: %w", err)
	}
	out.Balance = balance
	if !policy.Eligible(balance, m.cfg.Threshold) {
		out.Reason = policy.ReasonBelowThreshold
		return out, nil
	}
	out.CycleID = uuid.NewString()

	fee, nonce, err := m.quote(ctx, addr)
	if err != nil {
		return out, err
	}
	out.Fee, out.Nonce = fee, nonce

	cost, err := fee.Cost()
	if err != nil {
		return out, fmt.Errorf("fee cost: %w", err)
	}
	decision := policy.Decide(balance, cost, m.cfg.Threshold)
	out.Reason = decision.Reason
	if !decision.Act {
		return out, nil
	}
	out.Amount = decision.Amount

	intent := TransferIntent{
		To:       m.cfg.Destination,
		Amount:   decision.Amount,
		Nonce:    nonce,
		GasPrice: fee.GasPrice,
		GasLimit: fee.GasLimit,
	}
	if m.cfg.Signer == nil {
		return out, errors.New("sign transfer: no signer configured")
	}
	signed, err := m.id.SignTx(intent.Transaction(), m.cfg.Signer)
	if err != nil {
		return out, fmt.Errorf("sign transfer: %w", err)
	}
	out.TxHash = signed.Hash()

	if m.cfg.DryRun {
		return out, nil
	}
	if err := m.ledger.SendTransaction(ctx, signed); err != nil {
		return out, fmt.Errorf("send transaction %s: %w", out.TxHash.Hex(), err)
	}
	out.Swept = true
	return out, nil
}

// quote fetches gas price, nonce and gas estimate concurrently. The first
// failure cancels the other two.
func (m *Monitor) quote(ctx context.Context, addr common.Address) (policy.FeeEstimate, uint64, error) {
	var (
		price *uint256.Int
		nonce uint64
		gas   uint64
	)
	dest := m.cfg.Destination
	template := ethereum.CallMsg{
		From:  addr,
		To:    &dest,
		Value: m.cfg.EstimateValue.ToBig(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := m.ledger.SuggestGasPrice(gctx)
		if err != nil {
			return fmt.Errorf("query gas price: %w", err)
		}
		price = p
		return nil
	})
	g.Go(func() error {
		n, err := m.ledger.NonceAt(gctx, addr)
		if err != nil {
			return fmt.Errorf("query nonce: %w", err)
		}
		nonce = n
		return nil
	})
	g.Go(func() error {
		est, err := m.ledger.EstimateGas(gctx, template)
		if err != nil {
			return fmt.Errorf("estimate gas: %w", err)
		}
		gas = est
		return nil
	})
	if err := g.Wait(); err != nil {
		return policy.FeeEstimate{}, 0, err
	}
	return policy.FeeEstimate{GasPrice: price, GasLimit: gas}, nonce, nil
}
