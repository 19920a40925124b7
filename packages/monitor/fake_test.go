package monitor

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// fakeLedger is a scripted Ledger. A successful send debits value plus fee.
type fakeLedger struct {
	mu sync.Mutex

	balance  *uint256.Int
	gasPrice *uint256.Int
	nonce    uint64
	gas      uint64

	balanceErr  error
	gasPriceErr error
	nonceErr    error
	gasErr      error
	sendErr     error

	onBalance func(ctx context.Context)

	calls     map[string]int
	estimates []ethereum.CallMsg
	sent      []*types.Transaction
}

func newFakeLedger(balance uint64) *fakeLedger {
	return &fakeLedger{
		balance:  uint256.NewInt(balance),
		gasPrice: uint256.NewInt(1),
		nonce:    7,
		gas:      21000,
		calls:    make(map[string]int),
	}
}

func (f *fakeLedger) record(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
}

func (f *fakeLedger) BalanceAt(ctx context.Context, account common.Address) (*uint256.Int, error) {
	f.record("balance")
	if f.onBalance != nil {
		f.onBalance(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.balance.Clone(), nil
}

func (f *fakeLedger) SuggestGasPrice(ctx context.Context) (*uint256.Int, error) {
	f.record("gasPrice")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gasPriceErr != nil {
		return nil, f.gasPriceErr
	}
	return f.gasPrice.Clone(), nil
}

func (f *fakeLedger) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.record("nonce")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, f.nonceErr
}

func (f *fakeLedger) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.record("estimate")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimates = append(f.estimates, msg)
	return f.gas, f.gasErr
}

func (f *fakeLedger) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.record("send")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)

	spent, _ := uint256.FromBig(tx.Cost())
	if spent.Gt(f.balance) {
		f.balance.Clear()
	} else {
		f.balance.Sub(f.balance, spent)
	}
	f.nonce++
	return nil
}

func (f *fakeLedger) set(fn func(f *fakeLedger)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeLedger) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeLedger) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}
