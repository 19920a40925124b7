// Package ledgertest serves a scripted subset of the eth JSON-RPC namespace
// in-process, for tests of code that talks to a node.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// Backend holds the chain state returned by the fake node.
type Backend struct {
	mu       sync.Mutex
	chainID  *big.Int
	gasPrice *big.Int
	gas      uint64
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	failures map[string]error
	accounts map[common.Address]error
	stalled  map[common.Address]bool
	delays   map[string]time.Duration
	calls    map[string]int
	sent     []*types.Transaction
}

func NewBackend(chainID int64) *Backend {
	return &Backend{
		chainID:  big.NewInt(chainID),
		gasPrice: big.NewInt(1),
		gas:      21000,
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		failures: make(map[string]error),
		accounts: make(map[common.Address]error),
		stalled:  make(map[common.Address]bool),
		delays:   make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
}

func (b *Backend) newServer(t testing.TB) *rpc.Server {
	server := rpc.NewServer()
	if err := server.RegisterName("eth", &ethAPI{b: b}); err != nil {
		t.Fatalf("failed to register eth api: %v", err)
	}
	return server
}

// Dial starts an in-process RPC server for b and returns a connected client.
// Both are torn down when the test ends.
func (b *Backend) Dial(t testing.TB) *rpc.Client {
	server := b.newServer(t)
	client := rpc.DialInProc(server)
	t.Cleanup(func() {
		client.Close()
		server.Stop()
	})
	return client
}

// URL serves b over HTTP on a loopback port until the test ends.
func (b *Backend) URL(t testing.TB) string {
	server := b.newServer(t)
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ts.Close()
		server.Stop()
	})
	return ts.URL
}

func (b *Backend) SetBalance(addr common.Address, v *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Set(v)
}

func (b *Backend) SetNonce(addr common.Address, nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonces[addr] = nonce
}

func (b *Backend) SetGasPrice(v *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gasPrice = new(big.Int).Set(v)
}

func (b *Backend) SetGas(gas uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gas = gas
}

// Fail makes every call to method (e.g. "eth_gasPrice") return err until
// cleared with a nil err.
func (b *Backend) Fail(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, method)
		return
	}
	b.failures[method] = err
}

// FailAccount makes balance and nonce queries for addr return err until
// cleared with a nil err.
func (b *Backend) FailAccount(addr common.Address, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.accounts, addr)
		return
	}
	b.accounts[addr] = err
}

// StallAccount makes balance queries for addr hang until the request is
// cancelled.
func (b *Backend) StallAccount(addr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stalled[addr] = true
}

// Balance returns the current balance of addr.
func (b *Backend) Balance(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.balances[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Delay holds every call to method for d, or until the request is cancelled.
func (b *Backend) Delay(method string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delays[method] = d
}

// Calls returns how many times method was invoked.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Sent returns the transactions accepted by eth_sendRawTransaction. An
// accepted transaction debits its cost from the sender, credits its value to
// the recipient and bumps the sender's nonce.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

func (b *Backend) enterAccount(ctx context.Context, method string, addr common.Address) error {
	if err := b.enter(ctx, method); err != nil {
		return err
	}
	b.mu.Lock()
	err := b.accounts[addr]
	stalled := b.stalled[addr] && method == "eth_getBalance"
	b.mu.Unlock()

	if stalled {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (b *Backend) enter(ctx context.Context, method string) error {
	b.mu.Lock()
	b.calls[method]++
	err := b.failures[method]
	delay := b.delays[method]
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

type ethAPI struct {
	b *Backend
}

func (api *ethAPI) ChainId(ctx context.Context) (*hexutil.Big, error) {
	if err := api.b.enter(ctx, "eth_chainId"); err != nil {
		return nil, err
	}
	api.b.mu.Lock()
	defer api.b.mu.Unlock()
	return (*hexutil.Big)(new(big.Int).Set(api.b.chainID)), nil
}

func (api *ethAPI) GetBalance(ctx context.Context, addr common.Address, block string) (*hexutil.Big, error) {
	if err := api.b.enterAccount(ctx, "eth_getBalance", addr); err != nil {
		return nil, err
	}
	api.b.mu.Lock()
	defer api.b.mu.Unlock()
	balance, ok := api.b.balances[addr]
	if !ok {
		return (*hexutil.Big)(new(big.Int)), nil
	}
	return (*hexutil.Big)(new(big.Int).Set(balance)), nil
}

func (api *ethAPI) GasPrice(ctx context.Context) (*hexutil.Big, error) {
	if err := api.b.enter(ctx, "eth_gasPrice"); err != nil {
		return nil, err
	}
	api.b.mu.Lock()
	defer api.b.mu.Unlock()
	return (*hexutil.Big)(new(big.Int).Set(api.b.gasPrice)), nil
}

func (api *ethAPI) GetTransactionCount(ctx context.Context, addr common.Address, block string) (hexutil.Uint64, error) {
	if err := api.b.enterAccount(ctx, "eth_getTransactionCount", addr); err != nil {
		return 0, err
	}
	api.b.mu.Lock()
	defer api.b.mu.Unlock()
	return hexutil.Uint64(api.b.nonces[addr]), nil
}

func (api *ethAPI) EstimateGas(ctx context.Context, args map[string]interface{}, block *string) (hexutil.Uint64, error) {
	if err := api.b.enter(ctx, "eth_estimateGas"); err != nil {
		return 0, err
	}
	if args["to"] == nil {
		return 0, errors.New("missing to")
	}
	api.b.mu.Lock()
	defer api.b.mu.Unlock()
	return hexutil.Uint64(api.b.gas), nil
}

func (api *ethAPI) SendRawTransaction(ctx context.Context, data hexutil.Bytes) (common.Hash, error) {
	if err := api.b.enter(ctx, "eth_sendRawTransaction"); err != nil {
		return common.Hash{}, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(data); err != nil {
		return common.Hash{}, err
	}
	api.b.mu.Lock()
	defer api.b.mu.Unlock()

	from, err := types.Sender(types.LatestSignerForChainID(api.b.chainID), tx)
	if err != nil {
		return common.Hash{}, err
	}
	if tx.Nonce() != api.b.nonces[from] {
		return common.Hash{}, fmt.Errorf("invalid nonce: have %d, want %d", tx.Nonce(), api.b.nonces[from])
	}
	balance := api.b.balances[from]
	if balance == nil || balance.Cmp(tx.Cost()) < 0 {
		return common.Hash{}, errors.New("insufficient funds for gas * price + value")
	}
	api.b.balances[from] = new(big.Int).Sub(balance, tx.Cost())
	if to := tx.To(); to != nil {
		credit := new(big.Int).Set(tx.Value())
		if prev, ok := api.b.balances[*to]; ok {
			credit.Add(credit, prev)
		}
		api.b.balances[*to] = credit
	}
	api.b.nonces[from]++
	api.b.sent = append(api.b.sent, tx)
	return tx.Hash(), nil
}
