package fleet

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/keys"
	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/ledger"
	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/ledger/ledgertest"
	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/monitor"
)

var (
	testKeys = []string{
		"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
		"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
		"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6",
	}
	destination = common.HexToAddress("0xB09FF7F74e627Ac36F7Ddf2dBDBF9CBea9350Aa0")
	funded      = big.NewInt(20_000_000_000_000_000)
	swept       = big.NewInt(19_999_999_999_979_000)
)

func setup(t *testing.T, n int) (*ledgertest.Backend, *ledger.Client, []*keys.Identity, monitor.Config) {
	t.Helper()
	backend := ledgertest.NewBackend(1514)
	client, err := ledger.NewClient(context.Background(), backend.Dial(t), ledger.Config{CallTimeout: time.Second})
	require.NoError(t, err)

	var ids []*keys.Identity
	for _, k := range testKeys[:n] {
		id, err := keys.Parse(k)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	cfg := monitor.Config{
		Destination:   destination,
		Threshold:     uint256.NewInt(10_000_000_000_000_000),
		Interval:      10 * time.Millisecond,
		EstimateValue: uint256.NewInt(100),
		Signer:        client.Signer(),
	}
	return backend, client, ids, cfg
}

func discard() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func start(f *Fleet) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	return cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("fleet did not stop")
	}
}

func senders(t *testing.T, signer types.Signer, txs []*types.Transaction) map[common.Address]*types.Transaction {
	t.Helper()
	out := make(map[common.Address]*types.Transaction)
	for _, tx := range txs {
		from, err := types.Sender(signer, tx)
		require.NoError(t, err)
		require.NotContains(t, out, from, "account swept twice")
		out[from] = tx
	}
	return out
}

func TestFleetSweepsEveryAccount(t *testing.T) {
	backend, client, ids, cfg := setup(t, 3)
	for i, id := range ids {
		backend.SetBalance(id.Address(), funded)
		backend.SetNonce(id.Address(), uint64(i))
	}

	f := New(cfg, client, ids, discard())
	require.Equal(t, 3, f.Size())
	cancel, done := start(f)

	require.Eventually(t, func() bool { return len(backend.Sent()) == 3 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stop(t, cancel, done)

	bySender := senders(t, client.Signer(), backend.Sent())
	require.Len(t, bySender, 3)
	for i, id := range ids {
		tx, ok := bySender[id.Address()]
		require.True(t, ok)
		require.Equal(t, destination, *tx.To())
		require.Equal(t, swept, tx.Value())
		require.Equal(t, uint64(i), tx.Nonce())
		require.Zero(t, backend.Balance(id.Address()).Sign())
	}
	require.Equal(t, new(big.Int).Mul(swept, big.NewInt(3)), backend.Balance(destination))

	s := f.Stats()
	require.Equal(t, uint64(3), s.Swept)
	require.Equal(t, 3, s.Accounts)
	require.Zero(t, s.Failed)
	require.Equal(t, uint256.MustFromBig(new(big.Int).Mul(swept, big.NewInt(3))), s.Amount)
	require.Equal(t, uint256.NewInt(3*21000), s.Fees)
}

func TestFleetIsolatesFailingAccount(t *testing.T) {
	backend, client, ids, cfg := setup(t, 2)
	broken, healthy := ids[0].Address(), ids[1].Address()
	backend.SetBalance(broken, funded)
	backend.SetBalance(healthy, funded)
	backend.FailAccount(broken, errors.New("account index unavailable"))

	f := New(cfg, client, ids, discard(), WithStatsInterval(time.Hour))
	cancel, done := start(f)
	require.Eventually(t, func() bool { return len(backend.Sent()) == 1 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.Stats().Failed >= 2 }, 3*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	bySender := senders(t, client.Signer(), backend.Sent())
	require.Contains(t, bySender, healthy)
	require.NotContains(t, bySender, broken)
	require.Equal(t, funded, backend.Balance(broken))
	require.Equal(t, uint64(1), f.Stats().Swept)
}

func TestFleetIsolatesStalledAccount(t *testing.T) {
	backend, client, ids, cfg := setup(t, 2)
	stalled, healthy := ids[0].Address(), ids[1].Address()
	backend.SetBalance(stalled, funded)
	backend.SetBalance(healthy, funded)
	backend.StallAccount(stalled)

	cancel, done := start(New(cfg, client, ids, discard()))
	require.Eventually(t, func() bool { return len(backend.Sent()) == 1 }, 3*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	require.Contains(t, senders(t, client.Signer(), backend.Sent()), healthy)
}

func TestFleetRecoversWhenGasPriceReturns(t *testing.T) {
	backend, client, ids, cfg := setup(t, 1)
	backend.SetBalance(ids[0].Address(), funded)
	backend.Fail("eth_gasPrice", errors.New("gas oracle down"))

	cancel, done := start(New(cfg, client, ids, discard()))
	require.Eventually(t, func() bool { return backend.Calls("eth_gasPrice") >= 2 }, 3*time.Second, 5*time.Millisecond)
	require.Empty(t, backend.Sent())

	backend.Fail("eth_gasPrice", nil)
	require.Eventually(t, func() bool { return len(backend.Sent()) == 1 }, 3*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)
}

func TestFleetBelowThresholdNeverQuotes(t *testing.T) {
	backend, client, ids, cfg := setup(t, 1)
	backend.SetBalance(ids[0].Address(), big.NewInt(5_000_000_000_000_000))

	cancel, done := start(New(cfg, client, ids, discard()))
	require.Eventually(t, func() bool { return backend.Calls("eth_getBalance") >= 3 }, 3*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	for _, method := range []string{"eth_gasPrice", "eth_getTransactionCount", "eth_estimateGas", "eth_sendRawTransaction"} {
		require.Zero(t, backend.Calls(method), method)
	}
}

func TestFleetDestroysKeysOnStop(t *testing.T) {
	_, client, ids, cfg := setup(t, 2)

	cancel, done := start(New(cfg, client, ids, discard()))
	time.Sleep(20 * time.Millisecond)
	stop(t, cancel, done)

	for _, id := range ids {
		_, err := id.SignTx(types.NewTx(&types.LegacyTx{}), client.Signer())
		require.True(t, errors.Is(err, keys.ErrDestroyed))
	}
}

func TestFleetWithoutAccounts(t *testing.T) {
	_, client, _, cfg := setup(t, 0)
	require.NoError(t, New(cfg, client, nil, discard()).Run(context.Background()))
}

func TestFleetCycleDryRun(t *testing.T) {
	backend, client, ids, cfg := setup(t, 3)
	backend.SetBalance(ids[0].Address(), funded)
	backend.SetBalance(ids[2].Address(), big.NewInt(1))
	backend.FailAccount(ids[1].Address(), errors.New("boom"))
	cfg.DryRun = true

	var (
		order    []common.Address
		outcomes []monitor.Outcome
		errs     []error
	)
	New(cfg, client, ids, discard()).Cycle(context.Background(), func(m *monitor.Monitor, out monitor.Outcome, err error) {
		order = append(order, m.Address())
		outcomes = append(outcomes, out)
		errs = append(errs, err)
	})

	require.Equal(t, []common.Address{ids[0].Address(), ids[1].Address(), ids[2].Address()}, order)
	require.NoError(t, errs[0])
	require.Equal(t, uint256.MustFromBig(swept), outcomes[0].Amount)
	require.False(t, outcomes[0].Swept)
	require.Error(t, errs[1])
	require.NoError(t, errs[2])
	require.Nil(t, outcomes[2].Amount)
	require.Empty(t, backend.Sent())
}
