package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloft/backend/internal/config"
	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/store"
)

func testLedger(t *testing.T) (*Service, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	cfg := config.Default().Ledger
	cfg.MonthlyAllocation = 0 // tests grant explicitly
	return New(st, cfg), st
}

func openAccount(t *testing.T, svc *Service, userID string, balance int64) *core.Account {
	t.Helper()
	acct, err := svc.OpenAccount(context.Background(), userID)
	require.NoError(t, err)
	if balance > 0 {
		require.NoError(t, svc.Grant(context.Background(), acct.ID, balance, "seed"))
	}
	return acct
}

func assertBalanceEqualsSum(t *testing.T, svc *Service, accountID string) {
	t.Helper()
	ok, err := svc.Audit(context.Background(), accountID)
	require.NoError(t, err)
	assert.True(t, ok, "balance must equal sum of transactions for %s", accountID)
}

func TestGrantConsumeRoundtrip(t *testing.T) {
	svc, st := testLedger(t)
	ctx := context.Background()
	acct := openAccount(t, svc, "alice", 0)

	require.NoError(t, svc.Grant(ctx, acct.ID, 100, "promo"))
	require.NoError(t, svc.Consume(ctx, acct.ID, 100, "usage", "sess-1", "alice"))

	bal, err := svc.Balance(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	txs, err := st.TransactionsFor(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assertBalanceEqualsSum(t, svc, acct.ID)
}

func TestGrantRejectsNonPositive(t *testing.T) {
	svc, _ := testLedger(t)
	acct := openAccount(t, svc, "alice", 0)

	assert.Error(t, svc.Grant(context.Background(), acct.ID, 0, "zero"))
	assert.Error(t, svc.Grant(context.Background(), acct.ID, -5, "negative"))
}

func TestConsumeInsufficientBalance(t *testing.T) {
	svc, st := testLedger(t)
	ctx := context.Background()
	acct := openAccount(t, svc, "alice", 10)

	err := svc.Consume(ctx, acct.ID, 11, "usage", "sess-1", "alice")
	require.ErrorIs(t, err, core.ErrInsufficientBalance)

	// nothing written on failure
	txs, err := st.TransactionsFor(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1) // the seed grant only
	bal, _ := svc.Balance(ctx, acct.ID)
	assert.Equal(t, int64(10), bal)
}

func TestEarnFromClosedTable(t *testing.T) {
	svc, _ := testLedger(t)
	ctx := context.Background()
	acct := openAccount(t, svc, "alice", 0)

	require.NoError(t, svc.Earn(ctx, acct.ID, "merged_change", "pr-42"))
	bal, err := svc.Balance(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), bal)

	assert.Error(t, svc.Earn(ctx, acct.ID, "unheard_of_kind", "x"))
	assertBalanceEqualsSum(t, svc, acct.ID)
}

func TestGiftAtomicity(t *testing.T) {
	svc, st := testLedger(t)
	ctx := context.Background()
	a := openAccount(t, svc, "alice", 10)
	b := openAccount(t, svc, "bob", 10)

	require.NoError(t, svc.Gift(ctx, a.ID, b.ID, 5, "thanks"))

	balA, _ := svc.Balance(ctx, a.ID)
	balB, _ := svc.Balance(ctx, b.ID)
	assert.Equal(t, int64(5), balA)
	assert.Equal(t, int64(15), balB)

	txsA, _ := st.TransactionsFor(ctx, a.ID)
	txsB, _ := st.TransactionsFor(ctx, b.ID)
	assert.Equal(t, core.TxGiftOut, txsA[len(txsA)-1].Kind)
	assert.Equal(t, core.TxGiftIn, txsB[len(txsB)-1].Kind)

	// over-balance gift writes neither side
	err := svc.Gift(ctx, a.ID, b.ID, 100, "too much")
	require.ErrorIs(t, err, core.ErrInsufficientBalance)
	txsA2, _ := st.TransactionsFor(ctx, a.ID)
	txsB2, _ := st.TransactionsFor(ctx, b.ID)
	assert.Len(t, txsA2, len(txsA))
	assert.Len(t, txsB2, len(txsB))
}

func TestDoubleGiftNeutrality(t *testing.T) {
	svc, st := testLedger(t)
	ctx := context.Background()
	a := openAccount(t, svc, "alice", 20)
	b := openAccount(t, svc, "bob", 20)

	require.NoError(t, svc.Gift(ctx, a.ID, b.ID, 7, ""))
	require.NoError(t, svc.Gift(ctx, b.ID, a.ID, 7, ""))

	balA, _ := svc.Balance(ctx, a.ID)
	balB, _ := svc.Balance(ctx, b.ID)
	assert.Equal(t, int64(20), balA)
	assert.Equal(t, int64(20), balB)

	txsA, _ := st.TransactionsFor(ctx, a.ID)
	txsB, _ := st.TransactionsFor(ctx, b.ID)
	assert.Len(t, txsA, 3) // seed + out + in
	assert.Len(t, txsB, 3)
}

// Concurrent opposing gifts must not deadlock, lose updates, or pass through
// a negative intermediate balance.
func TestConcurrentGiftContention(t *testing.T) {
	svc, st := testLedger(t)
	ctx := context.Background()
	a := openAccount(t, svc, "alice", 10)
	b := openAccount(t, svc, "bob", 10)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, svc.Gift(ctx, a.ID, b.ID, 5, ""))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, svc.Gift(ctx, b.ID, a.ID, 3, ""))
	}()
	wg.Wait()

	balA, _ := svc.Balance(ctx, a.ID)
	balB, _ := svc.Balance(ctx, b.ID)
	assert.Equal(t, int64(8), balA)
	assert.Equal(t, int64(12), balB)

	txsA, _ := st.TransactionsFor(ctx, a.ID)
	txsB, _ := st.TransactionsFor(ctx, b.ID)
	assert.Len(t, txsA, 3)
	assert.Len(t, txsB, 3)
	assertBalanceEqualsSum(t, svc, a.ID)
	assertBalanceEqualsSum(t, svc, b.ID)
}

func TestMonthlyRolloverCapsCarry(t *testing.T) {
	// the default config carries a real allocation: 1000/month, capacity 500
	svc := New(store.NewMemStore(), config.Default().Ledger)
	ctx := context.Background()

	rich, err := svc.OpenAccount(ctx, "rich")
	require.NoError(t, err)
	poor, err := svc.OpenAccount(ctx, "poor")
	require.NoError(t, err)

	// spend the opening allocation down to 900 and 100 before the month turns
	require.NoError(t, svc.Consume(ctx, rich.ID, 100, "usage", "sess-r", "rich"))
	require.NoError(t, svc.Consume(ctx, poor.ID, 900, "usage", "sess-p", "poor"))

	require.NoError(t, svc.MonthlyRollover(ctx))

	// capacity 500, allocation 1000
	balRich, _ := svc.Balance(ctx, rich.ID)
	balPoor, _ := svc.Balance(ctx, poor.ID)
	assert.Equal(t, int64(500+1000), balRich, "carry clamps at rollover capacity")
	assert.Equal(t, int64(100+1000), balPoor)

	assertBalanceEqualsSum(t, svc, rich.ID)
	assertBalanceEqualsSum(t, svc, poor.ID)
}

func TestTeamPoolCaps(t *testing.T) {
	svc, st := testLedger(t)
	ctx := context.Background()

	shared := openAccount(t, svc, "team-shared", 10000)
	pool := &core.TeamPool{
		ID:                "pool-1",
		Name:              "platform",
		AccountID:         shared.ID,
		MemberDailyCap:    200,
		MemberMonthlyCap:  2000,
		ApprovalThreshold: 500,
	}
	require.NoError(t, st.CreateTeamPool(ctx, pool))

	// re-read before the membership commit: snapshots replace the account
	// record wholesale, and the copy from openAccount predates the seed grant
	member, err := st.GetAccount(ctx, shared.ID)
	require.NoError(t, err)
	member.TeamPoolID = pool.ID
	require.NoError(t, st.CommitLedger(ctx, &store.LedgerCommit{Accounts: []*core.Account{member}}))

	seeded, _ := svc.Balance(ctx, shared.ID)
	require.Equal(t, int64(10000), seeded)

	// under cap passes
	require.NoError(t, svc.Consume(ctx, shared.ID, 150, "usage", "sess-1", "carol"))

	// next debit would push carol past the daily cap; no mutation happens
	before, _ := svc.Balance(ctx, shared.ID)
	err = svc.Consume(ctx, shared.ID, 100, "usage", "sess-2", "carol")
	require.ErrorIs(t, err, core.ErrCapExceeded)
	after, _ := svc.Balance(ctx, shared.ID)
	assert.Equal(t, before, after)

	// another member has an untouched cap
	require.NoError(t, svc.Consume(ctx, shared.ID, 100, "usage", "sess-3", "dave"))

	// above the approval threshold needs out-of-band confirmation
	err = svc.Consume(ctx, shared.ID, 600, "usage", "sess-4", "dave")
	require.ErrorIs(t, err, core.ErrApprovalRequired)

	assertBalanceEqualsSum(t, svc, shared.ID)
}

func TestPredictDepletion(t *testing.T) {
	svc, _ := testLedger(t)
	ctx := context.Background()
	acct := openAccount(t, svc, "alice", 120)

	hours, err := svc.PredictDepletion(ctx, acct.ID, 60)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, hours, 0.001)

	hours, err = svc.PredictDepletion(ctx, acct.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, float64(-1), hours)
}
