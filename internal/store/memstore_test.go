package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloft/backend/internal/core"
)

func testSession(id, userID, projectID string, startedAt time.Time) *core.Session {
	return &core.Session{
		ID:             id,
		UserID:         userID,
		ProjectID:      projectID,
		EnvClass:       core.EnvDevelopment,
		StartedAt:      startedAt,
		LastActivityAt: startedAt,
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	s := testSession("sess-1", "u-1", "proj-a", now)
	require.NoError(t, m.CreateSession(ctx, s))
	require.Error(t, m.CreateSession(ctx, s))

	got, err := m.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.UserID)

	// the store hands out copies, not aliases
	got.UserID = "mutated"
	again, err := m.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", again.UserID)

	_, err = m.GetSession(ctx, "sess-nope")
	require.ErrorIs(t, err, core.ErrSessionNotFound)

	s.SandboxID = "sb-1"
	require.NoError(t, m.UpdateSession(ctx, s))
	got, err = m.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sb-1", got.SandboxID)

	require.ErrorIs(t, m.UpdateSession(ctx, testSession("sess-nope", "u", "p", now)),
		core.ErrSessionNotFound)
}

func TestActiveSessionLookups(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	older := testSession("sess-1", "u-1", "proj-a", now.Add(-time.Hour))
	newer := testSession("sess-2", "u-2", "proj-b", now)
	ended := testSession("sess-3", "u-1", "proj-c", now.Add(-2*time.Hour))
	term := now.Add(-time.Hour)
	ended.TerminatedAt = &term

	for _, s := range []*core.Session{older, newer, ended} {
		require.NoError(t, m.CreateSession(ctx, s))
	}

	got, err := m.ActiveSessionFor(ctx, "u-1", "proj-a")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.ID)

	// terminated sessions do not resolve
	_, err = m.ActiveSessionFor(ctx, "u-1", "proj-c")
	require.ErrorIs(t, err, core.ErrSessionNotFound)

	active, err := m.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "sess-1", active[0].ID) // ordered by start time
	assert.Equal(t, "sess-2", active[1].ID)
}

func TestAccountsAndUserIndex(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	a := &core.Account{ID: "acct-1", UserID: "u-1", Balance: 100}
	require.NoError(t, m.CreateAccount(ctx, a))
	require.Error(t, m.CreateAccount(ctx, a))
	require.NoError(t, m.CreateAccount(ctx, &core.Account{ID: "acct-2", Balance: 50}))

	got, err := m.AccountForUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", got.ID)

	_, err = m.AccountForUser(ctx, "u-unknown")
	require.ErrorIs(t, err, core.ErrAccountNotFound)

	all, err := m.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acct-1", all[0].ID)
}

func TestCommitLedgerAppliesAtomically(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.CreateAccount(ctx, &core.Account{ID: "acct-1", UserID: "u-1", Balance: 100}))
	require.NoError(t, m.CreateSession(ctx, testSession("sess-1", "u-1", "proj-a", now)))

	commit := &LedgerCommit{
		Accounts: []*core.Account{{ID: "acct-1", UserID: "u-1", Balance: 94}},
		Transactions: []*core.Transaction{{
			ID: "tx-1", AccountID: "acct-1", ActorID: "u-1",
			Amount: -6, Kind: core.TxUsage, CreatedAt: now,
		}},
		Summary: &core.UsageSummary{
			ID: "sum-1", SessionID: "sess-1",
			WindowStart: now.Add(-time.Minute), WindowEnd: now,
			CostUnits: 6, CommittedAt: now,
		},
	}
	require.NoError(t, m.CommitLedger(ctx, commit))

	acct, err := m.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.EqualValues(t, 94, acct.Balance)

	txs, err := m.TransactionsFor(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.EqualValues(t, -6, txs[0].Amount)

	sums, err := m.SummariesFor(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.EqualValues(t, 6, sums[0].CostUnits)
}

func TestCommitLedgerRejectsUnknownAccountWholesale(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	require.NoError(t, m.CreateAccount(ctx, &core.Account{ID: "acct-1", Balance: 100}))

	err := m.CommitLedger(ctx, &LedgerCommit{
		Accounts: []*core.Account{
			{ID: "acct-1", Balance: 50},
			{ID: "acct-ghost", Balance: 50},
		},
		Transactions: []*core.Transaction{{ID: "tx-1", AccountID: "acct-1", Amount: -50}},
	})
	require.ErrorIs(t, err, core.ErrAccountNotFound)

	// nothing applied
	acct, err := m.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, acct.Balance)
	txs, err := m.TransactionsFor(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestMemberSpendWindow(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.CreateAccount(ctx, &core.Account{ID: "team-1", Balance: 1000}))
	require.NoError(t, m.CommitLedger(ctx, &LedgerCommit{
		Accounts: []*core.Account{{ID: "team-1", Balance: 1000}},
		Transactions: []*core.Transaction{
			{ID: "tx-1", AccountID: "team-1", ActorID: "u-1", Amount: -30, CreatedAt: now.Add(-2 * time.Hour)},
			{ID: "tx-2", AccountID: "team-1", ActorID: "u-1", Amount: -10, CreatedAt: now.Add(-10 * time.Minute)},
			{ID: "tx-3", AccountID: "team-1", ActorID: "u-2", Amount: -40, CreatedAt: now.Add(-5 * time.Minute)},
			{ID: "tx-4", AccountID: "team-1", ActorID: "u-1", Amount: 25, CreatedAt: now.Add(-5 * time.Minute)},
		},
	}))

	// only u-1's debits inside the window count; credits are ignored
	spent, err := m.MemberSpend(ctx, "team-1", "u-1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 10, spent)

	spent, err = m.MemberSpend(ctx, "team-1", "u-1", now.Add(-3*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 40, spent)
}

func TestTeamPools(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	p := &core.TeamPool{ID: "pool-1", Name: "platform", AccountID: "team-1",
		MemberDailyCap: 200, ApprovalThreshold: 500}
	require.NoError(t, m.CreateTeamPool(ctx, p))
	require.Error(t, m.CreateTeamPool(ctx, p))

	got, err := m.GetTeamPool(ctx, "pool-1")
	require.NoError(t, err)
	assert.EqualValues(t, 200, got.MemberDailyCap)

	_, err = m.GetTeamPool(ctx, "pool-nope")
	require.ErrorIs(t, err, core.ErrTeamPoolNotFound)
}

func TestRecordPoolTelemetry(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	rows := []core.PoolTelemetry{
		{Key: core.RuntimeKey{Language: "python", Version: "3.11"}, Size: 3, Active: 1},
		{Key: core.RuntimeKey{Language: "go", Version: "1.24"}, Size: 1},
	}
	require.NoError(t, m.RecordPoolTelemetry(ctx, rows))
	require.NoError(t, m.RecordPoolTelemetry(ctx, rows[:1]))

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Len(t, m.telemetry, 3)
}
