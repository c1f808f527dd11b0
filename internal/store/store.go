// Package store is the persistence seam of the runtime core. Sessions,
// accounts, transactions, usage summaries and pool telemetry all go through
// the one Store interface; the in-memory implementation backs tests and
// development, Postgres and Spanner back production.
package store

import (
	"context"
	"time"

	"github.com/codeloft/backend/internal/core"
)

// LedgerCommit is the canonical unit of work: account snapshots plus the
// transactions that justify them, and optionally the usage summary of the
// billing window that produced the debit. Implementations apply the whole
// commit atomically; a gift's two transactions live or die together here.
type LedgerCommit struct {
	Accounts     []*core.Account
	Transactions []*core.Transaction
	Summary      *core.UsageSummary
}

// Store is the repository interface the core consumes. Every write is
// transactional; reads are scoped by the ids the caller already owns.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *core.Session) error
	GetSession(ctx context.Context, id string) (*core.Session, error)
	UpdateSession(ctx context.Context, s *core.Session) error
	ActiveSessionFor(ctx context.Context, userID, projectID string) (*core.Session, error)
	ListActiveSessions(ctx context.Context) ([]*core.Session, error)

	// Accounts
	CreateAccount(ctx context.Context, a *core.Account) error
	GetAccount(ctx context.Context, id string) (*core.Account, error)
	AccountForUser(ctx context.Context, userID string) (*core.Account, error)
	ListAccounts(ctx context.Context) ([]*core.Account, error)

	// Ledger
	CommitLedger(ctx context.Context, commit *LedgerCommit) error
	TransactionsFor(ctx context.Context, accountID string) ([]*core.Transaction, error)

	// MemberSpend sums usage debits an actor charged against an account since
	// the given instant. The ledger uses it for team-pool cap enforcement.
	MemberSpend(ctx context.Context, accountID, actorID string, since time.Time) (int64, error)

	// Team pools
	CreateTeamPool(ctx context.Context, p *core.TeamPool) error
	GetTeamPool(ctx context.Context, id string) (*core.TeamPool, error)

	// Usage summaries
	SummariesFor(ctx context.Context, sessionID string) ([]*core.UsageSummary, error)

	// Pool telemetry
	RecordPoolTelemetry(ctx context.Context, rows []core.PoolTelemetry) error

	Ping(ctx context.Context) error
	Close() error
}
