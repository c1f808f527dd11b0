package store

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/codeloft/backend/internal/core"
)

// SpannerStore backs the Store interface with Cloud Spanner. CommitLedger
// maps to one ReadWriteTransaction; list reads off the commit path use a
// bounded-staleness read-only transaction.
type SpannerStore struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerStore connects to the database path
// projects/<p>/instances/<i>/databases/<d>.
func NewSpannerStore(database string) (*SpannerStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := spanner.NewClient(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("spanner client: %w", err)
	}
	return &SpannerStore{
		client: client,
		logger: log.New(log.Writer(), "[SPANNER] ", log.LstdFlags),
	}, nil
}

const staleness = 10 * time.Second

var sessionCols = []string{"Id", "UserId", "ProjectId", "SandboxId", "EnvironmentClass",
	"StartedAt", "LastActivityAt", "IdleSince", "TerminatedAt", "TerminationCause", "FinalCost"}

var accountCols = []string{"Id", "UserId", "Balance", "LifetimeEarned", "LifetimeSpent",
	"GiftedSent", "GiftedReceived", "MonthlyAllocation", "RolloverCapacity",
	"LastRolloverAt", "TeamPoolId", "CreatedAt", "UpdatedAt"}

func (s *SpannerStore) CreateSession(ctx context.Context, sess *core.Session) error {
	m := spanner.Insert("Sessions", sessionCols, sessionVals(sess))
	_, err := s.client.Apply(ctx, []*spanner.Mutation{m})
	return err
}

func (s *SpannerStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	row, err := s.client.Single().ReadRow(ctx, "Sessions", spanner.Key{id}, sessionCols)
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, fmt.Errorf("%s: %w", id, core.ErrSessionNotFound)
		}
		return nil, err
	}
	return decodeSession(row)
}

func (s *SpannerStore) UpdateSession(ctx context.Context, sess *core.Session) error {
	m := spanner.Update("Sessions", sessionCols, sessionVals(sess))
	_, err := s.client.Apply(ctx, []*spanner.Mutation{m})
	if spanner.ErrCode(err) == codes.NotFound {
		return fmt.Errorf("%s: %w", sess.ID, core.ErrSessionNotFound)
	}
	return err
}

func (s *SpannerStore) ActiveSessionFor(ctx context.Context, userID, projectID string) (*core.Session, error) {
	stmt := spanner.Statement{
		SQL: `SELECT ` + colList(sessionCols) + ` FROM Sessions
			WHERE UserId = @user AND ProjectId = @project AND TerminatedAt IS NULL
			ORDER BY StartedAt DESC LIMIT 1`,
		Params: map[string]interface{}{"user": userID, "project": projectID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(row)
}

func (s *SpannerStore) ListActiveSessions(ctx context.Context) ([]*core.Session, error) {
	ro := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(staleness))
	defer ro.Close()

	stmt := spanner.Statement{SQL: `SELECT ` + colList(sessionCols) + ` FROM Sessions
		WHERE TerminatedAt IS NULL ORDER BY StartedAt`}
	iter := ro.Query(ctx, stmt)
	defer iter.Stop()

	var out []*core.Session
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		sess, err := decodeSession(row)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
}

func (s *SpannerStore) CreateAccount(ctx context.Context, a *core.Account) error {
	m := spanner.Insert("Accounts", accountCols, accountVals(a))
	_, err := s.client.Apply(ctx, []*spanner.Mutation{m})
	return err
}

func (s *SpannerStore) GetAccount(ctx context.Context, id string) (*core.Account, error) {
	row, err := s.client.Single().ReadRow(ctx, "Accounts", spanner.Key{id}, accountCols)
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, fmt.Errorf("%s: %w", id, core.ErrAccountNotFound)
		}
		return nil, err
	}
	return decodeAccount(row)
}

func (s *SpannerStore) AccountForUser(ctx context.Context, userID string) (*core.Account, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT ` + colList(accountCols) + ` FROM Accounts WHERE UserId = @user LIMIT 1`,
		Params: map[string]interface{}{"user": userID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, fmt.Errorf("user %s: %w", userID, core.ErrAccountNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeAccount(row)
}

func (s *SpannerStore) ListAccounts(ctx context.Context) ([]*core.Account, error) {
	ro := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(staleness))
	defer ro.Close()

	iter := ro.Query(ctx, spanner.Statement{SQL: `SELECT ` + colList(accountCols) + ` FROM Accounts ORDER BY Id`})
	defer iter.Stop()

	var out []*core.Account
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		a, err := decodeAccount(row)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
}

// CommitLedger buffers all mutations into one ReadWriteTransaction so the
// balance updates and transaction rows commit or abort together.
func (s *SpannerStore) CommitLedger(ctx context.Context, commit *LedgerCommit) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var muts []*spanner.Mutation
		for _, a := range commit.Accounts {
			// existence check keeps the semantics aligned with the SQL store
			if _, err := txn.ReadRow(ctx, "Accounts", spanner.Key{a.ID}, []string{"Id"}); err != nil {
				if spanner.ErrCode(err) == codes.NotFound {
					return fmt.Errorf("%s: %w", a.ID, core.ErrAccountNotFound)
				}
				return err
			}
			muts = append(muts, spanner.Update("Accounts", accountCols, accountVals(a)))
		}
		for _, t := range commit.Transactions {
			muts = append(muts, spanner.Insert("CreditTransactions",
				[]string{"Id", "AccountId", "ActorId", "Amount", "Kind", "Description", "Reference", "CreatedAt"},
				[]interface{}{t.ID, t.AccountID, t.ActorID, t.Amount, string(t.Kind), t.Description, t.Reference, t.CreatedAt}))
		}
		if u := commit.Summary; u != nil {
			muts = append(muts, spanner.Insert("UsageSummaries",
				[]string{"Id", "SessionId", "WindowStart", "WindowEnd", "CpuCoreSeconds",
					"MemGibSeconds", "IoMegabytes", "NetMegabytes", "CostUnits", "CommittedAt"},
				[]interface{}{u.ID, u.SessionID, u.WindowStart, u.WindowEnd, u.CPUCoreSeconds,
					u.MemGiBSeconds, u.IOMegabytes, u.NetMegabytes, u.CostUnits, u.CommittedAt}))
		}
		return txn.BufferWrite(muts)
	})
	return err
}

func (s *SpannerStore) TransactionsFor(ctx context.Context, accountID string) ([]*core.Transaction, error) {
	stmt := spanner.Statement{
		SQL: `SELECT Id, AccountId, ActorId, Amount, Kind, Description, Reference, CreatedAt
			FROM CreditTransactions WHERE AccountId = @account ORDER BY CreatedAt`,
		Params: map[string]interface{}{"account": accountID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var out []*core.Transaction
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		var t core.Transaction
		var kind string
		if err := row.Columns(&t.ID, &t.AccountID, &t.ActorID, &t.Amount, &kind, &t.Description, &t.Reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = core.TransactionKind(kind)
		out = append(out, &t)
	}
}

func (s *SpannerStore) MemberSpend(ctx context.Context, accountID, actorID string, since time.Time) (int64, error) {
	stmt := spanner.Statement{
		SQL: `SELECT COALESCE(SUM(-Amount), 0) FROM CreditTransactions
			WHERE AccountId = @account AND ActorId = @actor AND Amount < 0 AND CreatedAt >= @since`,
		Params: map[string]interface{}{"account": accountID, "actor": actorID, "since": since},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		return 0, err
	}
	var spent int64
	if err := row.Columns(&spent); err != nil {
		return 0, err
	}
	return spent, nil
}

func (s *SpannerStore) CreateTeamPool(ctx context.Context, t *core.TeamPool) error {
	m := spanner.Insert("TeamPools",
		[]string{"Id", "Name", "AccountId", "MemberDailyCap", "MemberMonthlyCap", "ApprovalThreshold"},
		[]interface{}{t.ID, t.Name, t.AccountID, t.MemberDailyCap, t.MemberMonthlyCap, t.ApprovalThreshold})
	_, err := s.client.Apply(ctx, []*spanner.Mutation{m})
	return err
}

func (s *SpannerStore) GetTeamPool(ctx context.Context, id string) (*core.TeamPool, error) {
	row, err := s.client.Single().ReadRow(ctx, "TeamPools", spanner.Key{id},
		[]string{"Id", "Name", "AccountId", "MemberDailyCap", "MemberMonthlyCap", "ApprovalThreshold"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, fmt.Errorf("%s: %w", id, core.ErrTeamPoolNotFound)
		}
		return nil, err
	}
	var t core.TeamPool
	if err := row.Columns(&t.ID, &t.Name, &t.AccountID, &t.MemberDailyCap, &t.MemberMonthlyCap, &t.ApprovalThreshold); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SpannerStore) SummariesFor(ctx context.Context, sessionID string) ([]*core.UsageSummary, error) {
	stmt := spanner.Statement{
		SQL: `SELECT Id, SessionId, WindowStart, WindowEnd, CpuCoreSeconds, MemGibSeconds,
			IoMegabytes, NetMegabytes, CostUnits, CommittedAt
			FROM UsageSummaries WHERE SessionId = @session ORDER BY CommittedAt`,
		Params: map[string]interface{}{"session": sessionID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var out []*core.UsageSummary
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		var u core.UsageSummary
		if err := row.Columns(&u.ID, &u.SessionID, &u.WindowStart, &u.WindowEnd, &u.CPUCoreSeconds,
			&u.MemGiBSeconds, &u.IOMegabytes, &u.NetMegabytes, &u.CostUnits, &u.CommittedAt); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
}

func (s *SpannerStore) RecordPoolTelemetry(ctx context.Context, rows []core.PoolTelemetry) error {
	muts := make([]*spanner.Mutation, 0, len(rows))
	for _, r := range rows {
		muts = append(muts, spanner.Insert("PoolTelemetry",
			[]string{"Runtime", "Size", "Active", "Target", "Hits", "Misses", "Repurposed", "Retired", "RecordedAt"},
			[]interface{}{r.Key.String(), int64(r.Size), int64(r.Active), int64(r.Target),
				r.Hits, r.Misses, r.Repurposed, r.Retired, r.RecordedAt}))
	}
	_, err := s.client.Apply(ctx, muts)
	return err
}

func (s *SpannerStore) Ping(ctx context.Context) error {
	iter := s.client.Single().Query(ctx, spanner.Statement{SQL: "SELECT 1"})
	defer iter.Stop()
	_, err := iter.Next()
	if err == iterator.Done {
		return nil
	}
	return err
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}

func sessionVals(sess *core.Session) []interface{} {
	return []interface{}{sess.ID, sess.UserID, sess.ProjectID, sess.SandboxID, string(sess.EnvClass),
		sess.StartedAt, sess.LastActivityAt, sess.IdleSince, sess.TerminatedAt, string(sess.Cause), sess.FinalCost}
}

func accountVals(a *core.Account) []interface{} {
	return []interface{}{a.ID, a.UserID, a.Balance, a.LifetimeEarned, a.LifetimeSpent,
		a.GiftedSent, a.GiftedReceived, a.MonthlyAllocation, a.RolloverCapacity,
		a.LastRolloverAt, a.TeamPoolID, a.CreatedAt, spanner.CommitTimestamp}
}

func decodeSession(row *spanner.Row) (*core.Session, error) {
	var s core.Session
	var envClass, cause string
	var idleSince, terminatedAt spanner.NullTime
	if err := row.Columns(&s.ID, &s.UserID, &s.ProjectID, &s.SandboxID, &envClass,
		&s.StartedAt, &s.LastActivityAt, &idleSince, &terminatedAt, &cause, &s.FinalCost); err != nil {
		return nil, err
	}
	s.EnvClass = core.EnvironmentClass(envClass)
	s.Cause = core.TerminationCause(cause)
	if idleSince.Valid {
		t := idleSince.Time
		s.IdleSince = &t
	}
	if terminatedAt.Valid {
		t := terminatedAt.Time
		s.TerminatedAt = &t
	}
	return &s, nil
}

func decodeAccount(row *spanner.Row) (*core.Account, error) {
	var a core.Account
	if err := row.Columns(&a.ID, &a.UserID, &a.Balance, &a.LifetimeEarned, &a.LifetimeSpent,
		&a.GiftedSent, &a.GiftedReceived, &a.MonthlyAllocation, &a.RolloverCapacity,
		&a.LastRolloverAt, &a.TeamPoolID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func colList(cols []string) string {
	return strings.Join(cols, ", ")
}

var _ Store = (*SpannerStore)(nil)
