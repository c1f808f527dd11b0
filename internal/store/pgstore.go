package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/codeloft/backend/internal/core"
)

// PgStore backs the Store interface with PostgreSQL. The schema lives in
// scripts/schema.sql; CommitLedger maps to one SQL transaction.
type PgStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPgStore(dsn string) (*PgStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PgStore{
		db:     db,
		logger: log.New(log.Writer(), "[PGSTORE] ", log.LstdFlags),
	}, nil
}

func (p *PgStore) CreateSession(ctx context.Context, s *core.Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, project_id, sandbox_id, environment_class,
			started_at, last_activity_at, idle_since, terminated_at, termination_cause, final_cost)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		s.ID, s.UserID, s.ProjectID, s.SandboxID, s.EnvClass,
		s.StartedAt, s.LastActivityAt, s.IdleSince, s.TerminatedAt, nullStr(string(s.Cause)), s.FinalCost)
	return err
}

func (p *PgStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, project_id, sandbox_id, environment_class,
			started_at, last_activity_at, idle_since, terminated_at, termination_cause, final_cost
		FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (p *PgStore) UpdateSession(ctx context.Context, s *core.Session) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET sandbox_id=$2, last_activity_at=$3, idle_since=$4,
			terminated_at=$5, termination_cause=$6, final_cost=$7
		WHERE id = $1`,
		s.ID, s.SandboxID, s.LastActivityAt, s.IdleSince, s.TerminatedAt, nullStr(string(s.Cause)), s.FinalCost)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", s.ID, core.ErrSessionNotFound)
	}
	return nil
}

func (p *PgStore) ActiveSessionFor(ctx context.Context, userID, projectID string) (*core.Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, project_id, sandbox_id, environment_class,
			started_at, last_activity_at, idle_since, terminated_at, termination_cause, final_cost
		FROM sessions
		WHERE user_id = $1 AND project_id = $2 AND terminated_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, userID, projectID)
	return scanSession(row)
}

func (p *PgStore) ListActiveSessions(ctx context.Context) ([]*core.Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, project_id, sandbox_id, environment_class,
			started_at, last_activity_at, idle_since, terminated_at, termination_cause, final_cost
		FROM sessions WHERE terminated_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PgStore) CreateAccount(ctx context.Context, a *core.Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, balance, lifetime_earned, lifetime_spent,
			gifted_sent, gifted_received, monthly_allocation, rollover_capacity,
			last_rollover_at, team_pool_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())`,
		a.ID, a.UserID, a.Balance, a.LifetimeEarned, a.LifetimeSpent,
		a.GiftedSent, a.GiftedReceived, a.MonthlyAllocation, a.RolloverCapacity,
		a.LastRolloverAt, nullStr(a.TeamPoolID))
	return err
}

func (p *PgStore) GetAccount(ctx context.Context, id string) (*core.Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx, accountSelect+` WHERE id = $1`, id))
}

func (p *PgStore) AccountForUser(ctx context.Context, userID string) (*core.Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx, accountSelect+` WHERE user_id = $1`, userID))
}

func (p *PgStore) ListAccounts(ctx context.Context) ([]*core.Account, error) {
	rows, err := p.db.QueryContext(ctx, accountSelect+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CommitLedger runs the whole commit in one SQL transaction.
func (p *PgStore) CommitLedger(ctx context.Context, commit *LedgerCommit) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range commit.Accounts {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET balance=$2, lifetime_earned=$3, lifetime_spent=$4,
				gifted_sent=$5, gifted_received=$6, last_rollover_at=$7, updated_at=NOW()
			WHERE id = $1`,
			a.ID, a.Balance, a.LifetimeEarned, a.LifetimeSpent,
			a.GiftedSent, a.GiftedReceived, a.LastRolloverAt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: %w", a.ID, core.ErrAccountNotFound)
		}
	}
	for _, t := range commit.Transactions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, account_id, actor_id, amount, kind, description, reference, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			t.ID, t.AccountID, nullStr(t.ActorID), t.Amount, t.Kind, t.Description, nullStr(t.Reference), t.CreatedAt)
		if err != nil {
			return err
		}
	}
	if s := commit.Summary; s != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO usage_summaries (id, session_id, window_start, window_end,
				cpu_core_seconds, mem_gib_seconds, io_megabytes, net_megabytes, cost_units, committed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			s.ID, s.SessionID, s.WindowStart, s.WindowEnd,
			s.CPUCoreSeconds, s.MemGiBSeconds, s.IOMegabytes, s.NetMegabytes, s.CostUnits, s.CommittedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PgStore) TransactionsFor(ctx context.Context, accountID string) ([]*core.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, actor_id, amount, kind, description, reference, created_at
		FROM credit_transactions WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Transaction
	for rows.Next() {
		var t core.Transaction
		var actor, ref sql.NullString
		if err := rows.Scan(&t.ID, &t.AccountID, &actor, &t.Amount, &t.Kind, &t.Description, &ref, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.ActorID, t.Reference = actor.String, ref.String
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *PgStore) MemberSpend(ctx context.Context, accountID, actorID string, since time.Time) (int64, error) {
	var spent sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-amount), 0) FROM credit_transactions
		WHERE account_id = $1 AND actor_id = $2 AND amount < 0 AND created_at >= $3`,
		accountID, actorID, since).Scan(&spent)
	return spent.Int64, err
}

func (p *PgStore) CreateTeamPool(ctx context.Context, t *core.TeamPool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO team_pools (id, name, account_id, member_daily_cap, member_monthly_cap, approval_threshold)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		t.ID, t.Name, t.AccountID, t.MemberDailyCap, t.MemberMonthlyCap, t.ApprovalThreshold)
	return err
}

func (p *PgStore) GetTeamPool(ctx context.Context, id string) (*core.TeamPool, error) {
	var t core.TeamPool
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, account_id, member_daily_cap, member_monthly_cap, approval_threshold
		FROM team_pools WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.AccountID, &t.MemberDailyCap, &t.MemberMonthlyCap, &t.ApprovalThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, core.ErrTeamPoolNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PgStore) SummariesFor(ctx context.Context, sessionID string) ([]*core.UsageSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, window_start, window_end, cpu_core_seconds,
			mem_gib_seconds, io_megabytes, net_megabytes, cost_units, committed_at
		FROM usage_summaries WHERE session_id = $1 ORDER BY committed_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.UsageSummary
	for rows.Next() {
		var s core.UsageSummary
		if err := rows.Scan(&s.ID, &s.SessionID, &s.WindowStart, &s.WindowEnd,
			&s.CPUCoreSeconds, &s.MemGiBSeconds, &s.IOMegabytes, &s.NetMegabytes,
			&s.CostUnits, &s.CommittedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *PgStore) RecordPoolTelemetry(ctx context.Context, rows []core.PoolTelemetry) error {
	for _, r := range rows {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO pool_telemetry (runtime, size, active, target, hits, misses, repurposed, retired, recorded_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			r.Key.String(), r.Size, r.Active, r.Target, r.Hits, r.Misses, r.Repurposed, r.Retired, r.RecordedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PgStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PgStore) Close() error                   { return p.db.Close() }

const accountSelect = `
	SELECT id, user_id, balance, lifetime_earned, lifetime_spent, gifted_sent,
		gifted_received, monthly_allocation, rollover_capacity, last_rollover_at,
		team_pool_id, created_at, updated_at
	FROM accounts`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*core.Session, error) {
	var s core.Session
	var cause sql.NullString
	err := row.Scan(&s.ID, &s.UserID, &s.ProjectID, &s.SandboxID, &s.EnvClass,
		&s.StartedAt, &s.LastActivityAt, &s.IdleSince, &s.TerminatedAt, &cause, &s.FinalCost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Cause = core.TerminationCause(cause.String)
	return &s, nil
}

func scanAccount(row rowScanner) (*core.Account, error) {
	var a core.Account
	var teamPool sql.NullString
	err := row.Scan(&a.ID, &a.UserID, &a.Balance, &a.LifetimeEarned, &a.LifetimeSpent,
		&a.GiftedSent, &a.GiftedReceived, &a.MonthlyAllocation, &a.RolloverCapacity,
		&a.LastRolloverAt, &teamPool, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.TeamPoolID = teamPool.String
	return &a, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PgStore)(nil)
