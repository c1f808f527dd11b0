// Package ledger is the credits ledger: balances, append-only transactions,
// rollover, gifting and team pools. Every mutation is serialized per account
// and committed through the store as one unit of work, so an account's
// balance always equals the sum of its committed transactions.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeloft/backend/internal/config"
	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/store"
)

type Service struct {
	store  store.Store
	cfg    config.LedgerConfig
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st store.Store, cfg config.LedgerConfig) *Service {
	return &Service{
		store:  st,
		cfg:    cfg,
		logger: slog.With("component", "ledger"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing one account's mutations.
func (s *Service) lockFor(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// OpenAccount creates an account for a user with the configured monthly
// allocation granted up front.
func (s *Service) OpenAccount(ctx context.Context, userID string) (*core.Account, error) {
	now := time.Now()
	acct := &core.Account{
		ID:                uuid.NewString(),
		UserID:            userID,
		MonthlyAllocation: s.cfg.MonthlyAllocation,
		RolloverCapacity:  s.cfg.RolloverCapacity,
		LastRolloverAt:    now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	if s.cfg.MonthlyAllocation > 0 {
		if err := s.Grant(ctx, acct.ID, s.cfg.MonthlyAllocation, "initial monthly allocation"); err != nil {
			return nil, err
		}
		acct.Balance = s.cfg.MonthlyAllocation
		acct.LifetimeEarned = s.cfg.MonthlyAllocation
	}
	return acct, nil
}

// Balance reads the committed balance.
func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Grant credits an account. Amount must be positive.
func (s *Service) Grant(ctx context.Context, accountID string, amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	lock := s.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	acct.Balance += amount
	acct.LifetimeEarned += amount

	return s.store.CommitLedger(ctx, &store.LedgerCommit{
		Accounts: []*core.Account{acct},
		Transactions: []*core.Transaction{
			newTx(accountID, "", amount, core.TxGrant, reason, ""),
		},
	})
}

// Consume debits usage from an account. The debit fails with
// ErrInsufficientBalance when it would take the balance negative, and with
// ErrCapExceeded or ErrApprovalRequired when team-pool limits apply. Nothing
// is written on failure.
func (s *Service) Consume(ctx context.Context, accountID string, amount int64, reason, reference, actorID string) error {
	if amount <= 0 {
		return fmt.Errorf("consume amount must be positive, got %d", amount)
	}
	lock := s.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.Balance-amount < 0 {
		return fmt.Errorf("balance %d, debit %d: %w", acct.Balance, amount, core.ErrInsufficientBalance)
	}
	if acct.TeamPoolID != "" {
		if err := s.checkTeamCaps(ctx, acct, amount, actorID); err != nil {
			return err
		}
	}

	acct.Balance -= amount
	acct.LifetimeSpent += amount

	return s.store.CommitLedger(ctx, &store.LedgerCommit{
		Accounts: []*core.Account{acct},
		Transactions: []*core.Transaction{
			newTx(accountID, actorID, -amount, core.TxUsage, reason, reference),
		},
	})
}

// CommitUsage is the meter's commit path: one usage debit plus the billing
// window summary in a single store unit of work. A zero amount persists the
// summary without touching the balance, which is how development-class
// sessions record usage they are never billed for.
func (s *Service) CommitUsage(ctx context.Context, accountID string, amount int64, reason, reference, actorID string, summary *core.UsageSummary) error {
	if amount < 0 {
		return fmt.Errorf("usage amount must not be negative, got %d", amount)
	}
	if amount == 0 {
		return s.store.CommitLedger(ctx, &store.LedgerCommit{Summary: summary})
	}
	lock := s.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.Balance-amount < 0 {
		return fmt.Errorf("balance %d, debit %d: %w", acct.Balance, amount, core.ErrInsufficientBalance)
	}
	if acct.TeamPoolID != "" {
		if err := s.checkTeamCaps(ctx, acct, amount, actorID); err != nil {
			return err
		}
	}

	acct.Balance -= amount
	acct.LifetimeSpent += amount

	return s.store.CommitLedger(ctx, &store.LedgerCommit{
		Accounts: []*core.Account{acct},
		Transactions: []*core.Transaction{
			newTx(accountID, actorID, -amount, core.TxUsage, reason, reference),
		},
		Summary: summary,
	})
}

// checkTeamCaps enforces the per-member daily and monthly caps and the
// approval threshold of the account's team pool. Called under the account
// lock so concurrent members cannot slip past a cap together.
func (s *Service) checkTeamCaps(ctx context.Context, acct *core.Account, amount int64, actorID string) error {
	pool, err := s.store.GetTeamPool(ctx, acct.TeamPoolID)
	if err != nil {
		return err
	}
	if pool.ApprovalThreshold > 0 && amount > pool.ApprovalThreshold {
		return fmt.Errorf("debit %d above approval threshold %d: %w",
			amount, pool.ApprovalThreshold, core.ErrApprovalRequired)
	}

	now := time.Now()
	if pool.MemberDailyCap > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		spent, err := s.store.MemberSpend(ctx, acct.ID, actorID, dayStart)
		if err != nil {
			return err
		}
		if spent+amount > pool.MemberDailyCap {
			return fmt.Errorf("member %s daily spend %d + %d exceeds cap %d: %w",
				actorID, spent, amount, pool.MemberDailyCap, core.ErrCapExceeded)
		}
	}
	if pool.MemberMonthlyCap > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		spent, err := s.store.MemberSpend(ctx, acct.ID, actorID, monthStart)
		if err != nil {
			return err
		}
		if spent+amount > pool.MemberMonthlyCap {
			return fmt.Errorf("member %s monthly spend %d + %d exceeds cap %d: %w",
				actorID, spent, amount, pool.MemberMonthlyCap, core.ErrCapExceeded)
		}
	}
	return nil
}

// Earn credits an account from the closed earning-kind table.
func (s *Service) Earn(ctx context.Context, accountID, kind, reference string) error {
	amount, ok := s.cfg.EarningKinds[kind]
	if !ok {
		return fmt.Errorf("unknown earning kind %q", kind)
	}
	lock := s.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	acct.Balance += amount
	acct.LifetimeEarned += amount

	return s.store.CommitLedger(ctx, &store.LedgerCommit{
		Accounts: []*core.Account{acct},
		Transactions: []*core.Transaction{
			newTx(accountID, "", amount, core.TxEarning, kind, reference),
		},
	})
}

// Gift moves credits between two accounts. The debit and credit commit
// together or not at all. Locks are taken in id order so two opposing gifts
// cannot deadlock.
func (s *Service) Gift(ctx context.Context, fromID, toID string, amount int64, note string) error {
	if amount <= 0 {
		return fmt.Errorf("gift amount must be positive, got %d", amount)
	}
	if fromID == toID {
		return fmt.Errorf("cannot gift to the same account")
	}

	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}
	l1, l2 := s.lockFor(first), s.lockFor(second)
	l1.Lock()
	defer l1.Unlock()
	l2.Lock()
	defer l2.Unlock()

	from, err := s.store.GetAccount(ctx, fromID)
	if err != nil {
		return err
	}
	to, err := s.store.GetAccount(ctx, toID)
	if err != nil {
		return err
	}
	if from.Balance-amount < 0 {
		return fmt.Errorf("balance %d, gift %d: %w", from.Balance, amount, core.ErrInsufficientBalance)
	}

	from.Balance -= amount
	from.GiftedSent += amount
	to.Balance += amount
	to.GiftedReceived += amount

	desc := "gift"
	if note != "" {
		desc = "gift: " + note
	}
	return s.store.CommitLedger(ctx, &store.LedgerCommit{
		Accounts: []*core.Account{from, to},
		Transactions: []*core.Transaction{
			newTx(fromID, from.UserID, -amount, core.TxGiftOut, desc, toID),
			newTx(toID, from.UserID, amount, core.TxGiftIn, desc, fromID),
		},
	})
}

// MonthlyRollover carries each balance into the new month: the carried
// portion is capped at rollover_capacity, then the monthly allocation is
// added. The emitted rollover transaction is the signed delta so the
// balance-equals-sum invariant holds.
func (s *Service) MonthlyRollover(ctx context.Context) error {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, acct := range accounts {
		lock := s.lockFor(acct.ID)
		lock.Lock()

		fresh, err := s.store.GetAccount(ctx, acct.ID)
		if err != nil {
			lock.Unlock()
			return err
		}
		carried := min(fresh.Balance, fresh.RolloverCapacity)
		newBalance := carried + fresh.MonthlyAllocation
		delta := newBalance - fresh.Balance

		fresh.Balance = newBalance
		fresh.LastRolloverAt = now
		if delta > 0 {
			fresh.LifetimeEarned += delta
		} else {
			fresh.LifetimeSpent += -delta
		}

		err = s.store.CommitLedger(ctx, &store.LedgerCommit{
			Accounts: []*core.Account{fresh},
			Transactions: []*core.Transaction{
				newTx(acct.ID, "", delta, core.TxRollover,
					fmt.Sprintf("monthly rollover: carried %d, allocated %d", carried, fresh.MonthlyAllocation), ""),
			},
		})
		lock.Unlock()
		if err != nil {
			return err
		}
	}
	s.logger.Info("monthly rollover complete", "accounts", len(accounts))
	return nil
}

// PredictDepletion estimates hours until the balance runs dry at the given
// burn rate. A zero rate never depletes.
func (s *Service) PredictDepletion(ctx context.Context, accountID string, ratePerHour float64) (float64, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if ratePerHour <= 0 {
		return -1, nil
	}
	return float64(acct.Balance) / ratePerHour, nil
}

// LowBalance reports whether the account is under the configured warning
// threshold.
func (s *Service) LowBalance(ctx context.Context, accountID string) (bool, int64, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, 0, err
	}
	return acct.Balance < s.cfg.LowBalanceThreshold, acct.Balance, nil
}

// Audit recomputes the balance from the transaction log and reports whether
// it matches the committed balance.
func (s *Service) Audit(ctx context.Context, accountID string) (bool, error) {
	lock := s.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	txs, err := s.store.TransactionsFor(ctx, accountID)
	if err != nil {
		return false, err
	}
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
	}
	return sum == acct.Balance, nil
}

func newTx(accountID, actorID string, amount int64, kind core.TransactionKind, desc, ref string) *core.Transaction {
	return &core.Transaction{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		ActorID:     actorID,
		Amount:      amount,
		Kind:        kind,
		Description: desc,
		Reference:   ref,
		CreatedAt:   time.Now(),
	}
}
