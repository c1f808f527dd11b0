package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codeloft/backend/internal/core"
)

// MemStore is the in-memory Store used by tests and single-node development.
// One mutex covers everything; the commit path is short enough that finer
// locking buys nothing here.
type MemStore struct {
	mu           sync.RWMutex
	sessions     map[string]*core.Session
	accounts     map[string]*core.Account
	accountsUser map[string]string // userID -> accountID
	transactions map[string][]*core.Transaction
	teamPools    map[string]*core.TeamPool
	summaries    map[string][]*core.UsageSummary
	telemetry    []core.PoolTelemetry
}

func NewMemStore() *MemStore {
	return &MemStore{
		sessions:     make(map[string]*core.Session),
		accounts:     make(map[string]*core.Account),
		accountsUser: make(map[string]string),
		transactions: make(map[string][]*core.Transaction),
		teamPools:    make(map[string]*core.TeamPool),
		summaries:    make(map[string][]*core.UsageSummary),
	}
}

func (m *MemStore) CreateSession(_ context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemStore) GetSession(_ context.Context, id string) (*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, core.ErrSessionNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) UpdateSession(_ context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("%s: %w", s.ID, core.ErrSessionNotFound)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemStore) ActiveSessionFor(_ context.Context, userID, projectID string) (*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.ProjectID == projectID && s.TerminatedAt == nil {
			cp := *s
			return &cp, nil
		}
	}
	return nil, core.ErrSessionNotFound
}

func (m *MemStore) ListActiveSessions(_ context.Context) ([]*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Session
	for _, s := range m.sessions {
		if s.TerminatedAt == nil {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemStore) CreateAccount(_ context.Context, a *core.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[a.ID]; exists {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	cp := *a
	m.accounts[a.ID] = &cp
	if a.UserID != "" {
		m.accountsUser[a.UserID] = a.ID
	}
	return nil
}

func (m *MemStore) GetAccount(_ context.Context, id string) (*core.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, core.ErrAccountNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) AccountForUser(_ context.Context, userID string) (*core.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.accountsUser[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, core.ErrAccountNotFound)
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *MemStore) ListAccounts(_ context.Context) ([]*core.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CommitLedger applies the whole commit under one lock acquisition. Accounts
// referenced by a transaction must exist; a missing account rejects the
// entire commit with nothing applied.
func (m *MemStore) CommitLedger(_ context.Context, commit *LedgerCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range commit.Accounts {
		if _, ok := m.accounts[a.ID]; !ok {
			return fmt.Errorf("%s: %w", a.ID, core.ErrAccountNotFound)
		}
	}

	for _, a := range commit.Accounts {
		cp := *a
		cp.UpdatedAt = time.Now()
		m.accounts[a.ID] = &cp
	}
	for _, tx := range commit.Transactions {
		cp := *tx
		m.transactions[tx.AccountID] = append(m.transactions[tx.AccountID], &cp)
	}
	if commit.Summary != nil {
		cp := *commit.Summary
		m.summaries[cp.SessionID] = append(m.summaries[cp.SessionID], &cp)
	}
	return nil
}

func (m *MemStore) TransactionsFor(_ context.Context, accountID string) ([]*core.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs := m.transactions[accountID]
	out := make([]*core.Transaction, len(txs))
	for i, tx := range txs {
		cp := *tx
		out[i] = &cp
	}
	return out, nil
}

func (m *MemStore) MemberSpend(_ context.Context, accountID, actorID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var spent int64
	for _, tx := range m.transactions[accountID] {
		if tx.ActorID == actorID && tx.Amount < 0 && !tx.CreatedAt.Before(since) {
			spent += -tx.Amount
		}
	}
	return spent, nil
}

func (m *MemStore) CreateTeamPool(_ context.Context, p *core.TeamPool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.teamPools[p.ID]; exists {
		return fmt.Errorf("team pool %s already exists", p.ID)
	}
	cp := *p
	m.teamPools[p.ID] = &cp
	return nil
}

func (m *MemStore) GetTeamPool(_ context.Context, id string) (*core.TeamPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.teamPools[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, core.ErrTeamPoolNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) SummariesFor(_ context.Context, sessionID string) ([]*core.UsageSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sums := m.summaries[sessionID]
	out := make([]*core.UsageSummary, len(sums))
	for i, s := range sums {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

func (m *MemStore) RecordPoolTelemetry(_ context.Context, rows []core.PoolTelemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry = append(m.telemetry, rows...)
	return nil
}

func (m *MemStore) Ping(context.Context) error { return nil }
func (m *MemStore) Close() error               { return nil }

var _ Store = (*MemStore)(nil)
