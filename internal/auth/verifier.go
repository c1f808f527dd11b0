// Package auth verifies IDE session tokens. Token issuance lives with the
// external identity provider; the runtime core only needs the narrow
// verification seam the gateway consumes.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/codeloft/backend/internal/core"
)

// Identity is what a verified token resolves to.
type Identity struct {
	UserID    string
	AccountID string
}

// Verifier validates a bearer token presented in the gateway auth message.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// TokenRecord is one issued access token. Only the bcrypt hash of the secret
// half is stored; the id half is the lookup key.
type TokenRecord struct {
	TokenID   string
	UserID    string
	AccountID string
	Hash      string
	Active    bool
	ExpiresAt *time.Time
}

// Broker is an in-memory token verifier. Tokens have the form
// clt_<token_id>.<secret>; lookup by id, then constant-time secret check.
type Broker struct {
	mu     sync.RWMutex
	tokens map[string]*TokenRecord
}

const tokenPrefix = "clt_"

func NewBroker() *Broker {
	return &Broker{tokens: make(map[string]*TokenRecord)}
}

// Mint issues a token for a user and returns the full secret string exactly
// once. The caller hands it to the client; only the hash survives here.
// A ttl of zero mints a non-expiring token; any other ttl sets the expiry,
// so a negative ttl yields a token that is already expired.
func (b *Broker) Mint(userID, accountID string, ttl time.Duration) (string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", err
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", err
	}

	tokenID := hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	rec := &TokenRecord{
		TokenID:   tokenID,
		UserID:    userID,
		AccountID: accountID,
		Hash:      string(hash),
		Active:    true,
	}
	if ttl != 0 {
		exp := time.Now().Add(ttl)
		rec.ExpiresAt = &exp
	}

	b.mu.Lock()
	b.tokens[tokenID] = rec
	b.mu.Unlock()

	return fmt.Sprintf("%s%s.%s", tokenPrefix, tokenID, secret), nil
}

// Revoke deactivates a token by id.
func (b *Broker) Revoke(tokenID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.tokens[tokenID]; ok {
		rec.Active = false
	}
}

// Verify implements Verifier.
func (b *Broker) Verify(_ context.Context, token string) (*Identity, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, core.ErrInvalidToken
	}
	parts := strings.SplitN(strings.TrimPrefix(token, tokenPrefix), ".", 2)
	if len(parts) != 2 {
		return nil, core.ErrInvalidToken
	}
	tokenID, secret := parts[0], parts[1]

	b.mu.RLock()
	rec, ok := b.tokens[tokenID]
	b.mu.RUnlock()
	if !ok {
		return nil, core.ErrInvalidToken
	}

	if err := bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(secret)); err != nil {
		return nil, core.ErrInvalidToken
	}
	if !rec.Active {
		return nil, fmt.Errorf("token revoked: %w", core.ErrInvalidToken)
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return nil, fmt.Errorf("token expired: %w", core.ErrInvalidToken)
	}

	return &Identity{UserID: rec.UserID, AccountID: rec.AccountID}, nil
}

var _ Verifier = (*Broker)(nil)
