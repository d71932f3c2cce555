// Package signertoken issues and validates the single-use, time-boxed
// credentials that authorize one signer's actions on one signing request.
// These are deliberately opaque random secrets, not session JWTs: the
// signing page must work for parties with no account at all.
package signertoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAlreadyIssued signals a live (unconsumed, unexpired) token already exists for the signer.
	ErrAlreadyIssued = errors.New("signertoken: live token already issued for signer")
	// ErrTokenNotFound signals the presented secret matches no token.
	ErrTokenNotFound = errors.New("signertoken: token not found")
	// ErrTokenExpired signals the token's validity window has passed.
	ErrTokenExpired = errors.New("signertoken: token expired")
	// ErrTokenConsumed signals the token was already used to sign.
	ErrTokenConsumed = errors.New("signertoken: token already consumed")
	// ErrTokenOrphaned signals the parent signing request is terminal.
	ErrTokenOrphaned = errors.New("signertoken: parent signing request is closed")
)

// Claims is what a valid token resolves to.
type Claims struct {
	TokenID   string
	SignerID  string
	RequestID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issued bundles the one-time plaintext secret with its expiry. The
// plaintext is never stored and never recoverable after this value is
// dropped.
type Issued struct {
	Token     string
	SignerID  string
	ExpiresAt time.Time
}

// Issuer mints and validates signer tokens. Only a SHA-256 digest of the
// secret is persisted.
type Issuer struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewIssuer(pool *pgxpool.Pool) *Issuer {
	return &Issuer{pool: pool, now: time.Now}
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue mints a token for the signer inside the caller's transaction. At
// most one live token may exist per signer at a time, so duplicate signing
// links with different lifetimes cannot circulate.
func (i *Issuer) Issue(ctx context.Context, tx pgx.Tx, signerID, requestID string, ttl time.Duration) (Issued, error) {
	if ttl <= 0 {
		return Issued{}, fmt.Errorf("signertoken: non-positive ttl %v", ttl)
	}

	now := i.now().UTC()

	const liveSQL = `
		SELECT id FROM signer_tokens
		WHERE signer_id = $1 AND consumed_at IS NULL AND expires_at > $2
		LIMIT 1
		FOR UPDATE
	`
	var liveID string
	switch err := tx.QueryRow(ctx, liveSQL, signerID, now).Scan(&liveID); {
	case err == nil:
		return Issued{}, ErrAlreadyIssued
	case errors.Is(err, pgx.ErrNoRows):
		// no live token, proceed
	default:
		return Issued{}, fmt.Errorf("signertoken: check live token: %w", err)
	}

	secret, err := newSecret()
	if err != nil {
		return Issued{}, err
	}

	expiresAt := now.Add(ttl)
	const insertSQL = `
		INSERT INTO signer_tokens (signer_id, request_id, secret_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, insertSQL, signerID, requestID, digest(secret), now, expiresAt); err != nil {
		return Issued{}, fmt.Errorf("signertoken: insert token: %w", err)
	}

	return Issued{Token: secret, SignerID: signerID, ExpiresAt: expiresAt}, nil
}

// Verify resolves a token read-only. It takes no lock, has no side effects,
// and may be called any number of times; the signing page uses it to check a
// link before the signer commits to anything.
func (i *Issuer) Verify(ctx context.Context, token string) (Claims, error) {
	const selectSQL = `
		SELECT t.id, t.signer_id, t.request_id, t.issued_at, t.expires_at, t.consumed_at,
		       r.status IN ('fully_signed','cancelled','expired')
		FROM signer_tokens t
		JOIN signing_requests r ON r.id = t.request_id
		WHERE t.secret_hash = $1
	`

	var (
		c          Claims
		consumedAt *time.Time
		terminal   bool
	)
	err := i.pool.QueryRow(ctx, selectSQL, digest(token)).Scan(
		&c.TokenID, &c.SignerID, &c.RequestID, &c.IssuedAt, &c.ExpiresAt, &consumedAt, &terminal,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claims{}, ErrTokenNotFound
		}
		return Claims{}, fmt.Errorf("signertoken: lookup token: %w", err)
	}

	switch {
	case consumedAt != nil:
		return Claims{}, ErrTokenConsumed
	case i.now().After(c.ExpiresAt):
		return Claims{}, ErrTokenExpired
	case terminal:
		return Claims{}, ErrTokenOrphaned
	}

	return c, nil
}

// LockForConsume row-locks the token inside the caller's transaction and
// validates it. The caller must pair it with Consume in the same
// transaction; the lock is what closes the window between the eligibility
// check and the ledger append.
func (i *Issuer) LockForConsume(ctx context.Context, tx pgx.Tx, token string) (Claims, error) {
	const selectSQL = `
		SELECT id, signer_id, request_id, issued_at, expires_at, consumed_at
		FROM signer_tokens
		WHERE secret_hash = $1
		FOR UPDATE
	`

	var (
		c          Claims
		consumedAt *time.Time
	)
	err := tx.QueryRow(ctx, selectSQL, digest(token)).Scan(
		&c.TokenID, &c.SignerID, &c.RequestID, &c.IssuedAt, &c.ExpiresAt, &consumedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claims{}, ErrTokenNotFound
		}
		return Claims{}, fmt.Errorf("signertoken: lock token: %w", err)
	}

	if consumedAt != nil {
		return Claims{}, ErrTokenConsumed
	}
	if i.now().After(c.ExpiresAt) {
		return Claims{}, ErrTokenExpired
	}

	return c, nil
}

// Consume marks the token used. A consumed token is permanently invalid;
// there is no revive path.
func (i *Issuer) Consume(ctx context.Context, tx pgx.Tx, tokenID string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE signer_tokens
		SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL
	`, tokenID, at.UTC())
	if err != nil {
		return fmt.Errorf("signertoken: consume token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenConsumed
	}
	return nil
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("signertoken: generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
