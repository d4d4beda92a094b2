// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/logger"
	"github.com/stacklok/shared-context-server/pkg/storage"
)

const (
	// audience is the JWT aud claim minted and required by this server.
	audience = "shared-context-server"

	// saltBytes is the per-row random salt bound to the AEAD as
	// additional data.
	saltBytes = 16

	// hashKeyLabel derives the keyed token-hash key from the signing key,
	// so that database disclosure alone does not enable offline forgery.
	hashKeyLabel = "sct-token-hash-v1"

	// defaultRetention keeps revoked rows around for audit before cleanup.
	defaultRetention = 24 * time.Hour

	maxAgentIDLength = 128
)

// Config holds the vault keys and lifecycle windows.
type Config struct {
	// SigningKey signs JWTs (HS256) and derives the token lookup hash key.
	SigningKey []byte

	// EncryptionKey is the 32-byte AES-256-GCM key wrapping JWTs at rest.
	EncryptionKey []byte

	// APIKey is the transport-level shared secret gating authenticate_agent.
	APIKey string

	// AdminAPIKey gates elevation to admin and debug permissions.
	AdminAPIKey string

	TTL              time.Duration
	RenewalWindow    time.Duration
	RenewalExtension time.Duration
	Retention        time.Duration
}

// Stats is a snapshot of vault activity for the metrics surface.
type Stats struct {
	ActiveTokens int64 `json:"active_tokens"`
	Issued       int64 `json:"issued"`
	Refreshed    int64 `json:"refreshed"`
	AutoRenewed  int64 `json:"auto_renewed"`
	CleanedRows  int64 `json:"cleaned_up"`
}

// Vault issues, validates, refreshes, and revokes protected tokens backed by
// the secure_tokens table.
type Vault struct {
	db      *storage.DB
	cfg     Config
	aead    cipher.AEAD
	hashKey []byte

	// now is replaceable in tests.
	now func() time.Time

	issued    atomic.Int64
	refreshed atomic.Int64
	renewed   atomic.Int64
	cleaned   atomic.Int64
}

// NewVault creates the vault, deriving the AEAD and hash keys.
func NewVault(db *storage.DB, cfg Config) (*Vault, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes")
	}
	block, err := aes.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.RenewalWindow <= 0 {
		cfg.RenewalWindow = 5 * time.Minute
	}
	if cfg.RenewalExtension <= 0 {
		cfg.RenewalExtension = 10 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}

	mac := hmac.New(sha256.New, cfg.SigningKey)
	mac.Write([]byte(hashKeyLabel))

	return &Vault{
		db:      db,
		cfg:     cfg,
		aead:    aead,
		hashKey: mac.Sum(nil),
		now:     time.Now,
	}, nil
}

// Authenticate validates the transport API key, clamps the requested
// permissions by policy, mints a JWT, wraps it, and stores the active row.
func (v *Vault) Authenticate(
	ctx context.Context, agentID, agentType, apiKey string, requested []string,
) (ProtectedToken, Claims, error) {
	defer v.db.Track("tokens.authenticate")()

	isAdminKey, err := v.checkAPIKey(apiKey)
	if err != nil {
		return ProtectedToken{}, Claims{}, err
	}

	agentID = strings.TrimSpace(agentID)
	if agentID == "" || len(agentID) > maxAgentIDLength || strings.ContainsFunc(agentID, isControlOrSpace) {
		return ProtectedToken{}, Claims{}, scerrors.New(scerrors.ErrInvalidInput, "invalid agent_id").
			With("expected_format", "1-128 printable characters without whitespace")
	}

	perms, err := ParsePermissions(requested)
	if err != nil {
		return ProtectedToken{}, Claims{}, err
	}
	if len(perms) == 0 {
		perms = []Permission{PermissionRead, PermissionWrite}
	}
	if !isAdminKey {
		// Elevation requires the admin API key; excess grants are clamped,
		// not rejected.
		perms = slices.DeleteFunc(perms, func(p Permission) bool {
			return p == PermissionAdmin || p == PermissionDebug
		})
		if len(perms) == 0 {
			return ProtectedToken{}, Claims{}, scerrors.New(scerrors.ErrPermissionDenied,
				"admin and debug permissions require the admin API key").
				With("missing_permission", "admin")
		}
	}

	now := v.now().UTC()
	claims := Claims{
		AgentID:     agentID,
		AgentType:   NormalizeAgentType(agentType),
		Permissions: perms,
		IssuedAt:    now,
		ExpiresAt:   now.Add(v.cfg.TTL),
		TokenID:     uuid.NewString(),
	}

	token, err := NewProtectedToken(now)
	if err != nil {
		return ProtectedToken{}, Claims{}, scerrors.Wrap(scerrors.ErrInternal, "minting token", err)
	}

	if err := v.insertToken(ctx, token, claims, nil); err != nil {
		return ProtectedToken{}, Claims{}, err
	}

	v.issued.Add(1)
	logger.Infow("agent authenticated", "agent_id", agentID, "agent_type", claims.AgentType,
		"permissions", perms, "token", token.Redacted())
	return token, claims, nil
}

// Validate resolves a protected token to its claims. Tokens inside the
// renewal window are atomically extended so an agent never expires
// mid-operation; rotation semantics are unchanged.
func (v *Vault) Validate(ctx context.Context, token ProtectedToken) (Claims, error) {
	defer v.db.Track("tokens.validate")()

	row, err := v.lookup(ctx, token)
	if err != nil {
		return Claims{}, err
	}

	now := v.now().UTC()
	if !row.active {
		return Claims{}, scerrors.New(scerrors.ErrTokenRevoked, "token has been revoked")
	}
	if !now.Before(row.expiresAt) {
		return Claims{}, scerrors.New(scerrors.ErrTokenExpired, "token has expired")
	}

	if row.expiresAt.Sub(now) < v.cfg.RenewalWindow {
		row.expiresAt = row.expiresAt.Add(v.cfg.RenewalExtension)
		err := v.db.WriteTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				"UPDATE secure_tokens SET expires_at = ?, refresh_count = refresh_count + 1 WHERE id = ? AND active = 1",
				row.expiresAt.UnixMilli(), row.id)
			return err
		})
		if err != nil {
			return Claims{}, scerrors.Wrap(scerrors.ErrStorageUnavailable, "renewing token", err)
		}
		v.renewed.Add(1)
		logger.Infow("token auto-renewed", "agent_id", row.agentID,
			"token", token.Redacted(), "expires_at", row.expiresAt)
	}

	claims, err := v.unwrap(row)
	if err != nil {
		return Claims{}, err
	}
	claims.ExpiresAt = row.expiresAt
	return claims, nil
}

// Refresh rotates a token chain in one atomic transaction: the predecessor
// row is deactivated and a successor row with a fresh JWT, salt, and opaque
// body is inserted. After Refresh returns, validations of the old token fail.
func (v *Vault) Refresh(ctx context.Context, token ProtectedToken) (ProtectedToken, Claims, error) {
	defer v.db.Track("tokens.refresh")()

	var (
		newToken  ProtectedToken
		newClaims Claims
	)
	err := v.db.WriteTx(ctx, func(tx *sql.Tx) error {
		row, err := v.lookupTx(ctx, tx, token)
		if err != nil {
			return err
		}
		now := v.now().UTC()
		if !row.active {
			return scerrors.New(scerrors.ErrTokenRevoked, "token has been revoked")
		}
		if !now.Before(row.expiresAt) {
			return scerrors.New(scerrors.ErrTokenExpired, "token has expired")
		}

		old, err := v.unwrap(row)
		if err != nil {
			return err
		}

		newClaims = Claims{
			AgentID:     old.AgentID,
			AgentType:   old.AgentType,
			Permissions: old.Permissions,
			IssuedAt:    now,
			ExpiresAt:   now.Add(v.cfg.TTL),
			TokenID:     uuid.NewString(),
		}
		newToken, err = NewProtectedToken(now)
		if err != nil {
			return scerrors.Wrap(scerrors.ErrInternal, "minting token", err)
		}

		if err := v.insertTokenTx(ctx, tx, newToken, newClaims, &row.id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE secure_tokens SET active = 0 WHERE id = ?", row.id); err != nil {
			return fmt.Errorf("deactivating predecessor: %w", err)
		}
		return nil
	})
	if err != nil {
		return ProtectedToken{}, Claims{}, err
	}

	v.refreshed.Add(1)
	logger.Infow("token refreshed", "agent_id", newClaims.AgentID,
		"old", token.Redacted(), "new", newToken.Redacted())
	return newToken, newClaims, nil
}

// Cleanup removes expired active rows and revoked rows past the retention
// window. Intended to run on a periodic ticker.
func (v *Vault) Cleanup(ctx context.Context) (int64, error) {
	defer v.db.Track("tokens.cleanup")()

	var removed int64
	now := v.now().UTC()
	err := v.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM secure_tokens WHERE active = 0 AND expires_at < ?",
			now.Add(-v.cfg.Retention).UnixMilli())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n

		res, err = tx.ExecContext(ctx,
			"DELETE FROM secure_tokens WHERE active = 1 AND expires_at < ?",
			now.UnixMilli())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		v.cleaned.Add(removed)
		logger.Debugw("token cleanup", "removed", removed)
	}
	return removed, nil
}

// Stats returns vault activity counters and the live active-token count.
func (v *Vault) Stats(ctx context.Context) Stats {
	var active int64
	_ = v.db.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM secure_tokens WHERE active = 1 AND expires_at > ?",
		v.now().UTC().UnixMilli()).Scan(&active)
	return Stats{
		ActiveTokens:  active,
		Issued:        v.issued.Load(),
		Refreshed:     v.refreshed.Load(),
		AutoRenewed:   v.renewed.Load(),
		CleanedRows:   v.cleaned.Load(),
	}
}

// StartCleanup runs Cleanup on the given interval until ctx is canceled.
func (v *Vault) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Cleanup(ctx); err != nil {
				logger.Errorw("token cleanup failed", "error", err)
			}
		}
	}
}

type tokenRow struct {
	id           int64
	ciphertext   []byte
	salt         []byte
	agentID      string
	expiresAt    time.Time
	active       bool
	refreshCount int64
}

func (v *Vault) lookup(ctx context.Context, token ProtectedToken) (tokenRow, error) {
	return v.scanRow(v.db.DB().QueryRowContext(ctx,
		"SELECT id, jwt_encrypted, salt, agent_id, expires_at, active, refresh_count "+
			"FROM secure_tokens WHERE token_hash = ?", v.tokenHash(token)))
}

func (v *Vault) lookupTx(ctx context.Context, tx *sql.Tx, token ProtectedToken) (tokenRow, error) {
	return v.scanRow(tx.QueryRowContext(ctx,
		"SELECT id, jwt_encrypted, salt, agent_id, expires_at, active, refresh_count "+
			"FROM secure_tokens WHERE token_hash = ?", v.tokenHash(token)))
}

func (v *Vault) scanRow(row *sql.Row) (tokenRow, error) {
	var (
		r         tokenRow
		expiresAt int64
	)
	err := row.Scan(&r.id, &r.ciphertext, &r.salt, &r.agentID, &expiresAt, &r.active, &r.refreshCount)
	if errors.Is(err, sql.ErrNoRows) {
		// Unknown and revoked tokens are indistinguishable to the caller.
		return tokenRow{}, scerrors.New(scerrors.ErrTokenRevoked, "token is not recognized")
	}
	if err != nil {
		return tokenRow{}, scerrors.Wrap(scerrors.ErrStorageUnavailable, "looking up token", err)
	}
	r.expiresAt = time.UnixMilli(expiresAt).UTC()
	return r, nil
}

func (v *Vault) insertToken(ctx context.Context, token ProtectedToken, claims Claims, predecessor *int64) error {
	return v.db.WriteTx(ctx, func(tx *sql.Tx) error {
		return v.insertTokenTx(ctx, tx, token, claims, predecessor)
	})
}

func (v *Vault) insertTokenTx(
	ctx context.Context, tx *sql.Tx, token ProtectedToken, claims Claims, predecessor *int64,
) error {
	signed, err := v.mintJWT(claims)
	if err != nil {
		return err
	}
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return scerrors.Wrap(scerrors.ErrInternal, "generating salt", err)
	}
	ciphertext, err := v.seal(signed, salt)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO secure_tokens (token_hash, jwt_encrypted, salt, agent_id, expires_at, created_at, predecessor_token_id) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?)",
		v.tokenHash(token), ciphertext, salt, claims.AgentID,
		claims.ExpiresAt.UnixMilli(), claims.IssuedAt.UnixMilli(), predecessor)
	if err != nil {
		return scerrors.Wrap(scerrors.ErrStorageUnavailable, "storing token", err)
	}
	return nil
}

// jwtClaims is the JWT payload shape.
type jwtClaims struct {
	AgentID     string   `json:"agent_id"`
	AgentType   string   `json:"agent_type"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

func (v *Vault) mintJWT(claims Claims) (string, error) {
	perms := make([]string, len(claims.Permissions))
	for i, p := range claims.Permissions {
		perms[i] = string(p)
	}
	jc := jwtClaims{
		AgentID:     claims.AgentID,
		AgentType:   claims.AgentType,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        claims.TokenID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jc).SignedString(v.cfg.SigningKey)
	if err != nil {
		return "", scerrors.Wrap(scerrors.ErrInternal, "signing JWT", err)
	}
	return signed, nil
}

// unwrap decrypts and verifies the row's JWT and returns its claims. The
// row's expires_at is authoritative, so the embedded exp claim is not
// re-validated here (safety-net renewal may have moved it forward).
func (v *Vault) unwrap(row tokenRow) (Claims, error) {
	signed, err := v.open(row.ciphertext, row.salt)
	if err != nil {
		return Claims{}, err
	}

	var jc jwtClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.ParseWithClaims(signed, &jc, func(*jwt.Token) (any, error) {
		return v.cfg.SigningKey, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, scerrors.Wrap(scerrors.ErrInternal, "verifying stored JWT", err)
	}
	if !slices.Contains(jc.Audience, audience) {
		return Claims{}, scerrors.New(scerrors.ErrInternal, "stored JWT has wrong audience")
	}

	perms, err := ParsePermissions(jc.Permissions)
	if err != nil {
		return Claims{}, err
	}
	claims := Claims{
		AgentID:     jc.AgentID,
		AgentType:   jc.AgentType,
		Permissions: perms,
		TokenID:     jc.ID,
	}
	if jc.IssuedAt != nil {
		claims.IssuedAt = jc.IssuedAt.Time
	}
	if jc.ExpiresAt != nil {
		claims.ExpiresAt = jc.ExpiresAt.Time
	}
	return claims, nil
}

func (v *Vault) seal(plaintext string, salt []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, scerrors.Wrap(scerrors.ErrInternal, "generating nonce", err)
	}
	return v.aead.Seal(nonce, nonce, []byte(plaintext), salt), nil
}

func (v *Vault) open(ciphertext, salt []byte) (string, error) {
	if len(ciphertext) < v.aead.NonceSize() {
		return "", scerrors.New(scerrors.ErrInternal, "stored token ciphertext is truncated")
	}
	nonce, sealed := ciphertext[:v.aead.NonceSize()], ciphertext[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, salt)
	if err != nil {
		return "", scerrors.Wrap(scerrors.ErrInternal, "decrypting stored JWT", err)
	}
	return string(plaintext), nil
}

// tokenHash is the keyed lookup hash of the opaque body.
func (v *Vault) tokenHash(token ProtectedToken) string {
	mac := hmac.New(sha256.New, v.hashKey)
	mac.Write([]byte(token.body))
	return hex.EncodeToString(mac.Sum(nil))
}

// checkAPIKey validates the transport-level key in constant time and reports
// whether it grants admin elevation.
func (v *Vault) checkAPIKey(apiKey string) (bool, error) {
	if v.cfg.AdminAPIKey != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.cfg.AdminAPIKey)) == 1 {
		return true, nil
	}
	if v.cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.cfg.APIKey)) == 1 {
		return false, nil
	}
	return false, scerrors.New(scerrors.ErrInvalidAPIKey, "invalid API key")
}

func isControlOrSpace(r rune) bool {
	return r < 0x21 || r == 0x7f
}
