// Package session implements component B, the Session & Token Manager:
// per-client identity, rotating bearer tokens, and signature verification
// (spec §4.B). Session records are persisted through the Cache Store under
// the `sess:{sessionId}` key (spec §6 "Persisted state layout").
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atp-proto/atp-server/atp/atperrors"
	"github.com/atp-proto/atp-server/atp/cachestore"
	"github.com/atp-proto/atp-server/atp/telemetry"
)

// sessionIDPattern enforces spec §4.B's exact format requirement.
var sessionIDPattern = regexp.MustCompile(`^cli_[0-9a-f]{32}$`)

const (
	minSecretLen = 32
	// RotationGrace is 30s (spec §9). Verify and MaybeRotate do not read
	// it: a rotated-out token stays valid until its own exp claim.
	RotationGrace = 30 * time.Second
)

type (
	// Session captures durable per-client session lifecycle state (spec §3).
	Session struct {
		ID                   string
		CreatedAt            time.Time
		ExpiresAt            time.Time
		RotateAt             time.Time
		ClientInfo           map[string]any
		CapabilitiesClaimed  []string
	}

	// Init is the result of creating a session (spec §4.B `init`).
	Init struct {
		SessionID string
		Token     string
		ExpiresAt time.Time
		RotateAt  time.Time
	}

	// claims is the signed token envelope (spec §3 "Token").
	claims struct {
		SessionID string `json:"sid"`
		Nonce     string `json:"nonce"`
		jwt.RegisteredClaims
	}

	// Manager issues, rotates, and verifies session tokens, and persists
	// session records via the Cache Store.
	Manager struct {
		secret     []byte
		store      cachestore.Store
		logger     telemetry.Logger
		tokenTTL   time.Duration
		rotateTTL  time.Duration
		sessionTTL time.Duration
	}

	// Option configures a Manager.
	Option func(*Manager)
)

// WithTokenTTL overrides the lifetime of a freshly issued token. Default 1h.
func WithTokenTTL(d time.Duration) Option { return func(m *Manager) { m.tokenTTL = d } }

// WithRotateAfter overrides how long after issuance rotation becomes due
// (rotateAt = issuedAt + d). Default 30m.
func WithRotateAfter(d time.Duration) Option { return func(m *Manager) { m.rotateTTL = d } }

// WithSessionTTL overrides how long a session record lives in the cache
// store absent rotation activity. Default 24h.
func WithSessionTTL(d time.Duration) Option { return func(m *Manager) { m.sessionTTL = d } }

// NewManager constructs a Manager. secret must be >= 32 bytes (spec §4.B
// "Secrets < 32 bytes cause refusal to start"); a short secret is a fatal
// startup error, not a runtime error, so NewManager returns an error the caller
// must check before serving any request.
func NewManager(secret []byte, store cachestore.Store, logger telemetry.Logger, opts ...Option) (*Manager, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("session: verification key must be >= %d bytes, got %d", minSecretLen, len(secret))
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	m := &Manager{
		secret:     secret,
		store:      store,
		logger:     logger,
		tokenTTL:   time.Hour,
		rotateTTL:  30 * time.Minute,
		sessionTTL: 24 * time.Hour,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Init allocates a fresh session and issues its first token (spec §4.B).
func (m *Manager) Init(ctx context.Context, clientInfo map[string]any) (Init, error) {
	sessionID, err := newSessionID()
	if err != nil {
		return Init{}, err
	}
	now := time.Now().UTC()
	sess := Session{
		ID:         sessionID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.sessionTTL),
		RotateAt:   now.Add(m.rotateTTL),
		ClientInfo: clientInfo,
	}
	if err := m.putSession(ctx, sess); err != nil {
		return Init{}, err
	}

	tok, expiresAt, rotateAt, err := m.issueToken(sessionID, now)
	if err != nil {
		return Init{}, err
	}
	return Init{SessionID: sessionID, Token: tok, ExpiresAt: expiresAt, RotateAt: rotateAt}, nil
}

// Verify parses rawToken, constant-time-verifies its signature, checks
// expiry, and loads the referenced session (spec §4.B `verify`). Every
// failure mode collapses to the single opaque atperrors.KindUnauthenticated
// error to avoid oracles (spec §8 invariant 3); the specific sub-reason is
// retained on the error's Sub field for server-side logs only.
func (m *Manager) Verify(ctx context.Context, rawToken string) (Session, error) {
	if rawToken == "" {
		return Session{}, atperrors.Opaque(atperrors.SubMalformedToken)
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(rawToken, &c, func(t *jwt.Token) (any, error) {
		// Reject alg=none / unsigned envelopes before touching the payload
		// (spec §4.B edge policy). Only HMAC-SHA256 is accepted.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("session: unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	switch {
	case err != nil:
		if errors.Is(err, jwt.ErrTokenExpired) {
			m.logger.Debug(ctx, "session: token expired")
			return Session{}, atperrors.Opaque(atperrors.SubTokenExpired)
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			m.logger.Debug(ctx, "session: signature invalid")
			return Session{}, atperrors.Opaque(atperrors.SubSignatureInvalid)
		}
		m.logger.Debug(ctx, "session: malformed token", "error", err.Error())
		return Session{}, atperrors.Opaque(atperrors.SubMalformedToken)
	case !parsed.Valid:
		return Session{}, atperrors.Opaque(atperrors.SubSignatureInvalid)
	}

	if !sessionIDPattern.MatchString(c.SessionID) {
		return Session{}, atperrors.Opaque(atperrors.SubMalformedToken)
	}

	sess, err := m.getSession(ctx, c.SessionID)
	if err != nil {
		return Session{}, atperrors.Opaque(atperrors.SubMalformedToken)
	}
	return sess, nil
}

// MaybeRotate issues a fresh token when now >= session.RotateAt, advancing
// RotateAt on the stored session. The prior token remains independently
// valid until its own expiry; old tokens are not tracked server-side, so no
// shorter grace window is applied to them.
func (m *Manager) MaybeRotate(ctx context.Context, sess Session, now time.Time) (string, bool, error) {
	if now.Before(sess.RotateAt) {
		return "", false, nil
	}
	tok, expiresAt, rotateAt, err := m.issueToken(sess.ID, now)
	if err != nil {
		return "", false, err
	}
	sess.ExpiresAt = expiresAt
	sess.RotateAt = rotateAt
	if err := m.putSession(ctx, sess); err != nil {
		return "", false, err
	}
	return tok, true, nil
}

func (m *Manager) issueToken(sessionID string, issuedAt time.Time) (token string, expiresAt, rotateAt time.Time, err error) {
	nonce, err := randomHex(16)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	expiresAt = issuedAt.Add(m.tokenTTL)
	rotateAt = issuedAt.Add(m.rotateTTL)

	c := claims{
		SessionID: sessionID,
		Nonce:     nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := t.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	return signed, expiresAt, rotateAt, nil
}

func (m *Manager) putSession(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := int(time.Until(sess.ExpiresAt).Seconds())
	if ttl <= 0 {
		ttl = int(m.sessionTTL.Seconds())
	}
	return m.store.Set(ctx, sessKey(sess.ID), data, ttl)
}

func (m *Manager) getSession(ctx context.Context, sessionID string) (Session, error) {
	data, err := m.store.Get(ctx, sessKey(sessionID))
	if err != nil {
		return Session{}, err
	}
	if data == nil {
		return Session{}, errors.New("session: not found")
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Revoke explicitly deletes a session record (spec §3 "destroyed on TTL
// expiry or explicit revocation").
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	return m.store.Delete(ctx, sessKey(sessionID))
}

func sessKey(sessionID string) string { return "sess:" + sessionID }

func newSessionID() (string, error) {
	suffix, err := randomHex(16)
	if err != nil {
		return "", err
	}
	return "cli_" + suffix, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
