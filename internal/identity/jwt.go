package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/lru"
	"github.com/p-blackswan/collabhub/pkg/tokenstore"
)

// Claims are the JWT claims issued to collaborators.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// JWTVerifier validates HS256 tokens, remembers recent verifications and
// consults a revocation denylist.
type JWTVerifier struct {
	secret   []byte
	denylist tokenstore.Store
	cache    *lru.Cache[string, Identity]
	logger   zerolog.Logger
	now      func() time.Time
}

// JWTOption configures a JWTVerifier.
type JWTOption func(*JWTVerifier)

// WithCacheSize bounds the verified-token cache.
func WithCacheSize(n int) JWTOption {
	return func(v *JWTVerifier) { v.cache = lru.New[string, Identity](n) }
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret []byte, denylist tokenstore.Store, logger zerolog.Logger, opts ...JWTOption) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: jwt secret is empty", perrors.ErrInvalidInput)
	}
	v := &JWTVerifier{
		secret:   secret,
		denylist: denylist,
		cache:    lru.New[string, Identity](1024),
		logger:   logger.With().Str("component", "identity.jwt").Logger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Issue signs a token for the given user.
func (v *JWTVerifier) Issue(userID, email string, ttl time.Duration) (string, time.Time, error) {
	now := v.now()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email: email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", perrors.ErrAuthFailure)
	}
	key := tokenstore.Key(token)

	if v.denylist != nil {
		revoked, err := v.denylist.IsRevoked(ctx, key)
		if err != nil {
			v.logger.Error().Err(err).Msg("denylist lookup failed")
			return Identity{}, fmt.Errorf("%w: denylist unavailable", perrors.ErrAuthFailure)
		}
		if revoked {
			v.cache.Delete(key)
			return Identity{}, fmt.Errorf("%w: token revoked", perrors.ErrAuthFailure)
		}
	}

	if id, ok := v.cache.Get(key); ok {
		return id, nil
	}

	claims, err := v.parse(token)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{UserID: claims.Subject, Email: claims.Email}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	v.cache.PutUntil(key, id, exp)
	return id, nil
}

// Revoke denies token until its own expiry. Tokens that fail verification
// are rejected with ErrAuthFailure.
func (v *JWTVerifier) Revoke(ctx context.Context, token, reason string) error {
	claims, err := v.parse(token)
	if err != nil {
		return err
	}
	if v.denylist == nil {
		return fmt.Errorf("%w: no denylist configured", perrors.ErrUnavailable)
	}
	until := v.now().Add(24 * time.Hour)
	if claims.ExpiresAt != nil {
		until = claims.ExpiresAt.Time
	}
	key := tokenstore.Key(token)
	if err := v.denylist.Revoke(ctx, key, reason, until); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	v.cache.Delete(key)
	v.logger.Info().Str("user_id", claims.Subject).Str("reason", reason).Msg("token revoked")
	return nil
}

func (v *JWTVerifier) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", perrors.ErrAuthFailure, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid claims", perrors.ErrAuthFailure)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", perrors.ErrAuthFailure)
	}
	return claims, nil
}
