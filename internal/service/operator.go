// Package service contains the offline queue, its drainer and operator authentication.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/limiter"
)

// OperatorAuth issues and verifies bearer tokens for the admin API.
type OperatorAuth struct {
	signKey []byte
	ttl     time.Duration
	lim     limiter.Limiter
}

// NewOperatorAuth constructs OperatorAuth. lim may be nil.
func NewOperatorAuth(signKey []byte, ttl time.Duration, lim limiter.Limiter) *OperatorAuth {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &OperatorAuth{signKey: signKey, ttl: ttl, lim: lim}
}

// Issue creates a signed HS256 JWT for the given operator.
func (a *OperatorAuth) Issue(subject string) (string, time.Time, error) {
	if len(a.signKey) == 0 {
		return "", time.Time{}, errors.New("operator signing key is not configured")
	}
	now := time.Now()
	exp := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signKey)
	return signed, exp, err
}

// Verify checks token presented by a caller at remote and returns its subject.
// Repeated failures from one remote block it for a while.
func (a *OperatorAuth) Verify(ctx context.Context, token, remote string) (string, error) {
	key := "admin:" + remote
	if a.lim != nil {
		allowed, _, err := a.lim.Allow(ctx, key)
		if err != nil {
			return "", err
		}
		if !allowed {
			return "", errs.ErrRateLimited
		}
	}

	subject, err := a.parse(token)
	if err != nil {
		if a.lim != nil {
			if blocked, _, ferr := a.lim.Failure(ctx, key); ferr == nil && blocked {
				return "", errs.ErrRateLimited
			}
		}
		return "", errs.ErrUnauthorized
	}

	if a.lim != nil {
		_ = a.lim.Success(ctx, key)
	}
	return subject, nil
}

func (a *OperatorAuth) parse(token string) (string, error) {
	if token == "" || len(a.signKey) == 0 {
		return "", errs.ErrUnauthorized
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.signKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errs.ErrUnauthorized
	}
	return claims.Subject, nil
}
