package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultGrantTTL bounds how long a signed subscription grant stays valid.
const DefaultGrantTTL = 5 * time.Minute

// ErrNoGrants is returned when no signing secret is configured.
var ErrNoGrants = errors.New("authz: grants are not configured")

// GrantClaims are the claims of a subscription grant. The subject is the
// connection id.
type GrantClaims struct {
	Channel string `json:"channel"`
	jwt.RegisteredClaims
}

// GrantConfig holds the signing settings for grants.
type GrantConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// Grant authorizes connID for channel and returns a signed token the push
// gateway accepts in place of re-running the check.
func (a *Authorizer) Grant(ctx context.Context, connID, channel string) (string, error) {
	if a.grants == nil || len(a.grants.Secret) == 0 {
		return "", ErrNoGrants
	}
	if err := a.Authorize(ctx, connID, channel); err != nil {
		return "", err
	}

	ttl := a.grants.TTL
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	now := time.Now()
	claims := GrantClaims{
		Channel: channel,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   connID,
			Issuer:    a.grants.Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.grants.Secret)
	if err != nil {
		return "", fmt.Errorf("authz: sign grant: %w", err)
	}
	return signed, nil
}

// VerifyGrant checks that token was issued for connID and channel and has
// not expired.
func (a *Authorizer) VerifyGrant(tokenString, connID, channel string) error {
	if a.grants == nil || len(a.grants.Secret) == 0 {
		return ErrNoGrants
	}

	token, err := jwt.ParseWithClaims(tokenString, &GrantClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.grants.Secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: parse grant: %w", ErrForbidden, err)
	}

	claims, ok := token.Claims.(*GrantClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("%w: invalid grant claims", ErrForbidden)
	}
	if a.grants.Issuer != "" && claims.Issuer != a.grants.Issuer {
		return fmt.Errorf("%w: invalid issuer", ErrForbidden)
	}
	if claims.Subject != connID || claims.Channel != channel {
		return fmt.Errorf("%w: grant is for another subscription", ErrForbidden)
	}
	return nil
}
