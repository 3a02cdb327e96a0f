// Package auth issues and verifies the bearer tokens that let a transport
// connect with an identity already established over HTTP.
package auth

import (
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"chatrelay/models"
)

type Options struct {
	Secret []byte
	TTL    time.Duration // default 24h
	Issuer string
}

type Claims struct {
	Username string `json:"username"`
	jwtlib.RegisteredClaims
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, TTL: 24 * time.Hour, Issuer: "chatrelay"}
}

// Issue signs an HS256 token for id.
func Issue(opts Options, id models.Identity) (token string, expireAt time.Time, err error) {
	if len(opts.Secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret missing")
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	now := time.Now()
	expireAt = now.Add(opts.TTL)

	claims := Claims{
		Username: id.Username,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    opts.Issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expireAt),
		},
	}

	token, err = jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return token, expireAt, nil
}

// Verify returns the identity id and username carried by token. Any problem is
// reported as models.ErrAuthFailure.
func Verify(opts Options, token string) (id, username string, err error) {
	var claims Claims
	parsed, err := jwtlib.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", errors.Wrap(models.ErrAuthFailure, err.Error())
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", "", errors.Wrap(models.ErrAuthFailure, "invalid token")
	}
	return claims.Subject, claims.Username, nil
}
