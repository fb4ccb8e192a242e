package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/eugener/heimdall/internal"
)

// Session token types. Access tokens authenticate dashboard API calls,
// refresh tokens only mint new pairs.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

type sessionClaims struct {
	Typ string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HMAC-signed dashboard session tokens.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer returns an issuer signing with the given shared secret.
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// IssuePair returns a fresh access/refresh token pair for the user.
func (t *TokenIssuer) IssuePair(userID string) (access, refresh string, err error) {
	access, err = t.issue(userID, TokenTypeAccess, accessTokenTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err = t.issue(userID, TokenTypeRefresh, refreshTokenTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (t *TokenIssuer) issue(userID, typ string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Typ: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "heimdall",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// IssueAccess returns a fresh access token for the user. Used by the refresh
// flow, which must not rotate the refresh token.
func (t *TokenIssuer) IssueAccess(userID string) (string, error) {
	return t.issue(userID, TokenTypeAccess, accessTokenTTL)
}

// VerifyAccess parses an access token and returns the subject user ID.
func (t *TokenIssuer) VerifyAccess(token string) (string, error) {
	return t.Verify(token, TokenTypeAccess)
}

// Verify parses a session token of the given type and returns the subject
// user ID. Expired, malformed, or wrong-type tokens yield ErrUnauthorized.
func (t *TokenIssuer) Verify(token, typ string) (string, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tk *jwt.Token) (any, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tk.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", gateway.ErrUnauthorized
	}
	if claims.Typ != typ || claims.Subject == "" {
		return "", gateway.ErrUnauthorized
	}
	return claims.Subject, nil
}
