// Package token issues and verifies the JWTs that clients present in
// authenticate messages. The relay only consumes the verified user id; the
// marketplace layer mints the tokens.
package token

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// Token represents the claims required in a relay client JWT
type Token struct {

	// UserID identifies the marketplace account the client belongs to
	UserID string `json:"userID"`

	// Scopes controlling access to relay features, e.g. ["subscribe","llm"]
	Scopes []string `json:"scopes,omitempty"`

	jwt.RegisteredClaims
}

// New returns a Token populated with the supplied information
func New(audience, userID string, scopes []string, iat, nbf, exp time.Time) Token {
	return Token{
		UserID: userID,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(iat),
			NotBefore: jwt.NewNumericDate(nbf),
			ExpiresAt: jwt.NewNumericDate(exp),
			Audience:  jwt.ClaimStrings{audience},
		},
	}
}

// Sign returns the signed string form of the token
func Sign(t Token, secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, t).SignedString([]byte(secret))
}

// HasRequiredClaims returns false if the Token is missing any required elements
func HasRequiredClaims(t Token) bool {
	if t.UserID == "" ||
		len(t.RegisteredClaims.Audience) == 0 ||
		t.RegisteredClaims.ExpiresAt == nil {
		return false
	}
	return true
}

// Verifier checks bearer tokens for a single audience and secret
type Verifier struct {
	Audience string
	Secret   string
}

// Verify parses and validates the token string, returning the claims.
// The signature, time claims, audience and required claims are all checked.
func (v *Verifier) Verify(tokenString string) (Token, error) {

	var claims Token

	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method " + t.Method.Alg())
		}
		return []byte(v.Secret), nil
	})

	if err != nil {
		return Token{}, err
	}

	if !parsed.Valid {
		return Token{}, errors.New("token invalid")
	}

	if !HasRequiredClaims(claims) {
		return Token{}, errors.New("token missing required claims")
	}

	audok := false
	for _, aud := range claims.Audience {
		if aud == v.Audience {
			audok = true
		}
	}
	if !audok {
		return Token{}, errors.New("token audience does not include " + v.Audience)
	}

	return claims, nil
}
