package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const transferIssuer = "l2dbridge"

var ErrScope = errors.New("transfer token does not cover this request")

// TransferClaims grant one HTTP method on one resource.
type TransferClaims struct {
	RID    string `json:"rid"`
	Method string `json:"method"`
	jwt.RegisteredClaims
}

// Signer issues and checks the short-lived tokens embedded in resource URLs.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("signer secret is empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign generates a token for method on rid.
func (s *Signer) Sign(rid, method string) (string, error) {
	now := s.now()
	claims := &TransferClaims{
		RID:    rid,
		Method: strings.ToUpper(method),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    transferIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates tokenString and checks that it grants method on rid.
func (s *Signer) Verify(tokenString, rid, method string) (*TransferClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TransferClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(transferIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse transfer token: %w", err)
	}

	claims, ok := token.Claims.(*TransferClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.RID != rid || claims.Method != strings.ToUpper(method) {
		return nil, ErrScope
	}
	return claims, nil
}
