// Package auth turns client credentials into identities. The core only sees the
// Verifier interface; these are the adapters the server binary wires in.
package auth

import (
	"context"
	"fmt"
	"time"

	"go-chat-core/internal/chat"

	"github.com/golang-jwt/jwt/v5"
)

const Issuer = "go-chat-app"

type Claims struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens and binds the connection to the username claim.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(_ context.Context, credential string) (chat.Identity, error) {
	if credential == "" {
		return "", fmt.Errorf("empty token: %w", chat.ErrAuth)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chat.ErrAuth, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token: %w", chat.ErrAuth)
	}
	if claims.Username == "" {
		return "", fmt.Errorf("token without username: %w", chat.ErrAuth)
	}
	return chat.Identity(claims.Username), nil
}

// Issue signs a token for identity valid for ttl.
func (v *JWTVerifier) Issue(id int, identity chat.Identity, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       id,
		Username: string(identity),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(v.now()),
			ExpiresAt: jwt.NewNumericDate(v.now().Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}
