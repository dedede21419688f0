// Package token validates the opaque credential presented at handshake time
// and resolves it to a user identity.
package token

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthentication covers every credential failure: missing, malformed,
// expired, or signed with the wrong key. Callers reject the connection and
// never retry.
var ErrAuthentication = errors.New("authentication failed")

// Verifier resolves a credential string to a user id.
type Verifier interface {
	Verify(tokenString string) (userID string, err error)
}

// AppClaims defines our custom JWT claims structure.
type AppClaims struct {
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed JWTs issued by the login service.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

var _ Verifier = (*JWTVerifier)(nil)

func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing token", ErrAuthentication)
	}

	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok {
		return "", fmt.Errorf("%w: unexpected claims type", ErrAuthentication)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token missing 'sub' claim", ErrAuthentication)
	}
	return claims.Subject, nil
}
