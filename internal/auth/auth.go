package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the stable player identity carried by a verified bearer
// token. Token issuance belongs to the external auth service; this
// package only gates inbound connections.
type Identity struct {
	PlayerId string
	Name     string
}

type playerClaims struct {
	PlayerId string `json:"playerId"`
	Name     string `json:"name"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secretKey []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secretKey: []byte(secret)}
}

// Verify checks the token signature and expiry and yields the player
// identity. Every session event is rejected before this gate passes.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &playerClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secretKey, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*playerClaims)
	if !ok || !token.Valid || claims.PlayerId == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{PlayerId: claims.PlayerId, Name: claims.Name}, nil
}

// Sign issues a token for the given identity. Used by tests and local
// tooling; production tokens come from the auth service with the same
// shared secret.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	claims := playerClaims{
		PlayerId: id.PlayerId,
		Name:     id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}
