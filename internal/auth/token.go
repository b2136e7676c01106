package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrBadToken = errors.New("invalid token")

type Role string

const (
	RolePatient      Role = "patient"
	RoleNutritionist Role = "nutritionist"
	RoleAdmin        Role = "admin"
)

type Claims struct {
	UserID string `json:"uid"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// MakeToken signs an HS256 token for uid. Tokens are issued by the
// surrounding app; this is used by tooling and tests.
func MakeToken(uid string, role Role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := Claims{
		UserID: uid,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

func ParseToken(raw, secret string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		// block alg confusion
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || c.UserID == "" {
		return nil, ErrBadToken
	}
	switch c.Role {
	case RolePatient, RoleNutritionist, RoleAdmin:
	default:
		return nil, ErrBadToken
	}
	return c, nil
}

// Allows reports whether the holder may act on a resource owned by any of
// ownerIDs. Admins may act on everything.
func (c *Claims) Allows(ownerIDs ...string) bool {
	if c.Role == RoleAdmin {
		return true
	}
	for _, id := range ownerIDs {
		if id != "" && id == c.UserID {
			return true
		}
	}
	return false
}
