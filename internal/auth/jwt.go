package auth

import (
	"crypto/rsa"
	"errors"
	"os"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Validator verifies bearer tokens issued by the auth service and resolves
// them to a numeric user ID. Token issuance is out of scope here.
type Validator struct {
	method string
	pub    *rsa.PublicKey
	secret []byte
}

func NewRS256Validator(pubKeyPath string) (*Validator, error) {
	b, err := os.ReadFile(pubKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, err
	}
	return &Validator{method: "RS256", pub: pub}, nil
}

func NewHS256Validator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("empty hs256 secret")
	}
	return &Validator{method: "HS256", secret: []byte(secret)}, nil
}

// Validate parses and verifies tokenStr and returns the user ID from the
// "sub" claim (falling back to "user_id").
func (v *Validator) Validate(tokenStr string) (int64, error) {
	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if v.method == "RS256" {
			return v.pub, nil
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{v.method}))
	if err != nil {
		return 0, err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return 0, ErrInvalidToken
	}
	if id, ok := userIDClaim(claims, "sub"); ok {
		return id, nil
	}
	if id, ok := userIDClaim(claims, "user_id"); ok {
		return id, nil
	}
	return 0, ErrInvalidToken
}

func userIDClaim(claims jwt.MapClaims, key string) (int64, bool) {
	switch v := claims[key].(type) {
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	case float64:
		return int64(v), true
	}
	return 0, false
}
