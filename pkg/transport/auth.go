package transport

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/golang-jwt/jwt/v5"
)

// JWTSecretLength is the size of an engine-API style shared secret.
const JWTSecretLength = 32

// ParseJWTSecret decodes a hex secret as found in a node's jwtsecret file.
// The 0x prefix and surrounding whitespace are optional.
func ParseJWTSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	secret, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid jwt secret: %w", err)
	}
	if len(secret) != JWTSecretLength {
		return nil, fmt.Errorf("invalid jwt secret: want %d bytes, got %d", JWTSecretLength, len(secret))
	}
	return secret, nil
}

// BearerToken signs a short-lived HS256 token carrying only an iat claim.
func BearerToken(secret []byte, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func authHeader(secret []byte, now time.Time) (http.Header, error) {
	if len(secret) == 0 {
		return nil, nil
	}
	token, err := BearerToken(secret, now)
	if err != nil {
		return nil, fmt.Errorf("sign bearer token: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}
