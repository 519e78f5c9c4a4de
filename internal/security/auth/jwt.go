package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles recognized by the core. Account management itself lives in an
// external service; this package only validates the tokens it mints.
const (
	RoleLandlord = "landlord"
	RoleTenant   = "tenant"
)

// Claims is the authenticated principal attached to each request
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Phone  string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager validates and issues HS256 principal tokens
type TokenManager struct {
	secret string
	issuer string
}

// NewTokenManager creates a new token manager
func NewTokenManager(secret, issuer string) *TokenManager {
	if secret == "" {
		secret = "change-me-in-production"
	}
	if issuer == "" {
		issuer = "rentledger"
	}
	return &TokenManager{secret: secret, issuer: issuer}
}

// GenerateToken mints a token for a principal. Used by tests and tooling;
// production tokens come from the external auth service sharing the secret.
func (tm *TokenManager) GenerateToken(userID, role, phone string, expiresIn time.Duration) (string, error) {
	if userID == "" || role == "" {
		return "", fmt.Errorf("user_id and role required")
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		Phone:  phone,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			Issuer:    tm.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(tm.secret))
}

// ValidateToken parses and verifies a token, returning its claims
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(tm.secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token failed: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// ExtractToken pulls the bearer token out of an Authorization header
func ExtractToken(authHeader string) (string, error) {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid authorization header")
	}
	return parts[1], nil
}
