// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/internal/auth"
)

// JWTAuth handles JWT authentication
type JWTAuth struct {
	secret []byte
	issuer string
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
		issuer: "fieldsync",
	}
}

// JWTClaims represents JWT claims of a field device acting for an inspector
type JWTClaims struct {
	TenantID string `json:"tid"` // Tenant (inspection company) the inspector belongs to
	DeviceID string `json:"did"` // Device ID
	jwt.RegisteredClaims
}

// Identity is the authenticated caller of a request.
type Identity struct {
	TenantID string
	UserID   string
	DeviceID string
}

// GenerateToken generates a token for an inspector's device
func (j *JWTAuth) GenerateToken(tenantID, userID, deviceID string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		TenantID: tenantID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.TenantID == "" {
			return nil, fmt.Errorf("missing tid (tenant ID) in token")
		}
		if claims.DeviceID == "" {
			return nil, fmt.Errorf("missing did (device ID) in token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (user ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// Authenticate extracts the caller identity from the bearer token
func (j *JWTAuth) Authenticate(r *http.Request) (*Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("authorization header required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, fmt.Errorf("bearer token required")
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return &Identity{TenantID: claims.TenantID, UserID: claims.Subject, DeviceID: claims.DeviceID}, nil
}

// Middleware authenticates the request and stores the identity in its context
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := j.Authenticate(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
			return
		}
		ctx := auth.SetAuthContext(r.Context(), id.TenantID, id.UserID, id.DeviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
