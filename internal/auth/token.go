// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

// Package auth carries identity through contexts and provides a local
// HS256 token source for the sync transport. The production session
// provider is an external collaborator; this source backs development
// builds and tests.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the sync transport's JWT claims: the user in the standard
// 'sub' claim and the device in 'did'.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// TokenSource signs short-lived bearer tokens for one user/device pair.
type TokenSource struct {
	secret   []byte
	userID   string
	deviceID string
	ttl      time.Duration
}

// NewTokenSource creates a token source. ttl bounds each token's lifetime;
// Token signs a fresh token per call so expiry never interrupts a pass.
func NewTokenSource(secret, userID, deviceID string, ttl time.Duration) *TokenSource {
	return &TokenSource{
		secret:   []byte(secret),
		userID:   userID,
		deviceID: deviceID,
		ttl:      ttl,
	}
}

// Token signs and returns a bearer token. Matches the sync client's token
// callback signature. Identity set on ctx via SetUserID/SetDeviceID
// overrides the source's defaults, so one source can mint tokens scoped to
// the request's caller.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	userID := t.userID
	if id, ok := GetUserID(ctx); ok {
		userID = id
	}
	deviceID := t.deviceID
	if id, ok := GetDeviceID(ctx); ok {
		deviceID = id
	}

	now := time.Now()
	claims := &Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "warehouse-tracker",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseClaims validates a token against secret and returns its claims.
func ParseClaims(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	return claims, nil
}
