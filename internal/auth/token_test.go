// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	source := NewTokenSource("test-secret", "user-1", "device-1", time.Hour)

	signed, err := source.Token(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	claims, err := ParseClaims("test-secret", signed)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "device-1", claims.DeviceID)
	require.Equal(t, "warehouse-tracker", claims.Issuer)
}

func TestTokenHonorsContextIdentity(t *testing.T) {
	source := NewTokenSource("test-secret", "user-1", "device-1", time.Hour)

	ctx := SetUserID(context.Background(), "user-2")
	ctx = SetDeviceID(ctx, "scanner-7")

	signed, err := source.Token(ctx)
	require.NoError(t, err)

	claims, err := ParseClaims("test-secret", signed)
	require.NoError(t, err)
	require.Equal(t, "user-2", claims.Subject, "ctx user overrides the source default")
	require.Equal(t, "scanner-7", claims.DeviceID, "ctx device overrides the source default")
}

func TestParseClaimsRejectsWrongSecret(t *testing.T) {
	source := NewTokenSource("test-secret", "user-1", "device-1", time.Hour)
	signed, err := source.Token(context.Background())
	require.NoError(t, err)

	_, err = ParseClaims("other-secret", signed)
	require.Error(t, err)
}

func TestParseClaimsRejectsExpiredToken(t *testing.T) {
	source := NewTokenSource("test-secret", "user-1", "device-1", -time.Minute)
	signed, err := source.Token(context.Background())
	require.NoError(t, err)

	_, err = ParseClaims("test-secret", signed)
	require.Error(t, err)
}

func TestParseClaimsRequiresIdentity(t *testing.T) {
	sign := func(claims *Claims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)
		return signed
	}
	fresh := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Subject:   "user-1",
		}
	}

	noDevice := fresh()
	_, err := ParseClaims("test-secret", sign(&Claims{RegisteredClaims: noDevice}))
	require.ErrorContains(t, err, "device ID")

	noUser := fresh()
	noUser.Subject = ""
	_, err = ParseClaims("test-secret", sign(&Claims{DeviceID: "device-1", RegisteredClaims: noUser}))
	require.ErrorContains(t, err, "user ID")
}

func TestContextIdentity(t *testing.T) {
	ctx := context.Background()
	_, ok := GetUserID(ctx)
	require.False(t, ok)

	ctx = SetUserID(ctx, "user-1")
	ctx = SetDeviceID(ctx, "device-1")

	userID, ok := GetUserID(ctx)
	require.True(t, ok)
	require.Equal(t, "user-1", userID)

	deviceID, ok := GetDeviceID(ctx)
	require.True(t, ok)
	require.Equal(t, "device-1", deviceID)
}
