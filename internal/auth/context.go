// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	deviceIDKey contextKey = "device_id"
	userIDKey   contextKey = "user_id"
)

// SetDeviceID scopes ctx to a device. TokenSource.Token mints tokens with
// this id instead of its default when present.
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID reads the device id carried by ctx.
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// SetUserID scopes ctx to a user, overriding TokenSource defaults the same
// way as SetDeviceID.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID reads the user id carried by ctx.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}
