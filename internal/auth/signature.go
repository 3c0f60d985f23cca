// SPDX-License-Identifier: MIT

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MaxClockSkew bounds how far a signed device request's timestamp may drift
// from server time in either direction.
const MaxClockSkew = 5 * time.Minute

// Signature verification errors. All map to 401 at the edge; they are kept
// distinct for logging.
var (
	ErrBadSignature = errors.New("auth: signature mismatch")
	ErrStaleRequest = errors.New("auth: timestamp outside allowed skew")
	ErrBadTimestamp = errors.New("auth: malformed timestamp")
)

// SignDeviceRequest computes the hex HMAC-SHA256 over the canonical string
// deviceID:timestamp:nonce:body keyed with the device token. The Android
// client computes the same value for the X-Signature header.
func SignDeviceRequest(token, deviceID, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(token))
	fmt.Fprintf(mac, "%s:%s:%s:", deviceID, timestamp, nonce)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyDeviceRequest checks a signed device request against the stored token.
// now is injected for testability.
func VerifyDeviceRequest(token, deviceID, timestamp, nonce, signature string, body []byte, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}
	skew := now.Sub(time.UnixMilli(ts))
	if skew > MaxClockSkew || skew < -MaxClockSkew {
		return ErrStaleRequest
	}

	want := SignDeviceRequest(token, deviceID, timestamp, nonce, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// SignWebhookPayload computes the webhook body signature. The receiving side
// verifies sha256=<hex hmac> from the X-Webhook-Signature header.
func SignWebhookPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
