// SPDX-License-Identifier: MIT

package auth

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyDeviceRequestRoundTrip(t *testing.T) {
	now := time.Now()
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	body := []byte(`{"from":"+15551234567","message":"hi"}`)

	sig := SignDeviceRequest("token-1", "dev-1", ts, "nonce-1", body)
	require.NoError(t, VerifyDeviceRequest("token-1", "dev-1", ts, "nonce-1", sig, body, now))
}

func TestVerifyDeviceRequestRejectsTamper(t *testing.T) {
	now := time.Now()
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	body := []byte(`{"a":1}`)
	sig := SignDeviceRequest("token-1", "dev-1", ts, "n", body)

	// Altered body.
	err := VerifyDeviceRequest("token-1", "dev-1", ts, "n", sig, []byte(`{"a":2}`), now)
	assert.ErrorIs(t, err, ErrBadSignature)

	// Wrong token.
	err = VerifyDeviceRequest("token-2", "dev-1", ts, "n", sig, body, now)
	assert.ErrorIs(t, err, ErrBadSignature)

	// Different nonce.
	err = VerifyDeviceRequest("token-1", "dev-1", ts, "other", sig, body, now)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyDeviceRequestSkewWindow(t *testing.T) {
	now := time.Now()
	body := []byte("x")

	for _, offset := range []time.Duration{-6 * time.Minute, 6 * time.Minute} {
		ts := strconv.FormatInt(now.Add(offset).UnixMilli(), 10)
		sig := SignDeviceRequest("tok", "dev", ts, "n", body)
		err := VerifyDeviceRequest("tok", "dev", ts, "n", sig, body, now)
		assert.ErrorIs(t, err, ErrStaleRequest, "offset=%s", offset)
	}

	// Just inside the window.
	ts := strconv.FormatInt(now.Add(-4*time.Minute).UnixMilli(), 10)
	sig := SignDeviceRequest("tok", "dev", ts, "n", body)
	assert.NoError(t, VerifyDeviceRequest("tok", "dev", ts, "n", sig, body, now))
}

func TestVerifyDeviceRequestBadTimestamp(t *testing.T) {
	err := VerifyDeviceRequest("tok", "dev", "not-a-number", "n", "sig", nil, time.Now())
	assert.ErrorIs(t, err, ErrBadTimestamp)
}

func TestSignWebhookPayload(t *testing.T) {
	sig := SignWebhookPayload("whsecret", []byte(`{"event":"sms.sent"}`))
	assert.True(t, len(sig) == len("sha256=")+64)
	assert.Contains(t, sig, "sha256=")

	// Deterministic for same inputs, different for different secret.
	assert.Equal(t, sig, SignWebhookPayload("whsecret", []byte(`{"event":"sms.sent"}`)))
	assert.NotEqual(t, sig, SignWebhookPayload("other", []byte(`{"event":"sms.sent"}`)))
}
