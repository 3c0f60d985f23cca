// SPDX-License-Identifier: MIT

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 16 * time.Minute},
		{6, 16 * time.Minute},
		{100, 16 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, ClampLimit(0))
	assert.Equal(t, 50, ClampLimit(-5))
	assert.Equal(t, 1, ClampLimit(1))
	assert.Equal(t, 100, ClampLimit(100))
	assert.Equal(t, 100, ClampLimit(5000))
}

func TestAPIKeyHasScope(t *testing.T) {
	k := &APIKey{Scopes: []string{ScopeSend, ScopeRead}}
	assert.True(t, k.HasScope(ScopeSend))
	assert.True(t, k.HasScope(ScopeRead))
	assert.False(t, k.HasScope(ScopeInbox))
	assert.False(t, (&APIKey{}).HasScope(ScopeSend))
}
