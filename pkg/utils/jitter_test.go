// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitter(t *testing.T) {
	t.Parallel()

	base := time.Second
	for i := 0; i < 100; i++ {
		d := Jitter(base, 0.2)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}

	// No jitter requested returns the base unchanged
	assert.Equal(t, base, Jitter(base, 0))
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	base := 500 * time.Millisecond

	assert.Equal(t, 500*time.Millisecond, Backoff(0, base, 0))
	assert.Equal(t, 1*time.Second, Backoff(1, base, 0))
	assert.Equal(t, 2*time.Second, Backoff(2, base, 0))

	// Cap applies once the doubled delay reaches it
	assert.Equal(t, 1500*time.Millisecond, Backoff(5, base, 1500*time.Millisecond))

	assert.Equal(t, time.Duration(0), Backoff(3, 0, time.Second))
}
