package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAdmitsUpToMax(t *testing.T) {
	l := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Check("telegram:42").Allowed, "request %d", i)
	}

	res := l.Check("telegram:42")
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, time.Minute)
}

func TestCheckKeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)

	require.True(t, l.Check("telegram:42").Allowed)
	assert.False(t, l.Check("telegram:42").Allowed)

	// Same numeric id on another provider is a different key.
	assert.True(t, l.Check("discord:42").Allowed)
}

func TestCheckWindowReset(t *testing.T) {
	now := time.Now()
	l := New(1, time.Minute)
	l.now = func() time.Time { return now }

	require.True(t, l.Check("k").Allowed)
	require.False(t, l.Check("k").Allowed)

	now = now.Add(61 * time.Second)
	assert.True(t, l.Check("k").Allowed)
}

func TestEvictionAtCapacity(t *testing.T) {
	now := time.Now()
	l := New(1, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < maxTrackedKeys; i++ {
		l.Check(fmt.Sprintf("telegram:%d", i))
	}
	require.Len(t, l.entries, maxTrackedKeys)

	// All windows expired: the next fresh key triggers eviction instead of
	// unbounded growth.
	now = now.Add(2 * time.Minute)
	res := l.Check("telegram:new")
	assert.True(t, res.Allowed)
	assert.Len(t, l.entries, 1)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "telegram:12345", Key("telegram", "12345"))
}
