package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the limiter sleeps, so window waits are
// observable without real time passing.
type fakeClock struct {
	now    time.Time
	slept  []time.Duration
	sleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.sleeps++
	c.now = c.now.Add(d)
	return nil
}

func newTestLimiter(c *fakeClock, limits map[string]Limits) *Limiter {
	l := New(limits)
	l.now = c.Now
	l.sleep = c.Sleep
	return l
}

func TestAcquireUnderLimit(t *testing.T) {
	c := newFakeClock()
	l := newTestLimiter(c, map[string]Limits{"openalex": {RPS: 5}})

	for i := 0; i < 5; i++ {
		ok, err := l.Acquire(context.Background(), "openalex", 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Zero(t, c.sleeps)
}

func TestAcquireBlocksOnRPS(t *testing.T) {
	c := newFakeClock()
	l := newTestLimiter(c, map[string]Limits{"openalex": {RPS: 2}})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := l.Acquire(ctx, "openalex", 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := l.Acquire(ctx, "openalex", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotZero(t, c.sleeps, "third acquire should wait for the window")
	assert.Equal(t, time.Second, c.slept[0])
}

func TestAcquireBlocksOnRPM(t *testing.T) {
	c := newFakeClock()
	l := newTestLimiter(c, map[string]Limits{"openalex": {RPM: 2}})

	ctx := context.Background()
	start := c.now
	for i := 0; i < 3; i++ {
		ok, err := l.Acquire(ctx, "openalex", 0)
		require.NoError(t, err)
		require.True(t, ok)
	}
	// The third call waits until the oldest request is a full minute old.
	assert.Equal(t, time.Minute, c.now.Sub(start))
}

func TestTPMWindow(t *testing.T) {
	c := newFakeClock()
	l := newTestLimiter(c, map[string]Limits{"llm": {TPM: 1000}})

	ctx := context.Background()
	ok, err := l.Acquire(ctx, "llm", 800)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx, "llm", 800)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotZero(t, c.sleeps, "second call exceeds the token budget and must wait")
}

func TestDailyQuotaReturnsFalse(t *testing.T) {
	c := newFakeClock()
	l := newTestLimiter(c, map[string]Limits{"unpaywall": {RPD: 2}})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := l.Acquire(ctx, "unpaywall", 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := l.Acquire(ctx, "unpaywall", 0)
	require.NoError(t, err)
	assert.False(t, ok, "daily quota spent must short-circuit")
	assert.Zero(t, c.sleeps, "daily refusal must not block")
}

func TestDayRolloverResetsDailyWindow(t *testing.T) {
	c := newFakeClock()
	l := newTestLimiter(c, map[string]Limits{"unpaywall": {RPD: 1}})

	ctx := context.Background()
	ok, err := l.Acquire(ctx, "unpaywall", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx, "unpaywall", 0)
	require.NoError(t, err)
	require.False(t, ok)

	// Next calendar day: quota is fresh again.
	c.now = c.now.Add(24 * time.Hour)
	ok, err = l.Acquire(ctx, "unpaywall", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQuotaErrorBackoff(t *testing.T) {
	c := newFakeClock()
	l := newTestLimiter(c, map[string]Limits{"openalex": {RPS: 10}})

	l.ReportError("openalex", errors.New("HTTP 429: too many requests"))

	ctx := context.Background()
	ok, err := l.Acquire(ctx, "openalex", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotZero(t, c.sleeps, "acquire after quota error must wait for reset")
	assert.Equal(t, time.Second, c.slept[0], "first backoff is one second")

	// Consecutive quota errors double the backoff: the second error schedules
	// its reset using the already-doubled value.
	l.ReportError("openalex", errors.New("resource exhausted"))
	l.ReportError("openalex", errors.New("resource exhausted"))
	before := c.sleeps
	ok, err = l.Acquire(ctx, "openalex", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Greater(t, c.sleeps, before)
	assert.Equal(t, 2*time.Second, c.slept[before])

	// Success resets the backoff to one second.
	l.ReportError("openalex", errors.New("HTTP 429"))
	l.ReportSuccess("openalex")
	l.ReportError("openalex", errors.New("HTTP 429"))
	before = c.sleeps
	_, err = l.Acquire(ctx, "openalex", 0)
	require.NoError(t, err)
	assert.Equal(t, time.Second, c.slept[before])
}

func TestNonQuotaErrorIgnored(t *testing.T) {
	c := newFakeClock()
	l := newTestLimiter(c, map[string]Limits{"openalex": {RPS: 10}})

	l.ReportError("openalex", errors.New("connection reset by peer"))
	ok, err := l.Acquire(context.Background(), "openalex", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, c.sleeps)
}

func TestAcquireHonorsContext(t *testing.T) {
	l := New(map[string]Limits{"openalex": {RPS: 1}})

	ctx := context.Background()
	ok, err := l.Acquire(ctx, "openalex", 0)
	require.NoError(t, err)
	require.True(t, ok)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Acquire(cancelled, "openalex", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsQuotaError(t *testing.T) {
	assert.True(t, IsQuotaError(errors.New("HTTP 429")))
	assert.True(t, IsQuotaError(errors.New("RESOURCE EXHAUSTED")))
	assert.True(t, IsQuotaError(errors.New("daily quota exceeded")))
	assert.False(t, IsQuotaError(errors.New("connection refused")))
	assert.False(t, IsQuotaError(nil))
}
