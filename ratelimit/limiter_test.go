package ratelimit

import (
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

var epoch = time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

func newTestLimiter(t *testing.T, capacity, refill float64) (*Limiter, *utils.ManualClock) {
	t.Helper()

	clock := utils.NewManualClock(epoch)
	l, err := NewLimiter(Options{Capacity: capacity, RefillPerSecond: refill, Clock: clock})
	require.NoError(t, err)

	return l, clock
}

// TestLimiter_BurstThenRefill verifies a full burst, a rejection, and exact refill after two seconds.
func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 1)

	for i := 0; i < 60; i++ {
		require.True(t, l.Allow("client"), "call %d", i+1)
	}
	require.False(t, l.Allow("client"))

	clock.Advance(2 * time.Second)

	require.True(t, l.Allow("client"))
	require.True(t, l.Allow("client"))
	require.False(t, l.Allow("client"))
}

// TestLimiter_IdentitiesAreIndependent verifies one identity's usage never drains another.
func TestLimiter_IdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 2, 1)

	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))

	require.True(t, l.Allow("b"))
	require.Equal(t, 1.0, l.Tokens("b"))
	require.Equal(t, 2.0, l.Tokens("unknown"))
}

// TestLimiter_TokensStayBounded verifies tokens stay within zero and capacity under random traffic.
func TestLimiter_TokensStayBounded(t *testing.T) {
	l, clock := newTestLimiter(t, 10, 3)
	rnd := rand.New(rand.NewSource(7))

	for i := 0; i < 5000; i++ {
		id := strconv.Itoa(rnd.Intn(8))
		l.Allow(id)
		clock.Advance(time.Duration(rnd.Intn(700)) * time.Millisecond)

		tokens := l.Tokens(id)
		require.GreaterOrEqual(t, tokens, 0.0)
		require.LessOrEqual(t, tokens, 10.0)
	}
}

// TestLimiter_RefillCapsAtCapacity verifies a long idle period never overfills the bucket.
func TestLimiter_RefillCapsAtCapacity(t *testing.T) {
	l, clock := newTestLimiter(t, 5, 1)

	require.True(t, l.Allow("x"))
	clock.Advance(time.Hour)

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow("x"))
	}
	require.False(t, l.Allow("x"))
}

// TestLimiter_ReserveReportsRetryAfter verifies the decision carries remaining tokens and retry time.
func TestLimiter_ReserveReportsRetryAfter(t *testing.T) {
	l, clock := newTestLimiter(t, 2, 0.5)

	d := l.Reserve("r")
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)
	require.Equal(t, 2, d.Limit)
	require.Zero(t, d.RetryAfterSeconds())

	l.Reserve("r")
	d = l.Reserve("r")
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Equal(t, 2*time.Second, d.RetryAfter)
	require.Equal(t, 2, d.RetryAfterSeconds())

	clock.Advance(1500 * time.Millisecond)
	d = l.Reserve("r")
	require.False(t, d.Allowed)
	require.Equal(t, 1, d.RetryAfterSeconds())
}

// TestLimiter_Sweep verifies idle identities are dropped and active ones kept.
func TestLimiter_Sweep(t *testing.T) {
	l, clock := newTestLimiter(t, 3, 1)

	l.Allow("idle")
	clock.Advance(10 * time.Minute)
	l.Allow("active")

	require.Equal(t, 2, l.Len())
	require.Equal(t, 1, l.Sweep(5*time.Minute))
	require.Equal(t, 1, l.Len())
	require.Equal(t, 3.0, l.Tokens("idle"))
}

// TestLimiter_Forget verifies a forgotten identity starts again from a full bucket.
func TestLimiter_Forget(t *testing.T) {
	l, _ := newTestLimiter(t, 2, 1)

	require.True(t, l.Allow("client"))
	require.True(t, l.Allow("client"))
	require.False(t, l.Allow("client"))

	require.True(t, l.Forget("client"))
	require.False(t, l.Forget("client"))
	require.Zero(t, l.Len())
	require.True(t, l.Allow("client"))
}

// TestLimiter_InvalidOptions verifies non-positive capacity or refill is rejected.
func TestLimiter_InvalidOptions(t *testing.T) {
	_, err := NewLimiter(Options{Capacity: 0, RefillPerSecond: 1})
	require.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = NewLimiter(Options{Capacity: 1, RefillPerSecond: -1})
	require.ErrorIs(t, err, types.ErrInvalidParameter)
}

// TestLimiter_ConcurrentAllowNeverOveradmits verifies parallel callers cannot exceed the burst.
func TestLimiter_ConcurrentAllowNeverOveradmits(t *testing.T) {
	l, _ := newTestLimiter(t, 100, 1)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if l.Allow("shared") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 100, allowed)
}
