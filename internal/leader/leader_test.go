package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestStandalone(t *testing.T) {
	s := NewStandalone()
	tok := s.GetToken()

	assert.True(t, s.ValidateToken(tok))
	assert.False(t, s.ValidateToken(InvalidToken()))
	assert.False(t, s.ValidateToken(NewToken()), "a token from elsewhere is not ours")
}

func newRedisPair(t *testing.T) (*RedisController, *RedisController, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := clocktesting.NewFakeClock(time.Now())
	a := NewRedisController(client, "scheduler", "a", 3*time.Second, clk)
	b := NewRedisController(client, "scheduler", "b", 3*time.Second, clk)
	return a, b, mr
}

func TestRedisController_OnlyOneLeader(t *testing.T) {
	a, b, _ := newRedisPair(t)
	ctx := context.Background()

	a.campaign(ctx)
	b.campaign(ctx)

	assert.True(t, a.ValidateToken(a.GetToken()))
	assert.False(t, b.ValidateToken(b.GetToken()))
}

func TestRedisController_RenewKeepsToken(t *testing.T) {
	a, _, mr := newRedisPair(t)
	ctx := context.Background()

	a.campaign(ctx)
	tok := a.GetToken()

	mr.FastForward(2 * time.Second)
	a.campaign(ctx)
	mr.FastForward(2 * time.Second)
	a.campaign(ctx)

	assert.True(t, a.ValidateToken(tok), "renewal keeps the same token")
}

func TestRedisController_FailoverAfterExpiry(t *testing.T) {
	a, b, mr := newRedisPair(t)
	ctx := context.Background()

	a.campaign(ctx)
	old := a.GetToken()

	mr.FastForward(4 * time.Second)
	b.campaign(ctx)
	a.campaign(ctx)

	assert.True(t, b.ValidateToken(b.GetToken()))
	assert.False(t, a.ValidateToken(old))
}

func TestRedisController_ResignFreesLease(t *testing.T) {
	a, b, _ := newRedisPair(t)
	ctx := context.Background()

	a.campaign(ctx)
	a.resign()
	assert.False(t, a.ValidateToken(a.GetToken()))

	b.campaign(ctx)
	assert.True(t, b.ValidateToken(b.GetToken()))
}

func TestRedisController_RedisDownLosesLeadership(t *testing.T) {
	a, _, mr := newRedisPair(t)
	ctx := context.Background()

	a.campaign(ctx)
	require.True(t, a.ValidateToken(a.GetToken()))

	mr.Close()
	a.campaign(ctx)
	assert.False(t, a.ValidateToken(a.GetToken()))
}

func TestRedisController_RunStopsOnCancel(t *testing.T) {
	a, _, mr := newRedisPair(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.ValidateToken(a.GetToken()) }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, mr.Exists("conveyor:leader:scheduler"))
}
