package leader

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/conveyor/internal/cache"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

// acquireScript takes the lease if it is free or renews it if we already
// hold it. Returns 1 while we are leader.
var acquireScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
if not holder then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisController elects a leader through a Redis key with a TTL. The
// holder renews it every third of the lease.
type RedisController struct {
	client     *redis.Client
	key        string
	instanceID string
	lease      time.Duration
	clock      clock.WithTicker
	token      atomic.Value
}

func NewRedisController(client *redis.Client, name, instanceID string, lease time.Duration, clk clock.WithTicker) *RedisController {
	if clk == nil {
		clk = clock.RealClock{}
	}
	c := &RedisController{
		client:     client,
		key:        cache.LeaderKey(name),
		instanceID: instanceID,
		lease:      lease,
		clock:      clk,
	}
	c.token.Store(InvalidToken())
	return c
}

func (c *RedisController) GetToken() Token {
	return c.token.Load().(Token)
}

func (c *RedisController) ValidateToken(tok Token) bool {
	if !tok.leader {
		return false
	}
	return c.token.Load().(Token).id == tok.id
}

// Run campaigns for the lease until ctx is cancelled, then gives it up.
func (c *RedisController) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.lease / 3)
	defer ticker.Stop()

	c.campaign(ctx)
	for {
		select {
		case <-ctx.Done():
			c.resign()
			return nil
		case <-ticker.C():
			c.campaign(ctx)
		}
	}
}

func (c *RedisController) campaign(ctx context.Context) {
	leading, err := c.acquire(ctx)
	if err != nil {
		slog.Warn("leader lease renewal failed", "instance_id", c.instanceID, "error", err)
	}
	wasLeading := c.GetToken().leader
	switch {
	case leading && !wasLeading:
		slog.Info("became leader", "instance_id", c.instanceID)
		c.token.Store(NewToken())
	case !leading && wasLeading:
		slog.Info("lost leadership", "instance_id", c.instanceID)
		c.token.Store(InvalidToken())
	}
}

func (c *RedisController) acquire(ctx context.Context) (bool, error) {
	held, err := acquireScript.Run(ctx, c.client, []string{c.key}, c.instanceID, c.lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return held == 1, nil
}

func (c *RedisController) resign() {
	c.token.Store(InvalidToken())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, c.client, []string{c.key}, c.instanceID).Err(); err != nil {
		slog.Warn("failed to release leader lease", "instance_id", c.instanceID, "error", err)
	}
}

var _ Controller = (*RedisController)(nil)
