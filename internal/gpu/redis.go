package gpu

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conveyor/internal/cache"
	"github.com/redis/go-redis/v9"
)

// reserveScript adds the job to the slot set if it is already a member or
// the set is below capacity. Returns 1 when the job holds a slot.
var reserveScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
	return 1
end
if redis.call('SCARD', KEYS[1]) < tonumber(ARGV[2]) then
	redis.call('SADD', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// RedisAllocator shares slot ownership between scheduler replicas through a
// Redis set.
type RedisAllocator struct {
	client   *redis.Client
	key      string
	capacity int
}

func NewRedisAllocator(client *redis.Client, pool string, capacity int) *RedisAllocator {
	return &RedisAllocator{
		client:   client,
		key:      cache.GPUSlotsKey(pool),
		capacity: capacity,
	}
}

func (a *RedisAllocator) RequestSlot(ctx context.Context, jobID uuid.UUID) (SlotStatus, error) {
	held, err := reserveScript.Run(ctx, a.client, []string{a.key}, jobID.String(), a.capacity).Int()
	if err != nil {
		return SlotPending, fmt.Errorf("%w: reserve slot: %v", ErrAllocatorUnavailable, err)
	}
	if held == 1 {
		return SlotReserved, nil
	}
	return SlotPending, nil
}

func (a *RedisAllocator) ReleaseSlot(ctx context.Context, jobID uuid.UUID) error {
	if err := a.client.SRem(ctx, a.key, jobID.String()).Err(); err != nil {
		return fmt.Errorf("%w: release slot: %v", ErrAllocatorUnavailable, err)
	}
	return nil
}

var _ Allocator = (*RedisAllocator)(nil)
