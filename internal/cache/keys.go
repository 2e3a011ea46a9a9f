package cache

import "fmt"

const keyPrefix = "conveyor"

// GPUSlotsKey is the set of job ids currently holding a slot in pool.
func GPUSlotsKey(pool string) string {
	return fmt.Sprintf("%s:gpu:%s:slots", keyPrefix, pool)
}

// LeaderKey holds the instance id of the current leader for name.
func LeaderKey(name string) string {
	return fmt.Sprintf("%s:leader:%s", keyPrefix, name)
}
