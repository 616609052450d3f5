// Package cmap provides a sharded concurrent map.
//
// Each shard has its own RWMutex, so goroutines touching different keys
// rarely contend. Range and Values lock one shard at a time; they see every
// key present for their whole run but are not a point-in-time snapshot.
//
//	m := cmap.New[string, *rate.Limiter]()
//	lim, _ := m.GetOrSet(ip, rate.NewLimiter(10, 20))
package cmap
