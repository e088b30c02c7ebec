package store

import (
	"context"
	"time"
)

// PoolHealth is a point-in-time snapshot of database reachability and
// connection pool pressure.
type PoolHealth struct {
	Reachable  bool  `json:"reachable"`
	PingMillis int64 `json:"ping_ms"`
	Open       int   `json:"open"`
	InUse      int   `json:"in_use"`
	Idle       int   `json:"idle"`
	MaxOpen    int   `json:"max_open"`
	Waits      int64 `json:"waits"`
	WaitMillis int64 `json:"wait_ms"`
}

// Health pings the database and snapshots the pool counters. The snapshot is
// returned alongside any ping error so callers can still log the latency and
// pool state of a failing database.
func (c *Client) Health(ctx context.Context) (PoolHealth, error) {
	start := time.Now()
	err := c.db.PingContext(ctx)

	stats := c.db.Stats()
	return PoolHealth{
		Reachable:  err == nil,
		PingMillis: time.Since(start).Milliseconds(),
		Open:       stats.OpenConnections,
		InUse:      stats.InUse,
		Idle:       stats.Idle,
		MaxOpen:    stats.MaxOpenConnections,
		Waits:      stats.WaitCount,
		WaitMillis: stats.WaitDuration.Milliseconds(),
	}, err
}
