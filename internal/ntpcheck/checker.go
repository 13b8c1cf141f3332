// Package ntpcheck performs a one-shot clock-skew check against a public
// NTP pool at startup. Cluster liveness re-stamps every inbound heartbeat
// with the receiver's own clock, so skew is a logged concern, not a
// correctness dependency.
package ntpcheck

import (
	"log/slog"
	"time"

	"github.com/beevik/ntp"
)

// DefaultPool is the public pool queried when the caller names none.
const DefaultPool = "pool.ntp.org"

const (
	defaultThreshold = 500 * time.Millisecond
	queryTimeout     = 2 * time.Second
)

// Run queries pool (or the default public pool if empty) once and logs a
// warning if the offset exceeds threshold (or the default if zero). It blocks
// until the query returns or queryTimeout elapses; a query error is logged at
// debug level and otherwise ignored.
func Run(pool string, threshold time.Duration) {
	if pool == "" {
		pool = DefaultPool
	}
	if threshold == 0 {
		threshold = defaultThreshold
	}

	resp, err := ntp.QueryWithOptions(pool, ntp.QueryOptions{Timeout: queryTimeout})
	if err != nil {
		slog.Debug("ntpcheck: query failed, skipping skew check", "pool", pool, "err", err)
		return
	}

	offset := resp.ClockOffset
	if offset.Abs() > threshold {
		slog.Warn("ntpcheck: local clock skew exceeds threshold",
			"pool", pool, "offset", offset, "threshold", threshold)
		return
	}
	slog.Debug("ntpcheck: clock skew within threshold", "pool", pool, "offset", offset)
}
