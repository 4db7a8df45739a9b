package health

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/process"
)

// PingCheck reports unhealthy when ping fails. Used for storage backends
// and anchor ledgers.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: what + " unavailable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}

// PoolStats is the subset of worker pool state the pool check needs.
type PoolStats struct {
	Workers       int
	QueueCapacity int
	Queued        int
	Active        int64
	Paused        bool
	Closed        bool
}

// PoolCheck reports on the worker pool. A closed pool is unhealthy; a
// paused pool or a queue above 90% of capacity is degraded.
func PoolCheck(stats func() PoolStats) Check {
	return func(ctx context.Context) CheckResult {
		s := stats()
		details := map[string]any{
			"workers":        s.Workers,
			"queue_capacity": s.QueueCapacity,
			"queued":         s.Queued,
			"active":         s.Active,
			"paused":         s.Paused,
		}
		switch {
		case s.Closed:
			return CheckResult{Status: StatusUnhealthy, Message: "worker pool closed", Details: details}
		case s.Paused:
			return CheckResult{Status: StatusDegraded, Message: "worker pool paused", Details: details}
		case s.QueueCapacity > 0 && s.Queued*10 >= s.QueueCapacity*9:
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("queue nearly full (%d/%d)", s.Queued, s.QueueCapacity),
				Details: details,
			}
		default:
			return CheckResult{Status: StatusHealthy, Message: "worker pool ok", Details: details}
		}
	}
}

// MemoryCheck compares this process's resident set size with limitMB.
// Above the limit the result is unhealthy; above 80% it is degraded. A
// non-positive limit only reports usage.
func MemoryCheck(limitMB int) Check {
	return memoryCheck(limitMB, processRSS)
}

func memoryCheck(limitMB int, rss func(ctx context.Context) (uint64, error)) Check {
	return func(ctx context.Context) CheckResult {
		used, err := rss(ctx)
		if err != nil {
			return CheckResult{
				Status:  StatusUnknown,
				Message: "memory usage unavailable",
				Error:   err.Error(),
			}
		}

		details := map[string]any{"rss_bytes": used, "limit_mb": limitMB}
		if limitMB <= 0 {
			return CheckResult{
				Status:  StatusHealthy,
				Message: "rss " + humanize.IBytes(used),
				Details: details,
			}
		}

		limit := uint64(limitMB) << 20
		msg := fmt.Sprintf("rss %s of %s", humanize.IBytes(used), humanize.IBytes(limit))
		switch {
		case used > limit:
			return CheckResult{Status: StatusUnhealthy, Message: msg + " exceeds limit", Details: details}
		case used*10 > limit*8:
			return CheckResult{Status: StatusDegraded, Message: msg, Details: details}
		default:
			return CheckResult{Status: StatusHealthy, Message: msg, Details: details}
		}
	}
}

func processRSS(ctx context.Context) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// ErrCheck adapts a plain error-returning function.
func ErrCheck(fn func() error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "check failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "check passed"}
	}
}
