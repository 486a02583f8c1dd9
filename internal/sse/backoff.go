package sse

import "time"

const (
	DefaultBaseDelay       = 5 * time.Second
	DefaultMaxDelay        = 60 * time.Second
	DefaultMaxRetries      = 5
	DefaultNoticeInterval  = 3 * time.Second
	DefaultConnectTimeout  = 15 * time.Second
	DefaultHeartbeatWindow = 60 * time.Second
)

// Backoff returns the delay before retry number retry (1-based):
// min(base * 2^(retry-1), max).
func Backoff(retry int, base, max time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := base
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Clock schedules callbacks; tests substitute a manual implementation.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
