package endpoint

import "time"

type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	Healthy
	Degraded
	Unreachable
)

func (h HealthStatus) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Rank orders statuses for endpoint selection; lower is better.
// An endpoint that has never been probed sits between healthy and degraded.
func (h HealthStatus) Rank() int {
	switch h {
	case Healthy:
		return 0
	case HealthUnknown:
		return 1
	case Degraded:
		return 2
	default:
		return 3
	}
}

type Health struct {
	Status    HealthStatus
	CheckedAt time.Time
	Latency   time.Duration
	LastError string
}
