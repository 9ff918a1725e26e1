package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle tracks process state shared by the HTTP handlers: new websocket
// upgrades are refused and readiness fails once draining starts.
type Lifecycle struct {
	started  time.Time
	draining atomic.Bool
}

func New() *Lifecycle {
	return &Lifecycle{started: time.Now()}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Uptime is zero for a Lifecycle not built with New.
func (l *Lifecycle) Uptime() time.Duration {
	if l == nil || l.started.IsZero() {
		return 0
	}
	return time.Since(l.started)
}
