// Package ratelimit bounds how often and how many times a single device may
// open a websocket to the gateway.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	// Handshake rate per device (token bucket). Zero disables.
	ConnectRPS   float64
	ConnectBurst int

	// Simultaneous open connections per device. Zero disables.
	MaxConnections int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*deviceLimiter
}

type deviceLimiter struct {
	mu sync.Mutex

	tb   tokenBucket
	conn chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*deviceLimiter),
	}
}

type Permit struct {
	release func()
}

// Release frees the connection slot. Safe to call more than once.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int // seconds
	Reason     string
	Permit     *Permit
}

const (
	ReasonRate        = "connect_rate"
	ReasonConcurrency = "too_many_connections"
)

// AcquireConnection admits one websocket handshake for deviceID. A nil
// Limiter admits everything.
func (l *Limiter) AcquireConnection(deviceID string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	if deviceID == "" {
		deviceID = "unknown"
	}

	dl := l.getOrCreate(deviceID, now)
	dl.touch(now)

	if l.cfg.ConnectRPS > 0 && l.cfg.ConnectBurst > 0 {
		ok, retryAfter := dl.allowToken(now, l.cfg.ConnectRPS, l.cfg.ConnectBurst)
		if !ok {
			return Decision{RetryAfter: retryAfter, Reason: ReasonRate}
		}
	}

	if l.cfg.MaxConnections > 0 {
		select {
		case dl.conn <- struct{}{}:
			return Decision{
				Allowed: true,
				Permit:  &Permit{release: func() { <-dl.conn }},
			}
		default:
			return Decision{RetryAfter: 1, Reason: ReasonConcurrency}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{}}
}

// Len reports the number of tracked devices.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiter) getOrCreate(deviceID string, now time.Time) *deviceLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dl, ok := l.m[deviceID]; ok {
		return dl
	}
	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// Still full: drop an arbitrary idle entry.
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.conn) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	dl := &deviceLimiter{
		conn:     make(chan struct{}, max(1, l.cfg.MaxConnections)),
		lastSeen: now,
	}
	l.m[deviceID] = dl
	return dl
}

// gcLocked drops idle devices. Entries holding a connection slot stay, or a
// released permit would drain a fresh semaphore.
func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if len(v.conn) == 0 && now.Sub(v.seen()) > l.cfg.EntryTTL {
			delete(l.m, k)
		}
	}
}

func (dl *deviceLimiter) touch(now time.Time) {
	dl.mu.Lock()
	dl.lastSeen = now
	dl.mu.Unlock()
}

func (dl *deviceLimiter) seen() time.Time {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.lastSeen
}

func (dl *deviceLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	capacity := float64(burst)
	if dl.tb.capacity == 0 {
		dl.tb = tokenBucket{rps: rps, capacity: capacity, tokens: capacity, last: now}
	}
	dl.tb.rps = rps
	dl.tb.capacity = capacity

	elapsed := now.Sub(dl.tb.last).Seconds()
	if elapsed > 0 {
		dl.tb.tokens = math.Min(dl.tb.capacity, dl.tb.tokens+elapsed*dl.tb.rps)
		dl.tb.last = now
	}

	if dl.tb.tokens >= 1.0 {
		dl.tb.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - dl.tb.tokens) / dl.tb.rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
