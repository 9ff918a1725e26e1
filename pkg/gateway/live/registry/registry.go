// Package registry holds every live and resumable session of the process.
//
// The registry is the only state shared between connections. Session values
// handed out are copies; the connection that owns a session writes changes back
// through Update. A background sweep evicts idle sessions and force-closes the
// connection still attached to them.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/protocol"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrNoHandler = errors.New("session has no attached connection")
)

const (
	DefaultIdleTTL = 5 * time.Minute
	minSweepEvery  = time.Second
)

type CloseReason string

const (
	ReasonSuperseded CloseReason = "session_superseded"
	ReasonEvicted    CloseReason = "session_evicted"
	ReasonShutdown   CloseReason = "server_shutdown"
)

// Negotiated is the outcome of a handshake.
type Negotiated struct {
	Version     int
	Transport   string
	Features    protocol.Features
	AudioParams protocol.AudioParams
}

type Session struct {
	ID       string
	DeviceID string
	Negotiated
	State        string
	CreatedAt    time.Time
	LastActivity time.Time
	Attached     bool
}

// Handle is how the registry reaches the connection that owns a session.
type Handle struct {
	Close  func(reason CloseReason)
	Notify func(msg protocol.Message) error
	Warn   func(code, message string) error
}

type Config struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

type Registry struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	session Session
	current *attachment
}

type attachment struct {
	handle Handle
	once   sync.Once
}

func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.IdleTTL / 4
	}
	if cfg.SweepInterval < minSweepEvery {
		cfg.SweepInterval = minSweepEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

func (r *Registry) IdleTTL() time.Duration { return r.cfg.IdleTTL }

// Create mints a fresh id and registers a detached session. Each init runs on
// the record before it becomes visible, so a concurrent sweep never sees it
// half set up.
func (r *Registry) Create(deviceID string, n Negotiated, init ...func(*Session)) Session {
	now := r.now()
	s := Session{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		Negotiated:   n,
		CreatedAt:    now,
		LastActivity: now,
	}
	for _, fn := range init {
		fn(&s)
	}

	r.mu.Lock()
	for {
		if _, taken := r.sessions[s.ID]; !taken {
			break
		}
		s.ID = uuid.NewString()
	}
	r.sessions[s.ID] = &entry{session: s}
	r.mu.Unlock()
	return s
}

func (r *Registry) Lookup(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// Update applies fn to the stored session and refreshes last-activity.
func (r *Registry) Update(id string, fn func(*Session)) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if fn != nil {
		keepID, keepCreated := e.session.ID, e.session.CreatedAt
		fn(&e.session)
		e.session.ID, e.session.CreatedAt = keepID, keepCreated
	}
	e.session.LastActivity = r.now()
	return e.snapshot(), nil
}

func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	e.session.LastActivity = r.now()
	return true
}

// Attach makes h the owner of the session. A connection already attached is
// superseded: its Close callback runs with ReasonSuperseded.
func (r *Registry) Attach(id string, h Handle) (detach func(), err error) {
	att := &attachment{handle: h}

	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	old := e.current
	e.current = att
	e.session.LastActivity = r.now()
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("live session superseded by new connection", "session_id", id)
		r.release(id, old)
		if old.handle.Close != nil {
			old.handle.Close(ReasonSuperseded)
		}
	}
	return func() { r.release(id, att) }, nil
}

func (r *Registry) release(id string, att *attachment) {
	att.once.Do(func() {
		r.mu.Lock()
		if e, ok := r.sessions[id]; ok && e.current == att {
			e.current = nil
			e.session.LastActivity = r.now()
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Sweep evicts every session idle for at least the TTL as of now and returns
// the evicted ids.
func (r *Registry) Sweep(now time.Time) []string {
	var (
		evicted []string
		closers []*attachment
	)
	r.mu.Lock()
	for id, e := range r.sessions {
		if now.Sub(e.session.LastActivity) < r.cfg.IdleTTL {
			continue
		}
		delete(r.sessions, id)
		evicted = append(evicted, id)
		if e.current != nil {
			closers = append(closers, e.current)
		}
	}
	r.mu.Unlock()

	for _, att := range closers {
		if att.handle.Close != nil {
			att.handle.Close(ReasonEvicted)
		}
	}
	sort.Strings(evicted)
	for _, id := range evicted {
		r.logger.Info("live session evicted", "session_id", id, "idle_ttl", r.cfg.IdleTTL)
	}
	return evicted
}

// Run sweeps on a ticker until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) AttachedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.sessions {
		if e.current != nil {
			n++
		}
	}
	return n
}

// ByDevice lists the sessions owned by deviceID, oldest first.
func (r *Registry) ByDevice(deviceID string) []Session {
	r.mu.Lock()
	out := make([]Session, 0, 2)
	for _, e := range r.sessions {
		if e.session.DeviceID == deviceID {
			out = append(out, e.snapshot())
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Notify delivers msg to every attached connection of deviceID and reports how
// many received it.
func (r *Registry) Notify(deviceID string, msg protocol.Message) (int, error) {
	var notifiers []func(protocol.Message) error
	r.mu.Lock()
	for _, e := range r.sessions {
		if e.session.DeviceID != deviceID || e.current == nil || e.current.handle.Notify == nil {
			continue
		}
		notifiers = append(notifiers, e.current.handle.Notify)
	}
	r.mu.Unlock()

	if len(notifiers) == 0 {
		return 0, ErrNoHandler
	}
	sent := 0
	var firstErr error
	for _, notify := range notifiers {
		if err := notify(msg); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	return sent, firstErr
}

func (r *Registry) WarnAll(code, message string) (sent int) {
	var warns []func(code, message string) error
	r.mu.Lock()
	for _, e := range r.sessions {
		if e.current == nil || e.current.handle.Warn == nil {
			continue
		}
		warns = append(warns, e.current.handle.Warn)
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

// CloseAll closes every attached connection. Sessions stay registered.
func (r *Registry) CloseAll(reason CloseReason) (closed int) {
	var closers []func(CloseReason)
	r.mu.Lock()
	for _, e := range r.sessions {
		if e.current == nil || e.current.handle.Close == nil {
			continue
		}
		closers = append(closers, e.current.handle.Close)
	}
	r.mu.Unlock()

	for _, c := range closers {
		c(reason)
		closed++
	}
	return closed
}

// Wait blocks until every attached connection has detached or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *entry) snapshot() Session {
	s := e.session
	s.Attached = e.current != nil
	return s
}
