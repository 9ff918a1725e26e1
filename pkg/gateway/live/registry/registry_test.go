package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(ttl time.Duration) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := New(Config{IdleTTL: ttl}, nil)
	r.now = clock.Now
	return r, clock
}

func testNegotiated() Negotiated {
	return Negotiated{
		Version:     protocol.DefaultVersion,
		Transport:   protocol.DefaultTransport,
		AudioParams: protocol.DefaultAudioParams(),
	}
}

func TestRegistry_CreateAppliesInitBeforePublishing(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	s := r.Create("dev-1", testNegotiated(), func(rec *Session) { rec.State = "active" })
	if s.State != "active" {
		t.Fatalf("returned state=%q", s.State)
	}
	got, err := r.Lookup(s.ID)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.State != "active" || got.ID != s.ID {
		t.Fatalf("stored=%+v", got)
	}
}

func TestRegistry_CreateLookup(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	s := r.Create("dev-1", testNegotiated())
	if s.ID == "" {
		t.Fatalf("expected minted id")
	}
	other := r.Create("dev-1", testNegotiated())
	if other.ID == s.ID {
		t.Fatalf("ids collide: %q", s.ID)
	}

	got, err := r.Lookup(s.ID)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.DeviceID != "dev-1" || got.AudioParams.SampleRate != 48000 {
		t.Fatalf("lookup=%+v", got)
	}
	if _, err := r.Lookup("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup(missing) err=%v, want ErrNotFound", err)
	}
	if r.Count() != 2 {
		t.Fatalf("count=%d, want 2", r.Count())
	}
}

func TestRegistry_UpdateKeepsIdentity(t *testing.T) {
	r, clock := newTestRegistry(time.Minute)
	s := r.Create("dev-1", testNegotiated())
	clock.Advance(10 * time.Second)

	got, err := r.Update(s.ID, func(sess *Session) {
		sess.ID = "hijack"
		sess.AudioParams.SampleRate = 16000
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.ID != s.ID {
		t.Fatalf("id changed to %q", got.ID)
	}
	if got.AudioParams.SampleRate != 16000 {
		t.Fatalf("sample_rate=%d, want 16000", got.AudioParams.SampleRate)
	}
	if !got.LastActivity.Equal(clock.Now()) {
		t.Fatalf("last_activity=%v, want %v", got.LastActivity, clock.Now())
	}
}

func TestRegistry_SweepEvictsIdleAndBlocksResume(t *testing.T) {
	r, clock := newTestRegistry(time.Minute)
	idle := r.Create("dev-1", testNegotiated())
	busy := r.Create("dev-2", testNegotiated())

	clock.Advance(45 * time.Second)
	if !r.Touch(busy.ID) {
		t.Fatalf("Touch(busy) = false")
	}
	clock.Advance(20 * time.Second)

	evicted := r.Sweep(clock.Now())
	if len(evicted) != 1 || evicted[0] != idle.ID {
		t.Fatalf("evicted=%v, want [%s]", evicted, idle.ID)
	}
	if _, err := r.Lookup(idle.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("evicted session still resumable: err=%v", err)
	}
	if r.Touch(idle.ID) {
		t.Fatalf("Touch on evicted session should fail")
	}
	if _, err := r.Lookup(busy.ID); err != nil {
		t.Fatalf("busy session evicted: %v", err)
	}
}

func TestRegistry_SweepClosesAttachedTransport(t *testing.T) {
	r, clock := newTestRegistry(time.Minute)
	s := r.Create("dev-1", testNegotiated())

	var reason atomic.Value
	detach, err := r.Attach(s.ID, Handle{Close: func(cr CloseReason) { reason.Store(cr) }})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	r.Sweep(clock.Now())
	if got, _ := reason.Load().(CloseReason); got != ReasonEvicted {
		t.Fatalf("close reason=%q, want %q", got, ReasonEvicted)
	}

	detach()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatalf("expected Wait to return true after detach")
	}
}

func TestRegistry_AttachSupersedesPreviousConnection(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	s := r.Create("dev-1", testNegotiated())

	var firstClosed atomic.Int64
	detachFirst, err := r.Attach(s.ID, Handle{Close: func(cr CloseReason) {
		if cr == ReasonSuperseded {
			firstClosed.Add(1)
		}
	}})
	if err != nil {
		t.Fatalf("Attach(first) error = %v", err)
	}

	var secondClosed atomic.Int64
	detachSecond, err := r.Attach(s.ID, Handle{Close: func(CloseReason) { secondClosed.Add(1) }})
	if err != nil {
		t.Fatalf("Attach(second) error = %v", err)
	}
	if firstClosed.Load() != 1 {
		t.Fatalf("first connection close calls=%d, want 1", firstClosed.Load())
	}

	// The superseded connection detaching late must not detach the new owner.
	detachFirst()
	got, _ := r.Lookup(s.ID)
	if !got.Attached {
		t.Fatalf("session detached by superseded connection")
	}
	if r.AttachedCount() != 1 {
		t.Fatalf("attached=%d, want 1", r.AttachedCount())
	}

	detachSecond()
	got, _ = r.Lookup(s.ID)
	if got.Attached {
		t.Fatalf("session still attached after detach")
	}
	if secondClosed.Load() != 0 {
		t.Fatalf("second connection closed unexpectedly")
	}
}

func TestRegistry_AttachUnknown(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	if _, err := r.Attach("nope", Handle{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Attach(unknown) err=%v, want ErrNotFound", err)
	}
}

func TestRegistry_NotifyByDevice(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	a := r.Create("dev-1", testNegotiated())
	b := r.Create("dev-2", testNegotiated())

	var got []protocol.Message
	var mu sync.Mutex
	if _, err := r.Attach(a.ID, Handle{Notify: func(m protocol.Message) error {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		return nil
	}}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := r.Attach(b.ID, Handle{Notify: func(protocol.Message) error {
		t.Fatalf("dev-2 must not be notified")
		return nil
	}}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	n, err := r.Notify("dev-1", protocol.System{Command: "reboot"})
	if err != nil || n != 1 {
		t.Fatalf("Notify()=%d,%v want 1,nil", n, err)
	}
	if len(got) != 1 || got[0].(protocol.System).Command != "reboot" {
		t.Fatalf("notified=%v", got)
	}
	if _, err := r.Notify("dev-3", protocol.System{Command: "x"}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Notify(dev-3) err=%v, want ErrNoHandler", err)
	}
	if sessions := r.ByDevice("dev-1"); len(sessions) != 1 || sessions[0].ID != a.ID {
		t.Fatalf("ByDevice=%+v", sessions)
	}
}

func TestRegistry_WarnAllAndCloseAll(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	var warned, closed atomic.Int64
	for _, dev := range []string{"a", "b"} {
		s := r.Create(dev, testNegotiated())
		if _, err := r.Attach(s.ID, Handle{
			Warn:  func(string, string) error { warned.Add(1); return errors.New("best effort") },
			Close: func(CloseReason) { closed.Add(1) },
		}); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
	}
	r.Create("detached", testNegotiated())

	if n := r.WarnAll("draining", "server draining"); n != 2 {
		t.Fatalf("warned=%d, want 2", n)
	}
	if n := r.CloseAll(ReasonShutdown); n != 2 {
		t.Fatalf("closed=%d, want 2", n)
	}
	if warned.Load() != 2 || closed.Load() != 2 {
		t.Fatalf("warn/close calls=%d/%d, want 2/2", warned.Load(), closed.Load())
	}
	if r.Count() != 3 {
		t.Fatalf("count=%d, want 3", r.Count())
	}
}

func TestRegistry_RunSweepsUntilCanceled(t *testing.T) {
	r := New(Config{IdleTTL: 10 * time.Millisecond, SweepInterval: time.Millisecond}, nil)
	r.Create("dev", testNegotiated())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for r.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if r.Count() != 0 {
		t.Fatalf("count=%d, want 0 after sweeps", r.Count())
	}
}
