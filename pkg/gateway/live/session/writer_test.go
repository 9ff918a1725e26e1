package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	closed bool
	fail   error
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, _ time.Time) error {
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func queuedText(s string) outboundFrame {
	return outboundFrame{messageType: websocket.TextMessage, payload: []byte(s)}
}

func TestOutboundWriter_PriorityBeatsNormal(t *testing.T) {
	ws := &fakeWSWriter{}
	w := newOutboundWriter(ws, Config{PingInterval: time.Hour, WriteTimeout: time.Second})
	ctx := context.Background()

	if err := w.enqueue(ctx, queuedText(`{"type":"stt"}`), false); err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	if err := w.enqueue(ctx, queuedText(`{"type":"system"}`), true); err != nil {
		t.Fatalf("enqueue priority: %v", err)
	}

	go func() { _ = w.Run() }()
	deadline := time.Now().Add(time.Second)
	for len(ws.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	w.Close(websocket.CloseNormalClosure, "")
	<-w.Done()

	writes := ws.snapshot()
	if len(writes) < 2 {
		t.Fatalf("writes=%d, want at least 2", len(writes))
	}
	if writes[0].data != `{"type":"system"}` {
		t.Fatalf("first write=%q, want the priority frame", writes[0].data)
	}
	if writes[1].data != `{"type":"stt"}` {
		t.Fatalf("second write=%q", writes[1].data)
	}
}

func TestOutboundWriter_CloseFlushesPriorityThenSendsCloseFrame(t *testing.T) {
	ws := &fakeWSWriter{}
	w := newOutboundWriter(ws, Config{PingInterval: time.Hour, WriteTimeout: time.Second})

	if err := w.enqueue(context.Background(), queuedText(`{"type":"system","code":"session_evicted"}`), true); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.Close(websocket.ClosePolicyViolation, "bye")
	if err := w.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%d, want 2", len(writes))
	}
	if writes[0].messageType != websocket.TextMessage {
		t.Fatalf("first write type=%d", writes[0].messageType)
	}
	if writes[1].messageType != websocket.CloseMessage {
		t.Fatalf("second write type=%d, want close", writes[1].messageType)
	}
	if want := string(websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bye")); writes[1].data != want {
		t.Fatalf("close payload=%q, want %q", writes[1].data, want)
	}
	if !ws.closed {
		t.Fatalf("socket not closed")
	}
}

func TestOutboundWriter_EnqueueBlocksUntilContextDone(t *testing.T) {
	ws := &fakeWSWriter{}
	w := newOutboundWriter(ws, Config{OutboundQueueSize: 1})

	ctx := context.Background()
	if err := w.enqueue(ctx, queuedText("a"), false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := w.enqueue(short, queuedText("b"), false); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("enqueue err=%v, want deadline exceeded", err)
	}
}

func TestOutboundWriter_EnqueueAfterCloseFails(t *testing.T) {
	w := newOutboundWriter(&fakeWSWriter{}, Config{})
	w.Close(websocket.CloseNormalClosure, "")
	if err := w.enqueue(context.Background(), queuedText("a"), true); !errors.Is(err, errWriterClosed) {
		t.Fatalf("enqueue err=%v, want errWriterClosed", err)
	}
}

func TestOutboundWriter_WriteErrorStopsWriter(t *testing.T) {
	ws := &fakeWSWriter{fail: errors.New("broken pipe")}
	w := newOutboundWriter(ws, Config{PingInterval: time.Hour})
	if err := w.enqueue(context.Background(), outboundFrame{messageType: websocket.BinaryMessage, payload: []byte{1}}, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := w.Run(); err == nil {
		t.Fatalf("Run err=nil, want write error")
	}
	select {
	case <-w.Done():
	default:
		t.Fatalf("Done not closed")
	}
	if err := w.enqueue(context.Background(), queuedText("late"), false); !errors.Is(err, errWriterClosed) {
		t.Fatalf("enqueue err=%v, want errWriterClosed", err)
	}
}
