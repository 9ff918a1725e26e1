package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errWriterClosed = errors.New("live outbound writer closed")

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	messageType int
	payload     []byte
}

// outboundWriter is the only goroutine writing data frames to the socket.
// Priority frames (errors, handshake replies, acknowledgements) preempt
// normal ones (events and audio).
type outboundWriter struct {
	ws           wsWriter
	pingInterval time.Duration
	writeTimeout time.Duration
	priority     chan outboundFrame
	normal       chan outboundFrame

	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	mu        sync.Mutex
	closeCode int
	closeText string
}

func newOutboundWriter(ws wsWriter, cfg Config) *outboundWriter {
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	size := cfg.OutboundQueueSize
	if size <= 0 {
		size = 128
	}
	return &outboundWriter{
		ws:           ws,
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		priority:     make(chan outboundFrame, outboundPriorityQueueSize),
		normal:       make(chan outboundFrame, size),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		closeCode:    websocket.CloseNormalClosure,
	}
}

// enqueue blocks until the frame is queued, ctx is done, or the writer stops.
func (w *outboundWriter) enqueue(ctx context.Context, frame outboundFrame, priority bool) error {
	ch := w.normal
	if priority {
		ch = w.priority
	}
	select {
	case <-w.stop:
		return errWriterClosed
	case <-w.done:
		return errWriterClosed
	default:
	}
	select {
	case ch <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return errWriterClosed
	case <-w.done:
		return errWriterClosed
	}
}

// Close asks the writer to flush queued priority frames, send a close frame
// with code and text, and close the socket. The first call wins.
func (w *outboundWriter) Close(code int, text string) {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.closeCode = code
		w.closeText = text
		w.mu.Unlock()
		close(w.stop)
	})
}

// Done is closed when Run returns.
func (w *outboundWriter) Done() <-chan struct{} { return w.done }

func (w *outboundWriter) Run() error {
	defer close(w.done)
	if w.ws == nil {
		return nil
	}

	pingTicker := time.NewTicker(w.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.stop:
			w.shutdown()
			return nil
		default:
		}

		// Hard priority: drain priority frames before any normal frame.
		select {
		case frame := <-w.priority:
			if err := w.writeFrame(frame); err != nil {
				_ = w.ws.Close()
				return err
			}
			continue
		default:
		}

		select {
		case <-w.stop:
			w.shutdown()
			return nil
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.writeTimeout)); err != nil {
				_ = w.ws.Close()
				return err
			}
		case frame := <-w.priority:
			if err := w.writeFrame(frame); err != nil {
				_ = w.ws.Close()
				return err
			}
		case frame := <-w.normal:
			if err := w.writeFrame(frame); err != nil {
				_ = w.ws.Close()
				return err
			}
		}
	}
}

func (w *outboundWriter) shutdown() {
	w.flushPriority()
	w.mu.Lock()
	code, text := w.closeCode, w.closeText
	w.mu.Unlock()
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(w.writeTimeout))
	_ = w.ws.Close()
}

func (w *outboundWriter) flushPriority() {
	deadline := time.Now().Add(w.writeTimeout)
	for i := 0; i < outboundPriorityQueueSize && time.Now().Before(deadline); i++ {
		select {
		case frame := <-w.priority:
			if err := w.writeFrame(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame) error {
	if len(frame.payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(frame.messageType, frame.payload)
}
