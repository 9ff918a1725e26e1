// Package pipeline turns a session's audio into conversational turns.
//
// A Coordinator owns the session's utterance buffer and conversation history.
// Audio is buffered until an explicit stop, a silence gap, or the size cap
// flushes it. Each flushed utterance runs transcribe, respond and synthesize
// strictly in sequence on a background worker. Only one run is in flight; audio
// arriving meanwhile is buffered into the next utterance.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
	"github.com/digkill/MediaRise-Robot-Console/pkg/core/voice/tts"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/protocol"
)

const (
	DefaultSilenceGap        = 600 * time.Millisecond
	DefaultMaxUtteranceBytes = 1 << 20
	DefaultAudioQueueFrames  = 64
	DefaultStageTimeout      = 30 * time.Second
	DefaultMaxHistoryTurns   = 20
)

var ErrStopped = errors.New("pipeline stopped")

// Emitter delivers pipeline events to the device, in call order.
type Emitter interface {
	EmitTranscript(ctx context.Context, text string) error
	EmitReply(ctx context.Context, reply core.Reply) error
	EmitAudio(ctx context.Context, frame []byte) error
	EmitFailure(ctx context.Context, err error) error
}

type Config struct {
	SilenceGap        time.Duration
	MaxUtteranceBytes int
	// Utterances below this size flushed by silence are discarded untranscribed.
	MinUtteranceBytes int
	AudioQueueFrames  int
	TranscribeTimeout time.Duration
	RespondTimeout    time.Duration
	SynthesizeTimeout time.Duration
	MaxHistoryTurns   int
}

type Dependencies struct {
	SessionID   string
	AudioParams protocol.AudioParams
	Transcriber core.Transcriber
	Responder   core.Responder
	Synthesizer core.Synthesizer
	Emitter     Emitter
	Logger      *slog.Logger
}

type jobKind int

const (
	jobAudio jobKind = iota + 1
	jobText
	jobSpeech
)

type job struct {
	kind jobKind
	text string
	// set when the job starts, from the buffer at that moment
	audio *utterance
}

type commandKind int

const (
	cmdFlush commandKind = iota + 1
	cmdText
	cmdSpeech
	cmdAbort
)

type command struct {
	kind commandKind
	text string
}

// input is one entry of the ordered inbox: audio when cmd.kind is zero.
type input struct {
	audio []byte
	cmd   command
}

type utterance struct {
	chunks    [][]byte
	size      int
	startedAt time.Time
	complete  bool
}

func (u *utterance) empty() bool { return u == nil || u.size == 0 }

func (u *utterance) bytes() []byte {
	return bytes.Join(u.chunks, nil)
}

type runResult struct {
	id        uint64
	user      string
	assistant string
	committed bool
}

type Coordinator struct {
	cfg    Config
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time

	inbox    chan input
	abortNow chan struct{}
	aborts   atomic.Int64
	results  chan runResult
	done     chan struct{}

	// Owned by the Run goroutine.
	current     *utterance
	queue       []job
	history     *historyManager
	inflight    uint64
	cancelRun   context.CancelFunc
	runSeq      uint64
	silence     *time.Timer
	silenceC    <-chan time.Time
	workers     sync.WaitGroup
	runCtx      context.Context
	abortedRuns map[uint64]struct{}
}

func New(cfg Config, deps Dependencies) (*Coordinator, error) {
	if deps.Transcriber == nil || deps.Responder == nil || deps.Synthesizer == nil {
		return nil, errors.New("pipeline requires transcriber, responder, and synthesizer")
	}
	if deps.Emitter == nil {
		return nil, errors.New("pipeline requires an emitter")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.SilenceGap <= 0 {
		cfg.SilenceGap = DefaultSilenceGap
	}
	if cfg.MaxUtteranceBytes <= 0 {
		cfg.MaxUtteranceBytes = DefaultMaxUtteranceBytes
	}
	if cfg.AudioQueueFrames <= 0 {
		cfg.AudioQueueFrames = DefaultAudioQueueFrames
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = DefaultStageTimeout
	}
	if cfg.RespondTimeout <= 0 {
		cfg.RespondTimeout = DefaultStageTimeout
	}
	if cfg.SynthesizeTimeout <= 0 {
		cfg.SynthesizeTimeout = DefaultStageTimeout
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = DefaultMaxHistoryTurns
	}
	if deps.AudioParams.FrameDuration <= 0 {
		deps.AudioParams = protocol.DefaultAudioParams()
	}

	return &Coordinator{
		cfg:         cfg,
		deps:        deps,
		logger:      deps.Logger.With("session_id", deps.SessionID),
		now:         time.Now,
		inbox:       make(chan input, cfg.AudioQueueFrames),
		abortNow:    make(chan struct{}, 1),
		results:     make(chan runResult, 1),
		done:        make(chan struct{}),
		history:     newHistoryManager(cfg.MaxHistoryTurns),
		abortedRuns: make(map[uint64]struct{}),
	}, nil
}

// PushAudio hands one binary frame to the coordinator. It blocks while the
// buffer is full, which is how backpressure reaches the socket reader.
func (c *Coordinator) PushAudio(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- input{audio: chunk}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Flush closes the current utterance as if the device sent listen stop.
func (c *Coordinator) Flush(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdFlush})
}

// SubmitText feeds text straight to the responder, skipping transcription.
func (c *Coordinator) SubmitText(ctx context.Context, text string) error {
	return c.send(ctx, command{kind: cmdText, text: text})
}

// SubmitSpeech synthesizes text without a responder turn.
func (c *Coordinator) SubmitSpeech(ctx context.Context, text string) error {
	return c.send(ctx, command{kind: cmdSpeech, text: text})
}

// Abort cancels the in-flight run and drops buffered and queued work. The run
// is canceled right away even when the inbox is backed up; the buffer is
// cleared in order, so audio pushed after Abort returns is kept.
func (c *Coordinator) Abort(ctx context.Context) error {
	c.aborts.Add(1)
	select {
	case c.abortNow <- struct{}{}:
	default:
	}
	return c.send(ctx, command{kind: cmdAbort})
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) send(ctx context.Context, cmd command) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- input{cmd: cmd}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Run drives the coordinator until ctx is done. On return every in-flight
// stage has been canceled and buffered audio discarded.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	c.runCtx = ctx
	defer c.stopSilence()

	for {
		// A full buffer behind an in-flight run stops the inbox; senders block.
		inbox := c.inbox
		if c.inflight != 0 && c.current != nil && c.current.size >= c.cfg.MaxUtteranceBytes {
			inbox = nil
		}

		select {
		case <-ctx.Done():
			c.abort()
			c.workers.Wait()
			return nil
		case <-c.abortNow:
			if c.aborts.Load() > 0 {
				c.cancelInflight()
			}
		case in := <-inbox:
			if in.cmd.kind == 0 {
				c.appendAudio(in.audio)
			} else {
				c.handle(in.cmd)
			}
		case <-c.silenceC:
			c.silenceC = nil
			c.onSilence()
		case res := <-c.results:
			c.finish(res)
			c.startNext()
		}
	}
}

func (c *Coordinator) handle(cmd command) {
	switch cmd.kind {
	case cmdFlush:
		c.enqueueFlush()
	case cmdText:
		if text := normalizeSpace(cmd.text); text != "" {
			c.queue = append(c.queue, job{kind: jobText, text: text})
		}
	case cmdSpeech:
		if text := normalizeSpace(cmd.text); text != "" {
			c.queue = append(c.queue, job{kind: jobSpeech, text: text})
		}
	case cmdAbort:
		c.aborts.Add(-1)
		c.abort()
		return
	}
	c.startNext()
}

func (c *Coordinator) appendAudio(chunk []byte) {
	if c.current == nil {
		c.current = &utterance{startedAt: c.now()}
	}
	c.current.chunks = append(c.current.chunks, chunk)
	c.current.size += len(chunk)
	c.armSilence()

	if c.current.size >= c.cfg.MaxUtteranceBytes {
		c.logger.Debug("utterance size cap reached; flushing early", "bytes", c.current.size)
		c.enqueueFlush()
		c.startNext()
	}
}

func (c *Coordinator) onSilence() {
	if c.current.empty() {
		return
	}
	if c.inflight == 0 && c.current.size < c.cfg.MinUtteranceBytes {
		c.logger.Debug("discarding short utterance", "bytes", c.current.size)
		c.current = nil
		return
	}
	c.enqueueFlush()
	c.startNext()
}

// enqueueFlush queues an audio job unless one is already waiting at the tail;
// the job takes whatever is buffered when it starts.
func (c *Coordinator) enqueueFlush() {
	if n := len(c.queue); n > 0 && c.queue[n-1].kind == jobAudio {
		return
	}
	c.queue = append(c.queue, job{kind: jobAudio})
}

func (c *Coordinator) startNext() {
	for c.inflight == 0 && len(c.queue) > 0 {
		j := c.queue[0]
		c.queue = c.queue[1:]

		if j.kind == jobAudio {
			if c.current.empty() {
				continue
			}
			c.stopSilence()
			j.audio = c.current
			j.audio.complete = true
			c.current = nil
			c.logger.Debug("utterance flushed", "bytes", j.audio.size, "chunks", len(j.audio.chunks), "span", c.now().Sub(j.audio.startedAt))
		}
		c.launch(j)
	}
}

func (c *Coordinator) launch(j job) {
	c.runSeq++
	id := c.runSeq
	ctx, cancel := context.WithCancel(c.runCtx)
	c.inflight = id
	c.cancelRun = cancel
	history := c.history.snapshot()

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		defer cancel()
		res := c.execute(ctx, j, history)
		res.id = id
		c.results <- res
	}()
}

func (c *Coordinator) finish(res runResult) {
	if res.id != c.inflight {
		return
	}
	c.inflight = 0
	c.cancelRun = nil
	_, aborted := c.abortedRuns[res.id]
	delete(c.abortedRuns, res.id)
	if res.committed && !aborted {
		c.history.commit(res.user, res.assistant)
	}
}

func (c *Coordinator) cancelInflight() {
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
		c.abortedRuns[c.inflight] = struct{}{}
	}
}

func (c *Coordinator) abort() {
	c.cancelInflight()
	c.queue = nil
	c.current = nil
	c.stopSilence()
}

func (c *Coordinator) armSilence() {
	if c.silence == nil {
		c.silence = time.NewTimer(c.cfg.SilenceGap)
	} else {
		if !c.silence.Stop() {
			select {
			case <-c.silence.C:
			default:
			}
		}
		c.silence.Reset(c.cfg.SilenceGap)
	}
	c.silenceC = c.silence.C
}

func (c *Coordinator) stopSilence() {
	if c.silence != nil && !c.silence.Stop() {
		select {
		case <-c.silence.C:
		default:
		}
	}
	c.silenceC = nil
}

// execute runs one job on the worker goroutine. A failed stage skips every
// later stage.
func (c *Coordinator) execute(ctx context.Context, j job, history []core.Turn) runResult {
	var res runResult
	ap := c.deps.AudioParams

	if j.kind == jobSpeech {
		c.speak(ctx, j.text)
		return res
	}

	userText := j.text
	if j.kind == jobAudio {
		audio := core.Audio{
			Data:       j.audio.bytes(),
			Frames:     j.audio.chunks,
			Format:     ap.Format,
			SampleRate: ap.SampleRate,
			Channels:   ap.Channels,
		}
		var transcript string
		err := c.stage(ctx, c.cfg.TranscribeTimeout, func(sctx context.Context) error {
			var err error
			transcript, err = c.deps.Transcriber.Transcribe(sctx, audio)
			return err
		})
		if err != nil {
			c.fail(ctx, core.NewStageError(core.TranscriptionFailed, c.deps.Transcriber.Name(), err))
			return res
		}
		transcript = normalizeSpace(transcript)
		if transcript == "" {
			c.fail(ctx, core.NewStageError(core.EmptyTranscription, c.deps.Transcriber.Name(), nil))
			return res
		}
		if err := c.deps.Emitter.EmitTranscript(ctx, transcript); err != nil {
			return res
		}
		userText = transcript
	}

	var reply core.Reply
	turns := append(history, core.Turn{Role: core.RoleUser, Text: userText})
	err := c.stage(ctx, c.cfg.RespondTimeout, func(sctx context.Context) error {
		var err error
		reply, err = c.deps.Responder.Respond(sctx, turns)
		return err
	})
	if err == nil && normalizeSpace(reply.Text) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		c.fail(ctx, core.NewStageError(core.ResponseFailed, c.deps.Responder.Name(), err))
		return res
	}
	reply.Text = strings.TrimSpace(reply.Text)
	if err := c.deps.Emitter.EmitReply(ctx, reply); err != nil {
		return res
	}
	res.user, res.assistant, res.committed = userText, reply.Text, true

	c.speak(ctx, reply.Text)
	return res
}

func (c *Coordinator) speak(ctx context.Context, text string) {
	ap := c.deps.AudioParams
	var speech core.Speech
	err := c.stage(ctx, c.cfg.SynthesizeTimeout, func(sctx context.Context) error {
		var err error
		speech, err = c.deps.Synthesizer.Synthesize(sctx, core.SpeechRequest{
			Text:       text,
			Format:     ap.Format,
			SampleRate: ap.SampleRate,
			Channels:   ap.Channels,
		})
		return err
	})
	if err != nil {
		c.fail(ctx, core.NewStageError(core.SynthesisFailed, c.deps.Synthesizer.Name(), err))
		return
	}
	if speech.Format == "" {
		speech.Format = ap.Format
	}
	if speech.SampleRate <= 0 {
		speech.SampleRate = ap.SampleRate
	}
	if speech.Channels <= 0 {
		speech.Channels = ap.Channels
	}
	for _, frame := range tts.Chunk(speech, ap.FrameDuration) {
		if ctx.Err() != nil {
			return
		}
		if err := c.deps.Emitter.EmitAudio(ctx, frame); err != nil {
			return
		}
	}
}

func (c *Coordinator) stage(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(sctx)
}

// fail reports a stage failure unless the run itself was canceled.
func (c *Coordinator) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	c.logger.Warn("pipeline stage failed", "error", err)
	if emitErr := c.deps.Emitter.EmitFailure(ctx, err); emitErr != nil {
		c.logger.Debug("stage failure not delivered", "error", emitErr)
	}
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
