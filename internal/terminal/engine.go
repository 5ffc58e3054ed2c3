// Package terminal runs interactive sessions: one live process per session
// key, its output streamed as frames and keystrokes line-edited into stdin.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/peterje/coderunner/internal/lang"
	"github.com/peterje/coderunner/internal/metrics"
	"github.com/peterje/coderunner/internal/models"
	"github.com/peterje/coderunner/internal/proc"
	"github.com/peterje/coderunner/internal/workspace"
	"github.com/rs/zerolog"
)

const readBufSize = 8 * 1024

const (
	exitedFormat      = "\r\n[Process exited with code %d]\r\n"
	terminatedMessage = "\r\n[Process terminated]\r\n"
)

var (
	ErrNoSession = errors.New("no active session")
	// ErrStartAborted is returned by Start when Stop for the same key
	// arrived before the session was running.
	ErrStartAborted = errors.New("session stopped before it started")
)

type Options struct {
	CompileTimeout time.Duration
	KillGrace      time.Duration
	// DrainTimeout bounds how long output readers may run after the
	// process has exited.
	DrainTimeout time.Duration
	TTYStdout    bool
}

func DefaultOptions() Options {
	return Options{
		CompileTimeout: 10 * time.Second,
		KillGrace:      500 * time.Millisecond,
		DrainTimeout:   time.Second,
	}
}

type session struct {
	id       string
	key      string
	topic    string
	language string
	proc     *proc.Process
	ws       *workspace.Workspace

	// mu guards the line editor and stdin writes.
	mu     sync.Mutex
	editor lineEditor
	closed bool

	stopRequested atomic.Bool
	finished      chan struct{}
}

// pendingStart tracks a Start between Stop-of-predecessor and registration.
type pendingStart struct {
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}
}

func (ps *pendingStart) abort() {
	ps.stopped.Store(true)
	ps.cancel()
}

type Engine struct {
	pending    sync.Map // key -> *pendingStart
	langs      *lang.Registry
	workspaces *workspace.Manager
	sink       Sink
	registry   *Registry
	journal    Journal
	opts       Options
	logger     *zerolog.Logger
}

func NewEngine(langs *lang.Registry, workspaces *workspace.Manager, sink Sink, registry *Registry, opts Options, logger *zerolog.Logger) *Engine {
	return &Engine{
		langs:      langs,
		workspaces: workspaces,
		sink:       sink,
		registry:   registry,
		opts:       opts,
		logger:     logger,
	}
}

// SetJournal enables session history recording.
func (e *Engine) SetJournal(j Journal) {
	e.journal = j
}

// Start replaces any session under key with a new one running code. Build
// and launch failures are reported on the key's topic as an output frame
// followed by a status frame with exit code -1, and also returned. A Stop
// for key while the build runs aborts the start with ErrStartAborted.
func (e *Engine) Start(ctx context.Context, key, code, language string) error {
	e.Stop(key)
	topic := Topic(key)

	buildCtx, cancel := context.WithCancel(ctx)
	ps := &pendingStart{cancel: cancel, done: make(chan struct{})}
	if prev, loaded := e.pending.Swap(key, ps); loaded {
		prev.(*pendingStart).abort()
	}
	defer func() {
		e.pending.CompareAndDelete(key, ps)
		cancel()
		close(ps.done)
	}()

	l, err := e.langs.Resolve(language)
	if err != nil {
		e.abort(key, language, err)
		return err
	}
	tc := l.Toolchain

	ws, err := e.workspaces.Prepare("session", tc, code)
	if err != nil {
		e.abort(key, l.ID, err)
		return err
	}

	if tc.NeedsBuild() {
		compileStart := time.Now()
		err := workspace.Build(buildCtx, ws, tc, e.opts.CompileTimeout, e.opts.KillGrace)
		metrics.ExecutionDuration.WithLabelValues(l.ID, "compile").Observe(float64(time.Since(compileStart).Milliseconds()))
		if err != nil && !ps.stopped.Load() {
			e.removeWorkspace(ws)
			var ce *workspace.CompileError
			if errors.As(err, &ce) {
				e.logger.Info().Str("session_key", key).Str("language", l.ID).Bool("timed_out", ce.TimedOut).Msg("session compilation failed")
				metrics.SessionsTotal.WithLabelValues(l.ID, "compile_error").Inc()
				e.publish(topic, Output("Compilation Error:\r\n"+toCRLF(ce.Diagnostic)))
				e.publish(topic, Status("", -1))
				return err
			}
			e.abort(key, l.ID, err)
			return err
		}
	}
	if ps.stopped.Load() {
		e.removeWorkspace(ws)
		e.logger.Info().Str("session_key", key).Str("language", l.ID).Msg("session stopped while compiling")
		metrics.SessionsTotal.WithLabelValues(l.ID, models.SessionTerminated).Inc()
		e.publish(topic, Status(terminatedMessage, -1))
		return ErrStartAborted
	}

	p, err := proc.Start(ws.Dir, tc.RunCommand, proc.Options{TTYStdout: e.opts.TTYStdout})
	if err != nil {
		e.removeWorkspace(ws)
		e.abort(key, l.ID, err)
		return err
	}

	s := &session{
		id:       uuid.New().String(),
		key:      key,
		topic:    topic,
		language: l.ID,
		proc:     p,
		ws:       ws,
		finished: make(chan struct{}),
	}
	e.register(s)
	metrics.ActiveSessions.Inc()
	e.logger.Info().Str("session_key", key).Str("language", l.ID).Int("pid", p.Pid()).Msg("session started")
	e.recordStart(s)

	var readers sync.WaitGroup
	readers.Add(2)
	go e.pump(topic, p.Stdout(), &readers)
	go e.pump(topic, p.Stderr(), &readers)
	go e.monitor(s, &readers)

	// A Stop that landed between the check above and register found
	// nothing to remove; finish its job here.
	if ps.stopped.Load() && e.registry.compareAndDelete(key, s) {
		e.terminate(s)
		return ErrStartAborted
	}
	return nil
}

// register inserts s, stopping whichever session won a concurrent race for
// the same key until the slot is free.
func (e *Engine) register(s *session) {
	for {
		prev, loaded := e.registry.loadOrStore(s.key, s)
		if !loaded {
			return
		}
		if e.registry.compareAndDelete(prev.key, prev) {
			e.terminate(prev)
		}
	}
}

// HandleInput feeds raw keystrokes through the session's line editor.
// Failures are reported as output frames.
func (e *Engine) HandleInput(key, data string) {
	s, ok := e.registry.load(key)
	if !ok {
		e.publish(Topic(key), Output(InputError(ErrNoSession)))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		e.publish(s.topic, Output(InputError(ErrNoSession)))
		return
	}
	s.editor.feed(data, s.proc.Stdin(), func(text string) {
		e.publish(s.topic, Output(text))
	})
}

// Stop kills the session under key and waits for its teardown. A start
// still compiling for key is aborted. Unknown keys are a no-op.
func (e *Engine) Stop(key string) {
	if v, ok := e.pending.Load(key); ok {
		ps := v.(*pendingStart)
		ps.abort()
		e.await(ps.done, key)
	}
	s, ok := e.registry.loadAndDelete(key)
	if !ok {
		return
	}
	e.terminate(s)
}

func (e *Engine) terminate(s *session) {
	if s.proc.Alive() {
		s.stopRequested.Store(true)
		s.proc.Kill(e.opts.KillGrace)
	}

	e.await(s.finished, s.key)
}

// await waits for done, bounded by the teardown budget.
func (e *Engine) await(done <-chan struct{}, key string) {
	timer := time.NewTimer(e.opts.KillGrace + 2*e.opts.DrainTimeout + time.Second)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.logger.Warn().Str("session_key", key).Msg("session teardown still running")
	}
}

// Active returns the keys of all live sessions.
func (e *Engine) Active() []string {
	return e.registry.Keys()
}

// Close stops every session.
func (e *Engine) Close() {
	for _, key := range e.registry.Keys() {
		e.Stop(key)
	}
}

func (e *Engine) pump(topic string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	var norm crlfNormalizer
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if text := norm.normalize(buf[:n]); text != "" {
				e.publish(topic, Output(text))
			}
		}
		if err != nil {
			if !proc.IsClosedStream(err) {
				e.logger.Debug().Err(err).Str("topic", topic).Msg("stream read failed")
			}
			break
		}
	}
	if rest := norm.flush(); rest != "" {
		e.publish(topic, Output(rest))
	}
}

// monitor waits for the process to exit, tears the session down and emits
// its one status frame.
func (e *Engine) monitor(s *session, readers *sync.WaitGroup) {
	defer close(s.finished)

	<-s.proc.Done()
	// Descendants still holding the pipes would keep the readers alive.
	s.proc.KillGroup()
	e.drain(s, readers)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.proc.Close()

	e.registry.compareAndDelete(s.key, s)
	metrics.ActiveSessions.Dec()
	e.removeWorkspace(s.ws)

	code := s.proc.ExitCode()
	status, outcome := Status(fmt.Sprintf(exitedFormat, code), code), models.SessionExited
	if s.stopRequested.Load() {
		code = -1
		status, outcome = Status(terminatedMessage, code), models.SessionTerminated
	}
	e.publish(s.topic, status)

	metrics.SessionsTotal.WithLabelValues(s.language, outcome).Inc()
	e.logger.Info().Str("session_key", s.key).Str("outcome", outcome).Int("exit_code", code).Msg("session ended")
	e.recordEnd(s, outcome, code)
}

func (e *Engine) drain(s *session, readers *sync.WaitGroup) {
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(e.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
		return
	case <-timer.C:
	}

	s.proc.CloseOutput()
	timer.Reset(e.opts.DrainTimeout)
	select {
	case <-drained:
	case <-timer.C:
		e.logger.Warn().Str("session_key", s.key).Msg("output readers did not stop")
	}
}

func (e *Engine) abort(key, language string, err error) {
	e.logger.Error().Err(err).Str("session_key", key).Str("language", language).Msg("session start failed")
	metrics.SessionsTotal.WithLabelValues(language, "internal_error").Inc()
	topic := Topic(key)
	e.publish(topic, Output("Internal Error: "+err.Error()+"\r\n"))
	e.publish(topic, Status("", -1))
}

func (e *Engine) publish(topic string, f Frame) {
	metrics.FramesPublished.WithLabelValues(f.Type).Inc()
	e.sink.Publish(topic, f)
}

func (e *Engine) removeWorkspace(ws *workspace.Workspace) {
	if err := ws.Remove(); err != nil {
		e.logger.Warn().Err(err).Str("dir", ws.Dir).Msg("failed to remove workspace")
	}
}

func (e *Engine) recordStart(s *session) {
	if e.journal == nil {
		return
	}
	err := e.journal.SessionStarted(context.Background(), models.Session{
		ID:        s.id,
		Key:       s.key,
		Language:  s.language,
		Status:    models.SessionRunning,
		StartedAt: time.Now(),
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("session_key", s.key).Msg("failed to record session start")
	}
}

func (e *Engine) recordEnd(s *session, status string, code int) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SessionEnded(context.Background(), s.id, status, code, time.Now()); err != nil {
		e.logger.Warn().Err(err).Str("session_key", s.key).Msg("failed to record session end")
	}
}

// Compile-time interface check.
var _ Controller = (*Engine)(nil)
