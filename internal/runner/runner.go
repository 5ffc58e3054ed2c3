// Package runner executes submitted code once with fixed input and reports
// a single composed result.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/google/uuid"
	"github.com/peterje/coderunner/internal/lang"
	"github.com/peterje/coderunner/internal/metrics"
	"github.com/peterje/coderunner/internal/models"
	"github.com/peterje/coderunner/internal/proc"
	"github.com/peterje/coderunner/internal/workspace"
	"github.com/rs/zerolog"
)

var ErrBusy = errors.New("runner busy")

type Request struct {
	Code     string
	Language string
	Input    string
}

// Journal records run history.
type Journal interface {
	RecordRun(ctx context.Context, run models.Run) error
}

type Options struct {
	RunTimeout     time.Duration
	CompileTimeout time.Duration
	KillGrace      time.Duration
	DrainTimeout   time.Duration

	MaxConcurrent int
	MaxQueue      int
	QueueTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		RunTimeout:     5 * time.Second,
		CompileTimeout: 10 * time.Second,
		KillGrace:      500 * time.Millisecond,
		DrainTimeout:   time.Second,
		MaxConcurrent:  8,
		MaxQueue:       32,
		QueueTimeout:   30 * time.Second,
	}
}

type Runner struct {
	langs      *lang.Registry
	workspaces *workspace.Manager
	opts       Options
	bulkhead   bulkhead.Bulkhead[Result]
	journal    Journal
	logger     *zerolog.Logger
}

func New(langs *lang.Registry, workspaces *workspace.Manager, opts Options, logger *zerolog.Logger) *Runner {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Runner{
		langs:      langs,
		workspaces: workspaces,
		opts:       opts,
		bulkhead: bulkhead.New[Result](bulkhead.Config{
			MaxConcurrent: opts.MaxConcurrent,
			MaxQueue:      opts.MaxQueue,
			QueueTimeout:  opts.QueueTimeout,
		}),
		logger: logger,
	}
}

// SetJournal enables run history recording.
func (r *Runner) SetJournal(j Journal) {
	r.journal = j
}

// Run compiles and executes req, never returning without a result. The
// workspace is removed on every path.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	start := time.Now()

	res, err := r.bulkhead.Execute(ctx, func(ctx context.Context) (Result, error) {
		return r.run(ctx, req), nil
	})
	if err != nil {
		metrics.RunnerRejections.Inc()
		res = internalError(fmt.Errorf("%w: %v", ErrBusy, err))
	}

	elapsed := time.Since(start)
	language := req.Language
	if l, err := r.langs.Resolve(req.Language); err == nil {
		language = l.ID
		res.Language = l.Toolchain.Name
	}
	metrics.ExecutionsTotal.WithLabelValues(language, string(res.Outcome)).Inc()
	metrics.ExecutionDuration.WithLabelValues(language, "total").Observe(float64(elapsed.Milliseconds()))
	r.logger.Info().
		Str("language", language).
		Str("outcome", string(res.Outcome)).
		Dur("duration", elapsed).
		Msg("run finished")

	if r.journal != nil {
		err := r.journal.RecordRun(context.Background(), models.Run{
			ID:         uuid.New().String(),
			Language:   language,
			Outcome:    string(res.Outcome),
			DurationMS: elapsed.Milliseconds(),
			CreatedAt:  start,
		})
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to record run")
		}
	}
	return res
}

func (r *Runner) run(ctx context.Context, req Request) (res Result) {
	l, err := r.langs.Resolve(req.Language)
	if err != nil {
		return internalError(err)
	}
	tc := l.Toolchain

	ws, err := r.workspaces.Prepare("run", tc, req.Code)
	if err != nil {
		return internalError(err)
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			r.logger.Warn().Err(err).Str("dir", ws.Dir).Msg("failed to remove workspace")
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("run panicked")
			res = internalError(fmt.Errorf("panic: %v", p))
		}
	}()

	if tc.NeedsBuild() {
		compileStart := time.Now()
		err := workspace.Build(ctx, ws, tc, r.opts.CompileTimeout, r.opts.KillGrace)
		metrics.ExecutionDuration.WithLabelValues(l.ID, "compile").Observe(float64(time.Since(compileStart).Milliseconds()))
		if err != nil {
			var ce *workspace.CompileError
			if errors.As(err, &ce) {
				return compileError(ce.Diagnostic)
			}
			return internalError(err)
		}
	}

	runStart := time.Now()
	defer func() {
		metrics.ExecutionDuration.WithLabelValues(l.ID, "run").Observe(float64(time.Since(runStart).Milliseconds()))
	}()
	return r.execute(ctx, ws.Dir, tc, req.Input)
}

// execute drives launch, feed, wait and drain for one process.
func (r *Runner) execute(ctx context.Context, dir string, tc lang.Toolchain, input string) Result {
	p, err := proc.Start(dir, tc.RunCommand, proc.Options{})
	if err != nil {
		return internalError(err)
	}
	defer p.Close()

	var stdout, stderr lockedBuffer
	var readers sync.WaitGroup
	readers.Add(2)
	go collect(&stdout, p.Stdout(), &readers)
	go collect(&stderr, p.Stderr(), &readers)

	fed := make(chan error, 1)
	go func() {
		fed <- feed(p, input)
	}()

	timer := time.NewTimer(r.opts.RunTimeout)
	defer timer.Stop()

	var timedOut bool
	select {
	case <-p.Done():
	case <-timer.C:
		timedOut = true
		p.Kill(r.opts.KillGrace)
	case <-ctx.Done():
		p.Kill(r.opts.KillGrace)
		return internalError(fmt.Errorf("run cancelled: %w", ctx.Err()))
	}
	p.KillGroup()
	r.drain(p, &readers)

	if timedOut {
		return timeout(stdout.String())
	}

	select {
	case err := <-fed:
		if err != nil && !proc.IsClosedStream(err) {
			return internalError(fmt.Errorf("write input: %w", err))
		}
	default:
		// The child exited without draining stdin.
		p.CloseStdin()
	}

	if code := p.ExitCode(); code != 0 {
		return runtimeError(stderr.String())
	}
	return success(stdout.String())
}

// drain waits for both readers, closing the pipes if a descendant keeps
// them open past DrainTimeout.
func (r *Runner) drain(p *proc.Process, readers *sync.WaitGroup) {
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(r.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
		return
	case <-timer.C:
	}
	p.CloseOutput()
	timer.Reset(r.opts.DrainTimeout)
	select {
	case <-drained:
	case <-timer.C:
		r.logger.Warn().Int("pid", p.Pid()).Msg("output readers did not stop")
	}
}

// feed writes all input and closes stdin so the child sees EOF.
func feed(p *proc.Process, input string) error {
	if input != "" {
		if _, err := io.WriteString(p.Stdin(), input); err != nil {
			p.CloseStdin()
			return err
		}
	}
	return p.CloseStdin()
}

func collect(dst *lockedBuffer, src io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	io.Copy(dst, src)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
