package functree

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/functree/internal/callstack"
	"github.com/getsentry/functree/internal/filter"
	"github.com/getsentry/functree/internal/nodetree"
	"github.com/getsentry/functree/internal/render"
	"github.com/getsentry/functree/internal/sink"
	"github.com/getsentry/functree/internal/timeutil"
)

// tracker is shared by every Timer so that calls nest across Timers.
var tracker = callstack.New(timeutil.NewMonotonicClock())

type (
	// Sink receives one rendered tree at a time.
	Sink interface {
		Append(text string) error
	}

	// Timer wraps functions and reports the trees of calls they start.
	Timer struct {
		config  Config
		filter  filter.Config
		sink    Sink
		tracker *callstack.Tracker
		logger  zerolog.Logger
		hub     *sentry.Hub
	}

	Option func(t *Timer)
)

func WithConfig(c Config) Option {
	return func(t *Timer) {
		t.config = c
	}
}

func WithPath(path string) Option {
	return func(t *Timer) {
		t.config.Path = path
	}
}

func WithMinimumDuration(d time.Duration) Option {
	return func(t *Timer) {
		t.config.MinimumDuration = d
	}
}

func WithTopK(k TopK) Option {
	return func(t *Timer) {
		t.config.TopK = k
	}
}

// WithSink replaces the file named by the configuration.
func WithSink(s Sink) Option {
	return func(t *Timer) {
		t.sink = s
	}
}

// WithLogger sets where write failures and inconsistencies are logged.
// Defaults to log.Logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Timer) {
		t.logger = l
	}
}

// WithHub reports write failures and inconsistencies to Sentry as well.
func WithHub(h *sentry.Hub) Option {
	return func(t *Timer) {
		t.hub = h
	}
}

func withTracker(tr *callstack.Tracker) Option {
	return func(t *Timer) {
		t.tracker = tr
	}
}

// New returns a Timer. A relative path is resolved against the working
// directory at the time of the call.
func New(opts ...Option) (*Timer, error) {
	t := &Timer{
		config:  DefaultConfig(),
		tracker: tracker,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.config.Validate(); err != nil {
		return nil, err
	}
	path, err := filepath.Abs(t.config.Path)
	if err != nil {
		return nil, fmt.Errorf("functree: resolving %q: %w", t.config.Path, err)
	}
	t.config.Path = path
	t.filter = t.config.filter()
	if t.sink == nil {
		t.sink = sink.NewFile(path)
	}
	return t, nil
}

// MustNew is like New but panics on an invalid configuration.
func MustNew(opts ...Option) *Timer {
	t, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Timer) Config() Config {
	return t.config
}

// Start opens a call by hand. The returned function closes it and must be
// called exactly once, on the same execution context:
//
//	ctx, done := timer.Start(ctx, "step")
//	defer done()
func (t *Timer) Start(ctx context.Context, name string) (context.Context, func()) {
	ctx, h := t.tracker.Enter(ctx, name, nodetree.KindSync)
	return ctx, func() { t.exit(h) }
}

// Wrap instruments a function that only returns an error.
func (t *Timer) Wrap(name string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	if name == "" {
		name = funcName(fn)
	}
	return func(ctx context.Context) error {
		ctx, h := t.tracker.Enter(ctx, name, nodetree.KindSync)
		defer t.exit(h)
		return fn(ctx)
	}
}

// Open returns the number of calls currently open on the execution context of
// ctx.
func (t *Timer) Open(ctx context.Context) int {
	return t.tracker.Open(ctx)
}

func (t *Timer) exit(h *callstack.Handle) {
	root, err := t.tracker.Exit(h)
	if err != nil {
		t.logger.Warn().Err(err).Str("function", h.Node().Name).Msg("functree: call stack out of order, unwound")
		if t.hub != nil {
			t.hub.CaptureException(err)
		}
	}
	if root != nil {
		t.report(root)
	}
}

func (t *Timer) report(root *nodetree.Node) {
	tree := filter.Apply(root, t.filter)
	if tree == nil {
		return
	}
	if err := t.sink.Append(render.Block(tree)); err != nil {
		t.logger.Error().Err(err).Str("function", root.Name).Str("path", t.config.Path).Msg("functree: can't write call tree")
		if t.hub != nil {
			t.hub.CaptureException(err)
		}
	}
}

// Fork returns a context on which calls start a new tree instead of nesting
// under the calls open on ctx. Goroutines calling instrumented functions
// should receive a forked context.
func Fork(ctx context.Context) context.Context {
	return callstack.Fork(ctx)
}

// funcName returns the short name of fn, as in "pkg.Func".
func funcName(fn interface{}) string {
	pc := reflectPointer(fn)
	f := runtime.FuncForPC(pc)
	if f == nil {
		return "unknown"
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "-fm")
}
