package functree

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/getsentry/functree/internal/callstack"
	"github.com/getsentry/functree/internal/testutil"
	"github.com/getsentry/functree/internal/timeutil"
)

func newTestTimer(t *testing.T, clock timeutil.Clock, opts ...Option) (*Timer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "function_times.log")
	opts = append([]Option{
		WithPath(path),
		withTracker(callstack.New(clock)),
		WithLogger(zerolog.Nop()),
	}, opts...)
	timer, err := New(opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return timer, path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unexpected error: %v", err)
	}
	return string(b)
}

func TestSingleCall(t *testing.T) {
	var clock timeutil.ManualClock
	timer, path := newTestTimer(t, &clock)

	work := timer.Wrap("work", func(ctx context.Context) error {
		clock.Advance(123400 * time.Microsecond)
		return nil
	})
	if err := work(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "work (sync) took 0.1234 seconds\n------\n"
	if diff := testutil.Diff(readLog(t, path), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestNestedCallsAndMinimumDuration(t *testing.T) {
	tests := []struct {
		name    string
		minimum time.Duration
		output  string
	}{
		{
			name:    "child above the minimum",
			minimum: 50 * time.Millisecond,
			output: "f (sync) took 0.3000 seconds\n" +
				"    └── g (sync) took 0.1000 seconds\n" +
				"------\n",
		},
		{
			name:    "child below the minimum",
			minimum: 200 * time.Millisecond,
			output:  "f (sync) took 0.3000 seconds\n------\n",
		},
		{
			name:    "root below the minimum",
			minimum: 500 * time.Millisecond,
			output:  "",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var clock timeutil.ManualClock
			timer, path := newTestTimer(t, &clock, WithMinimumDuration(test.minimum))

			g := timer.Wrap("g", func(ctx context.Context) error {
				clock.Advance(100 * time.Millisecond)
				return nil
			})
			f := timer.Wrap("f", func(ctx context.Context) error {
				if err := g(ctx); err != nil {
					return err
				}
				clock.Advance(200 * time.Millisecond)
				return nil
			})
			if err := f(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := testutil.Diff(readLog(t, path), test.output); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestThreeLevels(t *testing.T) {
	var clock timeutil.ManualClock
	timer, path := newTestTimer(t, &clock, WithMinimumDuration(0))

	c := WrapFunc(timer, "c", func(ctx context.Context, n int) (int, error) {
		clock.Advance(10 * time.Millisecond)
		return n * 2, nil
	})
	b := WrapFunc(timer, "b", func(ctx context.Context, n int) (int, error) {
		clock.Advance(10 * time.Millisecond)
		return c(ctx, n+1)
	})
	a := WrapFunc(timer, "a", func(ctx context.Context, n int) (int, error) {
		v, err := b(ctx, n)
		clock.Advance(10 * time.Millisecond)
		return v, err
	})

	v, err := a(context.Background(), 1)
	if err != nil || v != 4 {
		t.Fatalf("wanted: 4, got: %d, %v\n", v, err)
	}
	want := "a (sync) took 0.0300 seconds\n" +
		"    └── b (sync) took 0.0200 seconds\n" +
		"        └── c (sync) took 0.0100 seconds\n" +
		"------\n"
	if diff := testutil.Diff(readLog(t, path), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestErrorIsReturnedUnchanged(t *testing.T) {
	var clock timeutil.ManualClock
	timer, path := newTestTimer(t, &clock)

	errBoom := errors.New("boom")
	fail := WrapFunc(timer, "fail", func(ctx context.Context, _ struct{}) (string, error) {
		clock.Advance(time.Second)
		return "partial", errBoom
	})
	v, err := fail(context.Background(), struct{}{})
	if err != errBoom || v != "partial" {
		t.Fatalf("wanted: partial, %v, got: %s, %v\n", errBoom, v, err)
	}
	want := "fail (sync) took 1.0000 seconds\n------\n"
	if diff := testutil.Diff(readLog(t, path), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestPanicIsRaisedUnchanged(t *testing.T) {
	var clock timeutil.ManualClock
	timer, path := newTestTimer(t, &clock)

	explode := timer.Wrap("explode", func(ctx context.Context) error {
		clock.Advance(time.Second)
		panic("boom")
	})
	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("wanted: boom, got: %v\n", r)
			}
		}()
		_ = explode(context.Background())
	}()

	want := "explode (sync) took 1.0000 seconds\n------\n"
	if diff := testutil.Diff(readLog(t, path), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestRootTimerDecidesOutput(t *testing.T) {
	var clock timeutil.ManualClock
	tracker := callstack.New(&clock)
	dir := t.TempDir()
	outerPath := filepath.Join(dir, "outer.log")
	innerPath := filepath.Join(dir, "inner.log")
	outerTimer := MustNew(WithPath(outerPath), withTracker(tracker), WithMinimumDuration(0))
	innerTimer := MustNew(WithPath(innerPath), withTracker(tracker), WithMinimumDuration(time.Hour))

	inner := innerTimer.Wrap("inner", func(ctx context.Context) error {
		clock.Advance(time.Millisecond)
		return nil
	})
	outer := outerTimer.Wrap("outer", func(ctx context.Context) error {
		return inner(ctx)
	})
	if err := outer(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := inner(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "outer (sync) took 0.0010 seconds\n" +
		"    └── inner (sync) took 0.0010 seconds\n" +
		"------\n"
	if diff := testutil.Diff(readLog(t, outerPath), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if got := readLog(t, innerPath); got != "" {
		t.Fatalf("inner root was below its minimum, got: %q\n", got)
	}
}

func TestTopK(t *testing.T) {
	var clock timeutil.ManualClock
	timer, path := newTestTimer(t, &clock, WithMinimumDuration(0), WithTopK(2))

	step := WrapFunc(timer, "step", func(ctx context.Context, d time.Duration) (struct{}, error) {
		clock.Advance(d)
		return struct{}{}, nil
	})
	run := timer.Wrap("run", func(ctx context.Context) error {
		for _, d := range []time.Duration{10, 30, 20} {
			if _, err := step(ctx, d*time.Millisecond); err != nil {
				return err
			}
		}
		return nil
	})
	if err := run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "run (sync) took 0.0600 seconds\n" +
		"    └── step (sync) took 0.0300 seconds\n" +
		"------\n"
	if diff := testutil.Diff(readLog(t, path), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestStart(t *testing.T) {
	var clock timeutil.ManualClock
	timer, path := newTestTimer(t, &clock, WithMinimumDuration(0))

	ctx, done := timer.Start(context.Background(), "request")
	_, stepDone := timer.Start(ctx, "step")
	clock.Advance(5 * time.Millisecond)
	stepDone()
	if timer.Open(ctx) != 1 {
		t.Fatalf("wanted: 1 open call, got: %d\n", timer.Open(ctx))
	}
	done()

	want := "request (sync) took 0.0050 seconds\n" +
		"    └── step (sync) took 0.0050 seconds\n" +
		"------\n"
	if diff := testutil.Diff(readLog(t, path), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestAsyncCallNestsUnderAwaitingCaller(t *testing.T) {
	var clock timeutil.ManualClock
	timer, path := newTestTimer(t, &clock)

	fetch := WrapAsync(timer, "fetch", func(ctx context.Context, id int) (string, error) {
		clock.Advance(100 * time.Millisecond)
		return "item", nil
	})
	handle := timer.Wrap("handle", func(ctx context.Context) error {
		v, err := fetch(ctx, 1).Await(ctx)
		if err != nil || v != "item" {
			t.Errorf("wanted: item, got: %s, %v\n", v, err)
		}
		clock.Advance(50 * time.Millisecond)
		return nil
	})
	if err := handle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "handle (sync) took 0.1500 seconds\n" +
		"    └── fetch (async) took 0.1000 seconds\n" +
		"------\n"
	if diff := testutil.Diff(readLog(t, path), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestAsyncPanicIsRaisedByAwait(t *testing.T) {
	var clock timeutil.ManualClock
	timer, path := newTestTimer(t, &clock, WithMinimumDuration(0))

	explode := WrapAsync(timer, "explode", func(ctx context.Context, _ int) (int, error) {
		clock.Advance(time.Millisecond)
		panic("boom")
	})
	f := explode(context.Background(), 0)
	<-f.Done()
	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("wanted: boom, got: %v\n", r)
			}
		}()
		_, _ = f.Await(context.Background())
	}()

	want := "explode (async) took 0.0010 seconds\n------\n"
	if diff := testutil.Diff(readLog(t, path), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestAwaitGivesUpOnCancel(t *testing.T) {
	var clock timeutil.ManualClock
	timer, _ := newTestTimer(t, &clock)

	release := make(chan struct{})
	slow := WrapAsync(timer, "slow", func(ctx context.Context, _ int) (int, error) {
		<-release
		return 1, nil
	})
	f := slow(context.Background(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("wanted: %v, got: %v\n", context.Canceled, err)
	}
	close(release)
	if v, err := f.Await(context.Background()); v != 1 || err != nil {
		t.Fatalf("wanted: 1, got: %d, %v\n", v, err)
	}
}

func TestConcurrentRootsDoNotInterleave(t *testing.T) {
	timer, path := newTestTimer(t, timeutil.NewMonotonicClock(), WithMinimumDuration(0))

	inner := timer.Wrap("inner", func(ctx context.Context) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	outer := timer.Wrap("outer", func(ctx context.Context) error {
		return inner(ctx)
	})

	const workers = 8
	const calls = 5
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(ctx context.Context) {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				if err := outer(ctx); err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(Fork(ctx))
	}
	wg.Wait()

	block := regexp.MustCompile(`^outer \(sync\) took \d+\.\d{4} seconds\n    └── inner \(sync\) took \d+\.\d{4} seconds\n$`)
	blocks := strings.Split(strings.TrimSuffix(readLog(t, path), "------\n"), "------\n")
	if len(blocks) != workers*calls {
		t.Fatalf("wanted: %d blocks, got: %d\n", workers*calls, len(blocks))
	}
	for _, b := range blocks {
		if !block.MatchString(b) {
			t.Fatalf("malformed block: %q", b)
		}
	}
}

type transportMock struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (t *transportMock) Configure(options sentry.ClientOptions) {}

func (t *transportMock) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *transportMock) Flush(timeout time.Duration) bool {
	return true
}

func TestSinkFailureIsNotReturned(t *testing.T) {
	var clock timeutil.ManualClock
	transport := &transportMock{}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:        "http://whatever@example.com/1337",
		SampleRate: 1.0,
		Transport:  transport,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var logs bytes.Buffer
	timer := MustNew(
		// a directory can't be opened for appending
		WithPath(t.TempDir()),
		withTracker(callstack.New(&clock)),
		WithLogger(zerolog.New(&logs)),
		WithHub(sentry.NewHub(client, sentry.NewScope())),
	)

	work := timer.Wrap("work", func(ctx context.Context) error {
		clock.Advance(time.Second)
		return nil
	})
	if err := work(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(logs.String(), "can't write call tree") {
		t.Fatalf("write failure was not logged: %q", logs.String())
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.events) != 1 {
		t.Fatalf("wanted: 1 event, got: %d\n", len(transport.events))
	}
}

func TestOutOfOrderExitIsLogged(t *testing.T) {
	var clock timeutil.ManualClock
	var logs bytes.Buffer
	timer, path := newTestTimer(t, &clock, WithLogger(zerolog.New(&logs)), WithMinimumDuration(0))

	ctx, outerDone := timer.Start(context.Background(), "outer")
	_, innerDone := timer.Start(ctx, "inner")
	clock.Advance(time.Millisecond)
	outerDone()
	innerDone()

	if !strings.Contains(logs.String(), "call stack out of order") {
		t.Fatalf("fault was not logged: %q", logs.String())
	}
	want := "outer (sync) took 0.0010 seconds\n" +
		"    └── inner (sync) took 0.0010 seconds\n" +
		"------\n"
	if diff := testutil.Diff(readLog(t, path), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func namedFunction(ctx context.Context) error {
	return nil
}

func TestWrapDefaultsToFunctionName(t *testing.T) {
	var clock timeutil.ManualClock
	timer, path := newTestTimer(t, &clock, WithMinimumDuration(0))

	if err := timer.Wrap("", namedFunction)(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "functree.namedFunction (sync) took 0.0000 seconds\n------\n"
	if diff := testutil.Diff(readLog(t, path), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	for _, opts := range [][]Option{
		{WithPath("")},
		{WithMinimumDuration(-time.Second)},
		{WithTopK(-2)},
	} {
		if _, err := New(opts...); err == nil {
			t.Fatal("expected an error")
		}
	}
}

func TestNewResolvesRelativePath(t *testing.T) {
	timer, err := New(WithPath("logs/times.log"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(timer.Config().Path) {
		t.Fatalf("wanted an absolute path, got: %s\n", timer.Config().Path)
	}
}
