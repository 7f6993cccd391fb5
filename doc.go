// Package functree measures how long functions take and writes, for every
// top level call, the tree of instrumented calls it made.
//
// A Timer holds the output settings. Functions are wrapped once and the
// wrapped version is called in place of the original:
//
//	timer := functree.MustNew(functree.WithMinimumDuration(10 * time.Millisecond))
//	load := functree.WrapFunc(timer, "load", func(ctx context.Context, path string) ([]byte, error) {
//		return os.ReadFile(path)
//	})
//
// Calls nest when the context received by a wrapped function is passed on to
// the wrapped functions it calls. Every call made without an enclosing open
// call starts a tree; once it returns, the tree is filtered, rendered and
// appended to the Timer's file:
//
//	handle (sync) took 0.3000 seconds
//	    ├── load (sync) took 0.1000 seconds
//	    └── fetch (async) took 0.1500 seconds
//	------
//
// Functions wrapped with WrapAsync run on their own goroutine and return a
// Future. Their calls appear under the caller's open call as long as the
// caller is still running when they finish, and as separate trees otherwise.
// Goroutines started by hand should use Fork so that they do not share a
// call stack with their parent.
package functree
