package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fission-codes/account-service/internal/apierror"
	"github.com/fission-codes/account-service/internal/blog"
)

// Timeout wraps next so that a request exceeding d is aborted and
// answered with the RequestTimeout problem-details body instead of
// left to hang on a stuck database or upstream call. It's the same
// "run the handler in a goroutine, race it against a timer" shape
// stdlib's http.TimeoutHandler uses, reimplemented here so the timeout
// body matches this service's own problem-details shape instead of
// net/http's plain-text default.
func Timeout(next http.Handler, d time.Duration, logger blog.Logger) http.Handler {
	if d <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		r = r.WithContext(ctx)

		done := make(chan struct{})
		tw := &timeoutWriter{ResponseWriter: w}
		go func() {
			next.ServeHTTP(tw, r)
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			tw.mu.Lock()
			defer tw.mu.Unlock()
			if !tw.wroteHeader {
				ev := &RequestEvent{Method: r.Method, Path: r.URL.Path}
				SendError(logger, w, ev, apierror.RequestTimeoutError("request exceeded %s deadline", d))
				tw.timedOut = true
			}
		}
	})
}

// timeoutWriter guards against the handler goroutine writing to w
// after Timeout has already sent the deadline response on its behalf.
type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
	timedOut    bool
}

func (tw *timeoutWriter) WriteHeader(status int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(status)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	if tw.timedOut {
		tw.mu.Unlock()
		return len(b), nil
	}
	if !tw.wroteHeader {
		tw.wroteHeader = true
	}
	tw.mu.Unlock()
	return tw.ResponseWriter.Write(b)
}
