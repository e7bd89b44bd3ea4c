package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"mlxd/pkg/types"
)

// countingWriter tracks whether any bytes reached the client, which decides
// how a late failure is rendered.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// stream runs one NDJSON-producing operation and renders its failure. Before
// the first byte is out an error becomes a plain JSON response with the
// mapped status; after that the status line is long gone, so the error goes
// out as a terminal NDJSON line instead.
func (s *server) stream(w http.ResponseWriter, r *http.Request, op, model string, timeout time.Duration,
	run func(ctx context.Context, w io.Writer, flush func()) error) {
	start := time.Now()
	lvl := requestLogLevel(r)
	logStart(lvl, r, op, model)

	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	out := io.Writer(w)
	if lvl >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{})
	}
	cw := &countingWriter{w: out}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")

	// Shutdown cancels streams too, not just new connections.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, timeout)
		defer tcancel()
	}

	err := run(ctx, cw, flush)
	if err == nil {
		logEnd(lvl, r, op, http.StatusOK, start, nil)
		return
	}
	if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
		// The client is gone or the daemon is shutting down; nobody is
		// listening for an error payload.
		logEnd(lvl, r, op, StatusClientClosedRequest, start, err)
		return
	}

	status, kind := statusForError(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("busy")
	}
	if cw.n == 0 {
		writeJSONError(w, status, err.Error(), kind)
	} else {
		line, _ := json.Marshal(types.StreamError{Error: err.Error(), Kind: kind})
		_, _ = cw.Write(append(line, '\n'))
		if flush != nil {
			flush()
		}
	}
	logEnd(lvl, r, op, status, start, err)
}

// streamTimeout converts the configured generation timeout.
func streamTimeout() time.Duration {
	return time.Duration(generateTimeout) * time.Second
}
