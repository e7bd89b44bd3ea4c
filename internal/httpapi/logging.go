package httpapi

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// loggingLineWriter echoes complete NDJSON lines to the logger when a
// request asks for debug verbosity.
type loggingLineWriter struct {
	buf []byte
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := indexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(lw.buf[:idx])
		if len(line) > 0 {
			if zlog != nil {
				zlog.Debug().Str("line", line).Msg("stream")
			} else {
				log.Printf("stream> %s", line)
			}
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("MLXD_LOG_LEVEL"))

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// RequestLogger emits one access-log line per request, leveled by status
// class. Probe endpoints are skipped to keep the log readable.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if zlog == nil || skipAccessLog(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		sr := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sr, r)

		var e *zerolog.Event
		switch {
		case sr.status >= 500:
			e = zlog.Error()
		case sr.status >= 400:
			e = zlog.Warn()
		default:
			e = zlog.Debug()
		}
		e = e.Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", sr.status).Dur("dur", time.Since(start)).
			Int64("bytes", sr.bytes)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			e = e.Str("request_id", rid)
		}
		e.Msg("http")
	})
}

func skipAccessLog(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

func logStart(lvl LogLevel, r *http.Request, op, model string) {
	if lvl < LevelInfo {
		return
	}
	if zlog != nil {
		e := zlog.Info().Str("op", op).Str("path", r.URL.Path)
		if model != "" {
			e = e.Str("model", model)
		}
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			e = e.Str("request_id", rid)
		}
		e.Msg("request start")
		return
	}
	log.Printf("%s start path=%s model=%s", op, r.URL.Path, model)
}

func logEnd(lvl LogLevel, r *http.Request, op string, status int, start time.Time, err error) {
	if lvl < LevelInfo {
		return
	}
	if zlog != nil {
		e := zlog.Info().Str("op", op).Int("status", status).Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			e = e.Str("request_id", rid)
		}
		if err != nil {
			e = e.Err(err)
		}
		e.Msg("request end")
		return
	}
	if err != nil {
		log.Printf("%s end status=%d dur=%s err=%v", op, status, time.Since(start), err)
		return
	}
	log.Printf("%s end status=%d dur=%s", op, status, time.Since(start))
}
