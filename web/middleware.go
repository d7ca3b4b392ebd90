package web

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// CustomResponseWriter keeps the status code written through it.
type CustomResponseWriter struct {
	http.ResponseWriter
	Status int
}

func (w *CustomResponseWriter) WriteHeader(statusCode int) {
	w.Status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets websocket upgrades go through the wrapper.
func (w *CustomResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *CustomResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func NilHandler(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte{})
}

func WrapCustomRW(wr http.ResponseWriter) *CustomResponseWriter {
	if cw, ok := wr.(*CustomResponseWriter); ok {
		return cw
	}
	// handlers that never call WriteHeader are 200
	return &CustomResponseWriter{ResponseWriter: wr, Status: http.StatusOK}
}

// Logger logs every request to handler under name, at Info level when
// verbose() is true and Debug otherwise.
func Logger(handler http.Handler, name string, verbose func() bool, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		cw := WrapCustomRW(w)
		handler.ServeHTTP(cw, r)

		level := slog.LevelDebug
		if verbose != nil && verbose() {
			level = slog.LevelInfo
		}
		logger.Log(r.Context(), level, name,
			"method", r.Method,
			"uri", r.RequestURI,
			"status", cw.Status,
			"forwarded", r.Header.Get("X-Forwarded-For"),
			"agent", r.Header.Get("User-Agent"),
			"elapsed", time.Since(t0))
	})
}
