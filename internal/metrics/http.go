package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"haltbot/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:9120"
	DefaultPath = "/metrics"
)

type serveOptions struct {
	pprof bool
}

type ServeOption func(*serveOptions)

// WithPprof mounts net/http/pprof under /debug/pprof/. It is refused on
// non-loopback addresses.
func WithPprof(enabled bool) ServeOption { return func(o *serveOptions) { o.pprof = enabled } }

// Serve exposes g on addr+path, plus /healthz, until ctx is canceled. A
// dedicated ServeMux keeps it away from http.DefaultServeMux.
func Serve(ctx context.Context, addr, path string, g prometheus.Gatherer, log logx.Logger, opts ...ServeOption) error {
	var so serveOptions
	for _, o := range opts {
		o(&so)
	}
	if strings.TrimSpace(addr) == "" {
		addr = DefaultAddr
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	if g == nil {
		g = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if so.pprof {
		if isLoopbackAddr(addr) {
			mux.HandleFunc("/debug/pprof/", hpprof.Index)
			mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		} else {
			log.Warn("pprof refused on non-loopback address", logx.String("addr", addr))
		}
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("metrics server shutdown", logx.Err(err))
		}
	}()

	log.Info("metrics server listening", logx.String("addr", addr), logx.String("path", path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
