package prometheus

import (
	"context"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/fluxorio/logpilot/pkg/core"
)

// ReadyFunc reports whether the process can serve traffic.
type ReadyFunc func(ctx context.Context) error

// ServerConfig configures the metrics endpoint.
type ServerConfig struct {
	Addr        string
	Gatherer    prometheus.Gatherer
	Ready       ReadyFunc
	ReadTimeout time.Duration
	Logger      core.Logger
}

// Server exposes /metrics, /ready and /live over fasthttp.
type Server struct {
	cfg     ServerConfig
	srv     *fasthttp.Server
	metrics fasthttp.RequestHandler
}

// NewServer builds a metrics server. A nil Gatherer serves DefaultRegistry.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = DefaultRegistry
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewNopLogger()
	}

	s := &Server{
		cfg:     cfg,
		metrics: fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})),
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler,
		Name:         "logpilot",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.ReadTimeout,
	}
	return s
}

// Handler routes a request to the matching endpoint.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() && !ctx.IsHead() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}

	switch string(ctx.Path()) {
	case "/metrics":
		s.metrics(ctx)
	case "/live":
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"status":"up"}`)
	case "/ready":
		s.ready(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) ready(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	if s.cfg.Ready == nil {
		ctx.SetBodyString(`{"ready":true}`)
		return
	}

	rctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReadTimeout)
	defer cancel()
	if err := s.cfg.Ready(rctx); err != nil {
		s.cfg.Logger.Warnf("metrics: readiness check failed: %v", err)
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetBodyString(`{"ready":false}`)
		return
	}
	ctx.SetBodyString(`{"ready":true}`)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	s.cfg.Logger.Infof("metrics: listening on %s", s.cfg.Addr)
	return s.srv.ListenAndServe(s.cfg.Addr)
}

// Shutdown stops the server, waiting for open requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}
