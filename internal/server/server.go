package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"whisp/internal/canvas"
	"whisp/internal/metrics"
)

const (
	shutdownTimeout    = 15 * time.Second
	healthCheckTimeout = 2 * time.Second
)

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
}

// NewServer returns new Server exposing engine operations over HTTP.
// sessions resolves the session store of the calling device, collector receives request metrics
// and is served on "/metrics".
func NewServer(logger *zap.SugaredLogger, engine *canvas.Engine, sessions SessionProvider, collector *metrics.Collector, opts ...Option) (*Server, error) {
	if engine == nil || sessions == nil || collector == nil {
		return nil, errors.New("engine, sessions and collector must be provided")
	}

	h := &handler{
		logger:   logger,
		engine:   engine,
		sessions: sessions,
		metrics:  collector,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	cfg := &config{
		httpServer: &http.Server{Addr: "0.0.0.0:9000"},
		handlers: map[string]http.Handler{
			"/canvases/add":          http.HandlerFunc(h.createCanvas),
			"/canvases/get":          http.HandlerFunc(h.canvasByID),
			"/prompts/random":        http.HandlerFunc(h.randomPrompt),
			"/participants/validate": http.HandlerFunc(h.validateUsername),
			"/participants/join":     http.HandlerFunc(h.join),
			"/participants/get":      http.HandlerFunc(h.participants),
			"/sessions/get":          http.HandlerFunc(h.session),
			"/messages/add":          http.HandlerFunc(h.createMessage),
			"/messages/get":          http.HandlerFunc(h.messagesByCanvasID),
			"/votes/cast":            http.HandlerFunc(h.castVote),
			"/votes/get":             http.HandlerFunc(h.votesByUsername),
			"/whispers/add":          http.HandlerFunc(h.createWhisper),
			"/whispers/get":          http.HandlerFunc(h.whispersByRecipient),
			"/whispers/read":         http.HandlerFunc(h.readWhisper),
			"/users/popular":         http.HandlerFunc(h.popularUsers),
		},
		streams: map[string]http.Handler{
			"/canvases/live": http.HandlerFunc(h.live),
		},
		plain: map[string]http.Handler{
			"/metrics": collector.Handler(),
		},
	}

	applyEnforcePostJson().apply(cfg)
	for _, opt := range opts {
		opt.apply(cfg)
	}
	cfg.plain["/health"] = health(logger, cfg.checks)
	for _, opt := range []Option{
		applyDevice(),
		applyRateLimit(logger),
		applyMetrics(collector),
		applyLog(logger.Desugar()),
		registerHandlers(),
	} {
		opt.apply(cfg)
	}

	return &Server{
		logger:        logger,
		httpServer:    cfg.httpServer,
		afterShutdown: cfg.afterShutdown,
	}, nil
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
