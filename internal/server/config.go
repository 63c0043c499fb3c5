package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"whisp/internal/metrics"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer    *http.Server
	handlers      map[string]http.Handler
	streams       map[string]http.Handler
	plain         map[string]http.Handler
	afterShutdown []func()
	rate          RateConfig
	checks        []healthCheck
}

// healthCheck is a named dependency probe reported on "/health"
type healthCheck struct {
	name  string
	check func(context.Context) error
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port uint16 `env:"PORT" envDefault:"9000"`
}

// RateConfig defines per remote address request limits, parsed from environment variables
type RateConfig struct {
	RPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"5"`
	Burst int     `env:"RATE_LIMIT_BURST" envDefault:"10"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters for http.Server
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// RateLimit sets per remote address limits; zero RPS disables limiting
func RateLimit(cfg RateConfig) Option {
	return optionFunc(func(c *config) {
		c.rate = cfg
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}

// HealthCheck adds a dependency check to the "/health" endpoint
func HealthCheck(name string, check func(ctx context.Context) error) Option {
	return optionFunc(func(c *config) {
		c.checks = append(c.checks, healthCheck{name: name, check: check})
	})
}

// TimeoutHandler wraps each POST handler in http.TimeoutHandler with provided duration and message.
// Streams are left alone since a hijacked connection outlives any request deadline.
func TimeoutHandler(d time.Duration, msg string) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = http.TimeoutHandler(h, d, msg)
		}
	})
}

// registerHandlers registers all handler maps for newly initialized http.ServeMux
// that http.ServeMux is used as a http.Handler for http.Server in config struct
func registerHandlers() Option {
	return optionFunc(func(c *config) {
		mux := http.NewServeMux()
		for pattern, h := range c.handlers {
			mux.Handle(pattern, h)
		}
		for pattern, h := range c.streams {
			mux.Handle(pattern, h)
		}
		for pattern, h := range c.plain {
			mux.Handle(pattern, h)
		}
		c.httpServer.Handler = mux
	})
}

// each applies wrap to every POST and stream handler
func (c *config) each(wrap func(pattern string, h http.Handler) http.Handler) {
	for pattern, h := range c.handlers {
		c.handlers[pattern] = wrap(pattern, h)
	}
	for pattern, h := range c.streams {
		c.streams[pattern] = wrap(pattern, h)
	}
}

// applyEnforcePostJson wraps each POST handler with enforcePostJson middleware
func applyEnforcePostJson() Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = enforcePostJson(h)
		}
	})
}

// applyDevice wraps every handler with device middleware
func applyDevice() Option {
	return optionFunc(func(c *config) {
		c.each(func(_ string, h http.Handler) http.Handler {
			return device(h)
		})
	})
}

// applyRateLimit wraps every handler with a limiter shared across routes
func applyRateLimit(logger *zap.SugaredLogger) Option {
	return optionFunc(func(c *config) {
		if c.rate.RPS <= 0 {
			return
		}
		pool := newLimiterPool(rate.Limit(c.rate.RPS), c.rate.Burst)
		c.each(func(_ string, h http.Handler) http.Handler {
			return limit(h, pool, logger)
		})
	})
}

// applyMetrics wraps every handler with request counting middleware
func applyMetrics(collector *metrics.Collector) Option {
	return optionFunc(func(c *config) {
		c.each(func(pattern string, h http.Handler) http.Handler {
			return instrument(h, pattern, collector)
		})
	})
}

// applyLog wraps every handler with log middleware
func applyLog(logger *zap.Logger) Option {
	return optionFunc(func(c *config) {
		c.each(func(_ string, h http.Handler) http.Handler {
			return log(h, logger)
		})
	})
}
