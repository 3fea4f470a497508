package router

import (
	"log/slog"
	"time"

	"github.com/vikashloomba/tool-gateway-go/pkg/breaker"
	"github.com/vikashloomba/tool-gateway-go/pkg/schema"
)

// Options configure a Router. Zero values select the breaker defaults.
type Options struct {
	// BreakerTimeout bounds each call through a server's breaker (30s).
	BreakerTimeout time.Duration
	// BreakerWindow and BreakerBuckets shape the rolling error window
	// (10s, 10 buckets).
	BreakerWindow  time.Duration
	BreakerBuckets int
	// ErrorThreshold is the failure ratio that opens a circuit (0.5).
	ErrorThreshold float64
	// VolumeThreshold is the minimum number of calls in the window before
	// the error rate applies (0).
	VolumeThreshold int
	// Cooldown keeps an open circuit closed to traffic before a probe (60s).
	Cooldown time.Duration
	// HistogramSize is the number of latency samples kept per server (1000).
	HistogramSize int
	// NegativeCacheTTL remembers tools that no server advertised, skipping
	// the probe of every server for that long. Zero disables the cache.
	NegativeCacheTTL time.Duration
	// Schemas validates arguments. Defaults to a fresh schema.Cache.
	Schemas *schema.Cache
	// Logger receives routing diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.HistogramSize <= 0 {
		opts.HistogramSize = breaker.DefaultHistogramSize
	}
	if opts.Schemas == nil {
		opts.Schemas = schema.NewCache()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

func (o Options) breakerSettings(server string, hook func(string, breaker.State, breaker.State)) breaker.Settings {
	return breaker.Settings{
		Name:            server,
		Timeout:         o.BreakerTimeout,
		Window:          o.BreakerWindow,
		Buckets:         o.BreakerBuckets,
		ErrorThreshold:  o.ErrorThreshold,
		VolumeThreshold: o.VolumeThreshold,
		Cooldown:        o.Cooldown,
		OnStateChange:   hook,
	}
}
