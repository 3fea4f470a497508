package connmgr

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vikashloomba/tool-gateway-go/pkg/adapter"
)

const (
	defaultMaxRetries       = 3
	defaultAttemptTimeout   = 10 * time.Second
	defaultBaseDelay        = time.Second
	defaultMaxDelay         = 30 * time.Second
	defaultCallTimeout      = 30 * time.Second
	defaultIdleTimeout      = 5 * time.Minute
	defaultReapInterval     = 60 * time.Second
	defaultFailureThreshold = 3
	jitterFactor            = 0.25
)

// Options configure a Manager. Zero values select the defaults noted on each
// field.
type Options struct {
	// MaxRetries is the number of connect retries after the first attempt
	// (default 3). Use a negative value for a single attempt.
	MaxRetries int
	// AttemptTimeout bounds each connect attempt (default 10s).
	AttemptTimeout time.Duration
	// BaseDelay and MaxDelay shape the exponential retry delay (1s, capped
	// at 30s), jittered by ±25%.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// CallTimeout is the deadline applied to calls, queue time included,
	// when neither the call nor the server declares one (default 30s).
	CallTimeout time.Duration
	// IdleTimeout is how long a connection may stay unused before the reaper
	// disconnects it (default 5m); ReapInterval is the sweep period (60s).
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	// FailureThreshold consecutive call failures drop the connection
	// (default 3).
	FailureThreshold int
	// Factory builds adapters. Defaults to adapter.NewFactory(nil).
	Factory adapter.Factory
	// Logger receives connection lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = defaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = defaultReapInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Factory == nil {
		opts.Factory = adapter.NewFactory(&adapter.Options{Logger: opts.Logger})
	}
	return opts
}

// newBackOff returns the retry schedule: base·2^n, capped, jittered.
func (o Options) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = jitterFactor
	b.MaxInterval = o.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// delayFor returns the jittered delay for the n-th consecutive failure.
func (o Options) delayFor(n int) time.Duration {
	b := o.newBackOff()
	var d time.Duration
	for i := 0; i < max(n, 1); i++ {
		d = b.NextBackOff()
	}
	return d
}
