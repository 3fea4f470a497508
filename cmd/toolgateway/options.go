package main

import (
	"time"
)

// Options is the root for the CLI. Struct tags are interpreted by
// github.com/jessevdk/go-flags; every global flag can also come from the
// environment or the .env file.
type Options struct {
	Config   string `short:"f" long:"config" env:"TOOL_GATEWAY_CONFIG" default:"registry.yaml" description:"Registry document path (YAML or JSON)"`
	EnvFile  string `long:"env-file" env:"TOOL_GATEWAY_ENV_FILE" default:".env" description:"Dotenv file loaded before placeholders are substituted"`
	LogEnv   string `long:"log-env" env:"TOOL_GATEWAY_LOG_ENV" default:"development" choice:"development" choice:"production" description:"Logger preset"`
	LogLevel string `long:"log-level" env:"TOOL_GATEWAY_LOG_LEVEL" description:"Minimum log level (debug, info, warn, error)"`

	MaxRetries     int           `long:"max-retries" env:"TOOL_GATEWAY_MAX_RETRIES" default:"3" description:"Connect retries after the first attempt"`
	CallTimeout    time.Duration `long:"call-timeout" env:"TOOL_GATEWAY_CALL_TIMEOUT" default:"30s" description:"Default deadline for queued and running calls"`
	IdleTimeout    time.Duration `long:"idle-timeout" env:"TOOL_GATEWAY_IDLE_TIMEOUT" default:"5m" description:"Disconnect connections unused for this long"`
	NegativeTTL    time.Duration `long:"negative-cache-ttl" env:"TOOL_GATEWAY_NEGATIVE_CACHE_TTL" description:"Remember unknown tools for this long (0 disables)"`
	BreakerTimeout time.Duration `long:"breaker-timeout" env:"TOOL_GATEWAY_BREAKER_TIMEOUT" default:"30s" description:"Per-call circuit breaker timeout"`

	Serve     *ServeCmd     `command:"serve"      description:"Serve the HTTP and MCP surfaces"`
	ListTools *ListToolsCmd `command:"list-tools" description:"List every tool advertised by the enabled servers"`
	Call      *CallCmd      `command:"call"       description:"Invoke one tool and print the tagged result"`
	Validate  *ValidateCmd  `command:"validate"   description:"Load the registry and print the resolved servers"`
}

// newOptions allocates every sub-command so go-flags can populate whichever
// one the arguments select, wherever it appears among the global flags.
func newOptions() *Options {
	o := &Options{}
	o.Serve = &ServeCmd{root: o}
	o.ListTools = &ListToolsCmd{root: o}
	o.Call = &CallCmd{root: o}
	o.Validate = &ValidateCmd{root: o}
	return o
}
