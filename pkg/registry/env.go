package registry

import (
	"log/slog"
	"os"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\$\{env:([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// ExpandEnv replaces ${env:VAR} and ${env:VAR:default} placeholders with the
// environment value or the default. A placeholder whose variable is unset and
// that carries no default is left verbatim.
func ExpandEnv(value string) string {
	out, _ := expand(value)
	return out
}

// expand returns the substituted string and the names of the variables that
// could not be resolved.
func expand(value string) (string, []string) {
	var unresolved []string
	out := placeholderPattern.ReplaceAllStringFunc(value, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		name := groups[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		// A default is present whenever the separator was part of the match,
		// including the empty default "${env:VAR:}".
		if len(match) > len("${env:"+name+"}") {
			return groups[2]
		}
		unresolved = append(unresolved, name)
		return match
	})
	return out, unresolved
}

// substituter walks every placeholder-bearing field of a server entry.
type substituter struct {
	logger *slog.Logger
	server string
}

func (s substituter) str(field, value string) string {
	out, unresolved := expand(value)
	for _, name := range unresolved {
		s.logger.Warn("unresolved env placeholder", "server", s.server, "field", field, "variable", name)
	}
	return out
}

func (s substituter) slice(field string, values []string) []string {
	for i, v := range values {
		values[i] = s.str(field, v)
	}
	return values
}

func (s substituter) dict(field string, values map[string]string) map[string]string {
	for k, v := range values {
		values[k] = s.str(field+"."+k, v)
	}
	return values
}

func (s substituter) apply(cfg *ServerConfig) {
	cfg.URL = s.str("url", cfg.URL)
	cfg.Command = s.str("command", cfg.Command)
	cfg.Args = s.slice("args", cfg.Args)
	cfg.Env = s.dict("env", cfg.Env)
	cfg.Headers = s.dict("headers", cfg.Headers)
	cfg.HealthCheckURL = s.str("health_check_url", cfg.HealthCheckURL)
}
