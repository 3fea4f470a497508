package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
)

// Options configure a Registry.
type Options struct {
	// Catalog supplies dynamically discovered servers. When nil and the
	// document declares catalog.url, a URLCatalog is used.
	Catalog CatalogSource
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Registry holds the validated server map. Readers always see a complete
// snapshot; Reload builds the next one aside and publishes it atomically.
type Registry struct {
	path string
	opts Options

	reloadMu sync.Mutex
	current  atomic.Pointer[snapshot]
	// static is the in-memory document for registries built by FromDocument.
	static atomic.Pointer[Document]
}

type snapshot struct {
	version string
	servers map[string]*ServerConfig
	routing Routing
	// catalog keeps the last successfully fetched dynamic entries so a failed
	// fetch does not drop them.
	catalog map[string]*ServerConfig
}

// Load reads, validates and publishes the document at path.
func Load(ctx context.Context, path string, opts *Options) (*Registry, error) {
	r := &Registry{path: path, opts: opts.withDefaults()}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// FromDocument builds a Registry from an in-memory document. Reload on such a
// registry only refreshes the catalog.
func FromDocument(ctx context.Context, doc *Document, opts *Options) (*Registry, error) {
	r := &Registry{opts: opts.withDefaults()}
	if err := r.publish(ctx, doc); err != nil {
		return nil, err
	}
	r.static.Store(doc)
	return r, nil
}

// Reload re-reads the document from disk and re-merges the dynamic catalog.
// On error the previous snapshot stays in place.
func (r *Registry) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	var doc *Document
	if r.path != "" {
		parsed, err := ReadDocument(r.path)
		if err != nil {
			return err
		}
		doc = parsed
	} else {
		doc = r.static.Load()
	}
	if doc == nil {
		return gwerrors.NewConfigError("", "", "registry has no document")
	}
	return r.publish(ctx, doc)
}

// ReadDocument decodes a YAML or JSON registry document.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %q: %w", path, err)
	}
	return ParseDocument(data)
}

// ParseDocument decodes YAML (and therefore JSON) registry content.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, gwerrors.NewConfigError("", "", fmt.Sprintf("failed to parse registry: %v", err))
	}
	for name, cfg := range doc.Servers {
		if cfg == nil {
			return nil, gwerrors.NewConfigError(name, "", "empty server entry")
		}
		cfg.Name = name
	}
	return &doc, nil
}

func (r *Registry) publish(ctx context.Context, doc *Document) error {
	static := make(map[string]*ServerConfig, len(doc.Servers))
	for name, raw := range doc.Servers {
		cfg, err := r.prepare(name, raw)
		if err != nil {
			return err
		}
		static[name] = cfg
	}

	var previous map[string]*ServerConfig
	if prev := r.current.Load(); prev != nil {
		previous = prev.catalog
	}
	catalog := r.fetchCatalog(ctx, doc, previous)

	merged := make(map[string]*ServerConfig, len(static)+len(catalog))
	for name, cfg := range catalog {
		merged[name] = cfg
	}
	for name, cfg := range static {
		if _, dup := catalog[name]; dup {
			r.opts.Logger.Debug("static server shadows catalog entry", "server", name)
		}
		merged[name] = cfg
	}

	routing := Routing{
		CapabilityPatterns: cloneMap(doc.Routing.CapabilityPatterns),
		DefaultServer:      doc.Routing.DefaultServer,
	}
	for pattern, target := range routing.CapabilityPatterns {
		if _, ok := merged[target]; !ok {
			r.opts.Logger.Warn("capability pattern references unknown server", "pattern", pattern, "server", target)
		}
	}
	if routing.DefaultServer != "" {
		if _, ok := merged[routing.DefaultServer]; !ok {
			r.opts.Logger.Warn("default server is not configured", "server", routing.DefaultServer)
		}
	}

	r.current.Store(&snapshot{
		version: doc.Version,
		servers: merged,
		routing: routing,
		catalog: catalog,
	})
	return nil
}

func (r *Registry) fetchCatalog(ctx context.Context, doc *Document, previous map[string]*ServerConfig) map[string]*ServerConfig {
	source := r.opts.Catalog
	if source == nil && doc.Catalog != nil && doc.Catalog.URL != "" {
		source = NewURLCatalog(ExpandEnv(doc.Catalog.URL))
	}
	if source == nil {
		return nil
	}
	entries, err := source.Servers(ctx)
	if err != nil {
		r.opts.Logger.Warn("catalog fetch failed, keeping previous entries", "error", err)
		return previous
	}
	out := make(map[string]*ServerConfig, len(entries))
	for name, raw := range entries {
		if raw == nil {
			continue
		}
		cfg, err := r.prepare(name, raw)
		if err != nil {
			r.opts.Logger.Warn("skipping invalid catalog entry", "server", name, "error", err)
			continue
		}
		cfg.Dynamic = true
		out[name] = cfg
	}
	return out
}

// prepare copies, substitutes and validates one entry.
func (r *Registry) prepare(name string, raw *ServerConfig) (*ServerConfig, error) {
	cfg := raw.clone()
	cfg.Name = name
	substituter{logger: r.opts.Logger, server: name}.apply(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *ServerConfig) error {
	name := cfg.Name
	if strings.TrimSpace(name) == "" {
		return gwerrors.NewConfigError("", "name", "server name is required")
	}
	switch cfg.Type {
	case TypeHTTP:
		if cfg.Protocol == "" {
			cfg.Protocol = ProtocolREST
		}
		if cfg.URL == "" {
			return gwerrors.NewConfigError(name, "url", "url is required for http servers")
		}
		if _, err := url.Parse(cfg.URL); err != nil {
			return gwerrors.NewConfigError(name, "url", fmt.Sprintf("invalid url: %v", err))
		}
	case TypeStdio:
		if cfg.Protocol == "" {
			cfg.Protocol = ProtocolJSONRPC
		}
		if cfg.Command == "" {
			return gwerrors.NewConfigError(name, "command", "command is required for stdio servers")
		}
		if cfg.Protocol == ProtocolREST {
			return gwerrors.NewConfigError(name, "protocol", "rest is not available over stdio")
		}
	case "":
		return gwerrors.NewConfigError(name, "type", "type is required")
	default:
		return gwerrors.NewConfigError(name, "type", fmt.Sprintf("unknown type %q", cfg.Type))
	}
	switch cfg.Protocol {
	case ProtocolREST, ProtocolJSONRPC, ProtocolMCP:
	default:
		return gwerrors.NewConfigError(name, "protocol", fmt.Sprintf("unknown protocol %q", cfg.Protocol))
	}
	if cfg.MaxInFlight < 0 {
		return gwerrors.NewConfigError(name, "max_in_flight", "max_in_flight must be positive")
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.TimeoutMS < 0 {
		return gwerrors.NewConfigError(name, "timeout_ms", "timeout_ms must be positive")
	}
	if cfg.Protocol == ProtocolREST {
		if cfg.ToolsPath == "" {
			cfg.ToolsPath = defaultToolsPath
		}
		if cfg.CallPath == "" {
			cfg.CallPath = defaultCallPath
		}
	}
	return nil
}

func (r *Registry) snap() *snapshot {
	if s := r.current.Load(); s != nil {
		return s
	}
	return &snapshot{servers: map[string]*ServerConfig{}}
}

// Version returns the declared document version.
func (r *Registry) Version() string {
	return r.snap().version
}

// GetServer returns the named server.
func (r *Registry) GetServer(name string) (*ServerConfig, bool) {
	cfg, ok := r.snap().servers[name]
	return cfg, ok
}

// Servers returns every configured server, sorted by name.
func (r *Registry) Servers() []*ServerConfig {
	return sortedServers(r.snap().servers, func(*ServerConfig) bool { return true })
}

// GetEnabledServers returns the enabled servers, sorted by name.
func (r *Registry) GetEnabledServers() []*ServerConfig {
	return sortedServers(r.snap().servers, (*ServerConfig).IsEnabled)
}

// GetServersByCapability returns enabled servers declaring capability.
func (r *Registry) GetServersByCapability(capability string) []*ServerConfig {
	return sortedServers(r.snap().servers, func(cfg *ServerConfig) bool {
		return cfg.IsEnabled() && cfg.HasCapability(capability)
	})
}

// Routing returns a copy of the routing table.
func (r *Registry) Routing() Routing {
	rt := r.snap().routing
	return Routing{CapabilityPatterns: cloneMap(rt.CapabilityPatterns), DefaultServer: rt.DefaultServer}
}

// ResolveServerByPattern maps a tool name to a server using the routing
// table: an exact pattern first, then the longest matching "prefix*"
// wildcard, then the default server.
func (r *Registry) ResolveServerByPattern(toolName string) (string, bool) {
	rt := r.snap().routing
	if server, ok := rt.CapabilityPatterns[toolName]; ok && !strings.HasSuffix(toolName, "*") {
		return server, true
	}
	best, bestLen := "", -1
	for pattern, server := range rt.CapabilityPatterns {
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if !strings.HasPrefix(toolName, prefix) {
			continue
		}
		// Longest prefix wins; equal prefixes break on server name.
		if len(prefix) > bestLen || (len(prefix) == bestLen && server < best) {
			best, bestLen = server, len(prefix)
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	if rt.DefaultServer != "" {
		return rt.DefaultServer, true
	}
	return "", false
}

func sortedServers(servers map[string]*ServerConfig, keep func(*ServerConfig) bool) []*ServerConfig {
	names := make([]string, 0, len(servers))
	for name, cfg := range servers {
		if keep(cfg) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]*ServerConfig, 0, len(names))
	for _, name := range names {
		out = append(out, servers[name])
	}
	return out
}
