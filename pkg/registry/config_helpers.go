package registry

// Lightweight helpers for inspecting ServerConfig values without repeating
// the type/protocol defaulting rules at every call site.

// TransportOf returns the transport kind for cfg, or an empty string for a
// nil or unrecognised entry.
func TransportOf(cfg *ServerConfig) ServerType {
	if cfg == nil {
		return ""
	}
	switch cfg.Type {
	case TypeHTTP, TypeStdio:
		return cfg.Type
	default:
		return ""
	}
}

// IsStdio reports whether cfg spawns a subprocess.
func IsStdio(cfg *ServerConfig) bool {
	return TransportOf(cfg) == TypeStdio
}

// IsHTTP reports whether cfg talks to a remote endpoint.
func IsHTTP(cfg *ServerConfig) bool {
	return TransportOf(cfg) == TypeHTTP
}

// ProtocolOf returns the effective protocol, applying the per-transport
// default when the entry leaves it blank.
func ProtocolOf(cfg *ServerConfig) Protocol {
	if cfg == nil {
		return ""
	}
	if cfg.Protocol != "" {
		return cfg.Protocol
	}
	switch cfg.Type {
	case TypeHTTP:
		return ProtocolREST
	case TypeStdio:
		return ProtocolJSONRPC
	default:
		return ""
	}
}
