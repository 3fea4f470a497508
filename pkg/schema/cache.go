// Package schema validates tool arguments against the input schemas that
// servers advertise. Schemas are resolved once and cached per server, tool
// and schema content.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
)

// Cache holds resolved validators.
type Cache struct {
	mu       sync.RWMutex
	resolved map[string]*jsonschema.Resolved
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{resolved: make(map[string]*jsonschema.Resolved)}
}

func cacheKey(server, tool string, raw []byte) string {
	sum := sha256.Sum256(raw)
	return server + "\x00" + tool + "\x00" + hex.EncodeToString(sum[:8])
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null" || string(trimmed) == "{}"
}

// Validate checks args against raw. An empty schema accepts anything. A schema
// that cannot be resolved is reported as a validation failure.
func (c *Cache) Validate(server, tool string, raw json.RawMessage, args map[string]any) error {
	if isEmpty(raw) {
		return nil
	}
	resolved, err := c.resolve(server, tool, raw)
	if err != nil {
		return gwerrors.NewSchemaValidation(tool, fmt.Errorf("schema: %w", err))
	}
	var instance any = args
	if args == nil {
		instance = map[string]any{}
	}
	if err := resolved.Validate(instance); err != nil {
		return gwerrors.NewSchemaValidation(tool, err)
	}
	return nil
}

func (c *Cache) resolve(server, tool string, raw json.RawMessage) (*jsonschema.Resolved, error) {
	key := cacheKey(server, tool, raw)
	c.mu.RLock()
	resolved, ok := c.resolved[key]
	c.mu.RUnlock()
	if ok {
		return resolved, nil
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	resolved, err := s.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.resolved[key] = resolved
	c.mu.Unlock()
	return resolved, nil
}

// Purge drops every entry cached for server.
func (c *Cache) Purge(server string) {
	prefix := server + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.resolved {
		if strings.HasPrefix(key, prefix) {
			delete(c.resolved, key)
		}
	}
}

// Reset empties the cache.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.resolved = make(map[string]*jsonschema.Resolved)
	c.mu.Unlock()
}

// Len reports the number of cached validators.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.resolved)
}
