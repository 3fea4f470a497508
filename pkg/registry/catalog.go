package registry

import (
	"context"
	"fmt"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"
)

// CatalogSource supplies dynamically discovered servers. Entries are merged
// under the static document: a static server with the same name wins.
type CatalogSource interface {
	Servers(ctx context.Context) (map[string]*ServerConfig, error)
}

// CatalogFunc adapts a function to CatalogSource.
type CatalogFunc func(ctx context.Context) (map[string]*ServerConfig, error)

// Servers implements CatalogSource.
func (f CatalogFunc) Servers(ctx context.Context) (map[string]*ServerConfig, error) {
	return f(ctx)
}

// URLCatalog downloads a catalog document from any location afs understands
// (file://, http(s)://, s3://, gs://, mem://...).
type URLCatalog struct {
	URL string
	fs  afs.Service
}

// NewURLCatalog returns a catalog backed by afs.
func NewURLCatalog(URL string) *URLCatalog {
	return &URLCatalog{URL: URL, fs: afs.New()}
}

// Servers fetches and decodes the catalog. The document uses the same
// "servers" layout as the static registry.
func (c *URLCatalog) Servers(ctx context.Context) (map[string]*ServerConfig, error) {
	data, err := c.fs.DownloadWithURL(ctx, c.URL)
	if err != nil {
		return nil, fmt.Errorf("download catalog %q: %w", c.URL, err)
	}
	var doc struct {
		Servers map[string]*ServerConfig `yaml:"servers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog %q: %w", c.URL, err)
	}
	for name, cfg := range doc.Servers {
		if cfg != nil {
			cfg.Name = name
		}
	}
	return doc.Servers, nil
}
