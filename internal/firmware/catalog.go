package firmware

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Firmwares []Descriptor `yaml:"firmwares"`
}

// Catalog is an ordered, id-indexed set of descriptors.
type Catalog struct {
	mu    sync.RWMutex
	items []Descriptor
}

// ParseCatalog reads a YAML catalog.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	c := &Catalog{}
	if err := c.Add(f.Firmwares...); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCatalogFile reads a YAML catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// Default returns the catalog shipped with the binary.
func Default() *Catalog {
	c, err := ParseCatalog(bytes.NewReader(defaultCatalog))
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// Add validates and appends descriptors. An id already present is replaced
// in place.
func (c *Catalog) Add(ds ...Descriptor) error {
	for _, d := range ds {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range ds {
		replaced := false
		for i := range c.items {
			if c.items[i].ID == d.ID {
				c.items[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			c.items = append(c.items, d)
		}
	}
	return nil
}

// All returns the descriptors in catalog order.
func (c *Catalog) All() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Descriptor, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Catalog) Get(id string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.items {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Options selects where a catalog comes from.
type Options struct {
	// Path of a YAML catalog; empty uses the embedded one.
	Path string
	// BaseURL resolves relative file URLs. Entries whose files stay
	// relative are left out of the catalog; local files need file:// URLs.
	BaseURL string
	// ManifestURL points at a build manifest merged into the catalog.
	ManifestURL string
	// Fetch downloads the manifest.
	Fetch func(ctx context.Context, url string) ([]byte, error)
	Log   *zap.Logger
}

// Open builds the catalog described by opts.
func Open(ctx context.Context, opts Options) (*Catalog, error) {
	var (
		c   *Catalog
		err error
	)
	if opts.Path != "" {
		c, err = LoadCatalogFile(opts.Path)
		if err != nil {
			return nil, err
		}
	} else {
		c = Default()
	}

	var base *url.URL
	if opts.BaseURL != "" {
		base, err = url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
	}

	if opts.ManifestURL != "" && opts.Fetch != nil {
		raw, err := opts.Fetch(ctx, opts.ManifestURL)
		if err != nil {
			return nil, fmt.Errorf("fetch manifest: %w", err)
		}
		ds, err := ParseManifest(bytes.NewReader(raw), manifestLocation(opts.ManifestURL))
		if err != nil {
			return nil, err
		}
		if err := c.Add(ds...); err != nil {
			return nil, err
		}
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.items[:0]
	for _, d := range c.items {
		d = d.Resolve(base)
		if f, ok := d.unresolved(); ok {
			log.Warn("firmware unavailable: relative file url and no base_url",
				zap.String("firmware", d.ID), zap.String("url", f.URL))
			continue
		}
		kept = append(kept, d)
	}
	c.items = kept
	return c, nil
}

// manifestLocation turns a bare manifest path into a file URL so the image
// paths inside it resolve to fetchable locations.
func manifestLocation(loc string) string {
	if u, err := url.Parse(loc); err == nil && u.IsAbs() {
		return loc
	}
	abs, err := filepath.Abs(loc)
	if err != nil {
		return loc
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
