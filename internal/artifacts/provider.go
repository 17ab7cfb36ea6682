package artifacts

import (
	"fmt"
	"os"
)

// Provider serves artifact bytes on the target side. Paths point at the
// files the rest of the product maintains (event database, config file,
// picture archive, model weights); the core only reads them.
type Provider struct {
	paths map[string]string
}

// NewProvider builds a provider from artifact-name → file-path mappings.
// Unknown artifact names are rejected up front.
func NewProvider(paths map[string]string) (*Provider, error) {
	for name := range paths {
		if !Known(name) {
			return nil, fmt.Errorf("unknown artifact %q in provider paths", name)
		}
	}
	return &Provider{paths: paths}, nil
}

// Has reports whether the provider can serve name.
func (p *Provider) Has(name string) bool {
	_, ok := p.paths[name]
	return ok
}

// Read returns an artifact's bytes and checksum.
func (p *Provider) Read(name string) ([]byte, string, error) {
	path, ok := p.paths[name]
	if !ok {
		return nil, "", fmt.Errorf("artifact %q not configured", name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read artifact %s: %w", name, err)
	}
	return data, Checksum(data), nil
}
