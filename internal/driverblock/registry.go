package driverblock

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultRegistry []byte

// Registry holds the system blocks available as references.
type Registry struct {
	blocks map[string]Block
}

type registryFile struct {
	Blocks []Block `yaml:"blocks"`
}

func registryKey(id, version string) string {
	return id + "@" + version
}

// DefaultRegistry returns the registry compiled into the binary.
func DefaultRegistry() *Registry {
	r, err := ParseRegistry(defaultRegistry)
	if err != nil {
		panic(fmt.Sprintf("embedded driver block registry is invalid: %v", err))
	}
	return r
}

// LoadRegistry reads a registry file. An empty path returns the default registry.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
	}
	r, err := ParseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("invalid registry %s: %w", path, err)
	}
	return r, nil
}

// ParseRegistry decodes registry YAML strictly.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	r := &Registry{blocks: make(map[string]Block, len(file.Blocks))}
	for i, b := range file.Blocks {
		if b.ID == "" || b.Version == "" {
			return nil, fmt.Errorf("block %d: id and version are required", i)
		}
		if IsBaseline(b.ID) {
			return nil, fmt.Errorf("block %s: id is reserved for baseline blocks", b.ID)
		}
		if b.Definition == "" {
			return nil, fmt.Errorf("block %s@%s: definition is required", b.ID, b.Version)
		}
		key := registryKey(b.ID, b.Version)
		if _, dup := r.blocks[key]; dup {
			return nil, fmt.Errorf("block %s@%s: duplicate entry", b.ID, b.Version)
		}
		b.Provenance = ProvenanceSystemRef
		r.blocks[key] = b
	}
	return r, nil
}

// Lookup resolves a reference by id and version.
func (r *Registry) Lookup(id, version string) (Block, bool) {
	b, ok := r.blocks[registryKey(id, version)]
	return b, ok
}

// List returns every registered block sorted by id then version.
func (r *Registry) List() []Block {
	out := make([]Block, 0, len(r.blocks))
	for _, b := range r.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}
