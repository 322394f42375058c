// -----------------------------------------------------------------------
// MCP server catalog - where tool executions are sent
// -----------------------------------------------------------------------

package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Transport kinds an MCP server can be reached over
const (
	TransportStdio      = "stdio"
	TransportSSE        = "sse"
	TransportHTTP       = "http" // streamable HTTP
	TransportInProcess  = "inprocess"
	defaultCatalogLabel = "catalog"
)

// Server is one MCP server entry
type Server struct {
	Name        string            `toml:"name" yaml:"name" json:"name" validate:"required,max=64"`
	Description string            `toml:"description" yaml:"description" json:"description,omitempty"`
	Transport   string            `toml:"transport" yaml:"transport" json:"transport" validate:"required,oneof=stdio sse http inprocess"`
	URL         string            `toml:"url" yaml:"url" json:"url,omitempty" validate:"omitempty,url"`
	Command     string            `toml:"command" yaml:"command" json:"command,omitempty"`
	Args        []string          `toml:"args" yaml:"args" json:"args,omitempty"`
	Env         map[string]string `toml:"env" yaml:"env" json:"-"`
	Headers     map[string]string `toml:"headers" yaml:"headers" json:"-"`
}

// Catalog is the set of MCP servers tool executions may target
type Catalog struct {
	Servers []Server `toml:"servers" yaml:"servers" json:"servers" validate:"dive"`
}

// Load reads a catalog from TOML (.toml) or YAML (.yaml, .yml)
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	var c Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &c)
	default:
		return nil, fmt.Errorf("unsupported catalog format %q (want .toml, .yaml or .yml)", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks field rules and per-transport requirements
func (c *Catalog) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if seen[s.Name] {
			return fmt.Errorf("duplicate server %q", s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				return fmt.Errorf("server %q: stdio transport requires command", s.Name)
			}
		case TransportSSE, TransportHTTP:
			if s.URL == "" {
				return fmt.Errorf("server %q: %s transport requires url", s.Name, s.Transport)
			}
		}
	}
	return nil
}

// Lookup finds a server by name
func (c *Catalog) Lookup(name string) (Server, bool) {
	if c == nil {
		return Server{}, false
	}
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return Server{}, false
}

// Add appends a server, replacing any entry with the same name
func (c *Catalog) Add(s Server) {
	for i := range c.Servers {
		if c.Servers[i].Name == s.Name {
			c.Servers[i] = s
			return
		}
	}
	c.Servers = append(c.Servers, s)
}

// Names returns the server names in sorted order
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) String() string {
	return fmt.Sprintf("%s[%s]", defaultCatalogLabel, strings.Join(c.Names(), ","))
}
