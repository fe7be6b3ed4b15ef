// ABOUTME: Capability modules and the immutable catalog built from them at boot
// ABOUTME: The catalog is an arena keyed by module name and is never mutated after construction

package capability

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/2389/coven-apps/internal/appauth"
	"github.com/2389/coven-apps/internal/props"
)

var (
	ErrDuplicateModule = errors.New("duplicate module name")
	ErrDuplicateTool   = errors.New("duplicate tool name")
	ErrInvalidModule   = errors.New("invalid module")
	ErrUnknownModule   = errors.New("unknown module")
	ErrUnknownTool     = errors.New("unknown tool")
)

type Category string

const (
	CategoryProductivity  Category = "PRODUCTIVITY"
	CategoryDeveloper     Category = "DEVELOPER_TOOLS"
	CategoryCommunication Category = "COMMUNICATION"
	CategoryDatabase      Category = "DATABASE"
	CategoryCore          Category = "CORE"
)

// Module bundles one auth strategy with its tools and display metadata.
type Module struct {
	Name        string
	DisplayName string
	Description string
	Logo        string
	Categories  []Category
	// Auth is nil for modules that need no credential.
	Auth  appauth.Strategy
	Tools []*Tool
}

// Tool looks up a tool by name.
func (m *Module) Tool(name string) (*Tool, bool) {
	for _, t := range m.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

func (m *Module) validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidModule)
	}
	seen := make(map[string]struct{}, len(m.Tools))
	for _, t := range m.Tools {
		if t.Name == "" {
			return fmt.Errorf("%w: %s has a tool without a name", ErrInvalidModule, m.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("%w: %s.%s", ErrDuplicateTool, m.Name, t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.Shape() == ShapeParameterized {
			if err := t.Params().Compile(); err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrInvalidModule, m.Name, t.Name, err)
			}
		}
	}
	return nil
}

// Catalog is the process-wide set of modules.
type Catalog struct {
	modules map[string]*Module
	names   []string
}

// NewCatalog validates and indexes mods.
func NewCatalog(mods ...*Module) (*Catalog, error) {
	c := &Catalog{modules: make(map[string]*Module, len(mods))}
	for _, m := range mods {
		if err := m.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.modules[m.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModule, m.Name)
		}
		c.modules[m.Name] = m
	}
	c.names = slices.Sorted(maps.Keys(c.modules))
	return c, nil
}

func (c *Catalog) Get(name string) (*Module, bool) {
	m, ok := c.modules[name]
	return m, ok
}

// List returns the modules sorted by name.
func (c *Catalog) List() []*Module {
	out := make([]*Module, len(c.names))
	for i, n := range c.names {
		out[i] = c.modules[n]
	}
	return out
}

func (c *Catalog) Len() int { return len(c.names) }

// ToolInfo is the serializable view of a tool.
type ToolInfo struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	Shape       string                      `json:"shape"`
	Props       map[string]props.Definition `json:"props,omitempty"`
	Annotations *Annotations                `json:"annotations,omitempty"`
}

// ModuleInfo is the serializable view of a module.
type ModuleInfo struct {
	Name        string              `json:"name"`
	DisplayName string              `json:"displayName"`
	Description string              `json:"description"`
	Logo        string              `json:"logo,omitempty"`
	Categories  []Category          `json:"categories,omitempty"`
	Auth        *appauth.Definition `json:"auth,omitempty"`
	Tools       []ToolInfo          `json:"tools"`
}

func (m *Module) Info() ModuleInfo {
	info := ModuleInfo{
		Name:        m.Name,
		DisplayName: m.DisplayName,
		Description: m.Description,
		Logo:        m.Logo,
		Categories:  m.Categories,
		Tools:       make([]ToolInfo, 0, len(m.Tools)),
	}
	if m.Auth != nil {
		d := m.Auth.Definition()
		info.Auth = &d
	}
	for _, t := range m.Tools {
		ti := ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Shape:       t.Shape().String(),
			Annotations: t.Annotations,
		}
		if t.Shape() == ShapeParameterized {
			ti.Props = t.Params().Definitions()
		}
		info.Tools = append(info.Tools, ti)
	}
	return info
}
