// ABOUTME: Typed, displayable input field declarations for tool parameters and custom credentials
// ABOUTME: Required and Optional handles encode presence in the Go type of the decoded value

package props

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	ErrMissingValue     = errors.New("missing required value")
	ErrInvalidValue     = errors.New("invalid value")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrUnknownProperty  = errors.New("unknown property")
	ErrNoOptions        = errors.New("property has no options")
)

// Kind discriminates the property definition union.
type Kind string

const (
	KindShortText           Kind = "SHORT_TEXT"
	KindLongText            Kind = "LONG_TEXT"
	KindNumber              Kind = "NUMBER"
	KindCheckbox            Kind = "CHECKBOX"
	KindStaticDropdown      Kind = "STATIC_DROPDOWN"
	KindDropdown            Kind = "DROPDOWN"
	KindMultiSelectDropdown Kind = "MULTI_SELECT_DROPDOWN"
	KindArray               Kind = "ARRAY"
	KindObject              Kind = "OBJECT"
	KindJSON                Kind = "JSON"
	KindDateTime            Kind = "DATE_TIME"
	KindCustom              Kind = "CUSTOM"
)

// Option is the serialized form of a dropdown choice.
type Option struct {
	Label string          `json:"label"`
	Value json.RawMessage `json:"value"`
}

// Definition is the serializable description of a property, as shown to
// clients and persisted alongside app metadata.
type Definition struct {
	Kind        Kind                  `json:"type"`
	DisplayName string                `json:"displayName"`
	Description string                `json:"description,omitempty"`
	Required    bool                  `json:"required"`
	Default     json.RawMessage       `json:"defaultValue,omitempty"`
	Options     []Option              `json:"options,omitempty"`
	Refreshers  []string              `json:"refreshers,omitempty"`
	Properties  map[string]Definition `json:"properties,omitempty"`
	Expression  string                `json:"expression,omitempty"`
	Dynamic     bool                  `json:"dynamic,omitempty"`
}

// Property is implemented only by the Required and Optional handles.
type Property interface {
	Name() string
	Definition() Definition
	Schema() map[string]any
	check(raw json.RawMessage) error
	options(ctx context.Context, auth any) ([]Option, error)
}

// Config carries the display metadata shared by every kind.
type Config[T any] struct {
	DisplayName string
	Description string
	Default     *T
}

// Choice is a typed dropdown entry.
type Choice[T any] struct {
	Label string
	Value T
}

// LoadFunc produces dropdown choices at runtime, usually by calling the
// integration with the connected credential.
type LoadFunc[T any] func(ctx context.Context, auth any) ([]Choice[T], error)

// Builder constructs properties of one kind. Builders only record metadata;
// they never coerce values.
type Builder[T any] struct {
	kind       Kind
	schema     map[string]any
	options    []Option
	refreshers []string
	properties Map
	expression string
	load       func(ctx context.Context, auth any) ([]Option, error)
	validate   func(T) error
}

// Required declares a property whose decoded value is always a T.
func (b Builder[T]) Required(name string, cfg Config[T]) *Required[T] {
	return &Required[T]{field[T]{name: name, cfg: cfg, b: b, required: true}}
}

// Optional declares a property whose decoded value is a *T, nil when absent.
func (b Builder[T]) Optional(name string, cfg Config[T]) *Optional[T] {
	return &Optional[T]{field[T]{name: name, cfg: cfg, b: b}}
}

type field[T any] struct {
	name     string
	cfg      Config[T]
	b        Builder[T]
	required bool
}

func (f *field[T]) Name() string { return f.name }

func (f *field[T]) Definition() Definition {
	d := Definition{
		Kind:        f.b.kind,
		DisplayName: f.cfg.DisplayName,
		Description: f.cfg.Description,
		Required:    f.required,
		Options:     f.b.options,
		Refreshers:  f.b.refreshers,
		Expression:  f.b.expression,
		Dynamic:     f.b.load != nil,
	}
	if f.cfg.Default != nil {
		if raw, err := json.Marshal(*f.cfg.Default); err == nil {
			d.Default = raw
		}
	}
	if len(f.b.properties) > 0 {
		d.Properties = f.b.properties.Definitions()
	}
	return d
}

func (f *field[T]) Schema() map[string]any {
	s := maps.Clone(f.b.schema)
	if s == nil {
		s = map[string]any{}
	}
	if f.cfg.DisplayName != "" {
		s["title"] = f.cfg.DisplayName
	}
	if f.cfg.Description != "" {
		s["description"] = f.cfg.Description
	}
	if f.cfg.Default != nil {
		s["default"] = *f.cfg.Default
	}
	return s
}

func (f *field[T]) decode(raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrInvalidValue, f.name, err)
	}
	if f.b.validate != nil {
		if err := f.b.validate(v); err != nil {
			return v, fmt.Errorf("%w: %s: %v", ErrInvalidValue, f.name, err)
		}
	}
	return v, nil
}

func (f *field[T]) check(raw json.RawMessage) error {
	_, err := f.decode(raw)
	return err
}

func (f *field[T]) options(ctx context.Context, auth any) ([]Option, error) {
	if f.b.load != nil {
		return f.b.load(ctx, auth)
	}
	if len(f.b.options) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoOptions, f.name)
	}
	return f.b.options, nil
}

// Encode returns the JSON form of v as it would appear in call arguments.
func (f *field[T]) Encode(v T) (json.RawMessage, error) {
	return json.Marshal(v)
}

// Required is a property handle whose value type is T.
type Required[T any] struct{ field[T] }

// Value decodes the property from v. An absent value yields the default,
// or ErrMissingValue when there is none.
func (p *Required[T]) Value(v Values) (T, error) {
	raw, ok := v.lookup(p.name)
	if !ok {
		if p.cfg.Default != nil {
			return *p.cfg.Default, nil
		}
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrMissingValue, p.name)
	}
	return p.decode(raw)
}

// Optional is a property handle whose value type is *T.
type Optional[T any] struct{ field[T] }

// Value decodes the property from v, returning nil when it is absent and
// has no default.
func (p *Optional[T]) Value(v Values) (*T, error) {
	raw, ok := v.lookup(p.name)
	if !ok {
		if p.cfg.Default != nil {
			d := *p.cfg.Default
			return &d, nil
		}
		return nil, nil
	}
	val, err := p.decode(raw)
	if err != nil {
		return nil, err
	}
	return &val, nil
}

// Values holds raw property values keyed by property name.
type Values map[string]json.RawMessage

// ParseValues decodes a JSON object of arguments. Empty input and null
// produce an empty set.
func ParseValues(raw json.RawMessage) (Values, error) {
	v := Values{}
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return v, nil
}

func (v Values) lookup(name string) (json.RawMessage, bool) {
	raw, ok := v[name]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	return raw, true
}

// Map is a set of properties keyed by name.
type Map map[string]Property

// NewMap keys the given properties by their declared names.
func NewMap(ps ...Property) Map {
	m := make(Map, len(ps))
	for _, p := range ps {
		m[p.Name()] = p
	}
	return m
}

// Definitions returns the serializable form of every property.
func (m Map) Definitions() map[string]Definition {
	out := make(map[string]Definition, len(m))
	for name, p := range m {
		out[name] = p.Definition()
	}
	return out
}

// Names returns the property names in sorted order.
func (m Map) Names() []string {
	return slices.Sorted(maps.Keys(m))
}

// Options returns the dropdown choices for the named property.
func (m Map) Options(ctx context.Context, name string, auth any) ([]Option, error) {
	p, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProperty, name)
	}
	return p.options(ctx, auth)
}
