// ABOUTME: One builder per property kind
// ABOUTME: Dropdown, array, object, and custom kinds take their kind-specific metadata up front

package props

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"time"
)

var (
	ShortText = Builder[string]{kind: KindShortText, schema: map[string]any{"type": "string"}}
	LongText  = Builder[string]{kind: KindLongText, schema: map[string]any{"type": "string"}}
	Number    = Builder[float64]{kind: KindNumber, schema: map[string]any{"type": "number"}}
	Checkbox  = Builder[bool]{kind: KindCheckbox, schema: map[string]any{"type": "boolean"}}
	DateTime  = Builder[time.Time]{kind: KindDateTime, schema: map[string]any{"type": "string", "format": "date-time"}}
	JSON      = Builder[json.RawMessage]{kind: KindJSON}
)

// StaticDropdown accepts exactly one of the listed choices.
func StaticDropdown[T comparable](choices ...Choice[T]) Builder[T] {
	opts, enum := encodeChoices(choices)
	return Builder[T]{
		kind:    KindStaticDropdown,
		schema:  map[string]any{"enum": enum},
		options: opts,
		validate: func(v T) error {
			for _, c := range choices {
				if c.Value == v {
					return nil
				}
			}
			return fmt.Errorf("%v is not one of the options", v)
		},
	}
}

// Dropdown loads its choices at runtime. Refreshers name the sibling
// properties whose change should trigger a reload.
func Dropdown[T any](load LoadFunc[T], refreshers ...string) Builder[T] {
	return Builder[T]{
		kind:       KindDropdown,
		schema:     typeSchema[T](),
		refreshers: refreshers,
		load:       encodeLoader(load),
	}
}

// MultiSelectDropdown is a Dropdown whose value is a list of choices.
func MultiSelectDropdown[T any](load LoadFunc[T], refreshers ...string) Builder[[]T] {
	return Builder[[]T]{
		kind:       KindMultiSelectDropdown,
		schema:     map[string]any{"type": "array", "items": typeSchema[T]()},
		refreshers: refreshers,
		load:       encodeLoader(load),
	}
}

// Array holds a list. When items is non-empty every element is an object
// with those fields.
func Array(items Map) Builder[[]any] {
	s := map[string]any{"type": "array"}
	if len(items) > 0 {
		s["items"] = items.objectSchema()
	}
	return Builder[[]any]{kind: KindArray, schema: s, properties: items}
}

// Object holds a JSON object, optionally with declared fields.
func Object(fields Map) Builder[map[string]any] {
	s := map[string]any{"type": "object"}
	if len(fields) > 0 {
		s = fields.objectSchema()
	}
	return Builder[map[string]any]{kind: KindObject, schema: s, properties: fields}
}

// Custom holds any JSON value accepted by expression, a CEL program over
// the variable `value` that must evaluate to a bool.
func Custom(expression string) Builder[any] {
	return Builder[any]{
		kind:       KindCustom,
		expression: expression,
		validate: func(v any) error {
			return evalCustom(expression, v)
		},
	}
}

func encodeChoices[T any](choices []Choice[T]) ([]Option, []any) {
	opts := make([]Option, 0, len(choices))
	enum := make([]any, 0, len(choices))
	for _, c := range choices {
		raw, err := json.Marshal(c.Value)
		if err != nil {
			continue
		}
		opts = append(opts, Option{Label: c.Label, Value: raw})
		enum = append(enum, c.Value)
	}
	return opts, enum
}

func encodeLoader[T any](load LoadFunc[T]) func(context.Context, any) ([]Option, error) {
	if load == nil {
		return nil
	}
	return func(ctx context.Context, auth any) ([]Option, error) {
		choices, err := load(ctx, auth)
		if err != nil {
			return nil, err
		}
		opts, _ := encodeChoices(choices)
		return opts, nil
	}
}

func typeSchema[T any]() map[string]any {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array"}
	case reflect.Map, reflect.Struct:
		return map[string]any{"type": "object"}
	default:
		return map[string]any{}
	}
}

func (m Map) objectSchema() map[string]any {
	properties := make(map[string]any, len(m))
	var required []string
	for name, p := range m {
		properties[name] = p.Schema()
		d := p.Definition()
		if d.Required && d.Default == nil {
			required = append(required, name)
		}
	}
	slices.Sort(required)
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
