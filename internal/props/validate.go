// ABOUTME: JSON Schema generation and argument validation for property maps
// ABOUTME: Compiled schemas are cached by their canonical JSON text

package props

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var compiledSchemas sync.Map // schema text -> *jsonschema.Schema

// Schema returns the JSON Schema of an object whose fields are m.
func (m Map) Schema() json.RawMessage {
	raw, err := json.Marshal(m.objectSchema())
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}

// Compile prepares the schema and every Custom expression of m, so that a
// broken declaration fails at boot rather than on first call.
func (m Map) Compile() error {
	if _, err := m.compiled(); err != nil {
		return err
	}
	for name, p := range m {
		d := p.Definition()
		if d.Expression != "" {
			if _, err := customProgram(d.Expression); err != nil {
				return fmt.Errorf("property %s: %w", name, err)
			}
		}
		if len(d.Properties) > 0 {
			if nested := nestedMap(p); nested != nil {
				if err := nested.Compile(); err != nil {
					return fmt.Errorf("property %s: %w", name, err)
				}
			}
		}
	}
	return nil
}

func (m Map) compiled() (*jsonschema.Schema, error) {
	text := string(m.Schema())
	if s, ok := compiledSchemas.Load(text); ok {
		return s.(*jsonschema.Schema), nil
	}

	sum := sha256.Sum256([]byte(text))
	url := "https://coven-apps.local/props/" + hex.EncodeToString(sum[:8]) + ".schema.json"

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(text)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	compiledSchemas.Store(text, s)
	return s, nil
}

// Validate checks raw call arguments against m and returns them as Values.
// Schema violations and per-property check failures wrap ErrInvalidArguments.
func (m Map) Validate(raw json.RawMessage) (Values, error) {
	var doc any = map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}

	s, err := m.compiled()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	values, err := ParseValues(raw)
	if err != nil {
		return nil, err
	}
	if err := m.Check(values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return values, nil
}

// Check verifies required presence and per-kind rules without consulting
// the JSON Schema. Used for composite credentials as well as arguments.
func (m Map) Check(values Values) error {
	for _, name := range m.Names() {
		p := m[name]
		raw, ok := values.lookup(name)
		if !ok {
			d := p.Definition()
			if d.Required && d.Default == nil {
				return fmt.Errorf("%w: %s", ErrMissingValue, name)
			}
			continue
		}
		if err := p.check(raw); err != nil {
			return err
		}
		if err := checkNested(name, p, raw); err != nil {
			return err
		}
	}
	return nil
}

// checkNested runs the field rules of an Array's elements or an Object's
// fields, which the JSON Schema alone cannot express (Custom expressions,
// dropdown membership).
func checkNested(name string, p Property, raw json.RawMessage) error {
	nested := nestedMap(p)
	if len(nested) == 0 {
		return nil
	}
	if p.Definition().Kind != KindArray {
		values, err := ParseValues(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := nested.Check(values); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}
	for i, item := range items {
		values, err := ParseValues(item)
		if err != nil {
			return fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		if err := nested.Check(values); err != nil {
			return fmt.Errorf("%s[%d]: %w", name, i, err)
		}
	}
	return nil
}

func nestedMap(p Property) Map {
	switch f := p.(type) {
	case *Required[[]any]:
		return f.b.properties
	case *Optional[[]any]:
		return f.b.properties
	case *Required[map[string]any]:
		return f.b.properties
	case *Optional[map[string]any]:
		return f.b.properties
	}
	return nil
}
