// ABOUTME: Property-based round-trip tests for every value-carrying property kind
// ABOUTME: Encoding a value and decoding it against its own definition returns the original

package props

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func roundTripRequired[T any](p *Required[T], v T) bool {
	raw, err := p.Encode(v)
	if err != nil {
		return false
	}
	got, err := p.Value(Values{p.Name(): raw})
	if err != nil {
		return false
	}
	return reflect.DeepEqual(got, v)
}

func roundTripOptional[T any](p *Optional[T], v T) bool {
	raw, err := p.Encode(v)
	if err != nil {
		return false
	}
	got, err := p.Value(Values{p.Name(): raw})
	if err != nil || got == nil {
		return false
	}
	absent, err := p.Value(Values{})
	if err != nil || absent != nil {
		return false
	}
	return reflect.DeepEqual(*got, v)
}

func TestPropertyRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	text := ShortText.Required("t", Config[string]{DisplayName: "T"})
	long := LongText.Optional("l", Config[string]{DisplayName: "L"})
	num := Number.Required("n", Config[float64]{DisplayName: "N"})
	optNum := Number.Optional("on", Config[float64]{DisplayName: "ON"})
	box := Checkbox.Required("b", Config[bool]{DisplayName: "B"})
	optBox := Checkbox.Optional("ob", Config[bool]{DisplayName: "OB"})
	list := Array(nil).Required("a", Config[[]any]{DisplayName: "A"})
	obj := Object(nil).Optional("o", Config[map[string]any]{DisplayName: "O"})
	multi := MultiSelectDropdown[string](nil).Required("m", Config[[]string]{DisplayName: "M"})
	anyValue := Custom("true").Required("c", Config[any]{DisplayName: "C"})
	when := DateTime.Required("d", Config[time.Time]{DisplayName: "D"})
	blob := JSON.Optional("j", Config[json.RawMessage]{DisplayName: "J"})

	properties.Property("short and long text", prop.ForAll(
		func(s string) bool {
			return roundTripRequired(text, s) && roundTripOptional(long, s)
		},
		gen.AlphaString(),
	))

	properties.Property("numbers", prop.ForAll(
		func(f float64) bool {
			return roundTripRequired(num, f) && roundTripOptional(optNum, f)
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("checkbox", prop.ForAll(
		func(b bool) bool {
			return roundTripRequired(box, b) && roundTripOptional(optBox, b)
		},
		gen.Bool(),
	))

	properties.Property("array, object, multi-select and custom", prop.ForAll(
		func(items []string) bool {
			arr := make([]any, len(items))
			m := make(map[string]any, len(items))
			for i, s := range items {
				arr[i] = s
				m["k"+s] = s
			}
			if items == nil {
				items = []string{}
			}
			return roundTripRequired(list, arr) &&
				roundTripOptional(obj, m) &&
				roundTripRequired(multi, items) &&
				roundTripRequired[any](anyValue, arr)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("date-time", prop.ForAll(
		func(sec int64) bool {
			v := time.Unix(sec, 0).UTC()
			raw, err := when.Encode(v)
			if err != nil {
				return false
			}
			got, err := when.Value(Values{"d": raw})
			return err == nil && got.Equal(v)
		},
		gen.Int64Range(0, 4102444800),
	))

	properties.Property("json", prop.ForAll(
		func(s string) bool {
			v, _ := json.Marshal(map[string]string{"s": s})
			return roundTripOptional(blob, json.RawMessage(v))
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
