package service

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	strcase "github.com/stoewer/go-strcase"

	"github.com/okikorg/okik/pkg/errdefs"
)

// ParamKind is the wire-level kind of a parameter or return value.
type ParamKind string

const (
	KindString  ParamKind = "string"
	KindInteger ParamKind = "integer"
	KindNumber  ParamKind = "number"
	KindBoolean ParamKind = "boolean"
	KindArray   ParamKind = "array"
	KindObject  ParamKind = "object"
	KindAny     ParamKind = "any"
	KindNone    ParamKind = "none"
)

// optionalTag marks a non-pointer field as not required.
const optionalTag = "okik"

var textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()

// Parameter describes one named argument of an endpoint.
type Parameter struct {
	Name     string    `json:"name"`
	Kind     ParamKind `json:"kind"`
	Required bool      `json:"required"`
}

// Schema is the parameter schema of an endpoint, derived once from the
// handler's input struct.
type Schema struct {
	Params []Parameter `json:"params"`

	inType reflect.Type
}

// ReturnSchema describes an endpoint's result.
type ReturnSchema struct {
	Kind ParamKind `json:"kind"`
}

// Required returns the names of the required parameters.
func (s Schema) Required() []string {
	var names []string
	for _, p := range s.Params {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// kindOf maps a Go type to its wire kind.
func kindOf(t reflect.Type) ParamKind {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Implements(textMarshalerType) || reflect.PointerTo(t).Implements(textMarshalerType) {
		return KindString
	}
	switch t.Kind() {
	case reflect.String:
		return KindString
	case reflect.Bool:
		return KindBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return KindInteger
	case reflect.Float32, reflect.Float64:
		return KindNumber
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindString
		}
		return KindArray
	case reflect.Array:
		return KindArray
	case reflect.Map, reflect.Struct:
		return KindObject
	default:
		return KindAny
	}
}

// schemaFor derives the parameter schema from an input struct type.
func schemaFor(in reflect.Type) (Schema, error) {
	s := Schema{inType: in}
	if in == nil {
		return s, nil
	}
	if in.Kind() != reflect.Struct {
		return s, fmt.Errorf("input type %s is not a struct", in)
	}
	seen := map[string]string{}
	for i := range in.NumField() {
		f := in.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts := parseJSONTag(f.Tag.Get("json"))
		if name == "-" {
			continue
		}
		if name == "" {
			name = strcase.SnakeCase(f.Name)
		}
		if prev, dup := seen[name]; dup {
			return s, fmt.Errorf("input type %s: fields %s and %s both map to parameter %q", in, prev, f.Name, name)
		}
		seen[name] = f.Name
		required := f.Type.Kind() != reflect.Pointer &&
			!slices.Contains(opts, "omitempty") &&
			f.Tag.Get(optionalTag) != "optional"
		s.Params = append(s.Params, Parameter{Name: name, Kind: kindOf(f.Type), Required: required})
	}
	return s, nil
}

func parseJSONTag(tag string) (string, []string) {
	if tag == "" {
		return "", nil
	}
	parts := strings.Split(tag, ",")
	return parts[0], parts[1:]
}

// normalizeName folds case and drops underscores so that "max_tokens",
// "maxTokens" and "MaxTokens" all match the same field.
func normalizeName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}

// Decode validates args against the schema and coerces them into a new
// value of the input type. The returned value is a pointer to the struct.
// Validation failures are RequestValidationErrors.
func (s Schema) Decode(args map[string]any) (reflect.Value, error) {
	if s.inType == nil {
		if len(args) > 0 {
			keys := sortedKeys(args)
			return reflect.Value{}, errdefs.RequestValidation("unexpected arguments: %s", strings.Join(keys, ", "))
		}
		return reflect.Value{}, nil
	}

	var missing []string
	for _, p := range s.Params {
		if !p.Required {
			continue
		}
		if v, ok := lookupArg(args, p.Name); !ok || v == nil {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return reflect.Value{}, errdefs.RequestValidation("missing required arguments: %s", strings.Join(missing, ", "))
	}

	out := reflect.New(s.inType)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out.Interface(),
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeName(mapKey) == normalizeName(fieldName)
		},
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return reflect.Value{}, fmt.Errorf("building decoder for %s: %w", s.inType, err)
	}
	if err := dec.Decode(args); err != nil {
		return reflect.Value{}, errdefs.RequestValidation("%s", err.Error())
	}
	return out, nil
}

func lookupArg(args map[string]any, name string) (any, bool) {
	if v, ok := args[name]; ok {
		return v, true
	}
	want := normalizeName(name)
	for k, v := range args {
		if normalizeName(k) == want {
			return v, true
		}
	}
	return nil, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ParseArguments decodes a JSON request body into named arguments. An empty
// body is an empty argument set; anything other than a JSON object is a
// RequestValidationError.
func ParseArguments(body []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, errdefs.RequestValidation("request body must be a JSON object: %v", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
