package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

const schemaInstruction = "Respond with a single JSON value that conforms to this JSON Schema. Do not add commentary."

// Validator is implemented by structured outputs that carry constraints a
// JSON decode alone cannot check.
type Validator interface {
	Validate() error
}

var (
	schemaCache sync.Map // reflect.Type -> *reflectedSchema
	reflector   = &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Anonymous:      true,
	}
)

type reflectedSchema struct {
	text     string
	required []string
}

func reflectSchema(t reflect.Type) (*reflectedSchema, error) {
	if s, ok := schemaCache.Load(t); ok {
		return s.(*reflectedSchema), nil
	}
	schema := reflector.ReflectFromType(t)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	rs := &reflectedSchema{text: string(data), required: schema.Required}
	schemaCache.Store(t, rs)
	return rs, nil
}

// schemaFor renders the JSON Schema of out's element type.
func schemaFor(out any) (string, error) {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return "", fmt.Errorf("output target must be a non-nil pointer, got %T", out)
	}
	rs, err := reflectSchema(rv.Type().Elem())
	if err != nil {
		return "", err
	}
	return rs.text, nil
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)```")

// errNoJSON is returned when a reply contains nothing that decodes into the target.
var errNoJSON = errors.New("no schema-conforming JSON value found in reply")

// decodeStructured tries each extraction strategy in order and stores the
// first schema-valid value in out. out is untouched on failure.
func decodeStructured(text string, out any) error {
	target := reflect.ValueOf(out)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("output target must be a non-nil pointer, got %T", out)
	}

	rs, err := reflectSchema(target.Type().Elem())
	if err != nil {
		return fmt.Errorf("reflect schema: %w", err)
	}

	var firstErr error
	for _, candidate := range extractCandidates(text) {
		fresh := reflect.New(target.Type().Elem())
		err := decodeStrict(candidate, fresh.Interface())
		if err == nil {
			err = checkRequired(candidate, rs.required)
		}
		if err == nil {
			if v, ok := fresh.Interface().(Validator); ok {
				err = v.Validate()
			}
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		target.Elem().Set(fresh.Elem())
		return nil
	}
	if firstErr != nil {
		return fmt.Errorf("%w: %w", errNoJSON, firstErr)
	}
	return errNoJSON
}

// extractCandidates lists the substrings worth decoding: the whole reply,
// every fenced code block, then the first balanced brace object.
func extractCandidates(text string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	add(text)
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	if obj, ok := firstBalancedObject(text); ok {
		add(obj)
	}
	return out
}

// decodeStrict accepts exactly one JSON object or array and nothing else.
func decodeStrict(s string, out any) error {
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return errors.New("not a JSON object or array")
	}
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(out); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// checkRequired rejects an object candidate lacking any of the schema's
// required top-level keys.
func checkRequired(s string, required []string) error {
	if len(required) == 0 || s[0] != '{' {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return err
	}
	for _, key := range required {
		if _, ok := fields[key]; !ok {
			return fmt.Errorf("required field %q missing", key)
		}
	}
	return nil
}

// firstBalancedObject returns the first {...} span whose braces balance,
// ignoring braces inside JSON strings.
func firstBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(text)
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}
