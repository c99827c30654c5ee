package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Record is one decoded source row with arbitrary keys
type Record = map[string]any

// Stringify renders a record value as text.
// Sequences are joined with newlines element by element, nested mappings
// become compact JSON and nil becomes the empty string.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case []string:
		return strings.Join(v, "\n")
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		return compactJSON(v)
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			parts[i] = Stringify(rv.Index(i).Interface())
		}
		return strings.Join(parts, "\n")
	case reflect.Map, reflect.Struct:
		return compactJSON(value)
	case reflect.Pointer:
		if rv.IsNil() {
			return ""
		}
		return Stringify(rv.Elem().Interface())
	}
	return fmt.Sprint(value)
}

func compactJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// ResolveTemplate applies one field-mapping template to a record.
//
// An empty template yields "". A template holding a "{" and a "}" is treated
// as a substitution pattern such as "{question}\n{context}"; when a
// placeholder cannot be filled the raw template text is returned. Any other
// template is a key lookup that falls back to the literal template, which is
// how constant values are expressed.
func ResolveTemplate(template string, record Record) string {
	if template == "" {
		return ""
	}
	if strings.Contains(template, "{") && strings.Contains(template, "}") {
		if out, ok := substitute(template, record); ok {
			return out
		}
	}
	if value, ok := record[template]; ok {
		return Stringify(value)
	}
	return template
}

// substitute expands {key} placeholders. "{{" and "}}" escape literal braces.
// It reports false on a missing key, an unbalanced brace or a placeholder
// carrying a format spec, conversion, attribute or index.
func substitute(template string, record Record) (string, bool) {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return "", false
			}
			key := template[i+1 : i+1+end]
			if key == "" || strings.ContainsAny(key, "{:!.[") {
				return "", false
			}
			value, ok := record[key]
			if !ok {
				return "", false
			}
			b.WriteString(Stringify(value))
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", false
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), true
}

// MapFields projects a record onto the canonical fields named in fields.
// An empty template nulls the target field.
func MapFields(record Record, fields map[string]string) Record {
	out := make(Record, len(fields))
	for target, template := range fields {
		out[target] = ResolveTemplate(template, record)
	}
	return out
}

// Normalize applies fields to every record. With no mapping the records pass
// through untouched and mapped is false, meaning the stream stays in raw form.
func Normalize(records []Record, fields map[string]string) (out []Record, mapped bool) {
	if len(fields) == 0 {
		return records, false
	}
	out = make([]Record, len(records))
	for i, r := range records {
		out[i] = MapFields(r, fields)
	}
	return out, true
}
