package dataset

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringify(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"nil", nil, ""},
		{"string", "hello", "hello"},
		{"integer float", float64(3), "3"},
		{"fraction", 0.25, "0.25"},
		{"json number", json.Number("42"), "42"},
		{"bool", true, "true"},
		{"list", []any{"a", float64(1), nil}, "a\n1\n"},
		{"nested list", []any{"a", []any{"b", "c"}}, "a\nb\nc"},
		{"string slice", []string{"x", "y"}, "x\ny"},
		{"map", map[string]any{"b": 1, "a": "中文"}, `{"a":"中文","b":1}`},
		{"list of maps", []any{map[string]any{"k": "v"}}, `{"k":"v"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Stringify(tt.value))
		})
	}
}

func TestResolveTemplate(t *testing.T) {
	record := Record{
		"query":   "What is Go?",
		"context": []any{"line one", "line two"},
		"meta":    map[string]any{"lang": "en"},
		"target":  "A language.",
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"empty template", "", ""},
		{"key lookup", "query", "What is Go?"},
		{"key lookup list", "context", "line one\nline two"},
		{"key lookup map", "meta", `{"lang":"en"}`},
		{"constant literal", "Answer the question", "Answer the question"},
		{"substitution", "Q: {query}", "Q: What is Go?"},
		{"multi substitution", "{query}\n{context}", "What is Go?\nline one\nline two"},
		{"missing key falls back to raw", "{query} {missing}", "{query} {missing}"},
		{"escaped braces", "{{literal}} {target}", "{literal} A language."},
		{"format spec falls back", "{query:>10}", "{query:>10}"},
		{"unbalanced brace falls back", "{query", "{query"},
		{"stray closing brace falls back", "query} {target}", "query} {target}"},
		{"single brace is a lookup", "}", "}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveTemplate(tt.template, record))
		})
	}
}

func TestResolveTemplate_EmptyAlwaysEmpty(t *testing.T) {
	records := []Record{
		nil,
		{},
		{"": "value for empty key"},
		{"instruction": "x", "output": "y"},
	}
	for _, r := range records {
		assert.Equal(t, "", ResolveTemplate("", r))
	}
}

func TestResolveTemplate_KeyLookupPrefersValue(t *testing.T) {
	// a key that also looks like a literal must resolve to the record value
	record := Record{"output": "the real answer", "instruction": ""}
	assert.Equal(t, "the real answer", ResolveTemplate("output", record))
	assert.Equal(t, "", ResolveTemplate("instruction", record))
}

func TestNormalize(t *testing.T) {
	records := []Record{
		{"input": "你好", "target": "Hello", "kind": "greeting"},
		{"input": "再见", "target": "Goodbye"},
	}
	fields := PresetDatasets["firefly"].Fields

	out, mapped := Normalize(records, fields)
	assert.True(t, mapped)
	assert.Equal(t, []Record{
		{"instruction": "你好", "input": "", "output": "Hello"},
		{"instruction": "再见", "input": "", "output": "Goodbye"},
	}, out)

	again, _ := Normalize(records, fields)
	assert.Equal(t, out, again, "normalization must be deterministic")
}

func TestNormalize_EmptyMappingPassesThrough(t *testing.T) {
	records := []Record{{"text": "raw"}}
	out, mapped := Normalize(records, nil)
	assert.False(t, mapped)
	assert.Equal(t, records, out)
}
