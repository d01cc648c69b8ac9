package render_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"contextline/internal/render"
)

func TestRenderStructured(t *testing.T) {
	out, err := render.Render(`{"greeting":"hello {{name}}","n":2}`, map[string]string{"name": "desk"}, nil, "structured")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if got["greeting"] != "hello desk" || got["n"] != float64(2) {
		t.Fatalf("unexpected output: %v", got)
	}
}

func TestRenderText(t *testing.T) {
	out, err := render.Render(`{"b":"two","a":"one"}`, nil, nil, "text")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "a: one\nb: two\n" {
		t.Fatalf("unexpected text: %q", out)
	}
}

func TestRenderKeyValue(t *testing.T) {
	out, err := render.Render(`{"b":2,"a":"one"}`, nil, nil, "key-value")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "a=one\nb=2\n" {
		t.Fatalf("unexpected key-value: %q", out)
	}
}

func TestUnresolvedPlaceholderStaysVerbatim(t *testing.T) {
	out, err := render.Render(`{"text":"hello {{missing}}"}`, map[string]string{"other": "x"}, nil, "structured")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "{{missing}}") {
		t.Fatalf("placeholder should stay verbatim: %s", out)
	}
}

// A variable value containing placeholder syntax must come through as
// literal text, never re-expanded.
func TestNoRecursiveInterpolation(t *testing.T) {
	out, err := render.Render(`{"text":"{{a}}"}`, map[string]string{"a": "{{b}}", "b": "boom"}, nil, "structured")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "{{b}}") || strings.Contains(string(out), "boom") {
		t.Fatalf("value was re-expanded: %s", out)
	}
}

func TestSubstitutionInNestedStructures(t *testing.T) {
	out, err := render.Render(`{"list":["{{x}}","static"],"obj":{"inner":"{{x}}"}}`, map[string]string{"x": "val"}, nil, "structured")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "{{x}}") || !strings.Contains(string(out), "val") {
		t.Fatalf("nested substitution failed: %s", out)
	}
}

func TestOverridesMergeIntoObjectPayload(t *testing.T) {
	out, err := render.Render(`{"a":1,"b":2}`, nil, map[string]any{"b": 9, "c": "new"}, "structured")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	_ = json.Unmarshal(out, &got)
	if got["a"] != float64(1) || got["b"] != float64(9) || got["c"] != "new" {
		t.Fatalf("overrides not merged: %v", got)
	}

	if _, err := render.Render(`["array"]`, nil, map[string]any{"x": 1}, "structured"); err == nil {
		t.Fatalf("overrides on non-object payload should fail")
	}
}

func TestUnknownFormat(t *testing.T) {
	_, err := render.Render(`{}`, nil, nil, "yaml")
	var bad render.UnknownFormatError
	if !errors.As(err, &bad) || bad.Format != "yaml" {
		t.Fatalf("expected unknown format error, got %v", err)
	}
	if format, err := render.ValidFormat(""); err != nil || format != render.FormatStructured {
		t.Fatalf("empty format should default to structured: %s %v", format, err)
	}
}

func TestContentType(t *testing.T) {
	if ct := render.ContentType(render.FormatStructured); ct != "application/json" {
		t.Fatalf("structured content type: %s", ct)
	}
	if ct := render.ContentType(render.FormatText); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("text content type: %s", ct)
	}
}
