package canonicalize

import (
	"testing"
)

func TestCanonical_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Canonical(input)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Canonical(input)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	// Standard encoding/json would emit < escapes; RFC 8785 forbids them.
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := Canonical(input)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_ArrayOrderPreserved(t *testing.T) {
	b, err := Canonical([]any{3, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `[3,1,2]` {
		t.Errorf("array order must be preserved, got %s", string(b))
	}
}

func TestHashJSON_Stability(t *testing.T) {
	// Semantically identical values constructed differently must hash equal.
	v1 := map[string]any{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := HashJSON(v1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashJSON(v2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash mismatch for semantically identical inputs: %s != %s", h1, h2)
	}
}

func TestCanonical_RejectsUnsafeIntegers(t *testing.T) {
	if _, err := CanonicalRaw([]byte(`{"n":9007199254740993}`)); err == nil {
		t.Fatal("expected rejection of integer above 2^53")
	}
	if _, err := CanonicalRaw([]byte(`{"n":9007199254740992}`)); err != nil {
		t.Fatalf("2^53 itself should pass: %v", err)
	}
}

func TestFormatHash(t *testing.T) {
	got := FormatHash("abcd")
	if got != "sha256:abcd" {
		t.Errorf("got %s", got)
	}
}

func TestCanonicalRaw_InvalidJSON(t *testing.T) {
	if _, err := CanonicalRaw([]byte(`{"a":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}
