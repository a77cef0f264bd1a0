package workflow

import "testing"

func TestResolveTemplate_BareReferencePreservesType(t *testing.T) {
	ctx := map[string]any{"step_0": map[string]any{"result": 42}}

	got := ResolveTemplate("{{step_0.result}}", ctx)
	if got != 42 {
		t.Fatalf("expected 42, got %v (%T)", got, got)
	}
}

func TestResolveTemplate_SubstringInterpolation(t *testing.T) {
	ctx := map[string]any{"input": map[string]any{"name": "ada"}}

	got := ResolveTemplate("hello {{input.name}}!", ctx)
	if got != "hello ada!" {
		t.Fatalf("expected %q, got %v", "hello ada!", got)
	}
}

func TestResolveTemplate_Filters(t *testing.T) {
	ctx := map[string]any{"input": map[string]any{"name": "ada lovelace"}}

	cases := []struct {
		expr string
		want string
	}{
		{"{{input.name|title}}", "Ada Lovelace"},
		{"{{input.name|upper}}", "ADA LOVELACE"},
		{"{{input.name|lower}}", "ada lovelace"},
	}
	for _, c := range cases {
		got := ResolveTemplate(c.expr, ctx)
		if got != c.want {
			t.Errorf("%s: expected %q, got %v", c.expr, c.want, got)
		}
	}
}

func TestResolveTemplate_UnknownFilterIsNoop(t *testing.T) {
	ctx := map[string]any{"input": map[string]any{"name": "ada"}}

	got := ResolveTemplate("{{input.name|bogus}}", ctx)
	if got != "ada" {
		t.Fatalf("expected unknown filter to pass the value through, got %v", got)
	}
}

func TestResolveTemplate_FilterOnNonStringIsNoop(t *testing.T) {
	ctx := map[string]any{"step_0": map[string]any{"result": 7}}

	got := ResolveTemplate("{{step_0.result|upper}}", ctx)
	if got != 7 {
		t.Fatalf("expected filter on a non-string to pass the value through, got %v (%T)", got, got)
	}
}

func TestResolveAllTemplates_RecursesThroughNestedStructures(t *testing.T) {
	ctx := map[string]any{"input": map[string]any{"city": "nyc"}}
	obj := map[string]any{
		"greeting": "hi {{input.city|upper}}",
		"tags":     []any{"{{input.city}}", "static"},
	}

	resolved, ok := ResolveAllTemplates(obj, ctx).(map[string]any)
	if !ok {
		t.Fatalf("expected a map result")
	}
	if resolved["greeting"] != "hi NYC" {
		t.Errorf("expected %q, got %v", "hi NYC", resolved["greeting"])
	}
	tags, ok := resolved["tags"].([]any)
	if !ok || tags[0] != "nyc" || tags[1] != "static" {
		t.Errorf("unexpected tags: %v", resolved["tags"])
	}
}
