package patch

import (
	"strings"
	"testing"

	"vrlforge/internal/vrl/classify"
)

func TestAddFallibilityMarker(t *testing.T) {
	e := NewEngine()
	diags := []classify.Diagnostic{{
		Code:    classify.CodeMissingFallibility,
		Message: "unhandled fallible assignment: parse_json(.message)",
		Line:    1,
	}}

	got, applied, ok := e.TryPatch(`.parsed = parse_json(.message)`, diags)
	if !ok {
		t.Fatal("expected a patch to apply")
	}
	if got != `.parsed = parse_json!(.message)` {
		t.Errorf("got %q", got)
	}
	if len(applied) != 1 || applied[0] != "add-fallibility-marker" {
		t.Errorf("applied = %v", applied)
	}
}

func TestAddFallibilityMarkerSkipsHandledCalls(t *testing.T) {
	e := NewEngine()
	diags := []classify.Diagnostic{{Code: classify.CodeMissingFallibility, Line: 1}}

	for _, program := range []string{
		`.parsed = parse_json!(.message)`,          // already marked
		`.parsed = parse_json(.message) ?? {}`,     // already coalesced
		`.note = "parse_json is not called here"`,  // no call at all
	} {
		got, _, ok := e.TryPatch(program, diags)
		if ok {
			t.Errorf("patched %q into %q, want no-op", program, got)
		}
		if got != program {
			t.Errorf("text changed without ok: %q -> %q", program, got)
		}
	}
}

func TestRemoveRedundantCoalescing(t *testing.T) {
	e := NewEngine()
	diags := []classify.Diagnostic{{Code: classify.CodeRedundantCoalescing, Line: 1}}

	got, applied, ok := e.TryPatch(`.ts = to_int!(.code) ?? 0`, diags)
	if !ok {
		t.Fatal("expected a patch to apply")
	}
	if got != `.ts = to_int!(.code)` {
		t.Errorf("got %q", got)
	}
	if applied[0] != "remove-redundant-coalescing" {
		t.Errorf("applied = %v", applied)
	}
}

func TestGuardLiteralIndex(t *testing.T) {
	e := NewEngine()
	diags := []classify.Diagnostic{{Code: classify.CodeFalliblePredicate, Line: 2}}

	program := "parts = split(.message, \" \")\n.host = parts[3]"
	got, _, ok := e.TryPatch(program, diags)
	if !ok {
		t.Fatal("expected a patch to apply")
	}
	want := "parts = split(.message, \" \")\nif length(parts) > 3 {\n    .host = parts[3]\n}"
	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestGuardLiteralIndexLeavesComplexExpressions(t *testing.T) {
	e := NewEngine()
	diags := []classify.Diagnostic{{Code: classify.CodeFalliblePredicate, Line: 1}}

	program := `.host = parts[index + 1]`
	if got, _, ok := e.TryPatch(program, diags); ok {
		t.Errorf("complex index rewritten to %q, want no-op", got)
	}
}

func TestDropAbort(t *testing.T) {
	e := NewEngine()
	diags := []classify.Diagnostic{{Code: classify.CodeInfallibleAbort, Line: 2}}

	program := ".level = \"info\"\nabort\n.done = true"
	got, _, ok := e.TryPatch(program, diags)
	if !ok {
		t.Fatal("expected a patch to apply")
	}
	if strings.Contains(got, "abort") {
		t.Errorf("abort survived: %q", got)
	}
	if !strings.Contains(got, ".done = true") {
		t.Errorf("unrelated line lost: %q", got)
	}
}

func TestDropBareReturn(t *testing.T) {
	e := NewEngine()
	diags := []classify.Diagnostic{{Code: classify.CodeSyntax, Line: 2}}

	program := ".a = 1\nreturn\n.b = 2"
	got, _, ok := e.TryPatch(program, diags)
	if !ok {
		t.Fatal("expected a patch to apply")
	}
	if got != ".a = 1\n.b = 2" {
		t.Errorf("got %q", got)
	}

	// A syntax diagnostic with no bare return line is not our problem.
	if got, _, ok := e.TryPatch(".a = (1", diags); ok {
		t.Errorf("rewrote %q, want escalation", got)
	}
}

func TestNoRuleForCode(t *testing.T) {
	e := NewEngine()
	diags := []classify.Diagnostic{
		{Code: classify.CodeUndefinedFunction, Message: "undefined function parse_magic"},
		{Code: classify.CodeUnknown, Message: "something else"},
	}

	program := `.x = parse_magic(.message)`
	got, applied, ok := e.TryPatch(program, diags)
	if ok || len(applied) != 0 || got != program {
		t.Errorf("TryPatch = (%q, %v, %v), want unchanged no-op", got, applied, ok)
	}
	if e.HasRuleFor(diags) {
		t.Error("HasRuleFor = true for unpatchable codes")
	}
}

func TestBatchesIndependentRewrites(t *testing.T) {
	e := NewEngine()
	program := ".parsed = parse_json(.message)\n.ts = to_int!(.code) ?? 0"
	diags := []classify.Diagnostic{
		{Code: classify.CodeMissingFallibility, Message: "parse_json(", Line: 1},
		{Code: classify.CodeRedundantCoalescing, Line: 2},
	}

	got, applied, ok := e.TryPatch(program, diags)
	if !ok {
		t.Fatal("expected patches to apply")
	}
	want := ".parsed = parse_json!(.message)\n.ts = to_int!(.code)"
	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
	if len(applied) != 2 {
		t.Errorf("applied = %v, want both rules", applied)
	}
}

// Every rule's output must fail its own precondition: a second pass over
// patched text changes nothing.
func TestPatchingIsIdempotent(t *testing.T) {
	e := NewEngine()
	cases := []struct {
		name    string
		program string
		diags   []classify.Diagnostic
	}{
		{
			"fallibility marker",
			`.parsed = parse_json(.message)`,
			[]classify.Diagnostic{{Code: classify.CodeMissingFallibility, Message: "parse_json(", Line: 1}},
		},
		{
			"redundant coalescing",
			`.ts = to_int!(.code) ?? 0`,
			[]classify.Diagnostic{{Code: classify.CodeRedundantCoalescing, Line: 1}},
		},
		{
			"literal index guard",
			`.host = parts[2]`,
			[]classify.Diagnostic{{Code: classify.CodeFalliblePredicate, Line: 1}},
		},
		{
			"abort",
			"abort\n.a = 1",
			[]classify.Diagnostic{{Code: classify.CodeInfallibleAbort, Line: 1}},
		},
		{
			"bare return",
			"return\n.a = 1",
			[]classify.Diagnostic{{Code: classify.CodeSyntax, Line: 1}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			once, _, ok := e.TryPatch(tc.program, tc.diags)
			if !ok {
				t.Fatal("first pass did not apply")
			}
			twice, applied, ok := e.TryPatch(once, tc.diags)
			if ok {
				t.Errorf("second pass applied %v:\nonce:\n%s\ntwice:\n%s", applied, once, twice)
			}
			if twice != once {
				t.Errorf("fixed point violated:\n%s\nvs\n%s", once, twice)
			}
		})
	}
}
