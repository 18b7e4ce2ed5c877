package prompt

import (
	"strings"
	"testing"

	"vrlforge/internal/vrl/classify"
)

func TestBuildIsDeterministic(t *testing.T) {
	b := NewBuilder()
	ctx := Context{
		TaskDescription: "extract level and host",
		Samples:         []string{`{"level":"info"}`, `{"level":"warn"}`},
		Round:           1,
		MaxRounds:       5,
	}
	if b.Build(ctx) != b.Build(ctx) {
		t.Error("identical contexts produced different prompts")
	}
}

func TestInitialPromptContents(t *testing.T) {
	b := NewBuilder()
	got := b.Build(Context{
		TaskDescription: "extract level and host",
		Samples:         []string{"line one", "line two"},
		Round:           1,
		MaxRounds:       5,
	})

	for _, want := range []string{
		"extract level and host",
		"line one",
		"line two",
		"parse_regex",       // the regex ban is stated up front
		"```vrl",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("initial prompt missing %q", want)
		}
	}
	if strings.Contains(got, "failed validation") {
		t.Error("round 1 prompt contains repair framing")
	}
}

func TestRepairPromptIsDifferential(t *testing.T) {
	b := NewBuilder()
	got := b.Build(Context{
		Round:           3,
		MaxRounds:       5,
		PreviousProgram: ".x = parse_json(.message)",
		Errors: []classify.Diagnostic{
			{Code: classify.CodeMissingFallibility, Message: "unhandled fallible assignment", Line: 1},
		},
		NewCodes: []classify.Code{classify.CodeMissingFallibility},
	})

	for _, want := range []string{
		"attempt 3 of 5",
		".x = parse_json(.message)",
		"missing_fallibility",
		"line 1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("repair prompt missing %q", want)
		}
	}
	// The differential form does not resend the full sample set.
	if strings.Contains(got, "Sample log lines") {
		t.Error("repair prompt resends the full sample block")
	}
}

func TestRepairPromptCapsErrorList(t *testing.T) {
	b := NewBuilder()
	errs := make([]classify.Diagnostic, 9)
	for i := range errs {
		errs[i] = classify.Diagnostic{Code: classify.CodeSyntax, Message: "boom", Line: i + 1}
	}
	got := b.Build(Context{Round: 2, MaxRounds: 5, PreviousProgram: ".a = 1", Errors: errs})

	if n := strings.Count(got, "boom"); n != maxErrorsShown {
		t.Errorf("prompt lists %d errors, want %d", n, maxErrorsShown)
	}
	if !strings.Contains(got, "4 more") {
		t.Error("prompt does not state the truncated remainder")
	}
}

func TestChronicReminderAppearsAtThreshold(t *testing.T) {
	b := NewBuilder()
	base := Context{
		Round:           4,
		MaxRounds:       5,
		PreviousProgram: ".x = parse_json(.message)",
		Errors: []classify.Diagnostic{
			{Code: classify.CodeMissingFallibility, Message: "unhandled fallible assignment"},
		},
	}

	below := base
	got := b.Build(below)
	if strings.Contains(got, "IMPORTANT:") {
		t.Error("chronic reminder present without a chronic code")
	}

	at := base
	at.ChronicCode = classify.CodeMissingFallibility
	at.ChronicCount = 3
	got = b.Build(at)
	if !strings.Contains(got, "IMPORTANT: missing_fallibility has now occurred 3 times") {
		t.Errorf("chronic reminder missing:\n%s", got)
	}
	if !strings.Contains(got, "EVERY fallible call") {
		t.Error("chronic reminder lacks per-category prevention guidance")
	}
}

func TestExtractProgram(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     string
	}{
		{
			"vrl block",
			"Here is the program:\n```vrl\n.x = 1\n```\nHope that helps!",
			".x = 1",
		},
		{
			"generic block",
			"```\n.x = 1\n.y = 2\n```",
			".x = 1\n.y = 2",
		},
		{
			"vrl block preferred over generic",
			"```text\nnot it\n```\n```vrl\n.x = 1\n```",
			".x = 1",
		},
		{
			"raw response",
			".x = parse_json!(.message)",
			".x = parse_json!(.message)",
		},
		{
			"raw with lead-in",
			"Here's the corrected program: .x = 1",
			".x = 1",
		},
		{
			"empty",
			"   ",
			"",
		},
		{
			"refusal prose",
			"I cannot write that program.",
			"",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractProgram(tc.response); got != tc.want {
				t.Errorf("ExtractProgram = %q, want %q", got, tc.want)
			}
		})
	}
}
