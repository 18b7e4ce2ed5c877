// Package prompt builds the LLM prompts for VRL program generation and
// repair, and extracts program text back out of model responses. Prompt
// construction is deterministic: the same inputs always produce the same
// string, so controller behavior is reproducible in tests.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"vrlforge/internal/vrl/classify"
)

// ruleReference is the compact VRL authoring guide included with every
// generation prompt. It front-loads the constraints that dominate the error
// distribution: fallibility handling and the regex ban.
const ruleReference = `VRL rules:
- Every fallible call must be handled: use f!(...) to abort on error, or f(...) ?? default to fall back. Never leave a fallible result unhandled.
- Never use regex functions (parse_regex, parse_regex_all, match, match_array, to_regex). Use contains, split, starts_with, ends_with, slice instead; they are 50-100x faster.
- Guard array indexing with a length check: if length(parts) > 2 { .host = parts[2] }.
- VRL is expression-based: no return statements, no abort outside fallible contexts.
- Assign extracted fields to event paths: .level, .timestamp, .host, and so on.
- The input line is in .message.`

// maxErrorsShown caps how many diagnostics a repair prompt lists. Past this
// the model stops reading; the count of the remainder is stated instead.
const maxErrorsShown = 5

// Context carries everything a prompt for one round depends on.
type Context struct {
	// TaskDescription says what the program should extract.
	TaskDescription string
	// Samples are the representative log lines the program must handle.
	Samples []string
	// Round is 1-based. Round 1 gets full context; later rounds get the
	// compressed differential form.
	Round     int
	MaxRounds int

	// PreviousProgram is the most recent failing candidate (rounds > 1).
	PreviousProgram string
	// Errors are the classified diagnostics from the last validation.
	Errors []classify.Diagnostic
	// NewCodes are the error categories not seen in any earlier round.
	NewCodes []classify.Code

	// ChronicCode is set when one category has recurred at or past the
	// chronic threshold; ChronicCount is its total occurrence count.
	ChronicCode  classify.Code
	ChronicCount int
}

// Builder renders prompts. It is stateless; per-session state lives in the
// controller and arrives through Context.
type Builder struct{}

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build renders the prompt for the round described by ctx.
func (b *Builder) Build(ctx Context) string {
	if ctx.Round <= 1 {
		return b.initial(ctx)
	}
	return b.repair(ctx)
}

func (b *Builder) initial(ctx Context) string {
	var sb strings.Builder
	sb.WriteString("Write a VRL (Vector Remap Language) program.\n\n")
	sb.WriteString("Task: ")
	sb.WriteString(ctx.TaskDescription)
	sb.WriteString("\n\n")
	sb.WriteString(ruleReference)
	sb.WriteString("\n\nSample log lines:\n")
	for _, s := range ctx.Samples {
		sb.WriteString(s)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nRespond with only the VRL program in a ```vrl code block.\n")
	return sb.String()
}

// repair builds the compressed differential prompt: the failing program, the
// new error categories this round introduced, up to maxErrorsShown concrete
// diagnostics, and the chronic reminder when a category keeps recurring.
func (b *Builder) repair(ctx Context) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your VRL program failed validation (attempt %d of %d).\n\n", ctx.Round, ctx.MaxRounds)
	sb.WriteString("Program:\n```vrl\n")
	sb.WriteString(strings.TrimSpace(ctx.PreviousProgram))
	sb.WriteString("\n```\n\n")

	if len(ctx.NewCodes) > 0 {
		names := make([]string, len(ctx.NewCodes))
		for i, c := range ctx.NewCodes {
			names[i] = c.String()
		}
		fmt.Fprintf(&sb, "New error categories this round: %s\n\n", strings.Join(names, ", "))
	}

	sb.WriteString("Errors:\n")
	shown := ctx.Errors
	if len(shown) > maxErrorsShown {
		shown = shown[:maxErrorsShown]
	}
	for _, d := range shown {
		if d.Line > 0 {
			fmt.Fprintf(&sb, "- [%s] line %d: %s\n", d.Code, d.Line, d.Message)
		} else {
			fmt.Fprintf(&sb, "- [%s] %s\n", d.Code, d.Message)
		}
	}
	if rest := len(ctx.Errors) - len(shown); rest > 0 {
		fmt.Fprintf(&sb, "...and %d more of the same kind.\n", rest)
	}

	if ctx.ChronicCount > 0 {
		fmt.Fprintf(&sb, "\nIMPORTANT: %s has now occurred %d times across attempts. %s\n",
			ctx.ChronicCode, ctx.ChronicCount, prevention(ctx.ChronicCode))
	}

	sb.WriteString("\nFix these errors. Respond with only the corrected VRL program in a ```vrl code block.\n")
	return sb.String()
}

// prevention returns per-category guidance for the chronic reminder block.
func prevention(c classify.Code) string {
	switch c {
	case classify.CodeMissingFallibility:
		return "Before responding, check EVERY fallible call (parse_json, parse_timestamp, to_int, ...) carries ! or ?? handling."
	case classify.CodeUndefinedFunction:
		return "Only use functions from the VRL standard library. Do not invent function names."
	case classify.CodeFalliblePredicate:
		return "Conditions must be infallible: guard array access with length() and handle fallible calls before the if."
	case classify.CodeSyntax:
		return "Re-check braces, parentheses, and statement structure; VRL has no return keyword."
	case classify.CodeTypeMismatch:
		return "Coerce values explicitly with to_string!/to_int! before string or arithmetic operations."
	case classify.CodeRegexRejected:
		return "Regex functions are banned. Rewrite the extraction with contains/split/starts_with/ends_with."
	case classify.CodeUndefinedVariable:
		return "Assign every variable before use; remember assignments inside if blocks may not run."
	default:
		return "Address this recurring error category before anything else."
	}
}

var (
	vrlBlockRe = regexp.MustCompile("(?s)```vrl\\s*\n(.*?)```")
	anyBlockRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\n(.*?)```")
	prefixJunk = regexp.MustCompile(`(?i)^(here('s| is)|the (corrected|fixed|updated)).*?:\s*`)
)

// ExtractProgram pulls the VRL program out of a model response. Preference
// order: a ```vrl fenced block, then any fenced block, then the raw response
// with conversational lead-ins stripped. An empty result means the response
// contained no usable program.
func ExtractProgram(response string) string {
	if m := vrlBlockRe.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := anyBlockRe.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	raw := strings.TrimSpace(response)
	raw = prefixJunk.ReplaceAllString(raw, "")
	raw = strings.TrimSpace(raw)
	// Prose without a single assignment is a refusal or an explanation,
	// not a program.
	if !strings.Contains(raw, "=") {
		return ""
	}
	return raw
}
