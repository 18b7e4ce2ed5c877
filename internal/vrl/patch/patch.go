// Package patch applies deterministic textual rewrites for mechanically
// fixable VRL error classes. Every rule is syntactic: preconditions and
// postconditions are documented on the rule, no rule guesses at semantic
// intent, and a rule's postcondition always fails its own precondition so
// repeated application reaches a fixed point.
package patch

import (
	"regexp"
	"sort"
	"strings"

	"vrlforge/internal/vrl/classify"
)

// FallibleFunctions is the set of VRL functions whose plain form is fallible
// and whose fallibility-marked form (name!) aborts on error. The
// add-fallibility-marker rule only ever touches these.
var FallibleFunctions = map[string]bool{
	"parse_json":      true,
	"parse_timestamp": true,
	"parse_syslog":    true,
	"parse_key_value": true,
	"to_int":          true,
	"to_float":        true,
	"to_timestamp":    true,
	"to_string":       true,
	"split":           true,
}

// Rule is one deterministic rewrite keyed by error category.
type Rule struct {
	// ID names the rule in observability events and test assertions.
	ID string
	// Code is the single error category the rule repairs.
	Code classify.Code
	// apply rewrites text for one diagnostic. It returns the rewritten text
	// and whether anything changed. At most one location is rewritten per
	// invocation.
	apply func(text string, d classify.Diagnostic) (string, bool)
}

// Engine holds the rule table. The table is keyed by error code, so at most
// one rule is ever applicable per diagnostic and overlapping rules cannot
// both fire on the same location.
type Engine struct {
	rules map[classify.Code]Rule
}

// NewEngine builds the engine with the full rule table.
func NewEngine() *Engine {
	e := &Engine{rules: make(map[classify.Code]Rule)}
	for _, r := range []Rule{
		{ID: "add-fallibility-marker", Code: classify.CodeMissingFallibility, apply: addFallibilityMarker},
		{ID: "remove-redundant-coalescing", Code: classify.CodeRedundantCoalescing, apply: removeRedundantCoalescing},
		{ID: "guard-literal-index", Code: classify.CodeFalliblePredicate, apply: guardLiteralIndex},
		{ID: "drop-abort", Code: classify.CodeInfallibleAbort, apply: dropAbort},
		{ID: "drop-bare-return", Code: classify.CodeSyntax, apply: dropBareReturn},
	} {
		e.rules[r.Code] = r
	}
	return e
}

// HasRuleFor reports whether any diagnostic has a registered rewrite rule.
func (e *Engine) HasRuleFor(diags []classify.Diagnostic) bool {
	for _, d := range diags {
		if _, ok := e.rules[d.Code]; ok {
			return true
		}
	}
	return false
}

// TryPatch applies the rule table to the program, one rewrite per diagnostic,
// batching all independent rewrites into a single result. The returned
// applied list holds the IDs of rules that changed the text, in diagnostic
// order. ok is false — and the text is returned unchanged — when no rule
// matched anything, which tells the controller to escalate to a re-prompt
// instead of looping.
func (e *Engine) TryPatch(program string, diags []classify.Diagnostic) (patched string, applied []string, ok bool) {
	patched = program
	for _, d := range diags {
		rule, found := e.rules[d.Code]
		if !found {
			continue
		}
		next, changed := rule.apply(patched, d)
		if changed {
			patched = next
			applied = append(applied, rule.ID)
		}
	}
	if len(applied) == 0 {
		return program, nil, false
	}
	return patched, applied, true
}

// ---------------------------------------------------------------------------
// Rules
// ---------------------------------------------------------------------------

// addFallibilityMarker rewrites `f(` to `f!(` for a known-fallible f.
// Precondition: the call site lacks the marker and f is in FallibleFunctions.
// Postcondition: the call carries the marker, so the rule cannot re-fire.
func addFallibilityMarker(text string, d classify.Diagnostic) (string, bool) {
	fn := fallibleFunctionIn(d.Message)
	lines := strings.Split(text, "\n")

	// Prefer the diagnostic's own line; fall back to the first matching line.
	order := lineOrder(d, len(lines))
	for _, i := range order {
		line := lines[i]
		if fn != "" {
			if rewritten, changed := markCall(line, fn); changed {
				lines[i] = rewritten
				return strings.Join(lines, "\n"), true
			}
			continue
		}
		// No function named in the diagnostic: mark the first unmarked
		// known-fallible call found, preferring the diagnostic's line.
		for _, name := range fallibleNames() {
			if rewritten, changed := markCall(line, name); changed {
				lines[i] = rewritten
				return strings.Join(lines, "\n"), true
			}
		}
	}
	return text, false
}

// markCall adds the fallibility marker to the first unmarked call of name in
// line. Calls already marked, or already handled with ??, are left alone.
func markCall(line, name string) (string, bool) {
	re := regexp.MustCompile(`(^|[^\w.!])` + regexp.QuoteMeta(name) + `\(`)
	loc := re.FindStringIndex(line)
	if loc == nil {
		return line, false
	}
	// Calls whose result is already coalesced are handled, not broken.
	if strings.Contains(line, "??") {
		return line, false
	}
	insert := loc[1] - 1 // position of the '('
	return line[:insert] + "!" + line[insert:], true
}

// fallibleNames returns the known-fallible set in sorted order, so rewrites
// are deterministic regardless of map iteration.
func fallibleNames() []string {
	names := make([]string, 0, len(FallibleFunctions))
	for name := range FallibleFunctions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fallibleFunctionIn extracts a known-fallible function name from a
// diagnostic message, if one is named.
func fallibleFunctionIn(msg string) string {
	for _, name := range fallibleNames() {
		if strings.Contains(msg, name+"(") || strings.Contains(msg, "`"+name+"`") {
			return name
		}
	}
	return ""
}

var coalesceRe = regexp.MustCompile(`(\w+!\([^()]*\))\s*\?\?\s*[^,\n;}]+`)

// removeRedundantCoalescing strips `?? default` following a
// fallibility-marked (hence infallible at runtime) call.
// Precondition: the left operand carries the marker.
// Postcondition: no ?? follows that call, so the rule cannot re-fire.
func removeRedundantCoalescing(text string, d classify.Diagnostic) (string, bool) {
	lines := strings.Split(text, "\n")
	for _, i := range lineOrder(d, len(lines)) {
		if loc := coalesceRe.FindStringSubmatchIndex(lines[i]); loc != nil {
			lines[i] = lines[i][:loc[0]] + lines[i][loc[2]:loc[3]] + lines[i][loc[1]:]
			return strings.Join(lines, "\n"), true
		}
	}
	return text, false
}

var literalIndexRe = regexp.MustCompile(`^(\s*)(\.?\w+)\s*=\s*(\w+)\[(\d+)\]\s*$`)

// guardLiteralIndex wraps a bare literal-index assignment in a length guard.
// Precondition: the statement is exactly `target = arr[N]` with a literal N
// and no existing guard. Complex index expressions are left untouched.
// Postcondition: the assignment sits inside `if length(arr) > N`, which the
// precondition regex no longer matches.
func guardLiteralIndex(text string, d classify.Diagnostic) (string, bool) {
	lines := strings.Split(text, "\n")
	for _, i := range lineOrder(d, len(lines)) {
		m := literalIndexRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		if i > 0 && strings.Contains(lines[i-1], "length("+m[3]+")") {
			continue // already guarded
		}
		indent, target, arr, idx := m[1], m[2], m[3], m[4]
		lines[i] = indent + "if length(" + arr + ") > " + idx + " {\n" +
			indent + "    " + target + " = " + arr + "[" + idx + "]\n" +
			indent + "}"
		return strings.Join(lines, "\n"), true
	}
	return text, false
}

var abortRe = regexp.MustCompile(`^\s*abort\b`)

// dropAbort removes an abort statement from an infallible context.
// Precondition: a line starts with `abort`. Postcondition: it is gone.
func dropAbort(text string, d classify.Diagnostic) (string, bool) {
	lines := strings.Split(text, "\n")
	for _, i := range lineOrder(d, len(lines)) {
		if abortRe.MatchString(lines[i]) {
			lines = append(lines[:i], lines[i+1:]...)
			return strings.Join(lines, "\n"), true
		}
	}
	return text, false
}

var bareReturnRe = regexp.MustCompile(`^\s*return\s*$`)

// dropBareReturn removes a standalone return statement. VRL is
// expression-based and has no return keyword. Syntax diagnostics without a
// bare return line are left for the LLM.
// Precondition: a line is exactly `return`. Postcondition: it is gone.
func dropBareReturn(text string, d classify.Diagnostic) (string, bool) {
	lines := strings.Split(text, "\n")
	for _, i := range lineOrder(d, len(lines)) {
		if bareReturnRe.MatchString(lines[i]) {
			lines = append(lines[:i], lines[i+1:]...)
			return strings.Join(lines, "\n"), true
		}
	}
	return text, false
}

// lineOrder yields candidate line indexes: the diagnostic's own line first
// when known, then every line top to bottom.
func lineOrder(d classify.Diagnostic, n int) []int {
	order := make([]int, 0, n+1)
	if d.Line > 0 && d.Line <= n {
		order = append(order, d.Line-1)
	}
	for i := 0; i < n; i++ {
		if d.Line > 0 && i == d.Line-1 {
			continue
		}
		order = append(order, i)
	}
	return order
}
