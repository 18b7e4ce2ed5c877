// Package classify parses Vector VRL compiler diagnostics into structured,
// ordered errors. It maps the known error[EXXX] codes onto a closed category
// enum and passes everything else through verbatim as Unknown — diagnostics
// are never dropped.
package classify

import (
	"regexp"
	"strconv"
	"strings"
)

// Code categorizes a VRL diagnostic for targeted repair and feedback.
type Code int

const (
	// CodeUnknown is any diagnostic not matching a registered pattern.
	CodeUnknown Code = iota
	// CodeMissingFallibility indicates an unhandled fallible assignment (E103).
	CodeMissingFallibility
	// CodeUndefinedFunction indicates a call to an undefined function (E105).
	CodeUndefinedFunction
	// CodeFalliblePredicate indicates a fallible expression in predicate position (E110).
	CodeFalliblePredicate
	// CodeSyntax indicates a general syntax error (E203).
	CodeSyntax
	// CodeTypeMismatch indicates a type mismatch on a string operation (E300).
	CodeTypeMismatch
	// CodeInfallibleAbort indicates abort used in an infallible context (E620).
	CodeInfallibleAbort
	// CodeRedundantCoalescing indicates an unnecessary ?? operator (E651).
	CodeRedundantCoalescing
	// CodeUndefinedVariable indicates a reference to an undefined variable (E701).
	CodeUndefinedVariable
	// CodeRegexRejected indicates the program uses a regex-family function
	// rejected by the performance gate. Produced by Lint, not by Vector.
	CodeRegexRejected
	// CodeFieldsMissing indicates the program validated but extracted
	// expected fields from too few events. Produced locally, not by Vector.
	CodeFieldsMissing
)

// String returns the stable name for the code.
func (c Code) String() string {
	switch c {
	case CodeMissingFallibility:
		return "missing_fallibility"
	case CodeUndefinedFunction:
		return "undefined_function"
	case CodeFalliblePredicate:
		return "fallible_predicate"
	case CodeSyntax:
		return "syntax_error"
	case CodeTypeMismatch:
		return "type_mismatch"
	case CodeInfallibleAbort:
		return "infallible_abort"
	case CodeRedundantCoalescing:
		return "redundant_coalescing"
	case CodeUndefinedVariable:
		return "undefined_variable"
	case CodeRegexRejected:
		return "regex_rejected"
	case CodeFieldsMissing:
		return "fields_missing"
	default:
		return "unknown"
	}
}

// Patchable reports whether the local patch engine has a rule for this code.
func (c Code) Patchable() bool {
	switch c {
	case CodeMissingFallibility, CodeRedundantCoalescing, CodeFalliblePredicate, CodeInfallibleAbort:
		return true
	default:
		return false
	}
}

// Diagnostic is one classified error with its position in the program, when
// the raw text carried one. Line and Column are 1-based; 0 means unknown.
type Diagnostic struct {
	Code    Code
	Message string
	Line    int
	Column  int
}

// vectorCodes maps Vector's numeric diagnostic codes onto the category enum.
var vectorCodes = map[string]Code{
	"E103": CodeMissingFallibility,
	"E105": CodeUndefinedFunction,
	"E110": CodeFalliblePredicate,
	"E203": CodeSyntax,
	"E300": CodeTypeMismatch,
	"E620": CodeInfallibleAbort,
	"E651": CodeRedundantCoalescing,
	"E701": CodeUndefinedVariable,
}

var (
	errHeaderRe  = regexp.MustCompile(`error\[(E\d+)\]:?\s*(.*)`)
	plainErrorRe = regexp.MustCompile(`(?i)^\s*error:?\s`)
	lineColRe    = regexp.MustCompile(`:(\d+):(\d+)`)
	lineOnlyRe   = regexp.MustCompile(`(?i)line\s+(\d+)`)
	contRe       = regexp.MustCompile(`^\s*(\d+\s*│|│|┌─|└─|=|-+\s*$|\^+)`)
)

// Classifier parses raw Vector diagnostics. It is stateless and safe for
// concurrent use; classification is a pure function of its input.
type Classifier struct{}

// New creates a Classifier.
func New() *Classifier {
	return &Classifier{}
}

// Classify parses raw diagnostic text into ordered Diagnostics.
//
// Each line that opens an error — either a Vector "error[EXXX]" header or a
// bare "error:" line — yields exactly one Diagnostic, in the order the lines
// appear. Continuation lines (source excerpts, carets, gutters) contribute
// location info to the diagnostic they follow. Non-empty input that contains
// no recognizable error line yields a single Unknown diagnostic carrying the
// text verbatim.
func (c *Classifier) Classify(raw string) []Diagnostic {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var out []Diagnostic
	current := -1 // index into out of the diagnostic being assembled

	for _, line := range strings.Split(raw, "\n") {
		if m := errHeaderRe.FindStringSubmatch(line); m != nil {
			code, ok := vectorCodes[m[1]]
			if !ok {
				code = CodeUnknown
			}
			msg := strings.TrimSpace(m[2])
			if msg == "" {
				msg = strings.TrimSpace(line)
			}
			out = append(out, Diagnostic{Code: code, Message: msg})
			current = len(out) - 1
			continue
		}

		if plainErrorRe.MatchString(line) {
			out = append(out, Diagnostic{Code: CodeUnknown, Message: strings.TrimSpace(line)})
			current = len(out) - 1
			continue
		}

		// Continuation line: harvest a location for the open diagnostic.
		if current >= 0 && contRe.MatchString(line) {
			if out[current].Line == 0 {
				l, col := extractLineCol(line)
				out[current].Line = l
				out[current].Column = col
			}
			continue
		}

		// Loose location hint directly under the header, e.g. "┌─ :4:12".
		if current >= 0 && out[current].Line == 0 {
			if l, col := extractLineCol(line); l > 0 {
				out[current].Line = l
				out[current].Column = col
			}
		}
	}

	if len(out) == 0 {
		// Unrecognized diagnostics are never discarded.
		out = append(out, Diagnostic{Code: CodeUnknown, Message: raw})
	}

	return out
}

// extractLineCol pulls "NN:MM" or "line NN" style positions out of a line.
func extractLineCol(s string) (line, col int) {
	if m := lineColRe.FindStringSubmatch(s); m != nil {
		line, _ = strconv.Atoi(m[1])
		col, _ = strconv.Atoi(m[2])
		return line, col
	}
	if m := lineOnlyRe.FindStringSubmatch(s); m != nil {
		line, _ = strconv.Atoi(m[1])
	}
	return line, 0
}

// AttachContext copies the offending source line into each diagnostic's
// message when a location is known, for feedback prompts.
func AttachContext(diags []Diagnostic, program string) []Diagnostic {
	lines := strings.Split(program, "\n")
	for i := range diags {
		if diags[i].Line > 0 && diags[i].Line <= len(lines) {
			src := strings.TrimSpace(lines[diags[i].Line-1])
			if src != "" && !strings.Contains(diags[i].Message, src) {
				diags[i].Message += " | " + src
			}
		}
	}
	return diags
}

// Codes returns the distinct codes present, preserving first-seen order.
func Codes(diags []Diagnostic) []Code {
	seen := make(map[Code]bool, len(diags))
	var out []Code
	for _, d := range diags {
		if !seen[d.Code] {
			seen[d.Code] = true
			out = append(out, d.Code)
		}
	}
	return out
}
