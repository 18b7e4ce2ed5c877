// Package samples loads and prepares log samples for prompt construction and
// validation: dedup by structure, token-budget trimming, batch capping.
package samples

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

const (
	// DefaultBatchSize is how many samples a validation run uses.
	DefaultBatchSize = 5
	// MaxBatchSize caps a batch regardless of configuration.
	MaxBatchSize = 10
)

// Set is an ordered collection of sample lines.
type Set struct {
	Lines []string
}

// Load reads up to maxLines non-empty lines from an NDJSON or plain log
// file. maxLines <= 0 means unlimited.
func Load(path string, maxLines int) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening samples: %w", err)
	}
	defer f.Close()

	s := &Set{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s.Lines = append(s.Lines, line)
		if maxLines > 0 && len(s.Lines) >= maxLines {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading samples: %w", err)
	}
	if len(s.Lines) == 0 {
		return nil, fmt.Errorf("no samples in %s", path)
	}
	return s, nil
}

var (
	digitsRe = regexp.MustCompile(`\d+`)
	hexRe    = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
)

// structuralKey normalizes a line so that lines differing only in numbers,
// timestamps, and IDs collapse to the same key.
func structuralKey(line string) string {
	s := hexRe.ReplaceAllString(line, "H")
	s = digitsRe.ReplaceAllString(s, "N")
	return s
}

// Dedupe keeps the first line of each structural shape, preserving order.
// Variety beats volume in a prompt: ten shapes teach the model more than a
// hundred copies of one.
func (s *Set) Dedupe() *Set {
	seen := make(map[string]bool, len(s.Lines))
	out := &Set{Lines: make([]string, 0, len(s.Lines))}
	for _, line := range s.Lines {
		k := structuralKey(line)
		if seen[k] {
			continue
		}
		seen[k] = true
		out.Lines = append(out.Lines, line)
	}
	return out
}

// EstimateTokens approximates the token count of text at four characters per
// token, the usual heuristic for log-like content.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// TrimToBudget drops lines from the end until the set's estimated token
// count fits budget. At least one line always survives.
func (s *Set) TrimToBudget(budget int) *Set {
	if budget <= 0 {
		return s
	}
	out := &Set{}
	used := 0
	for _, line := range s.Lines {
		t := EstimateTokens(line) + 1
		if used+t > budget && len(out.Lines) > 0 {
			break
		}
		out.Lines = append(out.Lines, line)
		used += t
	}
	return out
}

// Batch returns the first n lines for a validation run, clamped to
// [1, MaxBatchSize]. n <= 0 selects DefaultBatchSize.
func (s *Set) Batch(n int) []string {
	if n <= 0 {
		n = DefaultBatchSize
	}
	if n > MaxBatchSize {
		n = MaxBatchSize
	}
	if n > len(s.Lines) {
		n = len(s.Lines)
	}
	return s.Lines[:n]
}

// Fingerprint hashes the set's structural shapes, order-independent, so
// reordered or renumbered inputs with the same shapes share an archive key.
func (s *Set) Fingerprint() string {
	keys := make([]string, 0, len(s.Lines))
	seen := make(map[string]bool)
	for _, line := range s.Lines {
		k := structuralKey(line)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	h := sha256.Sum256([]byte(strings.Join(keys, "\n")))
	return hex.EncodeToString(h[:])
}
