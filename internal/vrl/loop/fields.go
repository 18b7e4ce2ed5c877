package loop

import (
	"fmt"
	"sort"

	"vrlforge/internal/vrl/classify"
)

// fieldCheck verifies that the expected fields were extracted from at least
// minRate of the output events. Returns nil diagnostics when the check is
// disabled or satisfied.
func fieldCheck(events []map[string]any, expected []string, minRate float64) []classify.Diagnostic {
	if len(expected) == 0 || minRate <= 0 || len(events) == 0 {
		return nil
	}

	missing := make(map[string]int)
	for _, field := range expected {
		hits := 0
		for _, ev := range events {
			if v, ok := ev[field]; ok && v != nil {
				hits++
			}
		}
		rate := float64(hits) / float64(len(events))
		if rate < minRate {
			missing[field] = hits
		}
	}
	if len(missing) == 0 {
		return nil
	}

	names := make([]string, 0, len(missing))
	for f := range missing {
		names = append(names, f)
	}
	sort.Strings(names)

	diags := make([]classify.Diagnostic, 0, len(names))
	for _, f := range names {
		diags = append(diags, classify.Diagnostic{
			Code: classify.CodeFieldsMissing,
			Message: fmt.Sprintf("field %q extracted from %d/%d events, need %.0f%%",
				f, missing[f], len(events), minRate*100),
		})
	}
	return diags
}
