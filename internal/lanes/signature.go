package lanes

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	dmp "github.com/sergi/go-diff/diffmatchpatch"
)

// WatchdogSignatureV2 identifies a watchdog/stall breach for loop detection
// and idempotent comment writebacks. Identical inputs always hash the same;
// changing any one of stage, source, toolName, or argsPreview changes it.
func WatchdogSignatureV2(stage, source, toolName, argsPreview string) uint64 {
	if len(argsPreview) > 200 {
		argsPreview = argsPreview[:200]
	}
	return fnv1a(stage, source, toolName, argsPreview)
}

// CheckFailure is one required-check failure as observed from CI.
type CheckFailure struct {
	Name    string
	Excerpt string
}

// CITriageSignatureV3 identifies a CI failure shape: whether the run timed
// out plus the sorted set of (checkName, normalizedExcerpt) pairs. Sorting
// makes the signature independent of the order checks were reported in.
func CITriageSignatureV3(timedOut bool, checks []CheckFailure) uint64 {
	sorted := append([]CheckFailure(nil), checks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	parts := make([]string, 0, len(sorted)*2+1)
	parts = append(parts, strconv.FormatBool(timedOut))
	for _, c := range sorted {
		parts = append(parts, c.Name, NormalizeExcerpt(c.Excerpt))
	}
	return fnv1a(parts...)
}

var (
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	durationPattern  = regexp.MustCompile(`\b\d+(\.\d+)?(ms|s|m|h)\b`)
	hexIDPattern     = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)
	lineColPattern   = regexp.MustCompile(`:\d+:\d+\b`)
)

// NormalizeExcerpt scrubs the volatile substrings (timestamps, durations,
// commit-ish hex ids, line:column references) that make two otherwise
// identical CI failures hash differently.
func NormalizeExcerpt(excerpt string) string {
	out := timestampPattern.ReplaceAllString(excerpt, "<ts>")
	out = durationPattern.ReplaceAllString(out, "<dur>")
	out = hexIDPattern.ReplaceAllString(out, "<hex>")
	out = lineColPattern.ReplaceAllString(out, ":<pos>")
	return strings.TrimSpace(out)
}

// ExcerptDiffSummary renders a compact +/- summary of what changed between
// two normalized excerpts, for inclusion in a triage comment. It is purely
// diagnostic: the quarantine/resume decision itself is driven by exact
// signature equality, not by this similarity measure.
func ExcerptDiffSummary(prevNormalized, currNormalized string) string {
	if prevNormalized == currNormalized {
		return "(no textual change detected)"
	}
	d := dmp.New()
	diffs := d.DiffMain(prevNormalized, currNormalized, false)
	diffs = d.DiffCleanupSemantic(diffs)

	var b strings.Builder
	for _, diff := range diffs {
		switch diff.Type {
		case dmp.DiffInsert:
			b.WriteString("+")
			b.WriteString(diff.Text)
		case dmp.DiffDelete:
			b.WriteString("-")
			b.WriteString(diff.Text)
		}
	}
	out := b.String()
	const maxLen = 500
	if len(out) > maxLen {
		out = out[:maxLen] + "…"
	}
	if strings.TrimSpace(out) == "" {
		return "(no textual change detected)"
	}
	return out
}
