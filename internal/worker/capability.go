package worker

import (
	"strings"

	"github.com/ralph-build/ralphd/internal/ralphtask"
)

// capabilityDenied reports the reason a merge must be refused, or "" if
// it's allowed.
func capabilityDenied(cfg *ralphtask.RepoConfig, pr *PRSnapshot, issueLabels []string, changedPaths []string) string {
	if pr.Draft {
		return "refusing to merge a draft PR"
	}
	if !pr.SameRepo {
		return "refusing a cross-repo PR update"
	}
	if cfg != nil && pr.Base == cfg.DefaultBranch && !hasLabel(issueLabels, cfg.AllowMainLabel) {
		return "refusing a main-branch merge without the allow-main label"
	}
	if cfg != nil && len(cfg.CIOnlyPaths) > 0 && allPathsMatch(changedPaths, cfg.CIOnlyPaths) && !hasCILabel(issueLabels, cfg) {
		return "refusing a CI-only file diff for a non-CI-labelled issue"
	}
	return ""
}

func hasLabel(labels []string, label string) bool {
	if label == "" {
		return false
	}
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

func hasCILabel(labels []string, cfg *ralphtask.RepoConfig) bool {
	return hasLabel(labels, cfg.AutomationLabel+"-ci") || hasLabel(labels, "ci")
}

func allPathsMatch(changedPaths, ciOnlyPaths []string) bool {
	if len(changedPaths) == 0 {
		return false
	}
	for _, p := range changedPaths {
		if !matchesAny(p, ciOnlyPaths) {
			return false
		}
	}
	return true
}

func matchesAny(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
