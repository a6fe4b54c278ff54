// Package ctxasm assembles per-task context bundles from dependencies,
// hierarchy, semantic retrieval, and plan membership, then applies an
// optional character budget. Grounded on original_source's context_budget.py
// (the budgeting pass) and context assembly conventions from the same
// services/context package.
package ctxasm

import (
	"strings"

	"github.com/taskmesh/engine/internal/model"
)

// priorityOrder mirrors context_budget.py's PRIORITY_ORDER tuple. "pinned"
// covers both pinned:root_brief and pinned:parent_chain; the two are only
// distinguished by task id within that shared group, exactly as the
// original's _priority_key does.
var priorityOrder = []string{
	"pinned", "index", "dep:requires", "dep:refers", "ancestor",
	"retrieved", "h_sibling", "sibling", "manual",
}

func priorityGroup(kind string) int {
	if strings.HasPrefix(kind, "pinned") {
		return 0
	}
	for i, k := range priorityOrder {
		if k == kind {
			return i
		}
	}
	switch {
	case strings.HasPrefix(kind, "dep:"):
		if strings.Contains(kind, "requires") {
			return 2
		}
		return 3
	default:
		return len(priorityOrder) - 1 // manual and anything unrecognized
	}
}

// sortSections orders sections by (priority_group, task_id), stable.
func sortSections(sections []model.ContextSection) {
	stableSortByKey(sections, func(s model.ContextSection) (int, int64) {
		return priorityGroup(s.Kind), s.TaskID
	})
}

// stableSortByKey is a tiny insertion sort kept local to avoid pulling in
// sort.Slice's reflection overhead for the small section counts these
// bundles carry; stability matches sort.SliceStable's contract.
func stableSortByKey(s []model.ContextSection, key func(model.ContextSection) (int, int64)) {
	for i := 1; i < len(s); i++ {
		j := i
		for j > 0 {
			kg, kt := key(s[j])
			pg, pt := key(s[j-1])
			if pg < kg || (pg == kg && pt <= kt) {
				break
			}
			s[j], s[j-1] = s[j-1], s[j]
			j--
		}
	}
}

const (
	strategyTruncate = "truncate"
	strategySentence = "sentence"
)

var sentenceBoundaries = []rune(".!?。！？\n")

func isBoundary(r rune) bool {
	for _, b := range sentenceBoundaries {
		if r == b {
			return true
		}
	}
	return false
}

// truncateRaw cuts text to at most limit runes.
func truncateRaw(text string, limit int) (string, bool) {
	runes := []rune(text)
	if limit < 0 {
		limit = 0
	}
	if len(runes) <= limit {
		return text, false
	}
	return string(runes[:limit]), true
}

// truncateSentence cuts at the last sentence boundary within limit runes,
// falling back to a raw cut when no boundary is found.
func truncateSentence(text string, limit int) (string, bool) {
	runes := []rune(text)
	if limit < 0 {
		limit = 0
	}
	if len(runes) <= limit {
		return text, false
	}
	window := runes[:limit]
	cut := -1
	for i := len(window) - 1; i >= 0; i-- {
		if isBoundary(window[i]) {
			cut = i + 1
			break
		}
	}
	if cut <= 0 {
		return truncateRaw(text, limit)
	}
	return strings.TrimRight(string(runes[:cut]), " \t\r\n"), true
}

func summarize(text string, limit int, strategy string) (string, bool) {
	if strategy == strategySentence {
		return truncateSentence(text, limit)
	}
	return truncateRaw(text, limit)
}

// ApplyBudget trims non-pinned sections to fit max_chars/per_section_max,
// in priority order, and rebuilds combined + budget_info. Sections are
// assumed already deduplicated; this only sorts, trims, and recombines.
// A nil maxChars and nil perSectionMax leave the bundle unchanged (the
// combined text is still rebuilt to keep it consistent with section order).
func ApplyBudget(bundle model.Bundle, maxChars, perSectionMax *int, strategy string) model.Bundle {
	if strategy == "" {
		strategy = strategyTruncate
	}
	sections := append([]model.ContextSection(nil), bundle.Sections...)
	sortSections(sections)

	var remaining *int
	if maxChars != nil {
		v := *maxChars
		remaining = &v
	}

	var totalOriginal, totalNew int
	out := make([]model.ContextSection, 0, len(sections))
	var combinedParts []string

	for _, s := range sections {
		originalLen := len([]rune(s.Content))
		totalOriginal += originalLen

		isPinned := s.Pinned || strings.HasPrefix(s.Kind, "pinned")
		if isPinned {
			s.Budget = &model.SectionBudget{
				OriginalLen: originalLen, NewLen: originalLen, Truncated: false,
				Strategy: "none", Allowed: originalLen, AllowedByPerSect: originalLen,
				AllowedByTotal: originalLen, TruncatedReason: "none",
			}
			out = append(out, s)
			combinedParts = append(combinedParts, renderSection(s))
			totalNew += originalLen
			continue
		}

		allowedByPer := originalLen
		if perSectionMax != nil {
			allowedByPer = minInt(originalLen, *perSectionMax)
		}
		allowedByTotal := originalLen
		if remaining != nil {
			allowedByTotal = minInt(originalLen, maxInt(0, *remaining))
		}
		allow := minInt(allowedByPer, allowedByTotal)

		trimmed, truncated := summarize(s.Content, allow, strategy)
		newLen := len([]rune(trimmed))

		reason := "none"
		perApplied := perSectionMax != nil && allowedByPer < originalLen && allowedByPer == allow
		totApplied := remaining != nil && allowedByTotal < originalLen && allowedByTotal == allow
		if truncated {
			switch {
			case perApplied && totApplied:
				reason = "both"
			case perApplied:
				reason = "per_section"
			case totApplied:
				reason = "total"
			}
		}

		s.Content = trimmed
		s.Budget = &model.SectionBudget{
			OriginalLen: originalLen, NewLen: newLen, Truncated: truncated,
			Strategy: strategy, Allowed: allow, AllowedByPerSect: allowedByPer,
			AllowedByTotal: allowedByTotal, TruncatedReason: reason,
		}
		out = append(out, s)
		combinedParts = append(combinedParts, renderSection(s))
		totalNew += newLen

		if remaining != nil {
			*remaining -= newLen
			if *remaining < 0 {
				*remaining = 0
			}
		}
	}

	bundle.Sections = out
	bundle.Combined = strings.Join(combinedParts, "\n\n")
	bundle.BudgetInfo = &model.BudgetInfo{
		MaxChars: maxChars, PerSectionMax: perSectionMax, Strategy: strategy,
		TotalOriginalChars: totalOriginal, TotalNewChars: totalNew,
	}
	return bundle
}

func renderSection(s model.ContextSection) string {
	header := s.ShortName
	if header == "" {
		header = s.Name
	}
	return "## " + header + "\n\n" + s.Content
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
