// Package problem implements the problem generator (component H): it
// walks a commit's module changes in topological order and emits
// C3Problems gated by training/eval mode, threading the rolling
// processed-span history the relevance selector (G) needs for
// relevant_changes.
//
// Grounded on original_source/src/coeditor/code_change.py's
// JProjectChange commit-walk loop shape (accumulate-then-gate-then-emit)
// and the teacher's internal/pipeline/pipeline.go convention of
// sequencing and logging discrete named passes.
package problem

import (
	"log/slog"
	"sort"

	"github.com/DeusData/c3flow/internal/moduldiff"
	"github.com/DeusData/c3flow/internal/ppath"
	"github.com/DeusData/c3flow/internal/pyscope"
	"github.com/DeusData/c3flow/internal/relevance"
	"github.com/DeusData/c3flow/internal/usage"
)

// SrcInfo carries the commit provenance a C3Problem is attributed to
// (spec.md §3's src_info, supplemented with the fields original_source
// retains per-edit).
type SrcInfo struct {
	CommitHash string
	Author     string
	Message    string
}

// C3Problem is the primary artifact of the pipeline (spec.md §3).
type C3Problem struct {
	Span              moduldiff.ChangedSpan
	RelevantChanges   []moduldiff.ChangedSpan
	RelevantUnchanged []relevance.Fragment
	SrcInfo           SrcInfo
}

// Generate implements spec.md §4.8. changed is one commit's per-module
// changes; liveModules is the full post-commit module set (used for
// topological ordering and for resolving usages against the current
// code); preModules is the full pre-commit module set (used by the
// relevance selector to resolve unchanged fragments against the pre-edit
// snapshot); sources holds liveModules' current source text.
func Generate(
	changed map[ppath.ModulePath]moduldiff.ModuleChange,
	liveModules map[ppath.ModulePath]*pyscope.JModule,
	preModules map[ppath.ModulePath]*pyscope.JModule,
	sources map[ppath.ModulePath][]byte,
	trainingMode bool,
	src SrcInfo,
) []C3Problem {
	order := usage.TopologicalOrder(liveModules)

	var problems []C3Problem
	var processed []moduldiff.ChangedSpan // rolling processed_cspans (spec.md §4.7/§4.8)

	for _, m := range order {
		mc, ok := changed[m]
		if !ok {
			continue
		}

		spans := make([]moduldiff.ChangedSpan, 0, len(mc.Changed))
		for _, sp := range mc.Changed {
			spans = append(spans, sp)
		}
		sort.SliceStable(spans, func(i, j int) bool {
			return spans[i].LineRange.Start < spans[j].LineRange.Start
		})

		for _, span := range spans {
			relevantChanges := latestFirst(processed)

			if shouldEmit(span, trainingMode) {
				problems = append(problems, C3Problem{
					Span:              span,
					RelevantChanges:   relevantChanges,
					RelevantUnchanged: relevantUnchangedFor(span, m, relevantChanges, liveModules, preModules, sources),
					SrcInfo:           src,
				})
			}

			processed = append(processed, span)
		}
	}

	slog.Debug("problem.generate", "commit", src.CommitHash, "problems", len(problems))
	return problems
}

// shouldEmit implements spec.md §4.8's gating rule, extended per its
// worked edge case (an Added span in training mode also yields a
// problem; see DESIGN.md's Open Questions resolved).
func shouldEmit(span moduldiff.ChangedSpan, trainingMode bool) bool {
	switch {
	case span.Change.IsModified():
		return trainingMode || span.IsFuncBody()
	case span.Change.IsAdded():
		return trainingMode
	default:
		return false
	}
}

// relevantUnchangedFor resolves G's contribution for one emitted span,
// excluding fragments that coincide with the span itself or with any
// already-listed changed span (spec.md §4.7's dedup rule, and the
// relevance-uniqueness invariant of spec.md §8).
func relevantUnchangedFor(
	span moduldiff.ChangedSpan,
	module ppath.ModulePath,
	relevantChanges []moduldiff.ChangedSpan,
	liveModules, preModules map[ppath.ModulePath]*pyscope.JModule,
	sources map[ppath.ModulePath][]byte,
) []relevance.Fragment {
	alreadyListed := make(map[relevance.FragKey]bool, len(relevantChanges)+1)
	alreadyListed[relevance.FragKey{Module: module, Start: span.LineRange.Start, End: span.LineRange.End}] = true
	for _, rc := range relevantChanges {
		alreadyListed[relevance.FragKey{Module: rc.Path().Module, Start: rc.LineRange.Start, End: rc.LineRange.End}] = true
	}

	lines := queryLines(span)
	analysis, err := usage.AnalyzeModule(liveModules, sources, module, lines)
	if err != nil {
		slog.Warn("problem.relevant_unchanged: usage analysis failed", "module", module, "error", err)
		return nil
	}
	return relevance.SelectUnchanged(span, preModules, analysis, alreadyListed)
}

func queryLines(span moduldiff.ChangedSpan) map[int]bool {
	lines := make(map[int]bool)
	for l := span.LineRange.Start; l < span.LineRange.End; l++ {
		lines[l] = true
	}
	hr := span.HeaderLineRange()
	for l := hr.Start; l < hr.End; l++ {
		lines[l] = true
	}
	return lines
}

// latestFirst reverses processed so the most recently considered span
// comes first (spec.md §4.7: "reverse chronological").
func latestFirst(processed []moduldiff.ChangedSpan) []moduldiff.ChangedSpan {
	out := make([]moduldiff.ChangedSpan, len(processed))
	for i, s := range processed {
		out[len(processed)-1-i] = s
	}
	return out
}
