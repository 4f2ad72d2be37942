// Package token implements the token packer (component I): it converts a
// C3Problem into one or more TkC3Problem records bounded by a fixed set of
// token budgets, per spec.md §4.9.
//
// Grounded on original_source/src/coeditor/encoding.py's chunking loop
// (walk the line delta, close a chunk on line-count/budget/finality,
// inline above/below context into spare query budget, then greedily fill
// a reference budget) and the teacher's internal/pipeline convention of a
// single entry point (Pack) composed from small, separately-tested steps.
//
// No library in the retrieved pack exposes a BPE/SentencePiece tokenizer
// (grepped across every example go.mod), so "tokens" here are a
// simplified whitespace-split stand-in (strings.Fields) rather than a
// model vocabulary's subword units. This is a documented simplification,
// not a corpus-available choice; see DESIGN.md's component I entry.
package token

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DeusData/c3flow/internal/change"
	"github.com/DeusData/c3flow/internal/delta"
	"github.com/DeusData/c3flow/internal/moduldiff"
	"github.com/DeusData/c3flow/internal/ppath"
	"github.com/DeusData/c3flow/internal/problem"
	"github.com/DeusData/c3flow/internal/pyscope"
	"github.com/DeusData/c3flow/internal/relevance"
	"github.com/zeebo/xxh3"
)

// Token is one entry of the packer's simplified token stream.
type Token string

// Caps bundles the hard budgets spec.md §4.9 packs against.
type Caps struct {
	MaxRefTks        int
	MaxQueryTks      int
	MaxOutputTks     int
	MaxScopeTks      int
	MaxLinesToEdit   int
	RefChunkOverlap  int
	MaxTotalRefTks   int
	MaxChunksPerElem int
}

// DefaultCaps mirrors spec.md §4.9's default values.
func DefaultCaps() Caps {
	return Caps{
		MaxRefTks:        512,
		MaxQueryTks:      512,
		MaxOutputTks:     256,
		MaxScopeTks:      128,
		MaxLinesToEdit:   20,
		RefChunkOverlap:  32,
		MaxTotalRefTks:   32768,
		MaxChunksPerElem: 4,
	}
}

// NamedReference is one entry of a TkC3Problem's ordered reference list.
type NamedReference struct {
	Name   string
	Tokens []Token
}

// TkC3Problem is the packer's emitted artifact (spec.md §3, §4.9).
type TkC3Problem struct {
	InputTks        []Token
	OutputTks       []Token
	Path            ppath.ProjectPath
	ChangeType      byte
	NamedReferences []NamedReference
	SrcInfo         problem.SrcInfo
}

// Caches holds the two FIFO, content-hash-keyed caches spec.md's original
// describes as identity-keyed (Python objects are hashable by identity;
// Go values are not, so these key on an xxh3 hash of each change's
// content instead — see DESIGN.md).
type Caches struct {
	scopeHeaders *fifoCache
	changeBodies *fifoCache
}

// NewCaches builds a pair of FIFO caches with the default capacity (1000
// entries, per spec.md's original cache sizing).
func NewCaches() *Caches {
	return &Caches{scopeHeaders: newFIFOCache(1000), changeBodies: newFIFOCache(1000)}
}

type fifoCache struct {
	capacity int
	order    []uint64
	data     map[uint64][]Token
}

func newFIFOCache(capacity int) *fifoCache {
	return &fifoCache{capacity: capacity, data: make(map[uint64][]Token)}
}

func (c *fifoCache) get(k uint64) ([]Token, bool) {
	v, ok := c.data[k]
	return v, ok
}

func (c *fifoCache) put(k uint64, v []Token) {
	if _, exists := c.data[k]; exists {
		c.data[k] = v
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.data, oldest)
	}
	c.order = append(c.order, k)
	c.data[k] = v
}

// Pack implements spec.md §4.9's full pipeline for one C3Problem.
func Pack(p problem.C3Problem, caps Caps, caches *Caches) []TkC3Problem {
	if caches == nil {
		caches = NewCaches()
	}

	changedRefs := chunkTokens(buildReferenceStream(buildChangedRefEntries(p.RelevantChanges, caches), caches), caps.MaxRefTks, caps.RefChunkOverlap, "changed ref")
	unchangedRefs := chunkTokens(buildReferenceStream(buildUnchangedRefEntries(p.RelevantUnchanged), caches), caps.MaxRefTks, caps.RefChunkOverlap, "unchanged ref")
	scopeHeader := parentScopeHeaderTokens(p.Span, caches)

	before, hasBefore := p.Span.Change.Before()
	after, hasAfter := p.Span.Change.After()
	var originalLines, newLines []string
	if hasBefore {
		originalLines = splitNonEmpty(before)
	}
	if hasAfter {
		newLines = splitNonEmpty(after)
	}
	d := delta.DiffLines(originalLines, newLines)
	if d.IsEmpty() {
		return nil
	}

	var problems []TkC3Problem
	var chunkInput, chunkOutput []Token
	chunkLines := 0
	var aboveTks []Token
	nextID := 0

	flush := func(i int, final bool) {
		if len(chunkOutput) > 0 {
			below := belowTokens(originalLines, i, final)
			rec := assembleRecord(p, caps, scopeHeader, chunkInput, chunkOutput, aboveTks, below, changedRefs, unchangedRefs)
			problems = append(problems, rec)
			aboveTks = append(append([]Token(nil), aboveTks...), chunkOutput...)
		}
		chunkInput, chunkOutput = nil, nil
		chunkLines = 0
		nextID = 0
	}

	for i := 0; i < d.Len(); i++ {
		toks := d.TokensAt(i)

		var pendingInput, pendingOutput []Token
		if len(toks) > 0 {
			id := nextID
			nextID++
			pendingInput = append(pendingInput, extraID(id))
			for _, t := range toks {
				pendingOutput = append(pendingOutput, extraID(id))
				pendingOutput = append(pendingOutput, tokenizeDeltaText(t.Text)...)
			}
		}
		var lineToks []Token
		if i < len(originalLines) {
			lineToks = tokenizeText(originalLines[i])
		}
		pendingInput = append(pendingInput, lineToks...)

		if len(chunkInput) > 0 && len(chunkInput)+len(pendingInput) > caps.MaxQueryTks {
			flush(i, false)
		}

		chunkInput = append(chunkInput, pendingInput...)
		chunkOutput = append(chunkOutput, pendingOutput...)
		if i < len(originalLines) {
			chunkLines++
		}

		final := i == d.Len()-1
		if chunkLines >= caps.MaxLinesToEdit || final {
			flush(i+1, final)
			if len(problems) >= caps.MaxChunksPerElem {
				break
			}
		}
	}

	return problems
}

func assembleRecord(p problem.C3Problem, caps Caps, scopeHeader, chunkInput, chunkOutput, aboveTks, belowTks []Token, changedRefs, unchangedRefs []NamedReference) TkC3Problem {
	spare := caps.MaxQueryTks - len(chunkInput)
	if spare < 0 {
		spare = 0
	}
	leftBudget := spare / 2
	rightBudget := spare - leftBudget

	inlinedAbove, leftoverAbove := splitInline(aboveTks, leftBudget, true)
	inlinedBelow, leftoverBelow := splitInline(belowTks, rightBudget, false)

	input := append(append(append([]Token{}, inlinedAbove...), chunkInput...), inlinedBelow...)
	if len(input) > caps.MaxQueryTks {
		input = input[:caps.MaxQueryTks]
	}

	output := chunkOutput
	if len(output) > caps.MaxOutputTks {
		output = output[:caps.MaxOutputTks]
	}

	header := scopeHeader
	if len(header) > caps.MaxScopeTks {
		header = header[len(header)-caps.MaxScopeTks:]
	}
	inputTks := append(append([]Token{}, header...), input...)
	if len(inputTks) > caps.MaxQueryTks {
		inputTks = inputTks[:caps.MaxQueryTks]
	}

	aboveChunks := chunkTokens(leftoverAbove, caps.MaxRefTks, caps.RefChunkOverlap, "")
	n := len(aboveChunks)
	for idx := range aboveChunks {
		aboveChunks[idx].Name = fmt.Sprintf("above ref %d", -(n - idx))
	}
	belowChunks := chunkTokens(leftoverBelow, caps.MaxRefTks, caps.RefChunkOverlap, "")
	for idx := range belowChunks {
		belowChunks[idx].Name = fmt.Sprintf("below ref %d", idx+1)
	}

	var namedReferences []NamedReference
	total := 0
	candidates := append(append(append([]NamedReference{}, aboveChunks...), belowChunks...), append(append([]NamedReference{}, changedRefs...), unchangedRefs...)...)
	for _, c := range candidates {
		if total+len(c.Tokens) > caps.MaxTotalRefTks {
			continue
		}
		namedReferences = append(namedReferences, c)
		total += len(c.Tokens)
	}

	return TkC3Problem{
		InputTks:        inputTks,
		OutputTks:       output,
		Path:            p.Span.Path(),
		ChangeType:      p.Span.Change.AsChar(),
		NamedReferences: namedReferences,
		SrcInfo:         p.SrcInfo,
	}
}

func belowTokens(originalLines []string, i int, final bool) []Token {
	if final || i >= len(originalLines) {
		return nil
	}
	return tokenizeText(strings.Join(originalLines[i:], "\n"))
}

// splitInline takes up to budget tokens from tks (the tail if keepTail,
// else the head), returning what was inlined and what remains as leftover
// (spec.md §4.9 step 3c).
func splitInline(tks []Token, budget int, keepTail bool) (inlined, leftover []Token) {
	if budget <= 0 || len(tks) == 0 {
		return nil, tks
	}
	if len(tks) <= budget {
		return tks, nil
	}
	if keepTail {
		cut := len(tks) - budget
		return tks[cut:], tks[:cut]
	}
	return tks[:budget], tks[budget:]
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func tokenizeText(text string) []Token {
	fields := strings.Fields(text)
	out := make([]Token, len(fields))
	for i, f := range fields {
		out[i] = Token(f)
	}
	return out
}

func tokenizeDeltaText(text string) []Token {
	return tokenizeText(text)
}

func extraID(k int) Token {
	return Token(fmt.Sprintf("<extra_id_%d>", k))
}

// refEntry is one reference-stream contributor: either a changed span or
// an unchanged fragment, normalized to (module, position, scope prefix,
// body tokens) for step 1's grouped tokenization.
type refEntry struct {
	module      ppath.ModulePath
	lineStart   int
	scopePrefix string
	hasScope    bool
	scopeChange change.Change[*pyscope.ScopeTree]
	body        []Token
}

func buildChangedRefEntries(spans []moduldiff.ChangedSpan, caches *Caches) []refEntry {
	out := make([]refEntry, 0, len(spans))
	for _, sp := range spans {
		e := refEntry{
			module:      sp.Path().Module,
			lineStart:   sp.LineRange.Start,
			scopePrefix: sp.Path().String(),
			body:        changeBodyTokens(caches, sp.Change),
		}
		if len(sp.ParentScopes) > 0 {
			e.hasScope = true
			e.scopeChange = sp.ParentScopes[len(sp.ParentScopes)-1]
		}
		out = append(out, e)
	}
	return out
}

func buildUnchangedRefEntries(fragments []relevance.Fragment) []refEntry {
	out := make([]refEntry, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, refEntry{
			module:      f.Key.Module,
			lineStart:   f.Key.Start,
			scopePrefix: f.FullName,
			body:        tokenizeText(f.Code),
		})
	}
	return out
}

// buildReferenceStream implements spec.md §4.9 step 1: group by module,
// sort by line_range.start, interleave a scope-header token run whenever
// the scope prefix changes.
func buildReferenceStream(entries []refEntry, caches *Caches) []Token {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].module != entries[j].module {
			return entries[i].module < entries[j].module
		}
		return entries[i].lineStart < entries[j].lineStart
	})

	var stream []Token
	lastModule := ppath.ModulePath("")
	lastPrefix := ""
	first := true
	for _, e := range entries {
		if first || e.module != lastModule {
			stream = append(stream, Token(fmt.Sprintf("# module %s", e.module)))
			lastPrefix = ""
		}
		if e.scopePrefix != lastPrefix {
			var header []Token
			if e.hasScope {
				header = scopeHeaderTokens(caches, e.scopeChange)
			} else {
				header = tokenizeText("# " + e.scopePrefix)
			}
			stream = append(stream, header...)
			lastPrefix = e.scopePrefix
		}
		stream = append(stream, e.body...)
		lastModule = e.module
		first = false
	}
	return stream
}

// chunkTokens breaks stream into overlapping windows of size chunkSize
// with chunkOverlap overlap between consecutive windows, named
// "{namePrefix} {i}" (i starting at 0). Used for both step 1's reference
// chunking and step 3e's leftover above/below chunking (where namePrefix
// is empty and the caller assigns signed names afterward).
func chunkTokens(stream []Token, chunkSize, chunkOverlap int, namePrefix string) []NamedReference {
	if chunkSize <= 0 || len(stream) == 0 {
		return nil
	}
	overlap := chunkOverlap
	if overlap >= chunkSize {
		overlap = chunkSize - 1
	}
	if overlap < 0 {
		overlap = 0
	}
	step := chunkSize - overlap
	if step <= 0 {
		step = chunkSize
	}

	var out []NamedReference
	i, idx := 0, 0
	for i < len(stream) {
		end := i + chunkSize
		if end > len(stream) {
			end = len(stream)
		}
		name := fmt.Sprintf("%d", idx)
		if namePrefix != "" {
			name = fmt.Sprintf("%s %d", namePrefix, idx)
		}
		out = append(out, NamedReference{Name: name, Tokens: append([]Token(nil), stream[i:end]...)})
		idx++
		if end == len(stream) {
			break
		}
		i += step
	}
	return out
}

// parentScopeHeaderTokens tokenizes span's innermost parent scope's header
// (spec.md §4.9 step 3f's scope-header tokens).
func parentScopeHeaderTokens(span moduldiff.ChangedSpan, caches *Caches) []Token {
	if len(span.ParentScopes) == 0 {
		return nil
	}
	return scopeHeaderTokens(caches, span.ParentScopes[len(span.ParentScopes)-1])
}

func scopeHeaderTokens(caches *Caches, sc change.Change[*pyscope.ScopeTree]) []Token {
	key := hashScopeChange(sc)
	if caches != nil {
		if cached, ok := caches.scopeHeaders.get(key); ok {
			return cached
		}
	}
	scope := sc.Later()
	if scope == nil {
		scope = sc.Earlier()
	}
	var toks []Token
	if scope != nil && len(scope.Spans) > 0 {
		toks = tokenizeText(fmt.Sprintf("# %s\n%s", scope.Path.String(), firstLine(scope.Spans[0].Code)))
	} else if scope != nil {
		toks = tokenizeText("# " + scope.Path.String())
	}
	if caches != nil {
		caches.scopeHeaders.put(key, toks)
	}
	return toks
}

func changeBodyTokens(caches *Caches, c change.Change[string]) []Token {
	key := hashChangeString(c)
	if caches != nil {
		if cached, ok := caches.changeBodies.get(key); ok {
			return cached
		}
	}
	var toks []Token
	switch {
	case c.IsAdded():
		toks = append([]Token{"+"}, tokenizeText(c.Later())...)
	case c.IsDeleted():
		toks = append([]Token{"-"}, tokenizeText(c.Earlier())...)
	default:
		before, _ := c.Before()
		after, _ := c.After()
		toks = append([]Token{"-"}, tokenizeText(before)...)
		toks = append(toks, "+")
		toks = append(toks, tokenizeText(after)...)
	}
	if caches != nil {
		caches.changeBodies.put(key, toks)
	}
	return toks
}

func hashChangeString(c change.Change[string]) uint64 {
	var b strings.Builder
	b.WriteByte(byte(c.Kind()))
	b.WriteByte(0)
	b.WriteString(c.Earlier())
	b.WriteByte(1)
	b.WriteString(c.Later())
	return xxh3.HashString(b.String())
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// hashScopeChange and hashChangeString key the two FIFO caches on content
// rather than object identity: Go values have no stable identity the way
// Python's id()-keyed caches rely on, so the cache key is an xxh3 hash of
// each side's text (see DESIGN.md's component I entry).
func hashScopeChange(c change.Change[*pyscope.ScopeTree]) uint64 {
	var b strings.Builder
	if s := c.Earlier(); s != nil {
		b.WriteString(s.Path.String())
		b.WriteByte(0)
		for _, sp := range s.Spans {
			b.WriteString(sp.Code)
		}
	}
	b.WriteByte(1)
	if s := c.Later(); s != nil {
		b.WriteString(s.Path.String())
		b.WriteByte(0)
		for _, sp := range s.Spans {
			b.WriteString(sp.Code)
		}
	}
	return xxh3.HashString(b.String())
}
