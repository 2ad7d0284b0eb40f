// Package expander rewrites a user query into a small set of phrasing
// variants before retrieval. Chat queries about past conversation rarely
// reuse the original wording ("remember when..." vs what was actually
// said), so searching several phrasings raises recall without touching
// precision-sensitive ranking.
package expander

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/masamong/recall/internal/storage"
)

const (
	// DefaultMaxVariants bounds the variant set, original included.
	DefaultMaxVariants = 3

	// MaxVariantLen drops degenerate variants that would blow up FTS queries.
	MaxVariantLen = 120
)

// phrase substitutions tried against the lowercased query. Each match
// produces one variant per replacement.
var substitutions = []struct {
	from string
	to   []string
}{
	// Korean recall phrasings
	{"기억나", []string{"말했", "얘기했"}},
	{"기억해", []string{"말했", "얘기했"}},
	{"뭐라고 했", []string{"말했", "얘기했"}},
	{"뭐였", []string{"말했", "무엇"}},
	{"언제였", []string{"언제 말했", "언제"}},
	{"얘기했었", []string{"말했", "대화했"}},

	// English recall phrasings
	{"remember when", []string{"said", "talked about"}},
	{"do you remember", []string{"said", "mentioned"}},
	{"what did", []string{"said", "mentioned"}},
	{"when did", []string{"said", "when"}},
	{"talked about", []string{"said", "mentioned"}},
}

// leading filler that carries no search signal.
var fillerPrefixes = []string{
	"혹시", "그때", "저번에", "아까",
	"hey", "um", "so",
}

// request suffixes appended to a punctuation-free base, recovering the
// imperative phrasings stored messages tend to use.
var suffixTemplates = []string{
	" 말해줘", " 알려줘",
}

// Embedder scores variants against recent conversation. Optional.
type Embedder interface {
	Embed(ctx context.Context, text string) []float32
}

// Expander generates query variants. With an embedder attached, variants
// are ranked by similarity to recent conversation; without one, ranking is
// deterministic. Expansion never fails: the worst case is the original
// query alone.
type Expander struct {
	embed Embedder
	log   *zap.Logger

	MaxVariants int
}

// New creates an Expander. Both arguments may be nil.
func New(embed Embedder, log *zap.Logger) *Expander {
	if log == nil {
		log = zap.NewNop()
	}
	return &Expander{
		embed:       embed,
		log:         log,
		MaxVariants: DefaultMaxVariants,
	}
}

// Expand returns up to MaxVariants query phrasings. The original query is
// always first; the rest are alternatives ordered by estimated usefulness.
// recentContext, when non-empty, steers ranking toward the conversation's
// current topic.
func (e *Expander) Expand(ctx context.Context, query string, recentContext []string) []string {
	original := strings.TrimSpace(query)
	if original == "" {
		return nil
	}

	max := e.MaxVariants
	if max < 1 {
		max = 1
	}

	candidates := e.generate(original)
	candidates = e.rank(ctx, candidates, recentContext)

	variants := []string{original}
	for _, c := range candidates {
		if len(variants) >= max {
			break
		}
		variants = append(variants, c)
	}
	return variants
}

// generate produces deduplicated candidate rewrites, original excluded.
func (e *Expander) generate(original string) []string {
	seen := map[string]bool{original: true}
	var candidates []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] || len([]rune(v)) > MaxVariantLen {
			return
		}
		seen[v] = true
		candidates = append(candidates, v)
	}

	lower := strings.ToLower(original)

	// Phrase substitutions.
	for _, sub := range substitutions {
		idx := strings.Index(lower, sub.from)
		if idx < 0 {
			continue
		}
		for _, to := range sub.to {
			add(original[:idx] + to + original[idx+len(sub.from):])
		}
	}

	// Strip filler prefixes.
	stripped := original
	for changed := true; changed; {
		changed = false
		for _, prefix := range fillerPrefixes {
			if strings.HasPrefix(strings.ToLower(stripped), prefix+" ") {
				stripped = strings.TrimSpace(stripped[len(prefix)+1:])
				changed = true
			}
		}
	}
	add(stripped)

	// Punctuation-free variant helps when the original is mostly a question.
	base := strings.TrimRight(original, "?!.…~ ")
	add(base)

	if base != "" {
		for _, suffix := range suffixTemplates {
			add(base + suffix)
		}
	}

	return candidates
}

// rank orders candidates. With an embedder and context, candidates closer
// to the recent conversation come first; otherwise shorter candidates win,
// ties broken lexicographically so the result is stable.
func (e *Expander) rank(ctx context.Context, candidates []string, recentContext []string) []string {
	if len(candidates) < 2 {
		return candidates
	}

	if e.embed != nil && len(recentContext) > 0 {
		if ranked, ok := e.rankByContext(ctx, candidates, recentContext); ok {
			return ranked
		}
	}

	ranked := make([]string, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		li, lj := len([]rune(ranked[i])), len([]rune(ranked[j]))
		if li != lj {
			return li < lj
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}

func (e *Expander) rankByContext(ctx context.Context, candidates []string, recentContext []string) ([]string, bool) {
	contextVector := e.embed.Embed(ctx, strings.Join(recentContext, "\n"))
	if contextVector == nil {
		return nil, false
	}

	type scored struct {
		text string
		sim  float64
	}
	scoredCandidates := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		v := e.embed.Embed(ctx, c)
		if v == nil {
			// Partial embedding failure: fall back to deterministic order
			// rather than ranking on incomplete evidence.
			return nil, false
		}
		scoredCandidates = append(scoredCandidates, scored{
			text: c,
			sim:  storage.CosineSimilarity(contextVector, v),
		})
	}

	sort.SliceStable(scoredCandidates, func(i, j int) bool {
		return scoredCandidates[i].sim > scoredCandidates[j].sim
	})

	ranked := make([]string, len(scoredCandidates))
	for i, s := range scoredCandidates {
		ranked[i] = s.text
	}
	return ranked, true
}
