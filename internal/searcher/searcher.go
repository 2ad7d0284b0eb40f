package searcher

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/masamong/recall/internal/expander"
	"github.com/masamong/recall/internal/reranker"
	"github.com/masamong/recall/internal/storage"
	"github.com/masamong/recall/internal/textutil"
	"github.com/masamong/recall/pkg/types"
)

// Fusion modes
const (
	FusionWeighted = "weighted"
	FusionRRF      = "rrf"
)

const (
	// DefaultTopK is how many entries a search returns.
	DefaultTopK = 4

	// DefaultBranchLimit bounds candidates per retrieval branch.
	DefaultBranchLimit = 10

	// DefaultMinSimilarity filters weak dense matches before fusion.
	DefaultMinSimilarity = 0.6

	// Default fusion weights. Dense similarity leads but cannot drown out a
	// strong keyword match.
	DefaultWeightEmbedding = 0.55
	DefaultWeightLexical   = 0.45

	// rrfK is the standard reciprocal-rank-fusion constant.
	rrfK = 60

	// DefaultBranchTimeout caps each retrieval branch. A slow branch loses
	// its vote; it never stalls the search.
	DefaultBranchTimeout = 3 * time.Second

	// DefaultNeighborRadius is how many turns around a focal message are
	// fetched when the hit arrived without a window.
	DefaultNeighborRadius = 3

	// OriginDiscord labels live-history candidates in composite ids.
	OriginDiscord = "discord"
)

// Config tunes the search pipeline. Zero values take the defaults above.
type Config struct {
	TopK            int
	BranchLimit     int
	MinSimilarity   float64
	WeightEmbedding float64
	WeightLexical   float64
	Fusion          string
	BranchTimeout   time.Duration
	NeighborRadius  int

	CacheSize int
	CacheTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.BranchLimit <= 0 {
		c.BranchLimit = DefaultBranchLimit
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = DefaultMinSimilarity
	}
	if c.WeightEmbedding <= 0 {
		c.WeightEmbedding = DefaultWeightEmbedding
	}
	if c.WeightLexical <= 0 {
		c.WeightLexical = DefaultWeightLexical
	}
	if c.Fusion == "" {
		c.Fusion = FusionWeighted
	}
	if c.BranchTimeout <= 0 {
		c.BranchTimeout = DefaultBranchTimeout
	}
	if c.NeighborRadius <= 0 {
		c.NeighborRadius = DefaultNeighborRadius
	}
	return c
}

// Embedder turns text into an optional query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) []float32
}

// Searcher orchestrates hybrid retrieval: query expansion, concurrent
// dense and lexical branches, score fusion, dialogue-window hydration and
// optional cross-encoder reranking.
//
// Search degrades instead of failing. Every dependency past the history
// database is optional, and a branch that errors or times out simply
// contributes no candidates.
type Searcher struct {
	history  *storage.HistoryStore
	lexical  *storage.LexicalIndex
	archives []*storage.ArchiveStore
	embed    Embedder
	expand   *expander.Expander
	rerank   *reranker.Reranker
	log      *zap.Logger
	cfg      Config
	cache    *resultCache
}

// Option configures optional pipeline stages.
type Option func(*Searcher)

// WithEmbedder attaches the dense-retrieval branch.
func WithEmbedder(e Embedder) Option {
	return func(s *Searcher) { s.embed = e }
}

// WithExpander attaches query expansion.
func WithExpander(e *expander.Expander) Option {
	return func(s *Searcher) { s.expand = e }
}

// WithReranker attaches cross-encoder reranking.
func WithReranker(r *reranker.Reranker) Option {
	return func(s *Searcher) { s.rerank = r }
}

// WithArchives attaches read-only chat-export stores.
func WithArchives(archives ...*storage.ArchiveStore) Option {
	return func(s *Searcher) { s.archives = append(s.archives, archives...) }
}

// New builds a Searcher over the history store and lexical index.
func New(history *storage.HistoryStore, lexical *storage.LexicalIndex, cfg Config, log *zap.Logger, opts ...Option) *Searcher {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	s := &Searcher{
		history: history,
		lexical: lexical,
		log:     log,
		cfg:     cfg,
		cache:   newResultCache(cfg.CacheSize, cfg.CacheTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SearchRequest is one retrieval call. GuildID and ChannelID, when set,
// scope lexical and dense retrieval to that guild or channel; UserID is
// carried for tracing only.
type SearchRequest struct {
	Query     string
	GuildID   int64
	ChannelID int64
	UserID    int64

	// TopK overrides the configured result count when positive.
	TopK int

	// RecentContext steers query expansion toward the live topic.
	RecentContext []string

	// SkipRerank bypasses the cross-encoder even when configured.
	SkipRerank bool
}

// Search runs the full pipeline. A blank or unusable query returns an empty
// result; backend trouble costs candidates, not the call.
func (s *Searcher) Search(ctx context.Context, req SearchRequest) *types.RetrievalResult {
	started := time.Now()
	traceID := uuid.NewString()

	query := textutil.CleanContent(req.Query)
	if query == "" {
		return &types.RetrievalResult{}
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	var cacheKey string
	if s.cache != nil {
		cacheKey = s.cache.key(query, req, topK)
		if cached, ok := s.cache.get(cacheKey); ok {
			s.log.Debug("search served from cache",
				zap.String("trace_id", traceID),
				zap.String("query", query))
			return cached
		}
	}

	variants := s.variants(ctx, query, req.RecentContext)
	scope := storage.Scope{GuildID: req.GuildID, ChannelID: req.ChannelID}
	candidates := s.gather(ctx, variants, scope)
	s.fuse(candidates)

	entries := s.order(candidates)
	if len(entries) > topK {
		entries = entries[:topK]
	}

	s.hydrate(ctx, entries)

	if s.rerank != nil && !req.SkipRerank {
		entries = s.rerank.Rerank(ctx, query, entries)
	}

	result := &types.RetrievalResult{
		Entries:       entries,
		QueryVariants: variants,
	}
	if len(entries) > 0 {
		result.TopScore = entries[0].CombinedScore
		if entries[0].Reranked {
			result.TopScore = entries[0].RerankScore
		}
	}

	if s.cache != nil {
		s.cache.set(cacheKey, result)
	}

	s.log.Info("search completed",
		zap.String("trace_id", traceID),
		zap.String("query", query),
		zap.Int64("guild_id", req.GuildID),
		zap.Int64("channel_id", req.ChannelID),
		zap.Int64("user_id", req.UserID),
		zap.Int("variants", len(variants)),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(entries)),
		zap.Duration("elapsed", time.Since(started)))
	return result
}

func (s *Searcher) variants(ctx context.Context, query string, recentContext []string) []string {
	if s.expand == nil {
		return []string{query}
	}
	variants := s.expand.Expand(ctx, query, recentContext)
	if len(variants) == 0 {
		return []string{query}
	}
	return variants
}

// candidate accumulates evidence for one message across branches and
// variants. Scores keep their maximum; text and window keep the first
// finder's version.
type candidate struct {
	id        string
	messageID int64
	channelID int64
	origin    string
	speaker   string
	content   string
	createdAt time.Time

	sim    float64
	hasSim bool
	lex    float64
	hasLex bool

	simRank int // best 1-based rank in any dense branch, 0 = absent
	lexRank int // best 1-based rank in any lexical branch, 0 = absent

	window  []types.Turn
	sources map[string]bool

	combined float64
}

// gather fans out one lexical and one dense branch per variant, each under
// its own timeout, and merges everything by composite id.
func (s *Searcher) gather(ctx context.Context, variants []string, scope storage.Scope) map[string]*candidate {
	candidates := make(map[string]*candidate)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	for _, variant := range variants {
		variant := variant

		if s.lexical != nil {
			g.Go(func() error {
				branchCtx, cancel := context.WithTimeout(gctx, s.cfg.BranchTimeout)
				defer cancel()

				hits := s.lexical.Search(branchCtx, variant, scope, s.cfg.BranchLimit)
				mu.Lock()
				defer mu.Unlock()
				for rank, hit := range hits {
					s.mergeLexical(candidates, hit, rank+1)
				}
				return nil
			})
		}

		if s.embed != nil {
			g.Go(func() error {
				branchCtx, cancel := context.WithTimeout(gctx, s.cfg.BranchTimeout)
				defer cancel()

				vector := s.embed.Embed(branchCtx, variant)
				if vector == nil {
					return nil
				}

				hits, err := s.history.SemanticCandidates(branchCtx, vector, scope, s.cfg.BranchLimit, s.cfg.MinSimilarity)
				if err != nil {
					s.log.Warn("dense branch failed",
						zap.String("variant", variant),
						zap.Error(err))
				} else {
					mu.Lock()
					for rank, hit := range hits {
						s.mergeSemantic(candidates, hit, rank+1)
					}
					mu.Unlock()
				}

				for _, archive := range s.archives {
					archiveHits, err := archive.SemanticCandidates(branchCtx, vector, s.cfg.BranchLimit, s.cfg.MinSimilarity)
					if err != nil {
						s.log.Warn("archive branch failed",
							zap.String("archive", archive.Label()),
							zap.Error(err))
						continue
					}
					mu.Lock()
					for rank, hit := range archiveHits {
						s.mergeArchive(candidates, archive.Label(), hit, rank+1)
					}
					mu.Unlock()
				}
				return nil
			})
		}
	}

	// Branches never return errors; Wait only observes ctx cancellation.
	_ = g.Wait()
	return candidates
}

func (s *Searcher) mergeLexical(candidates map[string]*candidate, hit storage.LexicalHit, rank int) {
	id := OriginDiscord + ":" + itoa(hit.MessageID)
	c := s.ensure(candidates, id, hit.MessageID, OriginDiscord, hit.Speaker, hit.Content, hit.CreatedAt)
	c.channelID = hit.ChannelID
	if !c.hasLex || hit.Normalized > c.lex {
		c.lex = hit.Normalized
		c.hasLex = true
	}
	if c.lexRank == 0 || rank < c.lexRank {
		c.lexRank = rank
	}
	if len(c.window) == 0 {
		c.window = hit.Window
	}
	c.sources[types.SourceLexical] = true
}

func (s *Searcher) mergeSemantic(candidates map[string]*candidate, hit storage.SemanticHit, rank int) {
	m := hit.Message
	id := OriginDiscord + ":" + itoa(m.MessageID)
	c := s.ensure(candidates, id, m.MessageID, OriginDiscord, m.UserName, m.Content, m.CreatedAt)
	c.channelID = m.ChannelID
	if !c.hasSim || hit.Similarity > c.sim {
		c.sim = hit.Similarity
		c.hasSim = true
	}
	if c.simRank == 0 || rank < c.simRank {
		c.simRank = rank
	}
	c.sources[types.SourceEmbedding] = true
}

func (s *Searcher) mergeArchive(candidates map[string]*candidate, label string, hit storage.ArchiveHit, rank int) {
	id := label + ":" + itoa(hit.ID)
	c := s.ensure(candidates, id, hit.ID, label, hit.Speaker, hit.Content, hit.CreatedAt)
	if !c.hasSim || hit.Similarity > c.sim {
		c.sim = hit.Similarity
		c.hasSim = true
	}
	if c.simRank == 0 || rank < c.simRank {
		c.simRank = rank
	}
	c.sources[types.SourceEmbedding] = true
}

func (s *Searcher) ensure(candidates map[string]*candidate, id string, messageID int64, origin, speaker, content string, createdAt time.Time) *candidate {
	if c, ok := candidates[id]; ok {
		return c
	}
	c := &candidate{
		id:        id,
		messageID: messageID,
		origin:    origin,
		speaker:   speaker,
		content:   content,
		createdAt: createdAt,
		sources:   make(map[string]bool),
	}
	candidates[id] = c
	return c
}

// fuse assigns each candidate its combined score. Weighted fusion blends
// normalized signals when both exist and passes a lone signal through
// unblended, so single-source hits are not penalized for the other branch
// being unavailable.
func (s *Searcher) fuse(candidates map[string]*candidate) {
	for _, c := range candidates {
		if s.cfg.Fusion == FusionRRF {
			var score float64
			if c.simRank > 0 {
				score += 1.0 / float64(rrfK+c.simRank)
			}
			if c.lexRank > 0 {
				score += 1.0 / float64(rrfK+c.lexRank)
			}
			c.combined = score
			continue
		}

		switch {
		case c.hasSim && c.hasLex:
			c.combined = s.cfg.WeightEmbedding*c.sim + s.cfg.WeightLexical*c.lex
		case c.hasSim:
			c.combined = c.sim
		default:
			c.combined = c.lex
		}
	}
}

// order sorts candidates into entries: combined score desc, dense-sourced
// before lexical-only on ties, newest message last among equals.
func (s *Searcher) order(candidates map[string]*candidate) []types.RetrievalEntry {
	list := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.combined != b.combined {
			return a.combined > b.combined
		}
		if a.hasSim != b.hasSim {
			return a.hasSim
		}
		if a.messageID != b.messageID {
			return a.messageID > b.messageID
		}
		return a.id < b.id
	})

	entries := make([]types.RetrievalEntry, len(list))
	for i, c := range list {
		sources := make([]string, 0, len(c.sources))
		for src := range c.sources {
			sources = append(sources, src)
		}
		sort.Strings(sources)

		entries[i] = types.RetrievalEntry{
			CandidateID:   c.id,
			MessageID:     c.messageID,
			Origin:        c.origin,
			Speaker:       c.speaker,
			Content:       c.content,
			Timestamp:     c.createdAt,
			Similarity:    c.sim,
			HasSimilarity: c.hasSim,
			LexicalScore:  c.lex,
			HasLexical:    c.hasLex,
			Sources:       sources,
			CombinedScore: c.combined,
			Window:        c.window,
		}
	}
	return entries
}

// hydrate attaches a dialogue window to every surviving entry. Lexical hits
// arrive with a time window already; everything else gets sequence
// neighbors. Windows are deduplicated, trimmed around the focal turn and
// rendered once.
func (s *Searcher) hydrate(ctx context.Context, entries []types.RetrievalEntry) {
	radius := s.cfg.NeighborRadius
	for i := range entries {
		e := &entries[i]

		if len(e.Window) == 0 {
			turns, err := s.fetchNeighbors(ctx, e)
			if err != nil {
				s.log.Warn("window hydration failed",
					zap.String("candidate", e.CandidateID),
					zap.Error(err))
			}
			e.Window = turns
		}

		e.Window = trimWindow(dedupeTurns(e.Window), e, radius)
		e.DialogueBlock = types.DialogueBlock(e.Window)
	}
}

func (s *Searcher) fetchNeighbors(ctx context.Context, e *types.RetrievalEntry) ([]types.Turn, error) {
	radius := s.cfg.NeighborRadius
	if e.Origin == OriginDiscord {
		channelID := s.channelOf(ctx, e.MessageID)
		return s.history.Neighbors(ctx, channelID, e.MessageID, radius, radius)
	}
	for _, archive := range s.archives {
		if archive.Label() == e.Origin {
			return archive.ContextAround(ctx, e.MessageID, radius, radius)
		}
	}
	return nil, nil
}

func (s *Searcher) channelOf(ctx context.Context, messageID int64) int64 {
	m, err := s.history.GetMessage(ctx, messageID)
	if err != nil {
		return 0
	}
	return m.ChannelID
}

// dedupeTurns drops repeated message ids, keeping first occurrence and
// chronological order.
func dedupeTurns(turns []types.Turn) []types.Turn {
	if len(turns) < 2 {
		return turns
	}
	seen := make(map[int64]bool, len(turns))
	out := turns[:0]
	for _, t := range turns {
		if seen[t.MessageID] {
			continue
		}
		seen[t.MessageID] = true
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// trimWindow keeps at most radius turns either side of the focal turn. A
// window missing its focal turn gets one synthesized from the entry.
func trimWindow(turns []types.Turn, e *types.RetrievalEntry, radius int) []types.Turn {
	focal := -1
	for i, t := range turns {
		if t.MessageID == e.MessageID {
			focal = i
			break
		}
	}
	if focal < 0 {
		turns = dedupeTurns(append(turns, types.Turn{
			MessageID: e.MessageID,
			Speaker:   e.Speaker,
			Content:   e.Content,
			CreatedAt: e.Timestamp,
		}))
		return trimWindow(turns, e, radius)
	}

	start := focal - radius
	if start < 0 {
		start = 0
	}
	end := focal + radius + 1
	if end > len(turns) {
		end = len(turns)
	}
	return turns[start:end]
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
