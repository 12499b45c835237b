// Package reuse finds prior accepted artifacts similar enough to adapt
// instead of generating from scratch.
package reuse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/appforge-backend/internal/data/repos"
	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/observability"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

var ErrEmbedding = errors.New("reuse: embedding failed")

type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type Config struct {
	Threshold           float64
	GrayFloor           float64
	SemanticWeight      float64
	KeywordWeight       float64
	CandidateLimit      int
	MinBodyBytes        int
	DuplicateSimilarity float64
}

func DefaultConfig() Config {
	return Config{
		Threshold:           0.80,
		GrayFloor:           0.60,
		SemanticWeight:      0.7,
		KeywordWeight:       0.3,
		CandidateLimit:      5,
		MinBodyBytes:        500,
		DuplicateSimilarity: 0.85,
	}
}

type Candidate struct {
	Item    *types.LibraryItem
	Cosine  float64
	Keyword float64
	Hybrid  float64
	// Score is the hybrid similarity scaled by Reliability.
	Score float64
}

// Outcome is the reuse decision for one request.
type Outcome struct {
	Decision   types.Decision
	Item       *types.LibraryItem
	Score      float64
	Threshold  float64
	Candidates int
	Degraded   bool
	// Embedding of the request, kept for library registration.
	Embedding []float32
}

type Engine struct {
	log       *logger.Logger
	items     repos.LibraryItemRepo
	decisions repos.ReuseDecisionRepo
	embed     Embedder
	kw        *KeywordIndex
	cfg       Config
}

func NewEngine(log *logger.Logger, items repos.LibraryItemRepo, decisions repos.ReuseDecisionRepo, embed Embedder, kw *KeywordIndex, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.GrayFloor <= 0 || cfg.GrayFloor >= cfg.Threshold {
		cfg.GrayFloor = def.GrayFloor
	}
	if cfg.SemanticWeight < 0 || cfg.KeywordWeight < 0 || cfg.SemanticWeight+cfg.KeywordWeight == 0 {
		cfg.SemanticWeight, cfg.KeywordWeight = def.SemanticWeight, def.KeywordWeight
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if cfg.MinBodyBytes <= 0 {
		cfg.MinBodyBytes = def.MinBodyBytes
	}
	if cfg.DuplicateSimilarity <= 0 || cfg.DuplicateSimilarity > 1 {
		cfg.DuplicateSimilarity = def.DuplicateSimilarity
	}
	return &Engine{
		log:       log.With("service", "ReuseEngine"),
		items:     items,
		decisions: decisions,
		embed:     embed,
		kw:        kw,
		cfg:       cfg,
	}
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) embedOne(ctx context.Context, text string) ([]float32, error) {
	if e.embed == nil {
		return nil, fmt.Errorf("%w: no embedder configured", ErrEmbedding)
	}
	vecs, err := e.embed.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbedding)
	}
	return vecs[0], nil
}

// RebuildIndex reloads the keyword index from the library table.
func (e *Engine) RebuildIndex(ctx context.Context) (int, error) {
	items, err := e.items.List(dbctx.Context{Ctx: ctx}, "")
	if err != nil {
		return 0, err
	}
	if e.kw == nil {
		return len(items), nil
	}
	if err := e.kw.Rebuild(items); err != nil {
		return 0, err
	}
	return len(items), nil
}

// FindCandidates ranks library items of category against the request by
// reliability-weighted hybrid similarity, best first.
func (e *Engine) FindCandidates(ctx context.Context, request, category string, limit int) ([]Candidate, []float32, error) {
	vec, err := e.embedOne(ctx, request)
	if err != nil {
		return nil, nil, err
	}
	cands, err := e.rank(ctx, vec, request, category)
	if err != nil {
		return nil, vec, err
	}
	if limit <= 0 {
		limit = e.cfg.CandidateLimit
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, vec, nil
}

func (e *Engine) rank(ctx context.Context, vec []float32, request, category string) ([]Candidate, error) {
	items, err := e.items.List(dbctx.Context{Ctx: ctx}, category)
	if err != nil {
		return nil, err
	}
	kw := map[string]float64{}
	if e.kw != nil && len(items) > 0 {
		hits, err := e.kw.Search(Keywords(request), category, len(items))
		if err != nil {
			e.log.Warn("keyword search failed; scoring on cosine only", "error", err)
		} else {
			kw = hits
		}
	}
	out := make([]Candidate, 0, len(items))
	for _, it := range items {
		cos := Cosine(vec, DecodeEmbedding(it.Embedding))
		k, hit := kw[it.ID.String()]
		h := Hybrid(cos, k, hit, e.cfg.SemanticWeight, e.cfg.KeywordWeight)
		out = append(out, Candidate{
			Item:    it,
			Cosine:  cos,
			Keyword: k,
			Hybrid:  h,
			Score:   h * Reliability(it.UsageCount, it.SuccessRate),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// Decide never fails: embedding or lookup errors degrade to fresh
// generation. The decision is recorded and, on reuse, the item's usage
// counter is incremented.
func (e *Engine) Decide(ctx context.Context, sessionID uuid.UUID, request, category string) Outcome {
	ctx, span := observability.StartSpan(ctx, "reuse.decide")
	defer span.End()

	out := Outcome{Decision: types.DecisionGenerated, Threshold: e.cfg.Threshold}
	cands, vec, err := e.FindCandidates(ctx, request, category, e.cfg.CandidateLimit)
	out.Embedding = vec
	if err != nil {
		out.Degraded = true
		e.log.Warn("reuse search degraded to fresh generation", "session_id", sessionID, "error", err)
	}
	out.Candidates = len(cands)
	if len(cands) > 0 {
		best := cands[0]
		out.Score = best.Score
		switch {
		case best.Score >= e.cfg.Threshold:
			out.Decision = types.DecisionReused
			out.Item = best.Item
		case best.Score >= e.cfg.GrayFloor:
			out.Decision = types.DecisionGrayZone
		}
	}

	dbc := dbctx.Context{Ctx: ctx}
	if out.Item != nil {
		if err := e.items.IncrementUsage(dbc, out.Item.ID); err != nil {
			e.log.Warn("increment library usage failed", "library_item_id", out.Item.ID, "error", err)
		}
	}
	rec := &types.ReuseDecision{
		SessionID:      sessionID,
		Decision:       out.Decision,
		MatchScore:     out.Score,
		CandidateCount: out.Candidates,
		ThresholdUsed:  out.Threshold,
		Degraded:       out.Degraded,
	}
	var itemID interface{} = ""
	if out.Item != nil {
		id := out.Item.ID
		rec.LibraryItemID = &id
		itemID = id
	}
	if e.decisions != nil {
		if err := e.decisions.Create(dbc, rec); err != nil {
			e.log.Warn("record reuse decision failed", "session_id", sessionID, "error", err)
		}
	}
	e.log.Info("reuse decision",
		"session_id", sessionID,
		"reuse_decision", out.Decision,
		"match_score", out.Score,
		"library_item_id", itemID,
		"candidate_count", out.Candidates,
		"threshold_used", out.Threshold,
		"degraded", out.Degraded,
	)
	observability.Current().IncReuseDecision(string(out.Decision))
	return out
}

// RecordOutcome credits a reused item when the session deployed.
func (e *Engine) RecordOutcome(ctx context.Context, itemID uuid.UUID, success bool) error {
	if itemID == uuid.Nil || !success {
		return nil
	}
	return e.items.RecordSuccess(dbctx.Context{Ctx: ctx}, itemID)
}

type RegisterInput struct {
	SessionID uuid.UUID
	Request   string
	Title     string
	Category  string
	Strategy  types.Classification
	Body      string
	// Embedding may be nil; the request is embedded on demand.
	Embedding []float32
}

// Register saves an accepted fresh artifact to the library unless it is too
// small or a near-duplicate of an existing item in the same category.
func (e *Engine) Register(ctx context.Context, in RegisterInput) (*types.LibraryItem, bool, error) {
	if len(in.Body) < e.cfg.MinBodyBytes {
		return nil, false, nil
	}
	vec := in.Embedding
	if len(vec) == 0 {
		v, err := e.embedOne(ctx, in.Request)
		if err != nil {
			return nil, false, err
		}
		vec = v
	}
	dbc := dbctx.Context{Ctx: ctx}
	existing, err := e.items.List(dbc, in.Category)
	if err != nil {
		return nil, false, err
	}
	for _, it := range existing {
		if Cosine(vec, DecodeEmbedding(it.Embedding)) >= e.cfg.DuplicateSimilarity {
			e.log.Debug("skipping near-duplicate library item", "session_id", in.SessionID, "library_item_id", it.ID)
			return nil, false, nil
		}
	}
	sid := in.SessionID
	it := &types.LibraryItem{
		Category:        in.Category,
		Strategy:        string(in.Strategy),
		Title:           strings.TrimSpace(in.Title),
		Request:         in.Request,
		Body:            in.Body,
		Keywords:        Keywords(in.Request),
		Embedding:       EncodeEmbedding(vec),
		SourceSessionID: &sid,
	}
	if err := e.items.Create(dbc, it); err != nil {
		return nil, false, err
	}
	if e.kw != nil {
		if err := e.kw.Add(it); err != nil {
			e.log.Warn("keyword index add failed", "library_item_id", it.ID, "error", err)
		}
	}
	return it, true, nil
}
