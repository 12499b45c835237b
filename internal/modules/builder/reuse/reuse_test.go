package reuse

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/appforge-backend/internal/data/repos/library"
	"github.com/yungbote/appforge-backend/internal/data/repos/testutil"
	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
)

type fakeEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (f *fakeEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		v, ok := f.vecs[in]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func newEngine(t *testing.T, emb Embedder) (*Engine, library.ItemRepo) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	items := library.NewItemRepo(db, log)
	kw, err := NewKeywordIndex()
	if err != nil {
		t.Fatalf("keyword index: %v", err)
	}
	t.Cleanup(func() { _ = kw.Close() })
	return NewEngine(log, items, library.NewDecisionRepo(db, log), emb, kw, DefaultConfig()), items
}

func TestReliabilityIsMonotonic(t *testing.T) {
	prev := Reliability(0, 1)
	for u := int64(1); u < 50; u++ {
		cur := Reliability(u, 1)
		if cur < prev {
			t.Fatalf("reliability decreased at usage=%d", u)
		}
		prev = cur
	}
	if Reliability(10, 0.2) > Reliability(10, 0.9) {
		t.Fatalf("reliability must increase with success rate")
	}
	if math.Abs(Reliability(0, 0)-0.85) > 1e-9 {
		t.Fatalf("unused item factor: got=%f", Reliability(0, 0))
	}
}

func TestHybridFallsBackToCosineWithoutKeywordHit(t *testing.T) {
	if got := Hybrid(0.9, 0, false, 0.7, 0.3); got != 0.9 {
		t.Fatalf("want cosine only got=%f", got)
	}
	if got := Hybrid(0.9, 1, true, 0.7, 0.3); math.Abs(got-0.93) > 1e-9 {
		t.Fatalf("want 0.93 got=%f", got)
	}
}

func TestDecideReusesProvenItemOverSimilarUntested(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{"espresso menu with prices": {1, 0, 0}}}
	e, items := newEngine(t, emb)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	proven := &types.LibraryItem{Category: "catalog", Strategy: "static", Title: "Coffee menu", Request: "coffee menu with prices", Body: "x", Keywords: "coffee menu prices", Embedding: EncodeEmbedding([]float32{0.95, 0.31, 0}), UsageCount: 20, SuccessCount: 19, SuccessRate: 0.95}
	untested := &types.LibraryItem{Category: "catalog", Strategy: "static", Title: "Espresso list", Request: "espresso list", Body: "y", Keywords: "espresso list", Embedding: EncodeEmbedding([]float32{0.97, 0.24, 0})}
	for _, it := range []*types.LibraryItem{proven, untested} {
		if err := items.Create(dbc, it); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if n, err := e.RebuildIndex(ctx); err != nil || n != 2 {
		t.Fatalf("rebuild: n=%d err=%v", n, err)
	}

	out := e.Decide(ctx, uuid.New(), "espresso menu with prices", "catalog")
	if out.Decision != types.DecisionReused || out.Item == nil || out.Item.ID != proven.ID {
		t.Fatalf("want proven item reused got decision=%s item=%v score=%f", out.Decision, out.Item, out.Score)
	}
	if out.Candidates != 2 || out.Degraded {
		t.Fatalf("candidates=%d degraded=%v", out.Candidates, out.Degraded)
	}
	got, _ := items.GetByID(dbc, proven.ID)
	if got.UsageCount != 21 {
		t.Fatalf("usage not incremented: %d", got.UsageCount)
	}
}

func TestDecideFallsThroughBelowThreshold(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{"todo list with categories": {1, 0, 0}}}
	e, items := newEngine(t, emb)
	ctx := context.Background()
	far := &types.LibraryItem{Category: "productivity", Strategy: "persisted", Body: "z", Embedding: EncodeEmbedding([]float32{0.6, 0.8, 0})}
	if err := items.Create(dbctx.Context{Ctx: ctx}, far); err != nil {
		t.Fatalf("create: %v", err)
	}
	out := e.Decide(ctx, uuid.New(), "todo list with categories", "productivity")
	if out.Decision != types.DecisionGenerated || out.Item != nil {
		t.Fatalf("want generated got=%s", out.Decision)
	}
	// 0.6 cosine * 0.85 reliability = 0.51, below the gray floor.
	if math.Abs(out.Score-0.51) > 1e-6 {
		t.Fatalf("score: want=0.51 got=%f", out.Score)
	}
}

func TestDecideDegradesWhenEmbeddingFails(t *testing.T) {
	e, _ := newEngine(t, &fakeEmbedder{err: errors.New("rate limited")})
	out := e.Decide(context.Background(), uuid.New(), "anything", "tool")
	if out.Decision != types.DecisionGenerated || !out.Degraded {
		t.Fatalf("want degraded fresh generation got=%+v", out)
	}
}

func TestRegisterSkipsSmallAndDuplicateBodies(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"habit tracker":      {1, 0, 0},
		"habit tracker app":  {0.99, 0.1, 0},
		"recipe card viewer": {0, 1, 0},
	}}
	e, items := newEngine(t, emb)
	ctx := context.Background()
	big := strings.Repeat("<div>habit</div>\n", 40)

	if _, ok, err := e.Register(ctx, RegisterInput{SessionID: uuid.New(), Request: "habit tracker", Category: "productivity", Body: "tiny"}); ok || err != nil {
		t.Fatalf("small body must be skipped: ok=%v err=%v", ok, err)
	}
	it, ok, err := e.Register(ctx, RegisterInput{SessionID: uuid.New(), Request: "habit tracker", Category: "productivity", Strategy: types.ClassPersisted, Body: big})
	if err != nil || !ok || it.Keywords != "habit tracker" {
		t.Fatalf("register: ok=%v err=%v item=%+v", ok, err, it)
	}
	if _, ok, _ := e.Register(ctx, RegisterInput{SessionID: uuid.New(), Request: "habit tracker app", Category: "productivity", Body: big}); ok {
		t.Fatalf("near-duplicate must be skipped")
	}
	if _, ok, _ := e.Register(ctx, RegisterInput{SessionID: uuid.New(), Request: "recipe card viewer", Category: "productivity", Body: big}); !ok {
		t.Fatalf("distinct item should register")
	}
	n, _ := items.Count(dbctx.Context{Ctx: ctx})
	if n != 2 {
		t.Fatalf("want 2 items got=%d", n)
	}
	if c, _ := e.kw.Count(); c != 2 {
		t.Fatalf("keyword index: want 2 docs got=%d", c)
	}
}

func TestKeywords(t *testing.T) {
	if got := Keywords("I want a simple To-Do list app with the categories, and due dates!"); got != "categories dates due list" {
		t.Fatalf("got=%q", got)
	}
}
