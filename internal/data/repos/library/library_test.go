package library

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/appforge-backend/internal/data/repos/testutil"
	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
)

func TestUsageAndSuccessCountersAreAtomic(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	repo := NewItemRepo(db, testutil.Logger(t))
	it := testutil.SeedLibraryItem(t, ctx, db, "tool", "static", "<html></html>", []float32{1, 0})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.IncrementUsage(dbc, it.ID); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()
	for i := 0; i < 2; i++ {
		if err := repo.RecordSuccess(dbc, it.ID); err != nil {
			t.Fatalf("success: %v", err)
		}
	}

	got, err := repo.GetByID(dbc, it.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.UsageCount != 8 || got.SuccessCount != 2 {
		t.Fatalf("want usage=8 success=2 got usage=%d success=%d", got.UsageCount, got.SuccessCount)
	}
	if got.SuccessRate < 0.249 || got.SuccessRate > 0.251 {
		t.Fatalf("want success_rate=0.25 got=%f", got.SuccessRate)
	}
}

func TestRecordSuccessNeverExceedsUsage(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	repo := NewItemRepo(db, testutil.Logger(t))
	it := testutil.SeedLibraryItem(t, ctx, db, "tool", "static", "x", []float32{1})

	_ = repo.RecordSuccess(dbc, it.ID)
	got, _ := repo.GetByID(dbc, it.ID)
	if got.SuccessCount != 0 || got.SuccessRate != 0 {
		t.Fatalf("success without usage must be ignored: %+v", got)
	}
}

func TestCountByDecision(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	repo := NewDecisionRepo(db, testutil.Logger(t))
	for _, d := range []types.Decision{types.DecisionReused, types.DecisionGenerated, types.DecisionGenerated} {
		if err := repo.Create(dbc, &types.ReuseDecision{SessionID: uuid.New(), Decision: d, MatchScore: 0.5, CandidateCount: 1}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	counts, err := repo.CountByDecision(dbc)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[types.DecisionGenerated] != 2 || counts[types.DecisionReused] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if avg, _ := repo.AverageScore(dbc); avg < 0.49 || avg > 0.51 {
		t.Fatalf("want avg 0.5 got=%f", avg)
	}
}
