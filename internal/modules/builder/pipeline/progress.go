package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/appforge-backend/internal/data/repos"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
)

// Progress bands per stage, in percent of the round.
const (
	pctStart        = 5
	pctAnalyzed     = 10
	pctReuse        = 15
	pctGenerateEnd  = 70
	pctValidateEnd  = 75
	pctDeployStart  = 75
	pctDeployEnd    = 95
	pctDone         = 100
	pctGenerateStep = 3
)

// tracker keeps a round's progress monotonic. The stored value is only ever
// raised, so a retry that restarts generation never moves the bar backwards.
type tracker struct {
	sessions  repos.SessionRepo
	sessionID uuid.UUID
	round     int
	pct       int
}

func (t *tracker) raise(ctx context.Context, pct int) int {
	if pct > pctDone {
		pct = pctDone
	}
	if pct <= t.pct {
		return t.pct
	}
	t.pct = pct
	_, _ = t.sessions.RaiseProgress(dbctx.Context{Ctx: ctx}, t.sessionID, t.round, pct)
	return t.pct
}

// step advances by delta but stays below ceiling.
func (t *tracker) step(ctx context.Context, delta, ceiling int) int {
	next := t.pct + delta
	if next > ceiling {
		next = ceiling
	}
	return t.raise(ctx, next)
}
