package runtime

import (
	"context"
	"errors"
	"testing"

	"gorm.io/datatypes"

	"github.com/yungbote/appforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/appforge-backend/internal/data/repos/testutil"
	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
)

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc{JobType: "session_build", Fn: func(*Context) error { return nil }}
	if err := r.Register(h); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(h); err == nil {
		t.Fatalf("want duplicate error")
	}
	if err := r.Register(HandlerFunc{}); err == nil {
		t.Fatalf("want empty type error")
	}
	if got := r.Types(); len(got) != 1 || got[0] != "session_build" {
		t.Fatalf("types: got=%v", got)
	}
}

func TestContextPayloadAndTrace(t *testing.T) {
	job := &types.JobRun{Payload: datatypes.JSON([]byte(`{"session_id":"6f1c7a0e-0000-4000-8000-000000000001","trace_id":"abc"}`))}
	c := NewContext(context.Background(), nil, job, nil)
	id, ok := c.PayloadUUID("session_id")
	if !ok || id.String() != "6f1c7a0e-0000-4000-8000-000000000001" {
		t.Fatalf("PayloadUUID: got=%v ok=%v", id, ok)
	}
	if _, ok := c.PayloadUUID("missing"); ok {
		t.Fatalf("missing key must not parse")
	}
	td := ctxutil.GetTraceData(c.Ctx)
	if td == nil || td.TraceID != "abc" {
		t.Fatalf("trace data not applied: %+v", td)
	}

	bad := NewContext(context.Background(), nil, &types.JobRun{Payload: datatypes.JSON([]byte("{"))}, nil)
	if bad.Payload() == nil || len(bad.Payload()) != 0 {
		t.Fatalf("malformed payload should decode to empty map")
	}
}

func TestFailDoesNotOverwriteCanceled(t *testing.T) {
	db := testutil.DB(t)
	repo := jobs.NewJobRunRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	created, err := repo.Create(dbc, []*types.JobRun{{JobType: "session_build", Status: types.JobCanceled}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job := created[0]
	c := NewContext(context.Background(), db, job, repo)
	c.Fail("run", errors.New("boom"))

	got, _ := repo.GetByID(dbc, job.ID)
	if got.Status != types.JobCanceled {
		t.Fatalf("want canceled got=%s", got.Status)
	}
	if c.Job.Error != "" {
		t.Fatalf("in-memory job should be untouched, got error=%q", c.Job.Error)
	}
}
