package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/appforge-backend/internal/data/repos/testutil"
	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
)

func TestJobRunRepo(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	repo := NewJobRunRepo(db, testutil.Logger(t))

	now := time.Now().UTC()
	ownerUserID := uuid.New()

	queued := &types.JobRun{
		OwnerUserID: ownerUserID,
		JobType:     "session_build",
		EntityType:  "build_session",
		EntityID:    ptrUUID(uuid.New()),
		Status:      types.JobQueued,
		Payload:     datatypes.JSON([]byte("{}")),
		CreatedAt:   now.Add(-3 * time.Hour),
		UpdatedAt:   now.Add(-3 * time.Hour),
	}
	failed := &types.JobRun{
		OwnerUserID: ownerUserID,
		JobType:     "deployment_retire",
		EntityType:  "deployment",
		EntityID:    ptrUUID(uuid.New()),
		Status:      types.JobFailed,
		Attempts:    1,
		MaxAttempts: 3,
		LastErrorAt: ptrTime(now.Add(-2 * time.Hour)),
		Payload:     datatypes.JSON([]byte("{}")),
		CreatedAt:   now.Add(-2 * time.Hour),
		UpdatedAt:   now.Add(-2 * time.Hour),
	}
	exhausted := &types.JobRun{
		OwnerUserID: ownerUserID,
		JobType:     "session_build",
		Status:      types.JobFailed,
		Attempts:    1,
		MaxAttempts: 1,
		LastErrorAt: ptrTime(now.Add(-2 * time.Hour)),
		Payload:     datatypes.JSON([]byte("{}")),
		CreatedAt:   now.Add(-90 * time.Minute),
		UpdatedAt:   now.Add(-90 * time.Minute),
	}
	staleRunning := &types.JobRun{
		OwnerUserID: ownerUserID,
		JobType:     "session_build",
		Status:      types.JobRunning,
		Attempts:    1,
		HeartbeatAt: ptrTime(now.Add(-10 * time.Hour)),
		Payload:     datatypes.JSON([]byte("{}")),
		CreatedAt:   now.Add(-1 * time.Hour),
		UpdatedAt:   now.Add(-1 * time.Hour),
	}

	created, err := repo.Create(dbc, []*types.JobRun{queued, failed, exhausted, staleRunning})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created) != 4 {
		t.Fatalf("Create: want=4 got=%d", len(created))
	}
	if queued.MaxAttempts != 1 || queued.Stage != "queued" {
		t.Fatalf("Create defaults: max_attempts=%d stage=%q", queued.MaxAttempts, queued.Stage)
	}

	latest, err := repo.GetLatestByEntity(dbc, "build_session", *queued.EntityID, "session_build")
	if err != nil || latest == nil || latest.ID != queued.ID {
		t.Fatalf("GetLatestByEntity: want=%v got=%v err=%v", queued.ID, latest, err)
	}

	// Claims walk the runnable set oldest first and skip exhausted jobs.
	for i, want := range []uuid.UUID{queued.ID, failed.ID, staleRunning.ID} {
		got, err := repo.ClaimNextRunnable(dbc, time.Hour, time.Hour)
		if err != nil {
			t.Fatalf("ClaimNextRunnable #%d: %v", i+1, err)
		}
		if got == nil || got.ID != want {
			t.Fatalf("ClaimNextRunnable #%d: want=%v got=%v", i+1, want, got)
		}
		if got.Status != types.JobRunning {
			t.Fatalf("ClaimNextRunnable #%d: want running got=%s", i+1, got.Status)
		}
	}
	if got, err := repo.ClaimNextRunnable(dbc, time.Hour, time.Hour); err != nil || got != nil {
		t.Fatalf("ClaimNextRunnable #4: want nil got=%v err=%v", got, err)
	}

	reloaded, _ := repo.GetByID(dbc, failed.ID)
	if reloaded.Attempts != 2 {
		t.Fatalf("attempts: want=2 got=%d", reloaded.Attempts)
	}

	if err := repo.Heartbeat(dbc, failed.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	ok, err := repo.UpdateFieldsUnlessStatus(dbc, queued.ID, []types.JobStatus{types.JobCanceled}, map[string]interface{}{"status": types.JobSucceeded})
	if err != nil || !ok {
		t.Fatalf("UpdateFieldsUnlessStatus: ok=%v err=%v", ok, err)
	}
	ok, _ = repo.UpdateFieldsUnlessStatus(dbc, queued.ID, []types.JobStatus{types.JobSucceeded}, map[string]interface{}{"status": types.JobFailed})
	if ok {
		t.Fatalf("UpdateFieldsUnlessStatus: expected no-op on succeeded job")
	}

	has, err := repo.HasRunnableForEntity(dbc, "deployment", *failed.EntityID, "deployment_retire")
	if err != nil || !has {
		t.Fatalf("HasRunnableForEntity: want true got=%v err=%v", has, err)
	}
	has, _ = repo.HasRunnableForEntity(dbc, "build_session", *queued.EntityID, "session_build")
	if has {
		t.Fatalf("HasRunnableForEntity: succeeded job is not runnable")
	}

	counts, err := repo.CountByStatus(dbc)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[types.JobRunning] != 2 || counts[types.JobSucceeded] != 1 || counts[types.JobFailed] != 1 {
		t.Fatalf("CountByStatus: got=%v", counts)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func ptrUUID(u uuid.UUID) *uuid.UUID { return &u }
