package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/appforge-backend/internal/data/repos"
	"github.com/yungbote/appforge-backend/internal/data/repos/testutil"
	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/modules/builder"
	"github.com/yungbote/appforge-backend/internal/modules/builder/pipeline"
	"github.com/yungbote/appforge-backend/internal/modules/builder/reuse"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/realtime"
	"github.com/yungbote/appforge-backend/internal/realtime/bus"
)

type fixture struct {
	db    *gorm.DB
	set   repos.Set
	hub   *realtime.Hub
	svc   SessionService
	kicks int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	f := &fixture{db: db, set: repos.NewSet(db, log), hub: realtime.NewHub(log, 16)}
	events := NewEventLog(log, f.set.Events, bus.Local{Hub: f.hub})
	jobs := NewJobService(log, f.set.Jobs, func() { f.kicks++ })
	f.svc = NewSessionService(db, log, f.set.Sessions, f.set.Deploys, events, jobs,
		func(sub string) string { return "http://" + sub + ".apps.test" }, SessionConfig{MaxRequestChars: 100})
	return f
}

func bg() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

func (f *fixture) force(t *testing.T, id uuid.UUID, updates map[string]interface{}) {
	t.Helper()
	if err := f.set.Sessions.UpdateFields(bg(), id, updates); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func (f *fixture) nextJob(t *testing.T) *types.JobRun {
	t.Helper()
	job, err := f.set.Jobs.ClaimNextRunnable(bg(), time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return job
}

func TestStartCreatesDraftEventAndJob(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	bs, err := f.svc.Start(bg(), owner, "  todo list with categories ")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if bs.State != types.StateDraft || bs.RequestText != "todo list with categories" {
		t.Fatalf("unexpected session %+v", bs)
	}
	res, err := f.svc.Poll(bg(), owner, bs.ID, 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Type != types.EventUserMessage || res.LastEventID != 1 {
		t.Fatalf("want one user message got=%+v", res.Events)
	}
	job := f.nextJob(t)
	if job == nil || job.JobType != pipeline.JobSessionBuild {
		t.Fatalf("want session_build job got=%+v", job)
	}
	var payload map[string]any
	_ = json.Unmarshal(job.Payload, &payload)
	if payload["session_id"] != bs.ID.String() {
		t.Fatalf("payload: got=%v", payload)
	}
	if f.kicks != 1 {
		t.Fatalf("worker not kicked")
	}
}

func TestStartRejectsEmptyAndOversizedRequests(t *testing.T) {
	f := newFixture(t)
	for _, req := range []string{"   ", string(make([]byte, 101))} {
		if _, err := f.svc.Start(bg(), uuid.New(), req); !errors.Is(err, builder.ErrInvalidArgument) {
			t.Fatalf("want ErrInvalidArgument for %d bytes got=%v", len(req), err)
		}
	}
}

func TestPollHidesForeignSessionsAndResumes(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	bs, _ := f.svc.Start(bg(), owner, "espresso menu")
	if _, err := f.svc.Poll(bg(), uuid.New(), bs.ID, 0); !errors.Is(err, builder.ErrNotFound) {
		t.Fatalf("want ErrNotFound for another owner got=%v", err)
	}
	res, _ := f.svc.Poll(bg(), owner, bs.ID, 1)
	if len(res.Events) != 0 || res.LastEventID != 1 {
		t.Fatalf("want no new events since 1 got=%d last=%d", len(res.Events), res.LastEventID)
	}
}

func TestModifyBusyWhileInFlight(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	bs, _ := f.svc.Start(bg(), owner, "todo list")
	_ = f.nextJob(t)
	f.force(t, bs.ID, map[string]interface{}{"state": types.StateGenerating})

	err := f.svc.Modify(bg(), owner, bs.ID, "make it blue")
	if !errors.Is(err, builder.ErrBusy) || builder.CodeOf(err) != builder.CodeConcurrentModification {
		t.Fatalf("want busy got=%v (code %s)", err, builder.CodeOf(err))
	}
	if job := f.nextJob(t); job != nil {
		t.Fatalf("busy modify must not enqueue, got %s", job.JobType)
	}
	atts, _ := f.set.Attempts.ListBySession(bg(), bs.ID)
	if len(atts) != 0 {
		t.Fatalf("busy modify must not create attempts")
	}
}

func TestModifyDeployedStartsNewRound(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	bs, _ := f.svc.Start(bg(), owner, "todo list")
	_ = f.nextJob(t)
	f.force(t, bs.ID, map[string]interface{}{"state": types.StateDeployed, "progress": 100})

	c := f.hub.NewClient(owner)
	f.hub.Subscribe(c, realtime.SessionChannel(bs.ID))

	if err := f.svc.Modify(bg(), owner, bs.ID, "make it blue"); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	got, _ := f.set.Sessions.GetByID(bg(), bs.ID)
	if got.State != types.StateGenerating || got.Round != 1 || got.Progress != 0 {
		t.Fatalf("want generating round 1 progress 0 got=%s/%d/%d", got.State, got.Round, got.Progress)
	}
	job := f.nextJob(t)
	if job == nil || job.JobType != pipeline.JobSessionModify {
		t.Fatalf("want session_modify job got=%+v", job)
	}
	select {
	case msg := <-c.Outbound:
		if msg.Seq != 2 || msg.Event != realtime.EventSessionEvent {
			t.Fatalf("unexpected push %+v", msg)
		}
	default:
		t.Fatalf("user message not pushed after commit")
	}

	if err := f.svc.Modify(bg(), owner, bs.ID, "again"); !errors.Is(err, builder.ErrBusy) {
		t.Fatalf("second modify must be busy got=%v", err)
	}
}

func TestModifyTerminal(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	bs, _ := f.svc.Start(bg(), owner, "todo list")
	f.force(t, bs.ID, map[string]interface{}{"state": types.StateFailed})
	if err := f.svc.Modify(bg(), owner, bs.ID, "x"); !errors.Is(err, builder.ErrTerminal) {
		t.Fatalf("want ErrTerminal got=%v", err)
	}
}

func TestStopDraftIsSynchronous(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	bs, _ := f.svc.Start(bg(), owner, "todo list")
	if err := f.svc.Stop(bg(), owner, bs.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ := f.set.Sessions.GetByID(bg(), bs.ID)
	if got.State != types.StateStopped {
		t.Fatalf("want stopped got=%s", got.State)
	}
	if err := f.svc.Stop(bg(), owner, bs.ID); err != nil {
		t.Fatalf("stop is idempotent: %v", err)
	}
}

func TestStopDeployedEnqueuesRetire(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	bs, _ := f.svc.Start(bg(), owner, "todo list")
	_ = f.nextJob(t)
	dep := testutil.SeedDeployment(t, context.Background(), f.db, bs.ID, types.DeployTierStatic, types.DeploymentLive, "todo-abc123")
	f.force(t, bs.ID, map[string]interface{}{"state": types.StateDeployed, "subdomain": "todo-abc123", "current_deployment_id": dep.ID})

	res, _ := f.svc.Poll(bg(), owner, bs.ID, 0)
	if res.DeploymentURL != "http://todo-abc123.apps.test" {
		t.Fatalf("deployment_url: got=%q", res.DeploymentURL)
	}
	if err := f.svc.Stop(bg(), owner, bs.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	job := f.nextJob(t)
	if job == nil || job.JobType != pipeline.JobDeploymentRetire || job.MaxAttempts != 3 {
		t.Fatalf("want deployment_retire job got=%+v", job)
	}
	res, _ = f.svc.Poll(bg(), owner, bs.ID, 0)
	if res.Status != types.StateStopped || res.DeploymentURL != "" {
		t.Fatalf("want stopped without url got=%s %q", res.Status, res.DeploymentURL)
	}
}

func TestStopInFlightIsCooperative(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	bs, _ := f.svc.Start(bg(), owner, "todo list")
	f.force(t, bs.ID, map[string]interface{}{"state": types.StateDeploying})
	if err := f.svc.Stop(bg(), owner, bs.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ := f.set.Sessions.GetByID(bg(), bs.ID)
	if got.State != types.StateDeploying || !got.CancelRequested {
		t.Fatalf("want deploying with cancel flag got=%s cancel=%v", got.State, got.CancelRequested)
	}
}

func TestStopFailedRetiresLeftoverDeployment(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	bs, _ := f.svc.Start(bg(), owner, "todo list")
	_ = f.nextJob(t)
	dep := testutil.SeedDeployment(t, context.Background(), f.db, bs.ID, types.DeployTierContainerized, types.DeploymentLive, "todo-abc123")
	f.force(t, bs.ID, map[string]interface{}{"state": types.StateFailed, "subdomain": "todo-abc123", "current_deployment_id": dep.ID})

	res, _ := f.svc.Poll(bg(), owner, bs.ID, 0)
	if res.Status != types.StateFailed || res.DeploymentURL != "http://todo-abc123.apps.test" {
		t.Fatalf("failed round must keep the previous url: got=%s %q", res.Status, res.DeploymentURL)
	}
	if err := f.svc.Stop(bg(), owner, bs.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	job := f.nextJob(t)
	if job == nil || job.JobType != pipeline.JobDeploymentRetire || job.EntityID == nil || *job.EntityID != dep.ID {
		t.Fatalf("want deployment_retire job for %s got=%+v", dep.ID, job)
	}
	got, _ := f.set.Sessions.GetByID(bg(), bs.ID)
	if got.State != types.StateFailed {
		t.Fatalf("failed session changed state: got=%s", got.State)
	}
}

func TestStopFailedWithoutDeploymentIsNoop(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	bs, _ := f.svc.Start(bg(), owner, "todo list")
	_ = f.nextJob(t)
	f.force(t, bs.ID, map[string]interface{}{"state": types.StateFailed})
	if err := f.svc.Stop(bg(), owner, bs.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if job := f.nextJob(t); job != nil {
		t.Fatalf("want no job got=%+v", job)
	}
}

func TestLibraryDoctorFindsDuplicatesAndMissingKeywords(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	set := repos.NewSet(db, log)
	ctx := context.Background()
	testutil.SeedLibraryItem(t, ctx, db, "catalog", "static", "a", []float32{1, 0, 0})
	testutil.SeedLibraryItem(t, ctx, db, "catalog", "static", "b", []float32{0.99, 0.05, 0})
	testutil.SeedLibraryItem(t, ctx, db, "tool", "static", "c", []float32{1, 0, 0})

	svc := NewLibraryService(log, set.Library, set.Decisions, nil, reuse.DefaultConfig())
	rep, err := svc.Doctor(bg())
	if err != nil {
		t.Fatalf("Doctor: %v", err)
	}
	if rep.Healthy || len(rep.Duplicates) != 1 {
		t.Fatalf("want one cross-checked duplicate pair got=%d healthy=%v", len(rep.Duplicates), rep.Healthy)
	}
	byName := map[string]DoctorCheck{}
	for _, c := range rep.Checks {
		byName[c.Name] = c
	}
	if byName["keywords"].Passed || !byName["thresholds"].Passed || !byName["reuse_ratio"].Passed {
		t.Fatalf("unexpected checks: %+v", rep.Checks)
	}

	stats, err := svc.Stats(bg())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Items != 3 || stats.ByCategory["catalog"] != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

type recordingRetirer struct{ retired []uuid.UUID }

func (r *recordingRetirer) Retire(ctx context.Context, dep *types.Deployment, dropRoute bool) error {
	r.retired = append(r.retired, dep.ID)
	return nil
}

func TestJanitorFailsStuckProvisioning(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	set := repos.NewSet(db, log)
	ctx := context.Background()
	sid := uuid.New()
	stuck := testutil.SeedDeployment(t, ctx, db, sid, types.DeployTierContainerized, types.DeploymentProvisioning, "old")
	if err := db.Model(stuck).Updates(map[string]interface{}{"created_at": time.Now().UTC().Add(-time.Hour), "instance_ref": "app-old-0"}).Error; err != nil {
		t.Fatalf("age deployment: %v", err)
	}
	fresh := testutil.SeedDeployment(t, ctx, db, uuid.New(), types.DeployTierStatic, types.DeploymentProvisioning, "new")

	rr := &recordingRetirer{}
	j, err := NewJanitor(log, set.Deploys, nil, rr, JanitorConfig{ProvisioningTTL: 10 * time.Minute})
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	n, err := j.FailStuckProvisioning(ctx)
	if err != nil || n != 1 {
		t.Fatalf("want 1 failed got=%d err=%v", n, err)
	}
	got, _ := set.Deploys.GetByID(bg(), stuck.ID)
	if got.Status != types.DeploymentFailed || len(rr.retired) != 1 {
		t.Fatalf("want failed and freed got=%s retired=%d", got.Status, len(rr.retired))
	}
	other, _ := set.Deploys.GetByID(bg(), fresh.ID)
	if other.Status != types.DeploymentProvisioning {
		t.Fatalf("fresh deployment must be left alone")
	}
}

func TestNewJanitorRejectsBadSchedule(t *testing.T) {
	if _, err := NewJanitor(testutil.Logger(t), nil, nil, nil, JanitorConfig{Schedule: "every now and then"}); err == nil {
		t.Fatalf("want schedule error")
	}
}
