package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/data/repos"
	"github.com/yungbote/appforge-backend/internal/data/repos/testutil"
	"github.com/yungbote/appforge-backend/internal/modules/builder"
	"github.com/yungbote/appforge-backend/internal/modules/builder/artifact"
	"github.com/yungbote/appforge-backend/internal/modules/builder/routing"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/dockercli"
	"github.com/yungbote/appforge-backend/internal/platform/sitestore"
)

type fakeContainers struct {
	mu        sync.Mutex
	failBuild bool
	notReady  bool
	targets   map[string]string
	built     []string
	running   map[string]bool
	removed   []string
	specs     []dockercli.RunSpec
	volumes   []string
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{targets: map[string]string{}, running: map[string]bool{}}
}

func (f *fakeContainers) Build(ctx context.Context, tag, entry string, files map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBuild {
		return errors.New("npm ERR! missing script")
	}
	f.built = append(f.built, tag)
	return nil
}

func (f *fakeContainers) Run(ctx context.Context, spec dockercli.RunSpec) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[spec.Name] = true
	f.specs = append(f.specs, spec)
	return "cid-" + spec.Name, f.targets[spec.Image], nil
}

func (f *fakeContainers) Ready(ctx context.Context, name, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady {
		return fmt.Errorf("container %s exited before answering", name)
	}
	return nil
}

func (f *fakeContainers) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeContainers) RemoveImage(ctx context.Context, tag string) error { return nil }

func (f *fakeContainers) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, name)
	return nil
}

// flakyStore fails Put for keys ending in failSuffix while it is set.
type flakyStore struct {
	sitestore.Store
	mu         sync.Mutex
	failSuffix string
}

func (f *flakyStore) failOn(suffix string) {
	f.mu.Lock()
	f.failSuffix = suffix
	f.mu.Unlock()
}

func (f *flakyStore) Put(ctx context.Context, key string, body io.Reader) error {
	f.mu.Lock()
	suffix := f.failSuffix
	f.mu.Unlock()
	if suffix != "" && strings.HasSuffix(key, suffix) {
		return errors.New("bucket unavailable")
	}
	return f.Store.Put(ctx, key, body)
}

// hookedRegistrar calls after once each Register has succeeded.
type hookedRegistrar struct {
	*routing.Table
	after func(deploymentID uuid.UUID)
}

func (r *hookedRegistrar) Register(ctx context.Context, subdomain string, sessionID, deploymentID uuid.UUID, target string) error {
	if err := r.Table.Register(ctx, subdomain, sessionID, deploymentID, target); err != nil {
		return err
	}
	if r.after != nil {
		r.after(deploymentID)
	}
	return nil
}

type harness struct {
	set        repos.Set
	store      *sitestore.Local
	flaky      *flakyStore
	containers *fakeContainers
	table      *routing.Table
	orch       *Orchestrator
	proxy      *routing.Proxy
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	set := repos.NewSet(db, log)
	store, err := sitestore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	table := routing.NewTable(log, set.Routes, 0)
	fc := newFakeContainers()
	flaky := &flakyStore{Store: store}
	return &harness{
		set:        set,
		store:      store,
		flaky:      flaky,
		containers: fc,
		table:      table,
		orch:       NewOrchestrator(log, set.Sessions, set.Deploys, table, flaky, fc, Config{BaseDomain: "apps.test"}),
		proxy:      routing.NewProxy(log, table, store, "apps.test"),
	}
}

func (h *harness) session(t *testing.T, request string) *types.BuildSession {
	t.Helper()
	s := &types.BuildSession{ID: uuid.New(), OwnerUserID: uuid.New(), RequestText: request, State: types.StateDeploying}
	if err := h.set.Sessions.Create(dbctx.Context{Ctx: context.Background()}, s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (h *harness) get(t *testing.T, sub, path string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://"+sub+".apps.test"+path, nil)
	rec := httptest.NewRecorder()
	h.proxy.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func staticArtifact(body string) *artifact.Artifact {
	return &artifact.Artifact{
		Title: "Espresso",
		Entry: "index.html",
		Files: []artifact.File{
			{Path: "index.html", Content: "<html><body>" + body + "</body></html>"},
			{Path: "app.js", Content: "console.log(1)"},
		},
	}
}

func containerArtifact() *artifact.Artifact {
	return &artifact.Artifact{
		Title:    "Todo",
		Entry:    "server.js",
		Files:    []artifact.File{{Path: "server.js", Content: "require('http').createServer().listen(process.env.PORT)"}},
		Requires: artifact.Requirements{PersistentStorage: true, ServerLogic: true},
	}
}

func upstream(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSlugAndCandidateAreDeterministic(t *testing.T) {
	if got := Slug("I want a todo list with categories!"); got != "todo-list-categories" {
		t.Fatalf("slug: want=todo-list-categories got=%q", got)
	}
	if got := Slug("!!!"); got != "app" {
		t.Fatalf("empty slug: want=app got=%q", got)
	}
	id := uuid.New()
	a, b := Candidate("espresso menu", id, 6), Candidate("espresso menu", id, 6)
	if a != b || !strings.HasPrefix(a, "espresso-menu-") || len(a) != len("espresso-menu-")+6 {
		t.Fatalf("candidate not stable: %q %q", a, b)
	}
}

func TestAllocateSubdomainExtendsOnCollision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, "espresso menu")
	other := h.session(t, "another")
	if err := h.set.Sessions.ClaimSubdomain(dbctx.Context{Ctx: ctx}, other.ID, Candidate(s.RequestText, s.ID, 6)); err != nil {
		t.Fatalf("seed collision: %v", err)
	}
	sub, err := AllocateSubdomain(ctx, h.set.Sessions, s)
	if err != nil {
		t.Fatalf("AllocateSubdomain: %v", err)
	}
	if want := Candidate(s.RequestText, s.ID, 8); sub != want {
		t.Fatalf("want=%s got=%s", want, sub)
	}
	again, _ := AllocateSubdomain(ctx, h.set.Sessions, s)
	if again != sub {
		t.Fatalf("allocation not sticky: %s then %s", sub, again)
	}
}

func TestStaticDeployThenUpdateInPlace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, "list of espresso drinks and prices")

	first, err := h.orch.Deploy(ctx, Input{Session: s, AttemptID: uuid.New(), Artifact: staticArtifact("v1")})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if first.Tier != types.DeployTierStatic || first.Status != types.DeploymentLive {
		t.Fatalf("want live static got tier=%s status=%s", first.Tier, first.Status)
	}
	if len(h.containers.built) != 0 {
		t.Fatalf("static tier must not build: %v", h.containers.built)
	}
	if code, body := h.get(t, s.Subdomain, "/"); code != http.StatusOK || !strings.Contains(body, "v1") {
		t.Fatalf("serve v1: code=%d body=%q", code, body)
	}

	next := staticArtifact("v2")
	next.Files = next.Files[:1]
	second, err := h.orch.UpdateInPlace(ctx, Input{Session: s, AttemptID: uuid.New(), AttemptIndex: 1, Artifact: next})
	if err != nil {
		t.Fatalf("UpdateInPlace: %v", err)
	}
	if second.Subdomain != first.Subdomain {
		t.Fatalf("address changed: %s -> %s", first.Subdomain, second.Subdomain)
	}
	if code, body := h.get(t, s.Subdomain, "/"); code != http.StatusOK || !strings.Contains(body, "v2") {
		t.Fatalf("serve v2: code=%d body=%q", code, body)
	}
	if code, _ := h.get(t, s.Subdomain, "/app.js"); code != http.StatusNotFound {
		t.Fatalf("removed file still served: code=%d", code)
	}
	old, _ := h.set.Deploys.GetByID(dbctx.Context{Ctx: ctx}, first.ID)
	if old.Status != types.DeploymentStopped {
		t.Fatalf("previous deployment: want=stopped got=%s", old.Status)
	}
}

func TestContainerSwapThenRetire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, "todo list with categories")
	v1 := upstream(t, "todo v1")
	v2 := upstream(t, "todo v2")
	h.containers.targets[fmt.Sprintf("appforge-app-%s:0", s.ID)] = v1.URL
	h.containers.targets[fmt.Sprintf("appforge-app-%s:2", s.ID)] = v2.URL

	first, err := h.orch.Deploy(ctx, Input{Session: s, AttemptID: uuid.New(), AttemptIndex: 0, Artifact: containerArtifact()})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if first.Tier != types.DeployTierContainerized {
		t.Fatalf("tier: want=containerized got=%s", first.Tier)
	}
	if code, body := h.get(t, s.Subdomain, "/"); code != http.StatusOK || body != "todo v1" {
		t.Fatalf("serve v1: code=%d body=%q", code, body)
	}

	h.containers.failBuild = true
	_, err = h.orch.UpdateInPlace(ctx, Input{Session: s, AttemptID: uuid.New(), AttemptIndex: 1, Artifact: containerArtifact()})
	if builder.CodeOf(err) != builder.CodeDeployBuildFailed {
		t.Fatalf("want deploy-build-failed got=%v", err)
	}
	if code, body := h.get(t, s.Subdomain, "/"); code != http.StatusOK || body != "todo v1" {
		t.Fatalf("failed update took the app down: code=%d body=%q", code, body)
	}
	live, _ := h.set.Deploys.GetLive(dbctx.Context{Ctx: ctx}, s.ID)
	if live == nil || live.ID != first.ID {
		t.Fatalf("live deployment changed after failed update")
	}

	h.containers.failBuild = false
	second, err := h.orch.UpdateInPlace(ctx, Input{Session: s, AttemptID: uuid.New(), AttemptIndex: 2, Artifact: containerArtifact()})
	if err != nil {
		t.Fatalf("UpdateInPlace: %v", err)
	}
	if code, body := h.get(t, s.Subdomain, "/"); code != http.StatusOK || body != "todo v2" {
		t.Fatalf("serve v2: code=%d body=%q", code, body)
	}
	if h.containers.running[first.InstanceRef] {
		t.Fatalf("old container %s still running", first.InstanceRef)
	}
	if !h.containers.running[second.InstanceRef] {
		t.Fatalf("new container %s not running", second.InstanceRef)
	}
}

func staticPair(index, script string) *artifact.Artifact {
	a := staticArtifact(index)
	a.Files[1].Content = script
	return a
}

func TestStaticFailedPublishKeepsLiveSite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, "list of espresso drinks and prices")
	first, err := h.orch.Deploy(ctx, Input{Session: s, AttemptID: uuid.New(), Artifact: staticPair("v1", "console.log(1)")})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	h.flaky.failOn("index.html")
	_, err = h.orch.UpdateInPlace(ctx, Input{Session: s, AttemptID: uuid.New(), AttemptIndex: 1, Artifact: staticPair("v2", "console.log(2)")})
	if builder.CodeOf(err) != builder.CodeDeployBuildFailed {
		t.Fatalf("want deploy-build-failed got=%v", err)
	}
	if _, body := h.get(t, s.Subdomain, "/"); !strings.Contains(body, "v1") {
		t.Fatalf("index after failed update: want v1 got=%q", body)
	}
	if _, body := h.get(t, s.Subdomain, "/app.js"); body != "console.log(1)" {
		t.Fatalf("app.js after failed update: want=console.log(1) got=%q", body)
	}
	keys, _ := h.store.List(ctx, "sites/"+s.Subdomain+"/")
	for _, k := range keys {
		if !strings.HasPrefix(k, first.ArtifactRef) {
			t.Fatalf("aborted rollout left %s behind", k)
		}
	}

	// The next good update carries a file identical to v1; it must still be served.
	h.flaky.failOn("")
	third, err := h.orch.UpdateInPlace(ctx, Input{Session: s, AttemptID: uuid.New(), AttemptIndex: 2, Artifact: staticPair("v3", "console.log(1)")})
	if err != nil {
		t.Fatalf("UpdateInPlace: %v", err)
	}
	if _, body := h.get(t, s.Subdomain, "/"); !strings.Contains(body, "v3") {
		t.Fatalf("index: want v3 got=%q", body)
	}
	if _, body := h.get(t, s.Subdomain, "/app.js"); body != "console.log(1)" {
		t.Fatalf("app.js: want=console.log(1) got=%q", body)
	}
	keys, _ = h.store.List(ctx, "sites/"+s.Subdomain+"/")
	for _, k := range keys {
		if !strings.HasPrefix(k, third.ArtifactRef) {
			t.Fatalf("retired rollout left %s behind", k)
		}
	}
}

func TestContainerNotReadyKeepsPreviousLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, "todo list with categories")
	v1 := upstream(t, "todo v1")
	h.containers.targets[fmt.Sprintf("appforge-app-%s:0", s.ID)] = v1.URL
	first, err := h.orch.Deploy(ctx, Input{Session: s, AttemptID: uuid.New(), Artifact: containerArtifact()})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	h.containers.notReady = true
	_, err = h.orch.UpdateInPlace(ctx, Input{Session: s, AttemptID: uuid.New(), AttemptIndex: 1, Artifact: containerArtifact()})
	if builder.CodeOf(err) != builder.CodeDeployBuildFailed {
		t.Fatalf("want deploy-build-failed got=%v", err)
	}
	if code, body := h.get(t, s.Subdomain, "/"); code != http.StatusOK || body != "todo v1" {
		t.Fatalf("unready container replaced the app: code=%d body=%q", code, body)
	}
	if h.containers.running[containerName(s.Subdomain, 1)] {
		t.Fatalf("unready container left running")
	}
	if !h.containers.running[first.InstanceRef] {
		t.Fatalf("previous container %s was torn down", first.InstanceRef)
	}
	live, _ := h.set.Deploys.GetLive(dbctx.Context{Ctx: ctx}, s.ID)
	if live == nil || live.ID != first.ID {
		t.Fatalf("live deployment changed after unready update")
	}
}

func TestContainerDataVolumeOutlivesSwaps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, "todo list with categories")
	app := upstream(t, "todo")
	h.containers.targets[fmt.Sprintf("appforge-app-%s:0", s.ID)] = app.URL
	h.containers.targets[fmt.Sprintf("appforge-app-%s:1", s.ID)] = app.URL
	if _, err := h.orch.Deploy(ctx, Input{Session: s, AttemptID: uuid.New(), Artifact: containerArtifact()}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	second, err := h.orch.UpdateInPlace(ctx, Input{Session: s, AttemptID: uuid.New(), AttemptIndex: 1, Artifact: containerArtifact()})
	if err != nil {
		t.Fatalf("UpdateInPlace: %v", err)
	}
	want := dataVolume(s.ID)
	for i, spec := range h.containers.specs {
		if spec.Volumes[want] != "/data" {
			t.Fatalf("run #%d: want %s mounted at /data got=%v", i, want, spec.Volumes)
		}
	}
	if len(h.containers.volumes) != 0 {
		t.Fatalf("swap removed the data volume: %v", h.containers.volumes)
	}
	if err := h.orch.Retire(ctx, second, true); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if len(h.containers.volumes) != 1 || h.containers.volumes[0] != want {
		t.Fatalf("retire: want volume %s removed got=%v", want, h.containers.volumes)
	}
}

func TestPromoteFailureRestoresPreviousRoute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, "espresso menu")
	first, err := h.orch.Deploy(ctx, Input{Session: s, AttemptID: uuid.New(), Artifact: staticArtifact("v1")})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	// Retiring the new row underneath the rollout makes Promote refuse it.
	reg := &hookedRegistrar{Table: h.table, after: func(id uuid.UUID) {
		if id != first.ID {
			_ = h.set.Deploys.UpdateFields(dbctx.Context{Ctx: ctx}, id, map[string]interface{}{"status": types.DeploymentStopped})
		}
	}}
	orch := NewOrchestrator(testutil.Logger(t), h.set.Sessions, h.set.Deploys, reg, h.flaky, h.containers, Config{BaseDomain: "apps.test"})
	_, err = orch.UpdateInPlace(ctx, Input{Session: s, AttemptID: uuid.New(), AttemptIndex: 1, Artifact: staticArtifact("v2")})
	if builder.CodeOf(err) != builder.CodeDeployRouteFailed {
		t.Fatalf("want deploy-route-failed got=%v", err)
	}
	rt, err := h.table.Lookup(ctx, s.Subdomain)
	if err != nil || rt == nil || rt.DeploymentID != first.ID {
		t.Fatalf("route: want deployment %s got=%+v err=%v", first.ID, rt, err)
	}
	if code, body := h.get(t, s.Subdomain, "/"); code != http.StatusOK || !strings.Contains(body, "v1") {
		t.Fatalf("serve v1 after restore: code=%d body=%q", code, body)
	}

	// With nothing to fall back to, the half-registered address is removed.
	other := h.session(t, "tea menu")
	_, err = orch.Deploy(ctx, Input{Session: other, AttemptID: uuid.New(), Artifact: staticArtifact("tea")})
	if builder.CodeOf(err) != builder.CodeDeployRouteFailed {
		t.Fatalf("want deploy-route-failed got=%v", err)
	}
	if rt, _ := h.table.Lookup(ctx, other.Subdomain); rt != nil {
		t.Fatalf("route left registered: %+v", rt)
	}
}

func TestDeployStopsBeforeNextStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, "todo list")
	calls := 0
	_, err := h.orch.Deploy(ctx, Input{
		Session:  s,
		Artifact: containerArtifact(),
		Canceled: func() bool {
			calls++
			return calls > 1
		},
	})
	if !errors.Is(err, builder.ErrStopped) {
		t.Fatalf("want ErrStopped got=%v", err)
	}
	if len(h.containers.built) != 0 {
		t.Fatalf("build ran after stop: %v", h.containers.built)
	}
	if live, _ := h.set.Deploys.GetLive(dbctx.Context{Ctx: ctx}, s.ID); live != nil {
		t.Fatalf("stopped rollout went live")
	}
}

func TestRetireDropsRouteAndContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, "espresso menu")
	dep, err := h.orch.Deploy(ctx, Input{Session: s, Artifact: staticArtifact("v1")})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := h.orch.Retire(ctx, dep, true); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if code, _ := h.get(t, s.Subdomain, "/"); code != http.StatusNotFound {
		t.Fatalf("retired app still served: code=%d", code)
	}
	keys, _ := h.store.List(ctx, "sites/"+s.Subdomain+"/")
	if len(keys) != 0 {
		t.Fatalf("site files left behind: %v", keys)
	}
}
