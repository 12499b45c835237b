// Package pipeline runs one generation round for a build session: classify,
// search the library, generate with bounded auto-fix, then deploy. It is
// driven by the job worker and reports everything through the session's
// event log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/data/repos"
	"github.com/yungbote/appforge-backend/internal/modules/builder"
	"github.com/yungbote/appforge-backend/internal/modules/builder/artifact"
	"github.com/yungbote/appforge-backend/internal/modules/builder/classify"
	"github.com/yungbote/appforge-backend/internal/modules/builder/deploy"
	"github.com/yungbote/appforge-backend/internal/modules/builder/generate"
	"github.com/yungbote/appforge-backend/internal/modules/builder/reuse"
	"github.com/yungbote/appforge-backend/internal/modules/builder/session"
	"github.com/yungbote/appforge-backend/internal/modules/builder/validate"
	"github.com/yungbote/appforge-backend/internal/observability"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

const (
	ModeInitial = "initial"
	ModeModify  = "modify"

	// maxAnchorBytes caps how much raw output is fed back into a fix prompt
	// when the previous attempt did not parse.
	maxAnchorBytes = 24000
)

type EventSink interface {
	Emit(ctx context.Context, sessionID uuid.UUID, typ types.EventType, message string, progress int, data map[string]any) error
}

type Generator interface {
	ModelFor(tier types.ModelTier) string
	Generate(ctx context.Context, req generate.Request, hooks generate.Hooks) (generate.Result, error)
}

type Deployer interface {
	Deploy(ctx context.Context, in deploy.Input) (*types.Deployment, error)
	UpdateInPlace(ctx context.Context, in deploy.Input) (*types.Deployment, error)
	Retire(ctx context.Context, dep *types.Deployment, dropRoute bool) error
	URL(subdomain string) string
}

type Config struct {
	// RetryCeiling is the number of generation attempts per round.
	RetryCeiling int
}

type Deps struct {
	Log        *logger.Logger
	Sessions   repos.SessionRepo
	Attempts   repos.AttemptRepo
	Deploys    repos.DeploymentRepo
	Classifier *classify.Classifier
	Reuse      *reuse.Engine
	Generator  Generator
	Validator  *validate.Validator
	Deployer   Deployer
	Events     EventSink
}

type Pipeline struct {
	log        *logger.Logger
	sessions   repos.SessionRepo
	attempts   repos.AttemptRepo
	deploys    repos.DeploymentRepo
	classifier *classify.Classifier
	reuse      *reuse.Engine
	gen        Generator
	validator  *validate.Validator
	deployer   Deployer
	events     EventSink
	cfg        Config
}

func New(d Deps, cfg Config) (*Pipeline, error) {
	if d.Sessions == nil || d.Attempts == nil || d.Deploys == nil {
		return nil, fmt.Errorf("pipeline: repositories required")
	}
	if d.Classifier == nil || d.Generator == nil || d.Validator == nil || d.Deployer == nil || d.Events == nil {
		return nil, fmt.Errorf("pipeline: classifier, generator, validator, deployer and events required")
	}
	if cfg.RetryCeiling < 1 {
		return nil, fmt.Errorf("pipeline: retry ceiling must be at least 1, got %d", cfg.RetryCeiling)
	}
	return &Pipeline{
		log:        d.Log.With("service", "BuildPipeline"),
		sessions:   d.Sessions,
		attempts:   d.Attempts,
		deploys:    d.Deploys,
		classifier: d.Classifier,
		reuse:      d.Reuse,
		gen:        d.Generator,
		validator:  d.Validator,
		deployer:   d.Deployer,
		events:     d.Events,
		cfg:        cfg,
	}, nil
}

// plan is the next generator call within a round.
type plan struct {
	source   types.StrategySource
	tier     types.ModelTier
	request  string
	anchor   string
	findings []validate.Finding
	itemID   *uuid.UUID
	score    float64
}

type loopResult struct {
	artifact *artifact.Artifact
	attempt  *types.GenerationAttempt
	attempts int
}

// round carries the state of one pipeline execution for one session.
type round struct {
	p        *Pipeline
	s        *types.BuildSession
	mode     string
	prog     *tracker
	log      *logger.Logger
	reusedID *uuid.UUID
	fresh    bool
	vector   []float32
	rejected []validate.Finding
}

func (p *Pipeline) newRound(s *types.BuildSession, mode string) *round {
	return &round{
		p:    p,
		s:    s,
		mode: mode,
		prog: &tracker{sessions: p.sessions, sessionID: s.ID, round: s.Round, pct: s.Progress},
		log:  p.log.With("session_id", s.ID, "round", s.Round, "mode", mode),
	}
}

func (p *Pipeline) load(ctx context.Context, id uuid.UUID) (*types.BuildSession, error) {
	s, err := p.sessions.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", id, builder.ErrNotFound)
	}
	return s, nil
}

// resume prepares a session whose previous worker died mid-round. The
// transition table is bypassed on purpose: the round restarts at `at`.
func (p *Pipeline) resume(ctx context.Context, s *types.BuildSession, at types.SessionState) error {
	dbc := dbctx.Context{Ctx: ctx}
	n, err := p.attempts.AbandonInFlight(dbc, s.ID)
	if err != nil {
		return fmt.Errorf("abandon in-flight attempts: %w", err)
	}
	if err := p.sessions.UpdateFields(dbc, s.ID, map[string]interface{}{"state": at}); err != nil {
		return fmt.Errorf("reset session state: %w", err)
	}
	p.log.Warn("resuming interrupted round", "session_id", s.ID, "from_state", s.State, "to_state", at, "abandoned_attempts", n)
	s.State = at
	return nil
}

// RunInitial builds a draft session end to end.
func (p *Pipeline) RunInitial(ctx context.Context, sessionID uuid.UUID) error {
	s, err := p.load(ctx, sessionID)
	if err != nil {
		return err
	}
	switch {
	case session.IsTerminal(s.State), s.State == types.StateDeployed:
		return nil
	case s.State == types.StateDraft:
		ok, err := p.sessions.Transition(dbctx.Context{Ctx: ctx}, s.ID, []types.SessionState{types.StateDraft}, types.StateAnalyzing, nil)
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		if !ok {
			// Stopped before the worker picked it up.
			return nil
		}
		s.State = types.StateAnalyzing
	default:
		if err := p.resume(ctx, s, types.StateAnalyzing); err != nil {
			return err
		}
	}
	r := p.newRound(s, ModeInitial)
	return r.finish(ctx, r.runInitial(ctx))
}

// RunModify applies a change request to a deployed session. The caller has
// already moved the session to generating and advanced its round.
func (p *Pipeline) RunModify(ctx context.Context, sessionID uuid.UUID, roundNo int, request string) error {
	s, err := p.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Round != roundNo {
		p.log.Info("skipping stale modification", "session_id", s.ID, "job_round", roundNo, "session_round", s.Round)
		return nil
	}
	switch s.State {
	case types.StateGenerating:
		if _, err := p.attempts.AbandonInFlight(dbctx.Context{Ctx: ctx}, s.ID); err != nil {
			return fmt.Errorf("abandon in-flight attempts: %w", err)
		}
	case types.StateValidating, types.StateFixing, types.StateDeploying:
		if err := p.resume(ctx, s, types.StateGenerating); err != nil {
			return err
		}
	default:
		return nil
	}
	r := p.newRound(s, ModeModify)
	return r.finish(ctx, r.runModify(ctx, request))
}

func (r *round) canceled(ctx context.Context) bool {
	ok, err := r.p.sessions.IsCancelRequested(dbctx.Context{Ctx: ctx}, r.s.ID)
	if err != nil {
		r.log.Warn("cancel flag read failed", "error", err)
		return false
	}
	return ok
}

func (r *round) emit(ctx context.Context, typ types.EventType, msg string, pct int, data map[string]any) {
	if err := r.p.events.Emit(ctx, r.s.ID, typ, msg, pct, data); err != nil {
		r.log.Warn("event append failed", "type", typ, "error", err)
	}
}

func (r *round) say(ctx context.Context, op Operation, pct int, data map[string]any) {
	r.emit(ctx, types.EventThinking, Message(op, r.s.ID, r.s.Round), r.prog.raise(ctx, pct), data)
}

func (r *round) transition(ctx context.Context, from, to types.SessionState) error {
	if !session.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	ok, err := r.p.sessions.Transition(dbctx.Context{Ctx: ctx}, r.s.ID, []types.SessionState{from}, to, nil)
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	if !ok {
		return fmt.Errorf("transition %s -> %s: session moved concurrently", from, to)
	}
	r.s.State = to
	return nil
}

func (r *round) runInitial(ctx context.Context) error {
	s := r.s
	if r.canceled(ctx) {
		return builder.ErrStopped
	}
	r.say(ctx, OpStart, pctStart, nil)

	start := time.Now()
	_, span := observability.StartSpan(ctx, "pipeline.classify")
	res := r.p.classifier.Classify(s.RequestText)
	span.SetAttributes(attribute.String("classification", string(res.Strategy)), attribute.String("category", res.Category))
	span.End()
	if err := r.p.sessions.UpdateFields(dbctx.Context{Ctx: ctx}, s.ID, map[string]interface{}{
		"classification": res.Strategy,
		"category":       res.Category,
	}); err != nil {
		return fmt.Errorf("store classification: %w", err)
	}
	s.Classification, s.Category = res.Strategy, res.Category
	if res.Ambiguous {
		r.log.Info("classification ambiguous, using default", "code", builder.CodeClassificationAmbiguous, "classification", res.Strategy, "scores", res.Scores)
	}
	observability.Current().ObserveStage("analyzing", "ok", time.Since(start))
	r.say(ctx, OpAnalyzing, pctAnalyzed, map[string]any{
		"classification": res.Strategy,
		"category":       res.Category,
	})

	if r.canceled(ctx) {
		return builder.ErrStopped
	}
	if err := r.transition(ctx, types.StateAnalyzing, types.StateGenerating); err != nil {
		return err
	}

	first := plan{source: types.SourceFresh, tier: types.TierStrong, request: s.RequestText}
	r.fresh = true
	if r.p.reuse != nil {
		start = time.Now()
		out := r.p.reuse.Decide(ctx, s.ID, s.RequestText, s.Category)
		observability.Current().ObserveStage("reuse", string(out.Decision), time.Since(start))
		r.vector = out.Embedding
		if out.Decision == types.DecisionReused && out.Item != nil {
			id := out.Item.ID
			first = plan{
				source:  types.SourceReuse,
				tier:    types.TierCheap,
				request: s.RequestText,
				anchor:  out.Item.Body,
				itemID:  &id,
				score:   out.Score,
			}
			r.reusedID = &id
			r.fresh = false
			r.emit(ctx, types.EventThinking, "Found a proven app similar to yours. Adapting it...", r.prog.raise(ctx, pctReuse), map[string]any{
				"reuse_decision":  out.Decision,
				"library_item_id": id,
			})
		} else {
			first.score = out.Score
		}
	}
	if r.fresh {
		r.say(ctx, OpDesigning, pctReuse, nil)
	}

	lr, err := r.generateLoop(ctx, first)
	if err != nil {
		return err
	}
	dep, err := r.deploy(ctx, lr)
	if err != nil {
		return err
	}
	r.afterSuccess(ctx, lr, dep)
	return nil
}

func (r *round) runModify(ctx context.Context, request string) error {
	s := r.s
	if r.canceled(ctx) {
		return builder.ErrStopped
	}
	if next := r.p.classifier.ForModification(s.Classification, request); next != s.Classification {
		if err := r.p.sessions.UpdateFields(dbctx.Context{Ctx: ctx}, s.ID, map[string]interface{}{"classification": next}); err != nil {
			return fmt.Errorf("store classification: %w", err)
		}
		r.log.Info("classification upgraded by modification", "from", s.Classification, "to", next)
		s.Classification = next
	}
	prev, err := r.p.attempts.LatestAccepted(dbctx.Context{Ctx: ctx}, s.ID)
	if err != nil {
		return fmt.Errorf("load accepted artifact: %w", err)
	}
	first := plan{source: types.SourceModify, tier: types.TierStrong, request: request}
	if prev != nil {
		a, err := artifact.FromJSON(prev.Artifact)
		if err != nil {
			return err
		}
		if a != nil {
			first.anchor = a.Body()
		}
	}
	if first.anchor == "" {
		r.log.Warn("no accepted artifact to modify, generating fresh")
		first.source = types.SourceFresh
		first.request = strings.TrimSpace(s.RequestText + "\n" + request)
	}
	r.say(ctx, OpDesigning, pctReuse, nil)

	lr, err := r.generateLoop(ctx, first)
	if err != nil {
		return err
	}
	dep, err := r.deploy(ctx, lr)
	if err != nil {
		return err
	}
	r.afterSuccess(ctx, lr, dep)
	return nil
}

// generateLoop runs at most RetryCeiling attempts. Each rejected attempt
// feeds its findings and output into the next prompt.
func (r *round) generateLoop(ctx context.Context, next plan) (*loopResult, error) {
	s := r.s
	ceiling := r.p.cfg.RetryCeiling
	var last []validate.Finding
	for i := 0; i < ceiling; i++ {
		if r.canceled(ctx) {
			return nil, builder.ErrStopped
		}
		att := &types.GenerationAttempt{
			SessionID:     s.ID,
			Round:         s.Round,
			Source:        next.source,
			Tier:          next.tier,
			Model:         r.p.gen.ModelFor(next.tier),
			LibraryItemID: next.itemID,
			ReuseScore:    next.score,
		}
		if err := r.p.attempts.Open(dbctx.Context{Ctx: ctx}, att); err != nil {
			return nil, fmt.Errorf("open attempt: %w", err)
		}
		alog := r.log.With("attempt_index", att.AttemptIndex, "source", att.Source, "tier", att.Tier)

		if i == 0 {
			r.say(ctx, OpBuilding, r.prog.pct+1, nil)
		}
		start := time.Now()
		res, err := r.p.gen.Generate(ctx, generate.Request{
			Source:         next.source,
			Tier:           next.tier,
			Classification: s.Classification,
			Category:       s.Category,
			RequestText:    next.request,
			Anchor:         next.anchor,
			Findings:       next.findings,
		}, generate.Hooks{
			OnProgress: func(msg string) {
				r.emit(ctx, types.EventProgress, msg, r.prog.step(ctx, pctGenerateStep, pctGenerateEnd-1), nil)
			},
			Canceled: func() bool { return r.canceled(ctx) },
		})
		if errors.Is(err, builder.ErrStopped) {
			r.resolve(ctx, att, types.OutcomeStopped, nil)
			return nil, err
		}
		if err != nil {
			r.resolve(ctx, att, types.OutcomeAbandoned, nil)
			return nil, fmt.Errorf("generate: %w", err)
		}
		observability.Current().ObserveStage("generating", string(att.Source), time.Since(start))
		if res.Artifact != nil || res.Raw != "" {
			if err := r.p.attempts.Record(dbctx.Context{Ctx: ctx}, att.ID, res.Artifact.JSON(), res.Raw); err != nil {
				return nil, fmt.Errorf("record attempt output: %w", err)
			}
		}

		if err := r.transition(ctx, types.StateGenerating, types.StateValidating); err != nil {
			return nil, err
		}
		if i == 0 {
			r.say(ctx, OpStyling, r.prog.pct+1, nil)
		}
		findings := res.Findings
		if res.Artifact != nil && len(findings) == 0 {
			findings = r.p.validator.Validate(res.Artifact, s.Classification)
		}

		if len(findings) == 0 {
			r.resolve(ctx, att, types.OutcomeAccepted, validate.JSON(nil))
			alog.Info("attempt accepted", "files", len(res.Artifact.Files), "needs_container", res.Artifact.NeedsContainer())
			r.prog.raise(ctx, pctValidateEnd)
			return &loopResult{artifact: res.Artifact, attempt: att, attempts: i + 1}, nil
		}

		last = findings
		r.rejected = findings
		anchor := next.anchor
		if res.Artifact != nil {
			anchor = res.Artifact.Body()
		} else if strings.TrimSpace(res.Raw) != "" {
			anchor = clip(res.Raw, maxAnchorBytes)
		}

		if i+1 >= ceiling {
			r.resolve(ctx, att, types.OutcomeRejectedExhausted, validate.JSON(findings))
			alog.Warn("attempt rejected, ceiling reached", "findings", len(findings))
			break
		}
		r.resolve(ctx, att, types.OutcomeRejectedRetry, validate.JSON(findings))
		alog.Info("attempt rejected, retrying", "findings", len(findings), "first_rule", findings[0].Rule)

		if r.canceled(ctx) {
			return nil, builder.ErrStopped
		}
		if err := r.transition(ctx, types.StateValidating, types.StateFixing); err != nil {
			return nil, err
		}
		r.say(ctx, OpPolishing, r.prog.pct+1, map[string]any{
			"attempt_index": att.AttemptIndex,
			"findings":      len(findings),
		})
		if err := r.transition(ctx, types.StateFixing, types.StateGenerating); err != nil {
			return nil, err
		}
		next = plan{
			source:   types.SourceFix,
			tier:     types.TierStrong,
			request:  next.request,
			anchor:   anchor,
			findings: findings,
			itemID:   next.itemID,
		}
	}
	return nil, builder.NewError(builder.CodeGenerationExhausted,
		fmt.Sprintf("could not produce a working app after %d attempts: %s", ceiling, summarize(last)), nil)
}

func (r *round) resolve(ctx context.Context, att *types.GenerationAttempt, outcome types.AttemptOutcome, findings []byte) {
	if _, err := r.p.attempts.Resolve(dbctx.Context{Ctx: ctx}, att.ID, outcome, findings); err != nil {
		r.log.Warn("attempt resolve failed", "attempt_id", att.ID, "outcome", outcome, "error", err)
	}
	att.Outcome = outcome
	observability.Current().IncAttempt(string(att.Source), string(att.Tier), string(outcome))
}

func (r *round) deploy(ctx context.Context, lr *loopResult) (*types.Deployment, error) {
	if r.canceled(ctx) {
		return nil, builder.ErrStopped
	}
	if err := r.transition(ctx, types.StateValidating, types.StateDeploying); err != nil {
		return nil, err
	}
	r.say(ctx, OpFinalizing, pctValidateEnd, nil)
	r.say(ctx, OpDeploying, pctDeployStart+1, map[string]any{"tier": deploy.TierFor(lr.artifact)})

	in := deploy.Input{
		Session:      r.s,
		AttemptID:    lr.attempt.ID,
		AttemptIndex: lr.attempt.AttemptIndex,
		Artifact:     lr.artifact,
		Canceled:     func() bool { return r.canceled(ctx) },
		OnStep: func(step string) {
			r.emit(ctx, types.EventProgress, capitalize(step)+"...", r.prog.step(ctx, 4, pctDeployEnd), nil)
		},
	}
	start := time.Now()
	var (
		dep *types.Deployment
		err error
	)
	if r.s.CurrentDeploymentID != nil {
		dep, err = r.p.deployer.UpdateInPlace(ctx, in)
	} else {
		dep, err = r.p.deployer.Deploy(ctx, in)
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.Current().ObserveStage("deploying", status, time.Since(start))
	if err != nil {
		return nil, err
	}
	if r.canceled(ctx) {
		// The stop arrived while the last step ran; honor it.
		return dep, builder.ErrStopped
	}
	return dep, nil
}

func (r *round) afterSuccess(ctx context.Context, lr *loopResult, dep *types.Deployment) {
	s := r.s
	url := r.p.deployer.URL(dep.Subdomain)
	ok, err := r.p.sessions.Transition(dbctx.Context{Ctx: ctx}, s.ID, []types.SessionState{types.StateDeploying}, types.StateDeployed, map[string]interface{}{
		"last_error": "",
	})
	if err != nil || !ok {
		r.log.Error("could not mark session deployed", "ok", ok, "error", err)
	}
	s.State = types.StateDeployed
	r.emit(ctx, types.EventSuccess, Message(OpComplete, s.ID, s.Round), r.prog.raise(ctx, pctDone), map[string]any{
		"deployment_url": url,
		"deployment_id":  dep.ID,
		"tier":           dep.Tier,
		"attempts":       lr.attempts,
	})
	observability.Current().IncSessionOutcome(string(types.StateDeployed), r.mode)
	r.log.Info("round deployed", "deployment_id", dep.ID, "url", url, "attempts", lr.attempts)

	if r.p.reuse == nil || r.mode != ModeInitial {
		return
	}
	if r.reusedID != nil {
		if err := r.p.reuse.RecordOutcome(ctx, *r.reusedID, true); err != nil {
			r.log.Warn("library outcome not recorded", "library_item_id", *r.reusedID, "error", err)
		}
		return
	}
	if r.fresh {
		item, added, err := r.p.reuse.Register(ctx, reuse.RegisterInput{
			SessionID: s.ID,
			Request:   s.RequestText,
			Title:     lr.artifact.Title,
			Category:  s.Category,
			Strategy:  s.Classification,
			Body:      lr.artifact.Body(),
			Embedding: r.vector,
		})
		switch {
		case err != nil:
			r.log.Warn("library registration failed", "error", err)
		case added:
			r.log.Info("artifact added to library", "library_item_id", item.ID)
		}
	}
}

// finish maps the round's error onto a terminal session state. Only internal
// errors are returned to the worker.
func (r *round) finish(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	// Terminal writes must land even if the job context is going away.
	ctx = context.WithoutCancel(ctx)
	if errors.Is(err, builder.ErrStopped) {
		r.stop(ctx)
		return nil
	}
	code := builder.CodeOf(err)
	var findings []validate.Finding
	if code == builder.CodeGenerationExhausted {
		findings = r.rejected
	}
	r.fail(ctx, code, err, findings)
	if code == builder.CodeInternal {
		return err
	}
	return nil
}

func (r *round) fail(ctx context.Context, code builder.ErrorCode, cause error, findings []validate.Finding) {
	msg := userMessage(code)
	ok, err := r.p.sessions.Transition(dbctx.Context{Ctx: ctx}, r.s.ID, session.Sources(types.StateFailed), types.StateFailed, map[string]interface{}{
		"last_error": cause.Error(),
	})
	if err != nil || !ok {
		r.log.Warn("could not mark session failed", "ok", ok, "error", err)
	}
	data := map[string]any{"code": code, "detail": cause.Error()}
	if len(findings) > 0 {
		data["findings"] = findings
	}
	r.emit(ctx, types.EventError, msg, r.prog.pct, data)
	observability.Current().IncSessionOutcome(string(types.StateFailed), r.mode)
	r.log.Warn("round failed", "code", code, "error", cause)
}

func (r *round) stop(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	if _, err := r.p.attempts.AbandonInFlight(dbc, r.s.ID); err != nil {
		r.log.Warn("abandon in-flight attempts failed", "error", err)
	}
	ok, err := r.p.sessions.Transition(dbc, r.s.ID, session.Stoppable(), types.StateStopped, nil)
	if err != nil {
		r.log.Warn("could not mark session stopped", "error", err)
	}
	if ok {
		r.emit(ctx, types.EventThinking, "Stopped. Start a new build whenever you're ready.", r.prog.pct, map[string]any{
			"state": types.StateStopped,
			"code":  builder.CodeStopped,
		})
		observability.Current().IncSessionOutcome(string(types.StateStopped), r.mode)
	}
	live, err := r.p.deploys.GetLive(dbc, r.s.ID)
	if err != nil {
		r.log.Warn("live deployment lookup failed", "error", err)
		return
	}
	if live != nil {
		if err := r.p.deployer.Retire(ctx, live, true); err != nil {
			r.log.Warn("retire on stop failed", "deployment_id", live.ID, "error", err)
		}
	}
	r.log.Info("round stopped")
}

func userMessage(code builder.ErrorCode) string {
	switch code {
	case builder.CodeGenerationExhausted:
		return "We couldn't get your app working after several tries. Try rephrasing your request."
	case builder.CodeDeployBuildFailed:
		return "Your app was generated but failed to start. Try again or simplify the request."
	case builder.CodeDeployRouteFailed:
		return "Your app was built but we couldn't put it online."
	default:
		return "Something went wrong while building your app."
	}
}

func summarize(findings []validate.Finding) string {
	if len(findings) == 0 {
		return "no details"
	}
	parts := make([]string, 0, 3)
	for i, f := range findings {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(findings)-3))
			break
		}
		parts = append(parts, f.String())
	}
	return strings.Join(parts, "; ")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func capitalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
