// Package generate drives one streamed generator call and parses the result
// into an artifact. Provider failures come back as findings so the caller's
// retry loop treats them like any other rejected attempt.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/modules/builder"
	"github.com/yungbote/appforge-backend/internal/modules/builder/artifact"
	"github.com/yungbote/appforge-backend/internal/modules/builder/validate"
	"github.com/yungbote/appforge-backend/internal/observability"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type TextStreamer interface {
	StreamText(ctx context.Context, model, system, user string, onDelta func(delta string)) (string, error)
}

type Config struct {
	CheapModel  string
	StrongModel string
	// Timeout bounds a single generator call.
	Timeout time.Duration
	// CancelPoll is how often Hooks.Canceled is consulted while streaming.
	CancelPoll time.Duration
}

func DefaultConfig() Config {
	return Config{
		CheapModel:  "gpt-4.1-mini",
		StrongModel: "gpt-4.1",
		Timeout:     90 * time.Second,
		CancelPoll:  500 * time.Millisecond,
	}
}

type Request struct {
	Source         types.StrategySource
	Tier           types.ModelTier
	Classification types.Classification
	Category       string
	RequestText    string
	// Anchor is the library item body for reuse, or the previous artifact
	// body for fix and modify.
	Anchor   string
	Findings []validate.Finding
}

type Result struct {
	Artifact *artifact.Artifact
	Raw      string
	Model    string
	// Findings is non-empty when the output could not be used at all.
	Findings []validate.Finding
	Duration time.Duration
}

type Hooks struct {
	OnProgress func(msg string)
	Canceled   func() bool
}

type Generator struct {
	log      *logger.Logger
	streamer TextStreamer
	prompts  *Prompts
	cfg      Config
}

func New(log *logger.Logger, streamer TextStreamer, prompts *Prompts, cfg Config) (*Generator, error) {
	if streamer == nil {
		return nil, fmt.Errorf("generate: streamer required")
	}
	if prompts == nil {
		p, err := LoadPrompts()
		if err != nil {
			return nil, err
		}
		prompts = p
	}
	def := DefaultConfig()
	if strings.TrimSpace(cfg.CheapModel) == "" {
		cfg.CheapModel = def.CheapModel
	}
	if strings.TrimSpace(cfg.StrongModel) == "" {
		cfg.StrongModel = def.StrongModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = def.CancelPoll
	}
	return &Generator{
		log:      log.With("service", "Generator"),
		streamer: streamer,
		prompts:  prompts,
		cfg:      cfg,
	}, nil
}

func (g *Generator) ModelFor(tier types.ModelTier) string {
	if tier == types.TierStrong {
		return g.cfg.StrongModel
	}
	return g.cfg.CheapModel
}

type streamEnd struct {
	text string
	err  error
}

// Generate returns builder.ErrStopped when Hooks.Canceled reports true before
// the stream finishes. Every other failure is reported through Result.Findings.
func (g *Generator) Generate(ctx context.Context, req Request, hooks Hooks) (Result, error) {
	model := g.ModelFor(req.Tier)
	res := Result{Model: model}

	system := g.prompts.System(req.Classification, req.Category)
	user, err := g.prompts.User(req.Source, userVars{
		Request:  strings.TrimSpace(req.RequestText),
		Anchor:   req.Anchor,
		Findings: validate.Format(req.Findings),
	})
	if err != nil {
		return res, err
	}

	ctx, span := observability.StartSpan(ctx, "generate.stream",
		attribute.String("source", string(req.Source)),
		attribute.String("tier", string(req.Tier)),
		attribute.String("model", model),
	)
	defer span.End()

	if hooks.Canceled != nil && hooks.Canceled() {
		return res, builder.ErrStopped
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	scanner := newProgressScanner(hooks.OnProgress)
	deltas := make(chan string, 64)
	done := make(chan streamEnd, 1)
	start := time.Now()

	go func() {
		text, err := g.streamer.StreamText(callCtx, model, system, user, func(d string) {
			select {
			case deltas <- d:
			case <-callCtx.Done():
			}
		})
		done <- streamEnd{text: text, err: err}
	}()

	ticker := time.NewTicker(g.cfg.CancelPoll)
	defer ticker.Stop()

	var end streamEnd
	stopped := false
loop:
	for {
		select {
		case d := <-deltas:
			scanner.Write(d)
		case <-ticker.C:
			if !stopped && hooks.Canceled != nil && hooks.Canceled() {
				stopped = true
				cancel()
			}
		case end = <-done:
			break loop
		}
	}
	// The streamer has returned, so whatever is buffered is final.
	for n := len(deltas); n > 0; n-- {
		scanner.Write(<-deltas)
	}
	scanner.Close()
	res.Duration = time.Since(start)
	res.Raw = end.text

	if stopped || (hooks.Canceled != nil && hooks.Canceled()) {
		g.log.Info("generation stopped", "model", model, "source", req.Source)
		return res, builder.ErrStopped
	}

	if end.err != nil {
		if errors.Is(end.err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			res.Findings = validate.Timeout(fmt.Errorf("generator did not finish within %s", g.cfg.Timeout))
		} else if ctx.Err() != nil {
			return res, ctx.Err()
		} else {
			res.Findings = validate.ProviderFailure(end.err)
		}
		span.RecordError(end.err)
		g.log.Warn("generator call failed", "model", model, "source", req.Source, "error", end.err)
		return res, nil
	}

	a, perr := artifact.Parse(end.text)
	if perr != nil {
		res.Findings = validate.Malformed(perr)
		g.log.Warn("generator output malformed", "model", model, "source", req.Source, "raw_len", len(end.text), "error", perr)
		return res, nil
	}
	res.Artifact = a
	g.log.Debug("generator call finished", "model", model, "source", req.Source, "files", len(a.Files), "duration_ms", res.Duration.Milliseconds())
	return res, nil
}
