package generate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/modules/builder"
	"github.com/yungbote/appforge-backend/internal/modules/builder/validate"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type fakeStreamer struct {
	chunks []string
	err    error
	delay  time.Duration
	block  bool

	mu      sync.Mutex
	models  []string
	systems []string
	users   []string
}

func (f *fakeStreamer) StreamText(ctx context.Context, model, system, user string, onDelta func(string)) (string, error) {
	f.mu.Lock()
	f.models = append(f.models, model)
	f.systems = append(f.systems, system)
	f.users = append(f.users, user)
	f.mu.Unlock()

	var b strings.Builder
	for _, c := range f.chunks {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return b.String(), ctx.Err()
			}
		}
		b.WriteString(c)
		onDelta(c)
	}
	if f.block {
		<-ctx.Done()
		return b.String(), ctx.Err()
	}
	return b.String(), f.err
}

const staticDoc = `{"title":"Espresso","entry":"index.html","files":[{"path":"index.html","content":"<html><body><ul id=\"m\"></ul></body></html>"}],"requires":{"persistent_storage":false,"server_logic":false,"live_data":false}}`

func newGen(t *testing.T, s TextStreamer, cfg Config) *Generator {
	t.Helper()
	g, err := New(logger.Nop(), s, nil, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestGenerateParsesArtifactAndReportsProgress(t *testing.T) {
	fs := &fakeStreamer{chunks: []string{
		"PROGRESS: laying out the menu\n",
		"PROGRESS: laying out the menu\n",
		">> adding prices\n",
		staticDoc[:40], staticDoc[40:],
	}}
	g := newGen(t, fs, Config{})
	var got []string
	res, err := g.Generate(context.Background(), Request{
		Source:         types.SourceFresh,
		Tier:           types.TierCheap,
		Classification: types.ClassStatic,
		Category:       "catalog",
		RequestText:    "list of espresso drinks and prices",
	}, Hooks{OnProgress: func(m string) { got = append(got, m) }})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Artifact == nil || len(res.Findings) != 0 {
		t.Fatalf("want artifact got findings=%v", res.Findings)
	}
	if res.Artifact.Entry != "index.html" {
		t.Fatalf("entry: want=index.html got=%q", res.Artifact.Entry)
	}
	want := []string{"laying out the menu", "adding prices", "Writing index.html"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("progress: want=%v got=%v", want, got)
	}
	if res.Model != DefaultConfig().CheapModel {
		t.Fatalf("model: want=%s got=%s", DefaultConfig().CheapModel, res.Model)
	}
	if !strings.Contains(fs.systems[0], "STATIC") || !strings.Contains(fs.systems[0], "grid of cards") {
		t.Fatalf("system prompt missing strategy or category rules")
	}
}

func TestGenerateFixPromptCarriesFindings(t *testing.T) {
	fs := &fakeStreamer{chunks: []string{staticDoc}}
	g := newGen(t, fs, Config{})
	_, err := g.Generate(context.Background(), Request{
		Source:         types.SourceFix,
		Tier:           types.TierStrong,
		Classification: types.ClassStatic,
		RequestText:    "espresso menu",
		Anchor:         "// file: index.html\n<html></html>",
		Findings:       []validate.Finding{{Rule: validate.RuleStaticNoStorage, Location: "app.js:3", Message: "calls the storage API"}},
	}, Hooks{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if fs.models[0] != DefaultConfig().StrongModel {
		t.Fatalf("model: want=%s got=%s", DefaultConfig().StrongModel, fs.models[0])
	}
	if !strings.Contains(fs.users[0], "app.js:3") || !strings.Contains(fs.users[0], "// file: index.html") {
		t.Fatalf("fix prompt missing findings or previous output: %s", fs.users[0])
	}
}

func TestGenerateMalformedBecomesFinding(t *testing.T) {
	g := newGen(t, &fakeStreamer{chunks: []string{"sorry, I cannot"}}, Config{})
	res, err := g.Generate(context.Background(), Request{Source: types.SourceFresh, Tier: types.TierCheap, RequestText: "x"}, Hooks{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Artifact != nil || len(res.Findings) != 1 || res.Findings[0].Rule != validate.RuleParse {
		t.Fatalf("want one parse finding got=%v", res.Findings)
	}
}

func TestGenerateTimeoutBecomesFinding(t *testing.T) {
	g := newGen(t, &fakeStreamer{chunks: []string{"PROGRESS: thinking\n"}, block: true}, Config{Timeout: 50 * time.Millisecond})
	res, err := g.Generate(context.Background(), Request{Source: types.SourceFresh, Tier: types.TierCheap, RequestText: "x"}, Hooks{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Findings) != 1 || res.Findings[0].Rule != validate.RuleTimeout {
		t.Fatalf("want timeout finding got=%v", res.Findings)
	}
	if res.Findings[0].Code() != builder.CodeProviderTimeout {
		t.Fatalf("code: want=%s got=%s", builder.CodeProviderTimeout, res.Findings[0].Code())
	}
}

func TestGenerateProviderErrorBecomesFinding(t *testing.T) {
	g := newGen(t, &fakeStreamer{err: errors.New("429 rate limited")}, Config{})
	res, err := g.Generate(context.Background(), Request{Source: types.SourceFresh, Tier: types.TierCheap, RequestText: "x"}, Hooks{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Findings) != 1 || res.Findings[0].Rule != validate.RuleProvider {
		t.Fatalf("want provider finding got=%v", res.Findings)
	}
}

func TestGenerateStopsWhenCanceled(t *testing.T) {
	var flag atomic.Bool
	fs := &fakeStreamer{chunks: []string{"a", "b", "c", "d", "e", "f"}, delay: 20 * time.Millisecond}
	g := newGen(t, fs, Config{CancelPoll: 5 * time.Millisecond})
	go func() {
		time.Sleep(30 * time.Millisecond)
		flag.Store(true)
	}()
	start := time.Now()
	_, err := g.Generate(context.Background(), Request{Source: types.SourceFresh, Tier: types.TierCheap, RequestText: "x"}, Hooks{Canceled: flag.Load})
	if !errors.Is(err, builder.ErrStopped) {
		t.Fatalf("want ErrStopped got=%v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("stream was not interrupted promptly")
	}
}

func TestGenerateCanceledBeforeStart(t *testing.T) {
	fs := &fakeStreamer{chunks: []string{staticDoc}}
	g := newGen(t, fs, Config{})
	_, err := g.Generate(context.Background(), Request{Source: types.SourceFresh, Tier: types.TierCheap, RequestText: "x"}, Hooks{Canceled: func() bool { return true }})
	if !errors.Is(err, builder.ErrStopped) {
		t.Fatalf("want ErrStopped got=%v", err)
	}
	if len(fs.models) != 0 {
		t.Fatalf("provider called after cancel")
	}
}

func TestPromptsRejectUnknownSource(t *testing.T) {
	p, err := LoadPrompts()
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}
	if _, err := p.User(types.StrategySource("bogus"), userVars{}); err == nil {
		t.Fatalf("want error for unknown source")
	}
}
