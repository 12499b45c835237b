package generate

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/promptstyle"
)

//go:embed prompts.yaml
var defaultPrompts []byte

type promptBook struct {
	System     string            `yaml:"system"`
	Content    map[string]string `yaml:"content"`
	Categories map[string]string `yaml:"categories"`
	Fresh      string            `yaml:"fresh"`
	Reuse      string            `yaml:"reuse"`
	Fix        string            `yaml:"fix"`
	Modify     string            `yaml:"modify"`
}

type Prompts struct {
	book     promptBook
	userTmpl map[types.StrategySource]*template.Template
}

func LoadPrompts() (*Prompts, error) {
	return ParsePrompts(defaultPrompts)
}

func ParsePrompts(raw []byte) (*Prompts, error) {
	var pb promptBook
	if err := yaml.Unmarshal(raw, &pb); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	p := &Prompts{book: pb, userTmpl: map[types.StrategySource]*template.Template{}}
	for src, body := range map[types.StrategySource]string{
		types.SourceFresh:  pb.Fresh,
		types.SourceReuse:  pb.Reuse,
		types.SourceFix:    pb.Fix,
		types.SourceModify: pb.Modify,
	} {
		if strings.TrimSpace(body) == "" {
			return nil, fmt.Errorf("prompt template %q is empty", src)
		}
		t, err := template.New(string(src)).Option("missingkey=error").Parse(body)
		if err != nil {
			return nil, fmt.Errorf("parse %s prompt: %w", src, err)
		}
		p.userTmpl[src] = t
	}
	return p, nil
}

// System composes the shared rules, the content-handling rules for class and
// the category's layout hint.
func (p *Prompts) System(class types.Classification, category string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.book.System))
	if c := strings.TrimSpace(p.book.Content[string(class)]); c != "" {
		b.WriteString("\n\n")
		b.WriteString(c)
	}
	if h := strings.TrimSpace(p.book.Categories[category]); h != "" {
		b.WriteString("\n\nLayout: ")
		b.WriteString(h)
	}
	return promptstyle.ApplySystem(b.String(), "artifact")
}

type userVars struct {
	Request  string
	Anchor   string
	Findings string
}

func (p *Prompts) User(src types.StrategySource, vars userVars) (string, error) {
	t, ok := p.userTmpl[src]
	if !ok {
		return "", fmt.Errorf("no prompt for source %q", src)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", src, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
