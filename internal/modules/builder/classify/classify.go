// Package classify decides how a request's content is handled: hardcoded,
// persisted per user, or fetched live.
package classify

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	types "github.com/yungbote/appforge-backend/internal/domain"
)

//go:embed rules.yaml
var defaultRules []byte

type ruleBook struct {
	Strategies map[string]struct {
		Weight  int      `yaml:"weight"`
		Phrases []string `yaml:"phrases"`
	} `yaml:"strategies"`
	Categories []struct {
		Name    string   `yaml:"name"`
		Phrases []string `yaml:"phrases"`
	} `yaml:"categories"`
	DefaultCategory string `yaml:"default_category"`
}

type Result struct {
	Strategy types.Classification
	// Category only selects a prompt template.
	Category  string
	Ambiguous bool
	Scores    map[types.Classification]int
}

type phraseSet struct {
	weight  int
	phrases []string
}

type category struct {
	name    string
	phrases []string
}

type Classifier struct {
	strategies      map[types.Classification]phraseSet
	categories      []category
	defaultCategory string
}

// New parses the embedded rule book.
func New() (*Classifier, error) {
	return Parse(defaultRules)
}

func Parse(raw []byte) (*Classifier, error) {
	var rb ruleBook
	if err := yaml.Unmarshal(raw, &rb); err != nil {
		return nil, fmt.Errorf("parse classifier rules: %w", err)
	}
	c := &Classifier{
		strategies:      map[types.Classification]phraseSet{},
		defaultCategory: strings.TrimSpace(rb.DefaultCategory),
	}
	for name, s := range rb.Strategies {
		st := types.Classification(name)
		switch st {
		case types.ClassStatic, types.ClassPersisted, types.ClassLiveExternal:
		default:
			return nil, fmt.Errorf("unknown strategy %q in classifier rules", name)
		}
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		c.strategies[st] = phraseSet{weight: w, phrases: normalizePhrases(s.Phrases)}
	}
	for _, cat := range rb.Categories {
		c.categories = append(c.categories, category{name: cat.Name, phrases: normalizePhrases(cat.Phrases)})
	}
	if c.defaultCategory == "" {
		c.defaultCategory = "tool"
	}
	return c, nil
}

func normalizePhrases(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if n := normalize(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// normalize lower-cases and collapses punctuation to single spaces so that
// phrase matching is a padded substring test.
func normalize(s string) string {
	return strings.TrimSpace(nonWord.ReplaceAllString(strings.ToLower(s), " "))
}

func countHits(text string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		if strings.Contains(text, " "+p+" ") {
			n++
		}
	}
	return n
}

// Classify never fails. With no signal, or with a tie between the
// infrastructure-bearing strategies, it returns static and flags Ambiguous.
func (c *Classifier) Classify(request string) Result {
	text := " " + normalize(request) + " "
	res := Result{
		Strategy: types.ClassStatic,
		Category: c.category(text),
		Scores:   map[types.Classification]int{},
	}
	for st, ps := range c.strategies {
		res.Scores[st] = countHits(text, ps.phrases) * ps.weight
	}

	persisted := res.Scores[types.ClassPersisted]
	live := res.Scores[types.ClassLiveExternal]
	static := res.Scores[types.ClassStatic]

	switch {
	case persisted == 0 && live == 0:
		res.Ambiguous = static == 0
	case persisted == live:
		res.Ambiguous = true
	case persisted > live && persisted > static:
		res.Strategy = types.ClassPersisted
	case live > persisted && live > static:
		res.Strategy = types.ClassLiveExternal
	default:
		// Hardcoded signals outweigh the dynamic ones.
		res.Ambiguous = static == persisted || static == live
	}
	return res
}

func (c *Classifier) category(text string) string {
	type scored struct {
		name  string
		hits  int
		order int
	}
	var best []scored
	for i, cat := range c.categories {
		if h := countHits(text, cat.phrases); h > 0 {
			best = append(best, scored{name: cat.name, hits: h, order: i})
		}
	}
	if len(best) == 0 {
		return c.defaultCategory
	}
	sort.Slice(best, func(i, j int) bool {
		if best[i].hits != best[j].hits {
			return best[i].hits > best[j].hits
		}
		return best[i].order < best[j].order
	})
	return best[0].name
}

func rank(c types.Classification) int {
	switch c {
	case types.ClassPersisted, types.ClassLiveExternal:
		return 1
	default:
		return 0
	}
}

// ForModification keeps the current strategy unless the new request
// classifies unambiguously as a more infrastructure-demanding one.
func (c *Classifier) ForModification(current types.Classification, request string) types.Classification {
	if current == "" {
		current = types.ClassStatic
	}
	res := c.Classify(request)
	if !res.Ambiguous && rank(res.Strategy) > rank(current) {
		return res.Strategy
	}
	return current
}
