package reuse

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	types "github.com/yungbote/appforge-backend/internal/domain"
)

// KeywordIndex is an in-memory bleve index over library items. It is
// rebuilt from the database on start-up and by the janitor.
type KeywordIndex struct {
	mu  sync.RWMutex
	idx bleve.Index
}

func buildMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("title", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("request", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("keywords", bleve.NewTextFieldMapping())
	cat := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("category", cat)

	m := bleve.NewIndexMapping()
	m.AddDocumentMapping("_default", doc)
	return m
}

func NewKeywordIndex() (*KeywordIndex, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}
	return &KeywordIndex{idx: idx}, nil
}

func itemDoc(it *types.LibraryItem) map[string]interface{} {
	return map[string]interface{}{
		"title":    it.Title,
		"request":  it.Request,
		"keywords": it.Keywords,
		"category": it.Category,
	}
}

func (k *KeywordIndex) Add(it *types.LibraryItem) error {
	if it == nil {
		return nil
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.idx.Index(it.ID.String(), itemDoc(it))
}

// Rebuild swaps in a fresh index holding exactly items.
func (k *KeywordIndex) Rebuild(items []*types.LibraryItem) error {
	next, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return fmt.Errorf("create keyword index: %w", err)
	}
	batch := next.NewBatch()
	for _, it := range items {
		if err := batch.Index(it.ID.String(), itemDoc(it)); err != nil {
			_ = next.Close()
			return fmt.Errorf("index library item %s: %w", it.ID, err)
		}
	}
	if err := next.Batch(batch); err != nil {
		_ = next.Close()
		return fmt.Errorf("batch index library items: %w", err)
	}
	k.mu.Lock()
	old := k.idx
	k.idx = next
	k.mu.Unlock()
	return old.Close()
}

// Search returns item id to score normalized into [0,1] by the best hit.
func (k *KeywordIndex) Search(text, category string, limit int) (map[string]float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return map[string]float64{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	match := bleve.NewMatchQuery(text)
	req := bleve.NewSearchRequestOptions(match, limit, 0, false)
	if category != "" {
		cat := bleve.NewTermQuery(category)
		cat.SetField("category")
		req = bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(match, cat), limit, 0, false)
	}

	k.mu.RLock()
	res, err := k.idx.Search(req)
	k.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	out := make(map[string]float64, len(res.Hits))
	var best float64
	for _, h := range res.Hits {
		if h.Score > best {
			best = h.Score
		}
	}
	for _, h := range res.Hits {
		if best > 0 {
			out[h.ID] = h.Score / best
		}
	}
	return out, nil
}

func (k *KeywordIndex) Count() (uint64, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.idx.DocCount()
}

func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.idx.Close()
}

var (
	wordRe    = regexp.MustCompile(`[a-z0-9]+`)
	stopwords = map[string]bool{
		"a": true, "an": true, "and": true, "app": true, "application": true, "are": true, "as": true, "at": true,
		"be": true, "build": true, "by": true, "can": true, "create": true, "for": true, "from": true, "i": true,
		"in": true, "is": true, "it": true, "make": true, "me": true, "my": true, "need": true, "of": true,
		"on": true, "or": true, "please": true, "simple": true, "that": true, "the": true, "this": true,
		"to": true, "want": true, "website": true, "where": true, "which": true, "with": true, "would": true,
	}
)

// Keywords extracts the distinct content words of a request, sorted.
func Keywords(request string) string {
	seen := map[string]bool{}
	var out []string
	for _, w := range wordRe.FindAllString(strings.ToLower(request), -1) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}
