package services

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/appforge-backend/internal/data/repos"
	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/modules/builder/reuse"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

const (
	healthyReuseRatio    = 0.3
	minDecisionsForRatio = 5
)

type LibraryStats struct {
	Items        int64                    `json:"items"`
	ByCategory   map[string]int           `json:"by_category"`
	TotalUsage   int64                    `json:"total_usage"`
	TotalSuccess int64                    `json:"total_success"`
	Decisions    map[types.Decision]int64 `json:"decisions"`
	ReuseRatio   float64                  `json:"reuse_ratio"`
	AverageScore float64                  `json:"average_score"`
	Threshold    float64                  `json:"threshold"`
	GrayFloor    float64                  `json:"gray_floor"`
	Top          []*types.LibraryItem     `json:"top"`
}

type DoctorCheck struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

type DuplicatePair struct {
	A          uuid.UUID `json:"a"`
	B          uuid.UUID `json:"b"`
	Similarity float64   `json:"similarity"`
}

type DoctorReport struct {
	Healthy    bool            `json:"healthy"`
	Passed     int             `json:"passed"`
	Failed     int             `json:"failed"`
	Checks     []DoctorCheck   `json:"checks"`
	Duplicates []DuplicatePair `json:"duplicates,omitempty"`
}

type LibraryService interface {
	Stats(dbc dbctx.Context) (*LibraryStats, error)
	Doctor(dbc dbctx.Context) (*DoctorReport, error)
}

type libraryService struct {
	log       *logger.Logger
	items     repos.LibraryItemRepo
	decisions repos.ReuseDecisionRepo
	index     *reuse.KeywordIndex
	cfg       reuse.Config
}

func NewLibraryService(baseLog *logger.Logger, items repos.LibraryItemRepo, decisions repos.ReuseDecisionRepo, index *reuse.KeywordIndex, cfg reuse.Config) LibraryService {
	return &libraryService{
		log:       baseLog.With("service", "LibraryService"),
		items:     items,
		decisions: decisions,
		index:     index,
		cfg:       cfg,
	}
}

func (s *libraryService) Stats(dbc dbctx.Context) (*LibraryStats, error) {
	items, err := s.items.List(dbc, "")
	if err != nil {
		return nil, fmt.Errorf("list library: %w", err)
	}
	counts, err := s.decisions.CountByDecision(dbc)
	if err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}
	avg, err := s.decisions.AverageScore(dbc)
	if err != nil {
		return nil, fmt.Errorf("average score: %w", err)
	}
	out := &LibraryStats{
		Items:        int64(len(items)),
		ByCategory:   map[string]int{},
		Decisions:    counts,
		AverageScore: avg,
		Threshold:    s.cfg.Threshold,
		GrayFloor:    s.cfg.GrayFloor,
	}
	for _, it := range items {
		out.ByCategory[it.Category]++
		out.TotalUsage += it.UsageCount
		out.TotalSuccess += it.SuccessCount
	}
	out.ReuseRatio = reuseRatio(counts)

	top := append([]*types.LibraryItem(nil), items...)
	sort.SliceStable(top, func(i, j int) bool { return top[i].UsageCount > top[j].UsageCount })
	if len(top) > 5 {
		top = top[:5]
	}
	out.Top = top
	return out, nil
}

func reuseRatio(counts map[types.Decision]int64) float64 {
	var total int64
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(counts[types.DecisionReused]) / float64(total)
}

func (s *libraryService) Doctor(dbc dbctx.Context) (*DoctorReport, error) {
	items, err := s.items.List(dbc, "")
	if err != nil {
		return nil, fmt.Errorf("list library: %w", err)
	}
	counts, err := s.decisions.CountByDecision(dbc)
	if err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}

	rep := &DoctorReport{}
	rep.Checks = append(rep.Checks, s.checkThresholds())
	rep.Checks = append(rep.Checks, checkReuseRatio(counts))
	dupCheck, dups := checkDuplicates(items, s.cfg.DuplicateSimilarity)
	rep.Checks = append(rep.Checks, dupCheck)
	rep.Duplicates = dups
	rep.Checks = append(rep.Checks, checkKeywords(items))
	if s.index != nil {
		rep.Checks = append(rep.Checks, s.checkIndex(len(items)))
	}
	for _, c := range rep.Checks {
		if c.Passed {
			rep.Passed++
		} else {
			rep.Failed++
		}
	}
	rep.Healthy = rep.Failed == 0
	s.log.Debug("library doctor ran", "passed", rep.Passed, "failed", rep.Failed)
	return rep, nil
}

func (s *libraryService) checkThresholds() DoctorCheck {
	c := DoctorCheck{Name: "thresholds", Passed: true, Severity: "info",
		Message: fmt.Sprintf("threshold=%.2f gray_floor=%.2f", s.cfg.Threshold, s.cfg.GrayFloor)}
	switch {
	case s.cfg.GrayFloor >= s.cfg.Threshold:
		c.Passed, c.Severity = false, "error"
		c.Message = fmt.Sprintf("gray floor %.2f is not below threshold %.2f", s.cfg.GrayFloor, s.cfg.Threshold)
		c.Fix = "lower reuse.gray_floor or raise reuse.threshold"
	case s.cfg.Threshold > 0.95:
		c.Passed, c.Severity = false, "warning"
		c.Message = fmt.Sprintf("threshold %.2f is so high reuse will almost never trigger", s.cfg.Threshold)
		c.Fix = "use a threshold between 0.75 and 0.9"
	case s.cfg.Threshold < 0.6:
		c.Passed, c.Severity = false, "warning"
		c.Message = fmt.Sprintf("threshold %.2f risks reusing unrelated apps", s.cfg.Threshold)
		c.Fix = "use a threshold between 0.75 and 0.9"
	}
	return c
}

func checkReuseRatio(counts map[types.Decision]int64) DoctorCheck {
	var total int64
	for _, n := range counts {
		total += n
	}
	ratio := reuseRatio(counts)
	reused := counts[types.DecisionReused]
	switch {
	case total < minDecisionsForRatio:
		return DoctorCheck{Name: "reuse_ratio", Passed: true, Severity: "info",
			Message: fmt.Sprintf("insufficient data: only %d decisions recorded", total)}
	case ratio >= healthyReuseRatio:
		return DoctorCheck{Name: "reuse_ratio", Passed: true, Severity: "info",
			Message: fmt.Sprintf("healthy reuse ratio %.1f%% (%d/%d)", ratio*100, reused, total)}
	default:
		return DoctorCheck{Name: "reuse_ratio", Passed: false, Severity: "warning",
			Message: fmt.Sprintf("low reuse ratio %.1f%% (%d/%d)", ratio*100, reused, total),
			Fix:     "grow the library with proven apps or lower the threshold"}
	}
}

// checkDuplicates compares items pairwise within a category.
func checkDuplicates(items []*types.LibraryItem, limit float64) (DoctorCheck, []DuplicatePair) {
	byCat := map[string][]*types.LibraryItem{}
	for _, it := range items {
		byCat[it.Category] = append(byCat[it.Category], it)
	}
	var pairs []DuplicatePair
	for _, group := range byCat {
		vecs := make([][]float32, len(group))
		for i, it := range group {
			vecs[i] = reuse.DecodeEmbedding(it.Embedding)
		}
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if sim := reuse.Cosine(vecs[i], vecs[j]); sim >= limit {
					pairs = append(pairs, DuplicatePair{A: group[i].ID, B: group[j].ID, Similarity: sim})
				}
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Similarity > pairs[j].Similarity })
	if len(pairs) == 0 {
		return DoctorCheck{Name: "near_duplicates", Passed: true, Severity: "info", Message: "no near-duplicates detected"}, nil
	}
	return DoctorCheck{
		Name:     "near_duplicates",
		Passed:   false,
		Severity: "warning",
		Message:  fmt.Sprintf("found %d near-duplicate pairs (similarity >= %.2f)", len(pairs), limit),
		Fix:      "remove the less used item of each pair",
	}, pairs
}

func checkKeywords(items []*types.LibraryItem) DoctorCheck {
	var missing []string
	for _, it := range items {
		if strings.TrimSpace(it.Keywords) == "" {
			missing = append(missing, it.ID.String())
		}
	}
	if len(missing) == 0 {
		return DoctorCheck{Name: "keywords", Passed: true, Severity: "info", Message: "all items carry keywords"}
	}
	return DoctorCheck{
		Name:     "keywords",
		Passed:   false,
		Severity: "warning",
		Message:  fmt.Sprintf("%d items have no keywords and only match semantically", len(missing)),
		Fix:      "re-register the items or backfill keywords from their request text",
	}
}

func (s *libraryService) checkIndex(items int) DoctorCheck {
	n, err := s.index.Count()
	if err != nil {
		return DoctorCheck{Name: "keyword_index", Passed: false, Severity: "error", Message: "keyword index unreadable: " + err.Error()}
	}
	if int(n) != items {
		return DoctorCheck{
			Name:     "keyword_index",
			Passed:   false,
			Severity: "warning",
			Message:  fmt.Sprintf("keyword index holds %d documents for %d items", n, items),
			Fix:      "wait for the janitor or restart to rebuild the index",
		}
	}
	return DoctorCheck{Name: "keyword_index", Passed: true, Severity: "info", Message: fmt.Sprintf("keyword index in sync (%d documents)", n)}
}
