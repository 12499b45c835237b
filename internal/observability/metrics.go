package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge

	llmRequests *CounterVec
	llmLatency  *HistogramVec
	llmTokens   *CounterVec

	sessionsStarted  *Counter
	sessionOutcomes  *CounterVec
	stageLatency     *HistogramVec
	attempts         *CounterVec
	reuseDecisions   *CounterVec
	deploys          *CounterVec
	deployLatency    *HistogramVec
	modifyRejections *Counter
	jobRuns          *CounterVec
	queueDepth       *GaugeVec
	busDrops         *Counter
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Current() *Metrics {
	return instance
}

// Init builds the process-wide registry. Returns nil when disabled; every
// method on a nil *Metrics is a no-op.
func Init(enabled bool) *Metrics {
	if !enabled {
		return nil
	}
	initOnce.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	latency := []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
	long := []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300}
	return &Metrics{
		apiRequests: NewCounterVec("af_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency:  NewHistogramVec("af_api_request_duration_seconds", "API request latency in seconds.", []string{"method", "route", "status"}, latency),
		apiInflight: NewGauge("af_api_inflight_requests", "In-flight API requests."),

		llmRequests: NewCounterVec("af_llm_requests_total", "LLM requests by model/endpoint/status.", []string{"model", "endpoint", "status"}),
		llmLatency:  NewHistogramVec("af_llm_request_duration_seconds", "LLM request latency in seconds.", []string{"model", "endpoint", "status"}, long),
		llmTokens:   NewCounterVec("af_llm_tokens_total", "LLM tokens by model/kind.", []string{"model", "kind"}),

		sessionsStarted:  NewCounter("af_sessions_started_total", "Build sessions started."),
		sessionOutcomes:  NewCounterVec("af_session_outcomes_total", "Rounds finished by terminal outcome.", []string{"state", "mode"}),
		stageLatency:     NewHistogramVec("af_pipeline_stage_duration_seconds", "Pipeline stage latency in seconds.", []string{"stage", "status"}, long),
		attempts:         NewCounterVec("af_generation_attempts_total", "Generation attempts by source/tier/outcome.", []string{"source", "tier", "outcome"}),
		reuseDecisions:   NewCounterVec("af_reuse_decisions_total", "Reuse search decisions.", []string{"decision"}),
		deploys:          NewCounterVec("af_deploys_total", "Deployments by tier/kind/status.", []string{"tier", "kind", "status"}),
		deployLatency:    NewHistogramVec("af_deploy_duration_seconds", "Deployment latency in seconds.", []string{"tier", "kind"}, long),
		modifyRejections: NewCounter("af_modify_busy_total", "Modification requests rejected as busy."),
		jobRuns:          NewCounterVec("af_job_runs_total", "Job runs by type/status.", []string{"job_type", "status"}),
		queueDepth:       NewGaugeVec("af_job_queue_depth", "Job runs by status.", []string{"status"}),
		busDrops:         NewCounter("af_realtime_dropped_total", "Realtime messages dropped for slow subscribers."),
	}
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

type promWriter interface {
	WritePrometheus(w io.Writer) error
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	all := []promWriter{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.llmRequests, m.llmLatency, m.llmTokens,
		m.sessionsStarted, m.sessionOutcomes, m.stageLatency, m.attempts,
		m.reuseDecisions, m.deploys, m.deployLatency, m.modifyRejections,
		m.jobRuns, m.queueDepth, m.busDrops,
	}
	for _, pw := range all {
		if err := pw.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	method = orUnknown(method)
	route = orUnknown(route)
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
}

// CountAPI records a request without a latency sample.
func (m *Metrics) CountAPI(method, route, status string) {
	if m == nil {
		return
	}
	m.apiRequests.Inc(orUnknown(method), orUnknown(route), status)
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) ObserveLLMRequest(model, endpoint, status string, dur time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	model = orUnknown(model)
	endpoint = orUnknown(endpoint)
	m.llmRequests.Inc(model, endpoint, status)
	if dur > 0 {
		m.llmLatency.Observe(dur.Seconds(), model, endpoint, status)
	}
	if inputTokens > 0 {
		m.llmTokens.Add(float64(inputTokens), model, "input")
	}
	if outputTokens > 0 {
		m.llmTokens.Add(float64(outputTokens), model, "output")
	}
}

func (m *Metrics) IncSessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) IncSessionOutcome(state, mode string) {
	if m == nil {
		return
	}
	m.sessionOutcomes.Inc(orUnknown(state), orUnknown(mode))
}

func (m *Metrics) ObserveStage(stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.Observe(dur.Seconds(), orUnknown(stage), orUnknown(status))
}

func (m *Metrics) IncAttempt(source, tier, outcome string) {
	if m == nil {
		return
	}
	m.attempts.Inc(orUnknown(source), orUnknown(tier), orUnknown(outcome))
}

func (m *Metrics) IncReuseDecision(decision string) {
	if m == nil {
		return
	}
	m.reuseDecisions.Inc(orUnknown(decision))
}

func (m *Metrics) ObserveDeploy(tier, kind, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.deploys.Inc(orUnknown(tier), orUnknown(kind), orUnknown(status))
	m.deployLatency.Observe(dur.Seconds(), orUnknown(tier), orUnknown(kind))
}

func (m *Metrics) IncModifyBusy() {
	if m == nil {
		return
	}
	m.modifyRejections.Inc()
}

func (m *Metrics) IncJobRun(jobType, status string) {
	if m == nil {
		return
	}
	m.jobRuns.Inc(orUnknown(jobType), orUnknown(status))
}

func (m *Metrics) IncRealtimeDrop() {
	if m == nil {
		return
	}
	m.busDrops.Inc()
}

// StartJobQueueCollector samples job_run depth by status until ctx is done.
func (m *Metrics) StartJobQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB, interval time.Duration) {
	if m == nil || db == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	statuses := []string{"queued", "running", "succeeded", "failed", "canceled"}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range statuses {
					m.queueDepth.Set(0, s)
				}
				var rows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Table("job_run").
					Select("status, count(*) as count").
					Group("status").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: job queue depth query failed", "error", err)
					}
					continue
				}
				for _, row := range rows {
					m.queueDepth.Set(float64(row.Count), orUnknown(row.Status))
				}
			}
		}
	}()
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}
