package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/appforge-backend/internal/data/repos"
	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
)

/*
Context is the execution handle for a single claimed job run. Handlers never
touch job_run directly; lifecycle writes go through Progress, Fail and Succeed,
all of which refuse to overwrite a canceled row.
*/
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Job     *types.JobRun
	Repo    repos.JobRunRepo
	payload map[string]any
}

func NewContext(ctx context.Context, db *gorm.DB, job *types.JobRun, repo repos.JobRunRepo) *Context {
	c := &Context{
		Ctx:  ctx,
		DB:   db,
		Job:  job,
		Repo: repo,
	}
	_ = c.decodePayload()
	c.applyTraceData()
	return c
}

// decodePayload leaves an empty map behind on malformed JSON so handlers can
// report a missing field rather than a decode error.
func (c *Context) decodePayload() error {
	if c.Job == nil {
		return nil
	}
	if len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

func (c *Context) applyTraceData() {
	if c == nil || c.Ctx == nil {
		return
	}
	payload := c.Payload()
	traceID := payloadString(payload, "trace_id")
	reqID := payloadString(payload, "request_id")
	if traceID == "" && reqID == "" {
		return
	}
	c.Ctx = ctxutil.WithTraceData(c.Ctx, &ctxutil.TraceData{
		TraceID:   traceID,
		RequestID: reqID,
	})
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	s := payloadString(c.Payload(), key)
	if s == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (c *Context) PayloadString(key string) string {
	return payloadString(c.Payload(), key)
}

// PayloadInt accepts JSON numbers and numeric strings.
func (c *Context) PayloadInt(key string) (int, bool) {
	switch v := c.Payload()[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

func (c *Context) dbc() dbctx.Context {
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return dbctx.Context{Ctx: ctx}
}

func (c *Context) writable() bool {
	return c != nil && c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil
}

// Progress records a non-terminal stage and refreshes the heartbeat.
func (c *Context) Progress(stage string) {
	if !c.writable() {
		return
	}
	now := time.Now().UTC()
	ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, []types.JobStatus{types.JobCanceled}, map[string]interface{}{
		"stage":        stage,
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if !ok {
		return
	}
	c.Job.Stage = stage
	c.Job.HeartbeatAt = &now
	c.Job.UpdatedAt = now
}

func (c *Context) Heartbeat() error {
	if !c.writable() {
		return nil
	}
	return c.Repo.Heartbeat(c.dbc(), c.Job.ID)
}

// Fail marks the run failed. The worker reclaims it after the retry delay
// while attempts remain below max_attempts.
func (c *Context) Fail(stage string, err error) {
	if !c.writable() {
		return
	}
	now := time.Now().UTC()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, []types.JobStatus{types.JobCanceled, types.JobSucceeded}, map[string]interface{}{
		"status":        types.JobFailed,
		"stage":         stage,
		"error":         msg,
		"last_error_at": now,
		"locked_at":     nil,
		"updated_at":    now,
	})
	if !ok {
		return
	}
	c.Job.Status = types.JobFailed
	c.Job.Stage = stage
	c.Job.Error = msg
	c.Job.LastErrorAt = &now
	c.Job.LockedAt = nil
	c.Job.UpdatedAt = now
}

func (c *Context) Succeed(finalStage string, result any) {
	if !c.writable() {
		return
	}
	now := time.Now().UTC()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}
	ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, []types.JobStatus{types.JobCanceled}, map[string]interface{}{
		"status":       types.JobSucceeded,
		"stage":        finalStage,
		"error":        "",
		"result":       res,
		"locked_at":    nil,
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if !ok {
		return
	}
	c.Job.Status = types.JobSucceeded
	c.Job.Stage = finalStage
	c.Job.Error = ""
	c.Job.Result = res
	c.Job.LockedAt = nil
	c.Job.HeartbeatAt = &now
	c.Job.UpdatedAt = now
}

// Terminal reports whether the handler already resolved the run.
func (c *Context) Terminal() bool {
	if c == nil || c.Job == nil {
		return false
	}
	switch c.Job.Status {
	case types.JobSucceeded, types.JobFailed, types.JobCanceled:
		return true
	}
	return false
}

func payloadString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
