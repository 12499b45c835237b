package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/appforge-backend/internal/data/repos"
	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
	"github.com/yungbote/appforge-backend/internal/realtime"
	"github.com/yungbote/appforge-backend/internal/realtime/bus"
)

// EventLog appends to a session's ordered log and fans the stored event out
// to push subscribers. The log is the source of truth; push delivery is best
// effort and clients re-read on gaps.
type EventLog interface {
	Emit(ctx context.Context, sessionID uuid.UUID, typ types.EventType, message string, progress int, data map[string]any) error
	Append(dbc dbctx.Context, e *types.SessionEvent) error
	Publish(ctx context.Context, e *types.SessionEvent)
	ListSince(dbc dbctx.Context, sessionID uuid.UUID, sinceSeq int64, limit int) ([]*types.SessionEvent, error)
}

type eventLog struct {
	log    *logger.Logger
	events repos.EventRepo
	bus    bus.Bus
}

func NewEventLog(baseLog *logger.Logger, events repos.EventRepo, b bus.Bus) EventLog {
	return &eventLog{
		log:    baseLog.With("service", "EventLog"),
		events: events,
		bus:    b,
	}
}

func (l *eventLog) Emit(ctx context.Context, sessionID uuid.UUID, typ types.EventType, message string, progress int, data map[string]any) error {
	e := &types.SessionEvent{
		SessionID: sessionID,
		Type:      typ,
		Message:   message,
		Progress:  progress,
	}
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		e.Data = datatypes.JSON(b)
	}
	return l.Append(dbctx.Context{Ctx: ctx}, e)
}

// Append stores e and publishes it. Inside a transaction nothing is published;
// the caller calls Publish after commit so a rolled-back sequence number never
// reaches a subscriber.
func (l *eventLog) Append(dbc dbctx.Context, e *types.SessionEvent) error {
	if err := l.events.Append(dbc, e); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if dbc.Tx == nil {
		l.Publish(dbc.Ctx, e)
	}
	return nil
}

func (l *eventLog) Publish(ctx context.Context, e *types.SessionEvent) {
	if e == nil {
		return
	}
	if l.bus == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		l.log.Warn("encode push event failed", "session_id", e.SessionID, "seq", e.Seq, "error", err)
		return
	}
	msg := realtime.Message{
		Channel: realtime.SessionChannel(e.SessionID),
		Event:   realtime.EventSessionEvent,
		Seq:     e.Seq,
		Data:    payload,
	}
	if err := l.bus.Publish(context.WithoutCancel(ctx), msg); err != nil {
		l.log.Warn("push publish failed", "session_id", e.SessionID, "seq", e.Seq, "error", err)
	}
}

func (l *eventLog) ListSince(dbc dbctx.Context, sessionID uuid.UUID, sinceSeq int64, limit int) ([]*types.SessionEvent, error) {
	return l.events.ListSince(dbc, sessionID, sinceSeq, limit)
}

func roundData(round int) datatypes.JSON {
	return datatypes.JSON(fmt.Sprintf(`{"round":%d}`, round))
}
