package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/http/middleware"
	"github.com/yungbote/appforge-backend/internal/http/response"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
	"github.com/yungbote/appforge-backend/internal/realtime"
	"github.com/yungbote/appforge-backend/internal/services"
)

type StreamConfig struct {
	Heartbeat      time.Duration
	Batch          int
	AllowedOrigins []string
}

// StreamHandler pushes a session's ordered event log over SSE or WebSocket.
// Both replay from the requested sequence, then go live off the hub; a gap in
// pushed sequence numbers triggers a re-read so nothing is skipped.
type StreamHandler struct {
	log      *logger.Logger
	sessions services.SessionService
	events   services.EventLog
	hub      *realtime.Hub
	cfg      StreamConfig
	upgrader websocket.Upgrader
}

func NewStreamHandler(log *logger.Logger, sessions services.SessionService, events services.EventLog, hub *realtime.Hub, cfg StreamConfig) *StreamHandler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 200
	}
	h := &StreamHandler{
		log:      log.With("handler", "StreamHandler"),
		sessions: sessions,
		events:   events,
		hub:      hub,
		cfg:      cfg,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

type cursor struct {
	events services.EventLog
	sid    uuid.UUID
	last   int64
	batch  int
}

// fetch reads everything after the cursor.
func (cur *cursor) fetch(ctx context.Context) ([]*types.SessionEvent, error) {
	var out []*types.SessionEvent
	for {
		page, err := cur.events.ListSince(dbctx.Context{Ctx: ctx}, cur.sid, cur.last, cur.batch)
		if err != nil {
			return out, err
		}
		if len(page) == 0 {
			return out, nil
		}
		out = append(out, page...)
		cur.last = page[len(page)-1].Seq
		if len(page) < cur.batch {
			return out, nil
		}
	}
}

// next turns one pushed message into the events to deliver.
func (cur *cursor) next(ctx context.Context, msg realtime.Message) ([]*types.SessionEvent, error) {
	if msg.Seq <= cur.last {
		return nil, nil
	}
	if msg.Seq == cur.last+1 {
		var e types.SessionEvent
		if err := json.Unmarshal(msg.Data, &e); err == nil && e.Seq == msg.Seq {
			cur.last = e.Seq
			return []*types.SessionEvent{&e}, nil
		}
	}
	return cur.fetch(ctx)
}

// open checks ownership and subscribes before the replay read, so an event
// appended between the two is seen either way.
func (h *StreamHandler) open(c *gin.Context) (*cursor, *realtime.Client, bool) {
	id, ok := sessionID(c)
	if !ok {
		return nil, nil, false
	}
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("since_event_id")
	}
	since, err := sinceParam(raw)
	if err != nil {
		response.RespondErr(c, err)
		return nil, nil, false
	}
	userID := middleware.UserID(c)
	if _, err := h.sessions.Get(dbctx.Context{Ctx: c.Request.Context()}, userID, id); err != nil {
		response.RespondErr(c, err)
		return nil, nil, false
	}
	client := h.hub.NewClient(userID)
	h.hub.Subscribe(client, realtime.SessionChannel(id))
	return &cursor{events: h.events, sid: id, last: since, batch: h.cfg.Batch}, client, true
}

// GET /api/sessions/:id/stream
func (h *StreamHandler) SSE(c *gin.Context) {
	cur, client, ok := h.open(c)
	if !ok {
		return
	}
	defer h.hub.Close(client)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()
	send := func(evs []*types.SessionEvent) error {
		for _, e := range evs {
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, b); err != nil {
				return err
			}
		}
		w.Flush()
		return nil
	}

	evs, err := cur.fetch(ctx)
	if err == nil {
		err = send(evs)
	}
	if err != nil {
		h.log.Warn("sse replay failed", "session_id", cur.sid, "error", err)
		return
	}

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-heartbeat.C:
			evs, err := cur.fetch(ctx)
			if err != nil {
				h.log.Warn("sse refresh failed", "session_id", cur.sid, "error", err)
				continue
			}
			if len(evs) == 0 {
				_, err = fmt.Fprint(w, ": ping\n\n")
				w.Flush()
			} else {
				err = send(evs)
			}
			if err != nil {
				return
			}
		case msg, ok := <-client.Outbound:
			if !ok {
				return
			}
			evs, err := cur.next(ctx, msg)
			if err != nil {
				h.log.Warn("sse catch-up failed", "session_id", cur.sid, "error", err)
				continue
			}
			if err := send(evs); err != nil {
				return
			}
		}
	}
}

// GET /api/sessions/:id/ws
func (h *StreamHandler) WS(c *gin.Context) {
	cur, client, ok := h.open(c)
	if !ok {
		return
	}
	defer h.hub.Close(client)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "session_id", cur.sid, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	wait := 2 * h.cfg.Heartbeat
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wait))
		return nil
	})
	// Inbound frames are ignored; the reader only notices the peer leaving.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug("websocket closed", "session_id", cur.sid, "error", err)
				}
				return
			}
		}
	}()

	send := func(evs []*types.SessionEvent) error {
		for _, e := range evs {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				return err
			}
		}
		return nil
	}

	evs, err := cur.fetch(ctx)
	if err == nil {
		err = send(evs)
	}
	if err != nil {
		h.log.Warn("websocket replay failed", "session_id", cur.sid, "error", err)
		return
	}

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-heartbeat.C:
			evs, err := cur.fetch(ctx)
			if err == nil && len(evs) > 0 {
				if err := send(evs); err != nil {
					return
				}
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-client.Outbound:
			if !ok {
				return
			}
			evs, err := cur.next(ctx, msg)
			if err != nil {
				h.log.Warn("websocket catch-up failed", "session_id", cur.sid, "error", err)
				continue
			}
			if err := send(evs); err != nil {
				return
			}
		}
	}
}
