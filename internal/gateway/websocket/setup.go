package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events/bus"
	"github.com/ralphdev/ralph/internal/events/timeline"
	ws "github.com/ralphdev/ralph/pkg/websocket"
)

// Gateway is the live observer surface: a websocket endpoint fed by the
// run's event bus.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a new WebSocket gateway with all components initialized
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}

// AttachBus forwards every event published on the bus to subscribed
// clients. It subscribes to the full-stream wildcard; per-client
// filtering happens in the hub.
func (g *Gateway) AttachBus(eventBus bus.EventBus) error {
	_, err := eventBus.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		g.Hub.BroadcastEvent(event.Type, event.Data)
		return nil
	})
	return err
}

// HistorySource is the archive slice the session.status action queries.
// Satisfied by the sqlite timeline store.
type HistorySource interface {
	BySession(ctx context.Context, sessionID string) ([]timeline.Record, error)
	ByTask(ctx context.Context, sessionID, taskID string) ([]timeline.Record, error)
	ByKind(ctx context.Context, sessionID, kind string) ([]timeline.Record, error)
	Count(ctx context.Context, sessionID string) (int, error)
}

type statusRequest struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// AttachHistory registers the session.status action: per-task state
// replayed from the archived timeline of the requested session,
// optionally narrowed to one task or one event kind.
func (g *Gateway) AttachHistory(src HistorySource) {
	g.Dispatcher.RegisterFunc(ws.ActionSessionStatus, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req statusRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "malformed payload", nil)
		}
		if req.SessionID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
		}

		var records []timeline.Record
		var err error
		switch {
		case req.TaskID != "":
			records, err = src.ByTask(ctx, req.SessionID, req.TaskID)
		case req.Kind != "":
			records, err = src.ByKind(ctx, req.SessionID, req.Kind)
		default:
			records, err = src.BySession(ctx, req.SessionID)
		}
		if err != nil {
			g.logger.WithError(err).Error("archive query failed")
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "archive query failed", nil)
		}
		total, err := src.Count(ctx, req.SessionID)
		if err != nil {
			g.logger.WithError(err).Error("archive count failed")
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "archive query failed", nil)
		}

		return ws.NewResponse(msg.ID, msg.Action, map[string]any{
			"session_id":   req.SessionID,
			"total_events": total,
			"selected":     len(records),
			"tasks":        timeline.Replay(records),
		})
	})
}
