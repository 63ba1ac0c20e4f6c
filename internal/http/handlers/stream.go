package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/crisisline/backend/internal/http/middleware"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameSize   = 64 << 10
	queueSnapshot  = 200
	signalCallerID = "caller"
)

// readPump owns the read side of conn until it fails. Each text frame goes to
// onFrame when set.
func readPump(conn *websocket.Conn, cancel context.CancelFunc, onFrame func([]byte)) {
	defer cancel()
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if onFrame != nil {
			onFrame(data)
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func closeConn(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// forward writes live items to conn until ctx ends or live closes. A closed
// live channel means the bus dropped us; the client reconnects and catches
// up from the store.
func forward[T any](ctx context.Context, conn *websocket.Conn, live <-chan T, skip func(T) bool) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			closeConn(conn, websocket.CloseNormalClosure, "")
			return
		case v, ok := <-live:
			if !ok {
				closeConn(conn, websocket.CloseTryAgainLater, "resync")
				return
			}
			if skip != nil && skip(v) {
				continue
			}
			if err := writeJSON(conn, v); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// @Summary Live message stream
// @Description WebSocket. Sends messages after the cursor, then live appends. Clients dedupe by id.
// @Tags messages
// @Param X-Actor-Id header string true "actor id"
// @Param id path string true "request id"
// @Param after query int false "cursor"
// @Router /api/requests/{id}/stream [get]
func (h *Handler) MessagesStream(c *gin.Context) {
	id, actor := c.Param("id"), middleware.ActorID(c)
	h.streamMessages(c,
		func(ctx context.Context) (<-chan models.Message, error) {
			return h.Messages.SubscribeFor(ctx, id, actor)
		},
		func(ctx context.Context, after int64) ([]models.Message, error) {
			return h.Messages.ListFor(ctx, id, actor, after)
		})
}

// @Summary Live message stream with a reference code
// @Tags access
// @Param id path string true "request id"
// @Param code query string true "reference code"
// @Param after query int false "cursor"
// @Router /api/access/{id}/stream [get]
func (h *Handler) AccessStream(c *gin.Context) {
	id, code := c.Param("id"), referenceCode(c)
	h.streamMessages(c,
		func(ctx context.Context) (<-chan models.Message, error) {
			return h.Gate.Subscribe(ctx, id, code)
		},
		func(ctx context.Context, after int64) ([]models.Message, error) {
			return h.Gate.List(ctx, id, code, after)
		})
}

func (h *Handler) streamMessages(c *gin.Context, subscribe func(context.Context) (<-chan models.Message, error), list func(context.Context, int64) ([]models.Message, error)) {
	after, ok := afterCursor(c)
	if !ok {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "after must be a non-negative integer", nil)
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before reading history so nothing appended in between is
	// missed; duplicates are dropped by id below.
	live, err := subscribe(ctx)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	history, err := list(ctx, after)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Str("request_id", requestID(c)).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	go readPump(conn, cancel, nil)

	last := after
	for _, m := range history {
		if err := writeJSON(conn, m); err != nil {
			return
		}
		last = m.ID
	}
	forward(ctx, conn, live, func(m models.Message) bool {
		if m.ID <= last {
			return true
		}
		last = m.ID
		return false
	})
}

// @Summary Live queue stream
// @Description WebSocket, helpers only. Sends the current queue as queued events, then queued/dequeued changes.
// @Tags queue
// @Param X-Actor-Id header string true "actor id"
// @Failure 403 {object} ErrorResponse
// @Router /api/queue/stream [get]
func (h *Handler) QueueStream(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	actor := middleware.ActorID(c)
	live, err := h.Coordinator.SubscribeQueue(ctx, actor)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	snapshot, err := h.Coordinator.ListQueue(ctx, actor, queueSnapshot)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Str("request_id", requestID(c)).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	go readPump(conn, cancel, nil)

	for _, r := range snapshot {
		if err := writeJSON(conn, models.QueueEvent{Kind: models.QueueQueued, Request: r}); err != nil {
			return
		}
	}
	forward(ctx, conn, live, nil)
}

type SignalFrame struct {
	Kind    models.SignalKind `json:"kind"`
	Payload json.RawMessage   `json:"payload"`
}

type signalError struct {
	Error string `json:"error"`
}

// @Summary Signaling session
// @Description WebSocket relay of offer/answer/candidate frames between the owner or claiming helper and the other participant. Nothing is stored.
// @Tags signaling
// @Param X-Actor-Id header string true "actor id"
// @Param id path string true "request id"
// @Router /api/requests/{id}/signal [get]
func (h *Handler) Signal(c *gin.Context) {
	id, actor := c.Param("id"), middleware.ActorID(c)
	allow := func(ctx context.Context) error {
		return h.Messages.AuthorizeSignal(ctx, id, actor)
	}
	h.signal(c, id, actor, allow)
}

// @Summary Signaling session with a reference code
// @Tags access
// @Param id path string true "request id"
// @Param code query string true "reference code"
// @Router /api/access/{id}/signal [get]
func (h *Handler) AccessSignal(c *gin.Context) {
	id, code := c.Param("id"), referenceCode(c)
	allow := func(ctx context.Context) error {
		ok, err := h.Gate.Verify(ctx, id, code)
		if err != nil {
			return err
		}
		if !ok {
			return service.ErrNoAccess
		}
		return nil
	}
	h.signal(c, id, signalCallerID, allow)
}

// signal checks allow on join and again before relaying every frame.
func (h *Handler) signal(c *gin.Context, requestID, participant string, allow func(context.Context) error) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	if err := allow(ctx); err != nil {
		h.writeServiceError(c, err)
		return
	}
	peer, err := h.Relay.Join(ctx, requestID, participant)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	defer peer.Leave()

	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Str("request_id", requestID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	problems := make(chan signalError, 4)
	report := func(msg string) {
		select {
		case problems <- signalError{Error: msg}:
		default:
		}
	}
	go readPump(conn, cancel, func(data []byte) {
		var f SignalFrame
		if err := json.Unmarshal(data, &f); err != nil {
			report("malformed frame")
			return
		}
		if err := allow(ctx); err != nil {
			cancel()
			return
		}
		if err := peer.Send(ctx, f.Kind, f.Payload); err != nil {
			report(err.Error())
		}
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			closeConn(conn, websocket.CloseNormalClosure, "")
			return
		case msg, ok := <-peer.Messages():
			if !ok {
				closeConn(conn, websocket.CloseTryAgainLater, "resync")
				return
			}
			if err := writeJSON(conn, msg); err != nil {
				return
			}
		case p := <-problems:
			if err := writeJSON(conn, p); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
