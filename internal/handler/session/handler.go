package session

import (
	"context"
	_ "embed"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/chat-relay/backend/internal/history"
	"github.com/zhouzirui/chat-relay/backend/internal/hub"
	chatmodel "github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
	"github.com/zhouzirui/chat-relay/backend/pkg/utils"
)

const (
	readWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

//go:embed index.html
var indexPage []byte

// Handler 会话网关：接收用户消息、接入观众连接、提供重置操作。
type Handler struct {
	history      *history.Client
	hub          *hub.Hub
	orchestrator *chatservice.Orchestrator
	upgrader     websocket.Upgrader
}

// New 创建会话网关处理器。
func New(historyClient *history.Client, h *hub.Hub, orchestrator *chatservice.Orchestrator) *Handler {
	return &Handler{
		history:      historyClient,
		hub:          h,
		orchestrator: orchestrator,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册会话相关的路由。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Post("/chat", h.handleSubmit)
	r.Delete("/reset", h.handleReset)
	r.Get("/ws", h.handleViewer)
}

func (h *Handler) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexPage)
}

// handleSubmit accepts a user message, echoes it to every viewer and kicks
// off persistence plus generation. Both run detached from this request: the
// caller gets its ack as soon as the message is queued, and a failure in
// either task is logged by the task itself, never surfaced here.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if payload.Content == "" {
		utils.RespondError(w, http.StatusBadRequest, "content is required")
		return
	}

	content := payload.Content
	go h.history.Append(context.Background(), chatmodel.RoleUser, content)
	h.hub.Broadcast(chatmodel.UserEcho(content))
	go h.orchestrator.Respond(context.Background(), content)

	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

// handleReset wipes the stored history and tells every viewer to clear its
// display in the same breath.
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.history.Clear(r.Context())
	h.hub.Broadcast(chatmodel.Clear())

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleViewer upgrades the connection, replays the stored conversation to
// this viewer only, then holds the socket open until the client goes away.
// Inbound frames are not a command channel; they are read and discarded.
func (h *Handler) handleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}

	viewer := h.hub.Register(conn)
	defer func() {
		h.hub.Unregister(viewer)
		_ = conn.Close()
	}()

	h.replayHistory(r.Context(), viewer)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.pingLoop(ctx, conn)

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
	}
}

// replayHistory sends the stored conversation to one viewer as full messages.
// Other viewers are not re-notified by a join.
func (h *Handler) replayHistory(ctx context.Context, viewer *hub.Viewer) {
	for _, msg := range h.history.Fetch(ctx) {
		if err := viewer.Send(chatmodel.FullMessage(msg.Role, msg.Content)); err != nil {
			log.Printf("[websocket] history replay aborted for viewer %s: %v", viewer.ID, err)
			return
		}
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
