package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/melodia-app/melodia-backend/internal/logger"
	"github.com/melodia-app/melodia-backend/internal/requestdata"
	"github.com/melodia-app/melodia-backend/internal/services"
	"github.com/melodia-app/melodia-backend/internal/sse"
)

// SSEHandler owns the realtime gateway surface: the long-lived event stream
// plus the subscribe/unsubscribe control endpoints. Clients are tracked per
// user so control requests from any of the user's connections reach all of
// that user's sockets.
type SSEHandler struct {
	log  *logger.Logger
	hub  *sse.SSEHub
	jobs services.JobService

	mu     sync.Mutex
	byUser map[uuid.UUID]map[*sse.SSEClient]bool
}

func NewSSEHandler(log *logger.Logger, hub *sse.SSEHub, jobs services.JobService) *SSEHandler {
	return &SSEHandler{
		log:    log.With("handler", "SSEHandler"),
		hub:    hub,
		jobs:   jobs,
		byUser: make(map[uuid.UUID]map[*sse.SSEClient]bool),
	}
}

// GET /sse/stream
func (h *SSEHandler) Stream(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", services.ErrInvalidCredentials)
		return
	}

	client := h.hub.NewSSEClient(rd.UserID)
	h.trackClient(rd.UserID, client)
	defer func() {
		h.untrackClient(rd.UserID, client)
		h.hub.CloseClient(client)
	}()

	h.log.Debug("SSE stream opened", "user_id", rd.UserID, "client_id", client.ID, "request_id", rd.RequestID)
	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

// POST /sse/subscribe {job_id}
func (h *SSEHandler) Subscribe(c *gin.Context) {
	h.changeJobSubscription(c, true)
}

// POST /sse/unsubscribe {job_id}
func (h *SSEHandler) Unsubscribe(c *gin.Context) {
	h.changeJobSubscription(c, false)
}

// POST /sse/subscribe/user
func (h *SSEHandler) SubscribeUser(c *gin.Context) {
	h.changeUserSubscription(c, true)
}

// POST /sse/unsubscribe/user
func (h *SSEHandler) UnsubscribeUser(c *gin.Context) {
	h.changeUserSubscription(c, false)
}

func (h *SSEHandler) changeJobSubscription(c *gin.Context, add bool) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", services.ErrInvalidCredentials)
		return
	}
	var req struct {
		JobID uuid.UUID `json:"job_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.JobID == uuid.Nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}

	// Ownership check rides on the job query path: it allows the owner, an
	// admin, and anyone for ownerless jobs.
	if _, err := h.jobs.GetForRequestUser(c.Request.Context(), req.JobID); err != nil {
		respondServiceError(c, err)
		return
	}

	channel := sse.JobChannel(req.JobID)
	h.forEachClient(rd.UserID, func(client *sse.SSEClient) {
		if add {
			h.hub.AddChannel(client, channel)
		} else {
			h.hub.RemoveChannel(client, channel)
		}
	})
	RespondOK(c, gin.H{"ok": true})
}

func (h *SSEHandler) changeUserSubscription(c *gin.Context, add bool) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", services.ErrInvalidCredentials)
		return
	}
	channel := sse.UserChannel(rd.UserID)
	h.forEachClient(rd.UserID, func(client *sse.SSEClient) {
		if add {
			h.hub.AddChannel(client, channel)
		} else {
			h.hub.RemoveChannel(client, channel)
		}
	})
	RespondOK(c, gin.H{"ok": true})
}

func (h *SSEHandler) trackClient(userID uuid.UUID, client *sse.SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.byUser[userID]
	if !ok {
		clients = make(map[*sse.SSEClient]bool)
		h.byUser[userID] = clients
	}
	clients[client] = true
}

func (h *SSEHandler) untrackClient(userID uuid.UUID, client *sse.SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.byUser[userID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.byUser, userID)
		}
	}
}

func (h *SSEHandler) forEachClient(userID uuid.UUID, fn func(*sse.SSEClient)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.byUser[userID] {
		fn(client)
	}
}
