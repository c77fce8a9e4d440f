package ranked

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"territory-platform/server/internal/auth"
	"territory-platform/server/internal/ranked/accept"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Handler exposes the ranked pipeline over HTTP and WebSocket
type Handler struct {
	coord    *Coordinator
	auth     *auth.Service
	upgrader websocket.Upgrader
}

// NewHandler creates the ranked HTTP handler
func NewHandler(coord *Coordinator, authService *auth.Service) *Handler {
	return &Handler{
		coord: coord,
		auth:  authService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the ranked endpoints under /ranked.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	ranked := router.Group("/ranked")
	ranked.POST("/queue/join", h.handleQueueJoin)
	ranked.POST("/queue/leave", h.handleQueueLeave)
	ranked.GET("/ticket", h.handleTicket)
	ranked.POST("/match/accept", h.handleAccept)
	ranked.POST("/match/decline", h.handleDecline)
	ranked.GET("/leaderboard", h.handleLeaderboard)
	ranked.GET("/rating", h.handleRating)
	ranked.GET("/history", h.handleHistory)
	ranked.GET("/stream", h.handleStream)
}

// playerID resolves the authenticated player from the bearer token or
// the token query parameter (the WS path cannot set headers).
func (h *Handler) playerID(c *gin.Context) (string, bool) {
	token := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing token"})
		return "", false
	}

	playerID, err := h.auth.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return "", false
	}
	return playerID, true
}

func (h *Handler) handleQueueJoin(c *gin.Context) {
	playerID, ok := h.playerID(c)
	if !ok {
		return
	}

	var req struct {
		Mode        string `json:"mode"`
		Region      string `json:"region"`
		DisplayName string `json:"displayName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Mode == "" || req.Region == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode and region are required"})
		return
	}

	ticket, err := h.coord.JoinQueue(playerID, req.Mode, req.Region, req.DisplayName)
	if err != nil {
		var dodge *DodgePenaltyError
		if errors.As(err, &dodge) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":        "Dodge penalty active",
				"penaltyUntil": dodge.Until.Format(time.RFC3339),
			})
			return
		}
		log.Printf("[RANKED] Queue join failed for %s: %v", playerID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to join queue"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ticket": ticket})
}

func (h *Handler) handleQueueLeave(c *gin.Context) {
	playerID, ok := h.playerID(c)
	if !ok {
		return
	}

	var req struct {
		TicketID string `json:"ticketId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TicketID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ticketId is required"})
		return
	}

	ticket, found := h.coord.Ticket(req.TicketID)
	if !found || ticket.PlayerID != playerID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Ticket not found"})
		return
	}

	if !h.coord.LeaveQueue(req.TicketID) {
		c.JSON(http.StatusConflict, gin.H{"error": "Ticket is no longer queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": true})
}

func (h *Handler) handleTicket(c *gin.Context) {
	playerID, ok := h.playerID(c)
	if !ok {
		return
	}

	ticket, found := h.coord.TicketForPlayer(playerID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active ticket"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket})
}

func (h *Handler) handleAccept(c *gin.Context) {
	playerID, ok := h.playerID(c)
	if !ok {
		return
	}

	var req struct {
		MatchID     string `json:"matchId"`
		TicketID    string `json:"ticketId"`
		AcceptToken string `json:"acceptToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.MatchID == "" || req.TicketID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "matchId and ticketId are required"})
		return
	}

	if ticket, found := h.coord.Ticket(req.TicketID); !found || ticket.PlayerID != playerID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Ticket not found"})
		return
	}

	switch err := h.coord.Accept(req.MatchID, req.TicketID, req.AcceptToken); err {
	case nil:
		c.JSON(http.StatusOK, gin.H{"accepted": true})
	case accept.ErrMatchNotFound:
		c.JSON(http.StatusGone, gin.H{"error": "Match is no longer awaiting accepts"})
	case accept.ErrBadAcceptToken:
		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid accept token"})
	case accept.ErrTicketNotInMatch:
		c.JSON(http.StatusNotFound, gin.H{"error": "Ticket not in match"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to accept"})
	}
}

func (h *Handler) handleDecline(c *gin.Context) {
	playerID, ok := h.playerID(c)
	if !ok {
		return
	}

	var req struct {
		MatchID  string `json:"matchId"`
		TicketID string `json:"ticketId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.MatchID == "" || req.TicketID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "matchId and ticketId are required"})
		return
	}

	if ticket, found := h.coord.Ticket(req.TicketID); !found || ticket.PlayerID != playerID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Ticket not found"})
		return
	}

	switch err := h.coord.Decline(req.MatchID, req.TicketID); err {
	case nil:
		c.JSON(http.StatusOK, gin.H{"declined": true})
	case accept.ErrMatchNotFound:
		c.JSON(http.StatusGone, gin.H{"error": "Match is no longer awaiting accepts"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to decline"})
	}
}

func (h *Handler) handleLeaderboard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	ratings, err := h.coord.Leaderboard(limit)
	if err != nil {
		log.Printf("[RANKED] Leaderboard query failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load leaderboard"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": ratings})
}

func (h *Handler) handleRating(c *gin.Context) {
	playerID, ok := h.playerID(c)
	if !ok {
		return
	}

	rating, err := h.coord.PlayerRating(playerID)
	if err != nil {
		log.Printf("[RANKED] Rating query failed for %s: %v", playerID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load rating"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rating": rating})
}

func (h *Handler) handleHistory(c *gin.Context) {
	playerID, ok := h.playerID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	history, err := h.coord.PlayerHistory(playerID, limit)
	if err != nil {
		log.Printf("[RANKED] History query failed for %s: %v", playerID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// handleStream upgrades to WebSocket and forwards the player's ranked
// events until the client goes away.
func (h *Handler) handleStream(c *gin.Context) {
	playerID, ok := h.playerID(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[RANKED] Stream upgrade failed for %s: %v", playerID, err)
		return
	}

	events := h.coord.Subscribe(playerID)
	defer h.coord.Unsubscribe(playerID, events)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data, open := <-events:
			if !open {
				conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.Close()
				return
			}
		case <-done:
			conn.Close()
			return
		}
	}
}
