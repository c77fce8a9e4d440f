package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"territory-platform/server/internal/models"
	"territory-platform/server/internal/session"
	"territory-platform/server/internal/shard"

	"github.com/gin-gonic/gin"
)

// requesterIdentity resolves the optional bearer token to a player id.
// Most game endpoints work unauthenticated; identity only matters for
// creator-gated operations.
func requesterIdentity(c *gin.Context) string {
	token := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return ""
	}
	identity, err := authService.ValidateToken(token)
	if err != nil {
		return ""
	}
	return identity
}

func isAdmin(c *gin.Context) bool {
	return cfg.AdminToken != "" && c.GetHeader(cfg.AdminHeader) == cfg.AdminToken
}

func handleCreateGame(c *gin.Context) {
	id := c.Param("id")

	if !shard.IsLocal(id, cfg.WorkerID, cfg.NumWorkers) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Game does not route to this worker"})
		return
	}

	creator := requesterIdentity(c)
	if creator == "" && !isAdmin(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	gameConfig := models.SessionConfig{
		GameMap:  "world",
		GameType: models.GameTypePublic,
	}
	var partial map[string]json.RawMessage
	if err := c.ShouldBindJSON(&partial); err == nil && partial != nil {
		gameConfig.ApplyPartial(partial)
	}

	srv, err := manager.CreateSession(id, creator, gameConfig)
	if err == session.ErrSessionExists {
		c.JSON(http.StatusConflict, gin.H{"error": "Game already exists"})
		return
	}
	if err != nil {
		log.Printf("[API] Failed to create game %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create game"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"gameId": id, "config": srv.Config()})
}

func handleStartGame(c *gin.Context) {
	id := c.Param("id")

	srv, ok := manager.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Game not found"})
		return
	}

	identity := requesterIdentity(c)
	if !isAdmin(c) && (srv.CreatorID() == "" || identity != srv.CreatorID()) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the game creator may start it"})
		return
	}
	if srv.HasStarted() {
		c.JSON(http.StatusConflict, gin.H{"error": "Game already started"})
		return
	}

	srv.ScheduleStart(time.Now())
	c.JSON(http.StatusOK, gin.H{"starting": true})
}

func handleUpdateGame(c *gin.Context) {
	id := c.Param("id")

	srv, ok := manager.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Game not found"})
		return
	}

	var partial map[string]json.RawMessage
	if err := c.ShouldBindJSON(&partial); err != nil || partial == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid config payload"})
		return
	}

	identity := requesterIdentity(c)
	if identity == "" {
		identity = c.Query("creatorId")
	}

	switch err := srv.UpdateConfig(identity, partial); err {
	case nil:
		c.JSON(http.StatusOK, gin.H{"config": srv.Config()})
	case session.ErrNotCreator:
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the game creator may update the config"})
	case session.ErrAlreadyStarted:
		c.JSON(http.StatusConflict, gin.H{"error": "Game already started"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update config"})
	}
}

func handleGameInfo(c *gin.Context) {
	id := c.Param("id")

	if srv, ok := manager.Lookup(id); ok {
		c.JSON(http.StatusOK, gin.H{"game": srv.Info()})
		return
	}

	record, err := sink.ReadGameRecord(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Game not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": record})
}

func handleGameExists(c *gin.Context) {
	id := c.Param("id")

	if _, ok := manager.Lookup(id); ok {
		c.JSON(http.StatusOK, gin.H{"exists": true})
		return
	}
	archived, _ := sink.GameRecordExists(id)
	c.JSON(http.StatusOK, gin.H{"exists": archived})
}

func handlePublicLobbies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"lobbies": manager.PublicLobbies()})
}

// handleArchiveSingleplayer stores a finished singleplayer game shipped
// whole by the client. Re-posting the same session overwrites the
// previous record.
func handleArchiveSingleplayer(c *gin.Context) {
	var record models.GameRecord
	if err := c.ShouldBindJSON(&record); err != nil || record.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid game record"})
		return
	}
	record.Config.GameType = models.GameTypeSingle

	if err := sink.Archive(&record); err != nil {
		log.Printf("[API] Failed to archive singleplayer game %s: %v", record.SessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to archive game"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": true})
}

func handleKickPlayer(c *gin.Context) {
	if !isAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin token required"})
		return
	}

	id := c.Param("id")
	srv, ok := manager.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Game not found"})
		return
	}

	clientID := c.Param("clientId")
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clientId is required"})
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "removed by moderator"
	}

	srv.KickClient(clientID, req.Reason)
	c.JSON(http.StatusOK, gin.H{"kicked": true})
}
