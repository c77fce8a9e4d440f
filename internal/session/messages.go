package session

import (
	"encoding/json"

	"territory-platform/server/internal/models"
)

// WebSocket close codes used by the session stream
const (
	CloseNormal   = 1000 // kick, game end, heartbeat loss
	CloseProtocol = 1002 // bad schema, kicked, shard mismatch, unauthorized
	CloseInternal = 1011 // unexpected server fault
)

// ClientMessage is the envelope for every client-to-server message
type ClientMessage struct {
	Type string `json:"type"`

	// join / rejoin
	SessionID      string          `json:"sessionId,omitempty"`
	Token          string          `json:"token,omitempty"`
	ClientID       string          `json:"clientId,omitempty"`
	Username       string          `json:"username,omitempty"`
	Cosmetics      json.RawMessage `json:"cosmetics,omitempty"`
	TurnstileToken string          `json:"turnstileToken,omitempty"`
	LastTurn       *int            `json:"lastTurn,omitempty"`

	// intent
	Intent json.RawMessage `json:"intent,omitempty"`

	// hash
	TurnNumber *int    `json:"turnNumber,omitempty"`
	Hash       *uint64 `json:"hash,omitempty"`

	// winner
	Winner          json.RawMessage `json:"winner,omitempty"`
	AllPlayersStats json.RawMessage `json:"allPlayersStats,omitempty"`
}

// ServerMessage is the envelope for every server-to-client message
type ServerMessage struct {
	Type string `json:"type"`

	// prestart
	GameMap     string `json:"gameMap,omitempty"`
	GameMapSize string `json:"gameMapSize,omitempty"`

	// start
	GameStartInfo  *GameStartInfo `json:"gameStartInfo,omitempty"`
	Turns          []models.Turn  `json:"turns,omitempty"`
	LobbyCreatedAt int64          `json:"lobbyCreatedAt,omitempty"`

	// turn
	Turn *models.Turn `json:"turn,omitempty"`

	// lobby_info
	Lobby *models.SessionInfo `json:"lobby,omitempty"`

	// desync
	DesyncTurn             *int    `json:"turn,omitempty"`
	CorrectHash            *uint64 `json:"correctHash,omitempty"`
	ClientsWithCorrectHash int     `json:"clientsWithCorrectHash,omitempty"`
	TotalActiveClients     int     `json:"totalActiveClients,omitempty"`

	// error
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// GameStartInfo freezes the roster and config the moment the session
// starts; every client simulates from this.
type GameStartInfo struct {
	SessionID string               `json:"sessionId"`
	Config    models.SessionConfig `json:"config"`
	Players   []PlayerInfo         `json:"players"`
}

// PlayerInfo is one roster entry in GameStartInfo
type PlayerInfo struct {
	ClientID  string          `json:"clientId"`
	Username  string          `json:"username"`
	Cosmetics json.RawMessage `json:"cosmetics,omitempty"`
}
