package models

import (
	"encoding/json"
	"time"
)

// Game types
const (
	GameTypePublic  = "public"
	GameTypePrivate = "private"
	GameTypeSingle  = "singleplayer"
)

// SessionConfig describes one game session. Mutable in the lobby, frozen
// once the session starts.
type SessionConfig struct {
	GameMap       string   `json:"gameMap"`
	GameMapSize   string   `json:"gameMapSize"`
	Difficulty    string   `json:"difficulty"`
	Mode          string   `json:"mode"`
	GameType      string   `json:"gameType"`
	BotCount      int      `json:"botCount"`
	MaxPlayers    *int     `json:"maxPlayers,omitempty"`
	DisabledUnits []string `json:"disabledUnits,omitempty"`
	Teams         []Team   `json:"teams,omitempty"`

	InfiniteGold bool `json:"infiniteGold"`
	DonateGold   bool `json:"donateGold"`
	DonateTroops bool `json:"donateTroops"`
	InstantBuild bool `json:"instantBuild"`
	RandomSpawn  bool `json:"randomSpawn"`

	PrestartTimerSec   *int     `json:"prestartTimerSec,omitempty"`
	SpawnImmunitySec   *int     `json:"spawnImmunitySec,omitempty"`
	AllowedIdentityIDs []string `json:"allowedIdentityIds,omitempty"`
	RequiredRoles      []string `json:"requiredRoles,omitempty"`
}

// Team assigns named players to a side
type Team struct {
	Name    string   `json:"name"`
	Players []string `json:"players"`
}

// ApplyPartial merges a lobby config update into the config. Only fields
// present in the partial are touched; the public/private flag can never
// flip a private game to public.
func (c *SessionConfig) ApplyPartial(partial map[string]json.RawMessage) {
	set := func(key string, dst interface{}) {
		if raw, ok := partial[key]; ok {
			json.Unmarshal(raw, dst)
		}
	}

	set("gameMap", &c.GameMap)
	set("gameMapSize", &c.GameMapSize)
	set("difficulty", &c.Difficulty)
	set("mode", &c.Mode)
	set("botCount", &c.BotCount)
	set("maxPlayers", &c.MaxPlayers)
	set("disabledUnits", &c.DisabledUnits)
	set("teams", &c.Teams)
	set("infiniteGold", &c.InfiniteGold)
	set("donateGold", &c.DonateGold)
	set("donateTroops", &c.DonateTroops)
	set("instantBuild", &c.InstantBuild)
	set("randomSpawn", &c.RandomSpawn)
	set("prestartTimerSec", &c.PrestartTimerSec)
	set("spawnImmunitySec", &c.SpawnImmunitySec)
	set("allowedIdentityIds", &c.AllowedIdentityIDs)
	set("requiredRoles", &c.RequiredRoles)

	if raw, ok := partial["gameType"]; ok {
		var gt string
		if json.Unmarshal(raw, &gt) == nil && !(c.GameType == GameTypePrivate && gt == GameTypePublic) {
			c.GameType = gt
		}
	}
}

// Turn is an atomic bundle of intents observed in one server interval.
// Intents are kept as raw JSON so unknown client fields survive the
// round trip to every other client. Hash is written once, retroactively,
// after reconciliation.
type Turn struct {
	TurnNumber int               `json:"turnNumber"`
	Intents    []json.RawMessage `json:"intents"`
	Hash       *uint64           `json:"hash,omitempty"`
}

// WinnerDescriptor identifies the adopted winner: a single player or a
// team with its members. Field order is fixed so the canonical key
// compares byte for byte.
type WinnerDescriptor struct {
	Kind      string   `json:"kind"` // "player" or "team"
	ID        string   `json:"id,omitempty"`
	Team      string   `json:"team,omitempty"`
	MemberIDs []string `json:"memberIds,omitempty"`
}

// Key returns the canonical serialized form used as a vote key.
func (w WinnerDescriptor) Key() string {
	data, _ := json.Marshal(w)
	return string(data)
}

// PlayerRecord is one roster entry in a finalized session record
type PlayerRecord struct {
	ClientID     string          `json:"clientId"`
	PersistentID string          `json:"persistentId"`
	Username     string          `json:"username"`
	ClanTag      string          `json:"clanTag,omitempty"`
	Stats        json.RawMessage `json:"stats,omitempty"`
}

// GameRecord is the finalized session record handed to the archive
type GameRecord struct {
	SessionID string            `json:"sessionId"`
	Config    SessionConfig     `json:"config"`
	Players   []PlayerRecord    `json:"players"`
	Turns     []Turn            `json:"turns"`
	StartedAt time.Time         `json:"startedAt"`
	EndedAt   time.Time         `json:"endedAt"`
	Winner    *WinnerDescriptor `json:"winner,omitempty"`
}

// SessionInfo is the public view of a session used by lobby listings
// and the info endpoints.
type SessionInfo struct {
	SessionID  string        `json:"sessionId"`
	Config     SessionConfig `json:"config"`
	NumClients int           `json:"numClients"`
	HasStarted bool          `json:"hasStarted"`
	CreatedAt  time.Time     `json:"createdAt"`
}
