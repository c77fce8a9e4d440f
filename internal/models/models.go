package models

import (
	"time"

	"gorm.io/gorm"
)

// Ticket states
const (
	TicketQueued    = "queued"
	TicketMatched   = "matched"
	TicketReady     = "ready"
	TicketCancelled = "cancelled"
	TicketCompleted = "completed"
)

// Match states
const (
	MatchAwaitingAccept = "awaiting_accept"
	MatchReady          = "ready"
	MatchCancelled      = "cancelled"
	MatchCompleted      = "completed"
)

// Season represents a time-bounded rating epoch
type Season struct {
	ID              string         `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	Name            string         `gorm:"column:name;type:varchar(100);not null" json:"name"`
	StartsAt        time.Time      `gorm:"column:starts_at;not null" json:"starts_at"`
	EndsAt          time.Time      `gorm:"column:ends_at;not null" json:"ends_at"`
	SoftResetFactor float64        `gorm:"column:soft_reset_factor;default:0.5" json:"soft_reset_factor"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	DeletedAt       gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

// TableName specifies the table name for Season model
func (Season) TableName() string {
	return "seasons"
}

// PlayerRating represents a player's Glicko-2 state for one season
type PlayerRating struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PlayerID        string     `gorm:"column:player_id;type:varchar(64);not null;uniqueIndex:unique_player_season" json:"player_id"`
	SeasonID        string     `gorm:"column:season_id;type:varchar(36);not null;uniqueIndex:unique_player_season" json:"season_id"`
	Rating          float64    `gorm:"column:rating;default:1500" json:"rating"`
	RatingDeviation float64    `gorm:"column:rating_deviation;default:350" json:"rating_deviation"`
	Volatility      float64    `gorm:"column:volatility;default:0.06" json:"volatility"`
	MatchesPlayed   int        `gorm:"column:matches_played;default:0" json:"matches_played"`
	Wins            int        `gorm:"column:wins;default:0" json:"wins"`
	Losses          int        `gorm:"column:losses;default:0" json:"losses"`
	Streak          int        `gorm:"column:streak;default:0" json:"streak"`
	LastMatchID     *string    `gorm:"column:last_match_id;type:varchar(36)" json:"last_match_id,omitempty"`
	LastActiveAt    *time.Time `gorm:"column:last_active_at" json:"last_active_at,omitempty"`
	DisplayName     *string    `gorm:"column:display_name;type:varchar(100)" json:"display_name,omitempty"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for PlayerRating model
func (PlayerRating) TableName() string {
	return "player_ratings"
}

// RankedMatch represents one matchmaking pairing through its lifecycle
type RankedMatch struct {
	ID             string     `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	Mode           string     `gorm:"column:mode;type:varchar(32);not null" json:"mode"`
	Region         string     `gorm:"column:region;type:varchar(32);not null" json:"region"`
	State          string     `gorm:"column:state;type:varchar(20);not null;index:idx_match_state" json:"state"`
	SeasonID       *string    `gorm:"column:season_id;type:varchar(36)" json:"season_id,omitempty"`
	SessionID      *string    `gorm:"column:session_id;type:varchar(36);index:idx_match_session" json:"session_id,omitempty"`
	AcceptDeadline *time.Time `gorm:"column:accept_deadline" json:"accept_deadline,omitempty"`
	AcceptedCount  int        `gorm:"column:accepted_count;default:0" json:"accepted_count"`
	TotalPlayers   int        `gorm:"column:total_players;not null" json:"total_players"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for RankedMatch model
func (RankedMatch) TableName() string {
	return "ranked_matches"
}

// MatchParticipant represents one player's row in a ranked match.
// RatingAfter doubles as the idempotency marker for rating commits:
// a non-nil value means this match has already been rated for the player.
type MatchParticipant struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	MatchID     string    `gorm:"column:match_id;type:varchar(36);not null;uniqueIndex:unique_match_player" json:"match_id"`
	PlayerID    string    `gorm:"column:player_id;type:varchar(64);not null;uniqueIndex:unique_match_player" json:"player_id"`
	TicketID    string    `gorm:"column:ticket_id;type:varchar(36);not null" json:"ticket_id"`
	Score       *float64  `gorm:"column:score" json:"score,omitempty"`
	RatingAfter *float64  `gorm:"column:rating_after" json:"rating_after,omitempty"`
	RatingDelta *float64  `gorm:"column:rating_delta" json:"rating_delta,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for MatchParticipant model
func (MatchParticipant) TableName() string {
	return "match_participants"
}

// QueueTicket is the persisted form of a matchmaking ticket
type QueueTicket struct {
	ID                string     `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	PlayerID          string     `gorm:"column:player_id;type:varchar(64);not null;index:idx_ticket_player" json:"player_id"`
	Mode              string     `gorm:"column:mode;type:varchar(32);not null" json:"mode"`
	Region            string     `gorm:"column:region;type:varchar(32);not null" json:"region"`
	MMR               *float64   `gorm:"column:mmr" json:"mmr,omitempty"`
	State             string     `gorm:"column:state;type:varchar(20);not null;index:idx_ticket_state" json:"state"`
	MatchID           *string    `gorm:"column:match_id;type:varchar(36)" json:"match_id,omitempty"`
	AcceptToken       *string    `gorm:"column:accept_token;type:varchar(64)" json:"-"`
	AcceptedAt        *time.Time `gorm:"column:accepted_at" json:"accepted_at,omitempty"`
	DodgePenaltyUntil *time.Time `gorm:"column:dodge_penalty_until" json:"dodge_penalty_until,omitempty"`
	JoinedAt          time.Time  `gorm:"column:joined_at;not null" json:"joined_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for QueueTicket model
func (QueueTicket) TableName() string {
	return "queue_tickets"
}

// RatingHistoryEntry is an append-only record of one rating change
type RatingHistoryEntry struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PlayerID    string    `gorm:"column:player_id;type:varchar(64);not null;index:idx_history_player" json:"player_id"`
	SeasonID    string    `gorm:"column:season_id;type:varchar(36);not null" json:"season_id"`
	MatchID     string    `gorm:"column:match_id;type:varchar(36);not null" json:"match_id"`
	Delta       float64   `gorm:"column:delta;not null" json:"delta"`
	RatingAfter float64   `gorm:"column:rating_after;not null" json:"rating_after"`
	Reason      string    `gorm:"column:reason;type:varchar(32);not null" json:"reason"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for RatingHistoryEntry model
func (RatingHistoryEntry) TableName() string {
	return "rating_history"
}

// ArchivedGame stores a finalized session record as a JSON blob
type ArchivedGame struct {
	SessionID  string    `gorm:"column:session_id;type:varchar(36);primaryKey" json:"session_id"`
	Record     string    `gorm:"column:record;type:json" json:"record"`
	ArchivedAt time.Time `gorm:"column:archived_at;autoCreateTime" json:"archived_at"`
}

// TableName specifies the table name for ArchivedGame model
func (ArchivedGame) TableName() string {
	return "archived_games"
}
