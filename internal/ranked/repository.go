package ranked

import (
	"fmt"
	"time"

	"territory-platform/server/internal/db"
	"territory-platform/server/internal/glicko"
	"territory-platform/server/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the durable store for seasons, ratings, matches,
// participants, queue tickets, and rating history.
type Repository struct {
	db *db.DB
}

// NewRepository creates a repository over the shared database handle
func NewRepository(database *db.DB) *Repository {
	return &Repository{db: database}
}

// ActiveSeason returns the season covering now, creating a default one
// if none exists so rating commits always have a season id.
func (r *Repository) ActiveSeason() (*models.Season, error) {
	now := time.Now().UTC()

	var season models.Season
	err := r.db.Where("starts_at <= ? AND ends_at > ?", now, now).
		Order("starts_at DESC").
		First(&season).Error
	if err == nil {
		return &season, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to look up active season: %w", err)
	}

	season = models.Season{
		ID:              uuid.New().String(),
		Name:            fmt.Sprintf("Season %s", now.Format("2006-01")),
		StartsAt:        now,
		EndsAt:          now.AddDate(0, 3, 0),
		SoftResetFactor: 0.5,
	}
	if err := r.db.Create(&season).Error; err != nil {
		return nil, fmt.Errorf("failed to create season: %w", err)
	}
	return &season, nil
}

// GetOrCreateRating returns the player's rating row for a season,
// inserting the Glicko-2 defaults on first contact.
func (r *Repository) GetOrCreateRating(playerID, seasonID string) (*models.PlayerRating, error) {
	var rating models.PlayerRating
	err := r.db.Where("player_id = ? AND season_id = ?", playerID, seasonID).First(&rating).Error
	if err == nil {
		return &rating, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to look up rating: %w", err)
	}

	rating = models.PlayerRating{
		PlayerID:        playerID,
		SeasonID:        seasonID,
		Rating:          glicko.DefaultRating,
		RatingDeviation: glicko.DefaultRD,
		Volatility:      glicko.DefaultVolatility,
	}
	if err := r.db.Create(&rating).Error; err != nil {
		// Concurrent first contact: read whoever won
		if err2 := r.db.Where("player_id = ? AND season_id = ?", playerID, seasonID).First(&rating).Error; err2 == nil {
			return &rating, nil
		}
		return nil, fmt.Errorf("failed to create rating: %w", err)
	}
	return &rating, nil
}

// SaveRating upserts a rating row.
func (r *Repository) SaveRating(rating *models.PlayerRating) error {
	return r.db.Save(rating).Error
}

// Leaderboard returns the top rated players for a season.
func (r *Repository) Leaderboard(seasonID string, limit int) ([]models.PlayerRating, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var ratings []models.PlayerRating
	err := r.db.Where("season_id = ?", seasonID).
		Order("rating DESC").
		Limit(limit).
		Find(&ratings).Error
	return ratings, err
}

// SaveTicket persists one queue ticket.
func (r *Repository) SaveTicket(ticket *models.QueueTicket) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(ticket).Error
}

// SaveTickets persists a batch of tickets.
func (r *Repository) SaveTickets(tickets []*models.QueueTicket) error {
	for _, ticket := range tickets {
		if err := r.SaveTicket(ticket); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTicket removes a ticket from the persistent queue.
func (r *Repository) DeleteTicket(ticketID string) error {
	return r.db.Delete(&models.QueueTicket{}, "id = ?", ticketID).Error
}

// LoadQueuedTickets returns every persisted ticket still in queued
// state, for rehydration at startup.
func (r *Repository) LoadQueuedTickets() ([]*models.QueueTicket, error) {
	var tickets []*models.QueueTicket
	err := r.db.Where("state = ?", models.TicketQueued).
		Order("joined_at ASC").
		Find(&tickets).Error
	return tickets, err
}

// StaleActiveTickets returns matched/awaiting tickets whose updatedAt is
// older than the cutoff; the coordinator force-cancels them.
func (r *Repository) StaleActiveTickets(olderThan time.Time) ([]*models.QueueTicket, error) {
	var tickets []*models.QueueTicket
	err := r.db.Where("state IN ? AND updated_at < ?",
		[]string{models.TicketMatched, models.TicketReady}, olderThan).
		Find(&tickets).Error
	return tickets, err
}

// CancelTicket marks a persisted ticket cancelled.
func (r *Repository) CancelTicket(ticketID string) error {
	return r.db.Model(&models.QueueTicket{}).
		Where("id = ?", ticketID).
		Update("state", models.TicketCancelled).Error
}

// SaveMatch persists a match and its participant rows in one
// transaction so the pair can never be observed half-written.
func (r *Repository) SaveMatch(match *models.RankedMatch, participants []*models.MatchParticipant) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(match).Error; err != nil {
			return fmt.Errorf("failed to save match: %w", err)
		}

		for _, p := range participants {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "match_id"}, {Name: "player_id"}},
				UpdateAll: true,
			}).Create(p).Error; err != nil {
				return fmt.Errorf("failed to save participant: %w", err)
			}
		}
		return nil
	})
}

// GetMatch returns a persisted match by id.
func (r *Repository) GetMatch(matchID string) (*models.RankedMatch, error) {
	var match models.RankedMatch
	if err := r.db.Where("id = ?", matchID).First(&match).Error; err != nil {
		return nil, err
	}
	return &match, nil
}

// GetParticipants returns the participant rows for a match.
func (r *Repository) GetParticipants(matchID string) ([]*models.MatchParticipant, error) {
	var participants []*models.MatchParticipant
	err := r.db.Where("match_id = ?", matchID).Find(&participants).Error
	return participants, err
}

// MatchAlreadyRated reports whether any participant of the match
// carries a rating-after value. This is the idempotency marker for
// rating commits.
func (r *Repository) MatchAlreadyRated(matchID string) (bool, error) {
	var count int64
	err := r.db.Model(&models.MatchParticipant{}).
		Where("match_id = ? AND rating_after IS NOT NULL", matchID).
		Count(&count).Error
	return count > 0, err
}

// AppendRatingHistory appends one rating change record.
func (r *Repository) AppendRatingHistory(entry *models.RatingHistoryEntry) error {
	return r.db.Create(entry).Error
}

// RatingHistory returns a player's recent rating changes.
func (r *Repository) RatingHistory(playerID, seasonID string, limit int) ([]models.RatingHistoryEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []models.RatingHistoryEntry
	err := r.db.Where("player_id = ? AND season_id = ?", playerID, seasonID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
