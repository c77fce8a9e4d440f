package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"territory-platform/server/internal/db"
	"territory-platform/server/internal/models"

	"gorm.io/gorm/clause"
)

var ErrRecordNotFound = errors.New("game record not found")

// Sink persists finalized session records. Implementations must accept
// concurrent writes of distinct session ids; a second write of the same
// id overwrites with the same bytes.
type Sink interface {
	Archive(record *models.GameRecord) error
	ReadGameRecord(sessionID string) (*models.GameRecord, error)
	GameRecordExists(sessionID string) (bool, error)
}

// MemorySink keeps records in memory. Development backend.
type MemorySink struct {
	mu      sync.RWMutex
	records map[string]*models.GameRecord
}

// NewMemorySink creates an in-memory archive
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]*models.GameRecord)}
}

func (m *MemorySink) Archive(record *models.GameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.SessionID] = record
	log.Printf("[ARCHIVE] Stored record for session %s (%d turns)", record.SessionID, len(record.Turns))
	return nil
}

func (m *MemorySink) ReadGameRecord(sessionID string) (*models.GameRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[sessionID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record, nil
}

func (m *MemorySink) GameRecordExists(sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[sessionID]
	return ok, nil
}

// DatabaseSink stores records as JSON rows. Production backend when no
// object store is wired in.
type DatabaseSink struct {
	db *db.DB
}

// NewDatabaseSink creates a database-backed archive
func NewDatabaseSink(database *db.DB) *DatabaseSink {
	return &DatabaseSink{db: database}
}

func (d *DatabaseSink) Archive(record *models.GameRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal game record: %w", err)
	}

	row := models.ArchivedGame{
		SessionID: record.SessionID,
		Record:    string(data),
	}

	// Idempotent: re-archiving the same session replaces the row
	if err := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"record"}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to store game record: %w", err)
	}

	log.Printf("[ARCHIVE] Stored record for session %s (%d turns)", record.SessionID, len(record.Turns))
	return nil
}

func (d *DatabaseSink) ReadGameRecord(sessionID string) (*models.GameRecord, error) {
	var row models.ArchivedGame
	if err := d.db.Where("session_id = ?", sessionID).First(&row).Error; err != nil {
		return nil, ErrRecordNotFound
	}

	var record models.GameRecord
	if err := json.Unmarshal([]byte(row.Record), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal game record: %w", err)
	}
	return &record, nil
}

func (d *DatabaseSink) GameRecordExists(sessionID string) (bool, error) {
	var count int64
	if err := d.db.Model(&models.ArchivedGame{}).Where("session_id = ?", sessionID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
