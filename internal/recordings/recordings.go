// Package recordings is the gorm-backed metadata index for finished
// recording files, the generalization of the teacher's models.Camera +
// database.Initialize into the append-only recording ledger spec.md §4.3
// and §4.5 describe. Swapped from the teacher's gorm.io/driver/postgres to
// github.com/glebarez/sqlite (as jmylchreest-tvarr's migration layer also
// uses) because spec.md's Non-goals rule out clustering — a single-node
// recorder has no business requiring a Postgres server next to it.
package recordings

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lightnvr/core/internal/nvrerr"
)

// Trigger records why a recording was closed.
type Trigger string

const (
	TriggerContinuous    Trigger = "continuous"
	TriggerDetectionGate Trigger = "detection"
	TriggerMaxDuration   Trigger = "max_duration"
	TriggerStreamStopped Trigger = "stream_stopped"
	TriggerManual        Trigger = "manual"
)

// Metadata is one closed recording file, modeled on the teacher's
// models.Camera shape but for recordings rather than camera identities.
type Metadata struct {
	ID         uint      `gorm:"primaryKey"`
	StreamName string    `gorm:"index;not null"`
	Path       string    `gorm:"not null"`
	StartedAt  time.Time `gorm:"index;not null"`
	EndedAt    time.Time `gorm:"not null"`
	DurationS  float64   `gorm:"not null"`
	SizeBytes  int64     `gorm:"not null"`
	Trigger    Trigger   `gorm:"not null"`
	ThumbPath  string
	CreatedAt  time.Time
}

// Store is the single-mutex-equivalent (gorm's own connection pool
// serializes writes for sqlite) metadata index.
type Store struct {
	db *gorm.DB
}

// Open connects to the sqlite file at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, nvrerr.IO("recordings.open", path, err)
	}
	if err := db.AutoMigrate(&Metadata{}); err != nil {
		return nil, nvrerr.IO("recordings.migrate", path, err)
	}
	return &Store{db: db}, nil
}

// Insert records a finished recording in a single transaction.
func (s *Store) Insert(m *Metadata) error {
	if err := s.db.Create(m).Error; err != nil {
		return nvrerr.IO("recordings.insert", m.Path, err)
	}
	return nil
}

// Query returns recordings for stream overlapping [from, to), ordered by
// start time, the shape C5's clip/export engine needs to find source
// material for a requested window.
func (s *Store) Query(streamName string, from, to time.Time) ([]Metadata, error) {
	var out []Metadata
	err := s.db.
		Where("stream_name = ? AND started_at < ? AND ended_at > ?", streamName, to, from).
		Order("started_at asc").
		Find(&out).Error
	if err != nil {
		return nil, nvrerr.IO("recordings.query", streamName, err)
	}
	return out, nil
}

// ByID fetches a single recording, returning NotFound if absent.
func (s *Store) ByID(id uint) (*Metadata, error) {
	var m Metadata
	err := s.db.First(&m, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nvrerr.NotFound("recordings.by_id", fmt.Sprintf("%d", id), nvrerr.NotFoundRec)
		}
		return nil, nvrerr.IO("recordings.by_id", fmt.Sprintf("%d", id), err)
	}
	return &m, nil
}

// Delete removes a recording's metadata row (the file itself is deleted by
// the caller — on-disk retention sweeping is an external non-goal per
// spec.md §1).
func (s *Store) Delete(id uint) error {
	if err := s.db.Delete(&Metadata{}, id).Error; err != nil {
		return nvrerr.IO("recordings.delete", fmt.Sprintf("%d", id), err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB.Close()
}
