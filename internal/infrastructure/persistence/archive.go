// Package persistence archives completed sessions to sqlite so they stay
// inspectable after the in-memory reaper evicts them.
package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/playingpack/playingpack/internal/domain/entity"
	"github.com/playingpack/playingpack/internal/infrastructure/persistence/models"
)

// NewDB opens (and migrates) the sqlite archive at dsn.
func NewDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open session archive: %w", err)
	}
	if err := db.AutoMigrate(&models.SessionModel{}); err != nil {
		return nil, fmt.Errorf("migrate session archive: %w", err)
	}
	return db, nil
}

// SessionArchive stores completed sessions. Writes are best-effort: a
// failed archive write is logged and otherwise ignored.
type SessionArchive struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSessionArchive creates an archive over the given DB.
func NewSessionArchive(db *gorm.DB, logger *zap.Logger) *SessionArchive {
	return &SessionArchive{
		db:     db,
		logger: logger.With(zap.String("component", "archive")),
	}
}

// Save upserts the session into the archive.
func (a *SessionArchive) Save(s *entity.Session) {
	detail, err := json.Marshal(s)
	if err != nil {
		a.logger.Warn("Session not serialisable, skipping archive", zap.Error(err))
		return
	}

	m := models.SessionModel{
		ID:          s.ID,
		Fingerprint: s.Fingerprint,
		Model:       s.Request.Model,
		State:       string(s.State),
		Source:      string(s.Source),
		Error:       s.Error,
		Detail:      string(detail),
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.CompletedAt,
	}
	if s.Response != nil {
		m.Status = s.Response.Status
		m.Content = s.Response.Content
		m.FinishReason = s.Response.FinishReason
	}

	if err := a.db.Save(&m).Error; err != nil {
		a.logger.Warn("Archive write failed",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}
}

// Recent returns the most recently completed sessions, newest first.
func (a *SessionArchive) Recent(limit int) ([]models.SessionModel, error) {
	var out []models.SessionModel
	err := a.db.Order("created_at desc").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query session archive: %w", err)
	}
	return out, nil
}

// Get looks up one archived session by id.
func (a *SessionArchive) Get(id string) (*models.SessionModel, bool) {
	var m models.SessionModel
	if err := a.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, false
	}
	return &m, true
}
