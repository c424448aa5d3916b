package session

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/traderlink/mtgate/pkg/contracts"
)

// auditRow is the persisted shape of an audit entry.
type auditRow struct {
	ID        string `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index"`
	Event     string
	UserID    string
	SessionID string
	Peer      string
	Success   bool
	Risk      string
	Details   string // JSON-encoded map
}

func (auditRow) TableName() string { return "audit_entries" }

// GormAuditStore persists the audit trail in SQLite. Suited to single
// instance deployments that need the trail to survive restarts.
type GormAuditStore struct {
	db *gorm.DB
}

// NewGormAuditStore opens (or creates) the database at path and migrates
// the audit table.
func NewGormAuditStore(path string) (*GormAuditStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&auditRow{}); err != nil {
		return nil, err
	}
	return &GormAuditStore{db: db}, nil
}

func (s *GormAuditStore) Append(ctx context.Context, entry *contracts.AuditEntry) error {
	details := ""
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return err
		}
		details = string(data)
	}
	row := auditRow{
		ID:        entry.ID,
		Timestamp: entry.Timestamp,
		Event:     entry.Event,
		UserID:    entry.UserID,
		SessionID: entry.SessionID,
		Peer:      entry.Peer,
		Success:   entry.Success,
		Risk:      string(entry.Risk),
		Details:   details,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *GormAuditStore) Query(ctx context.Context, since time.Time, limit int) ([]*contracts.AuditEntry, error) {
	var rows []auditRow
	q := s.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*contracts.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry := &contracts.AuditEntry{
			ID:        row.ID,
			Timestamp: row.Timestamp,
			Event:     row.Event,
			UserID:    row.UserID,
			SessionID: row.SessionID,
			Peer:      row.Peer,
			Success:   row.Success,
			Risk:      contracts.RiskLevel(row.Risk),
		}
		if row.Details != "" {
			_ = json.Unmarshal([]byte(row.Details), &entry.Details)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *GormAuditStore) Trim(ctx context.Context, cutoff time.Time) error {
	return s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&auditRow{}).Error
}

func (s *GormAuditStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ contracts.AuditStore = (*GormAuditStore)(nil)
