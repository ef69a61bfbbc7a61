package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// Record is the persisted form of a Notification.
type Record struct {
	ID          string `gorm:"column:id;primaryKey;size:64;not null"`
	FromName    string `gorm:"column:from_name;size:190;not null"`
	FromType    string `gorm:"column:from_type;size:32;not null"`
	Text        string `gorm:"column:text;type:text;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null;index:idx_notifications_created"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "notifications"
}

// Repository stores notifications in SQLite through GORM.
type Repository struct {
	db *gorm.DB
}

// NewRepository wraps db.
func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, newStoreError("notifications.repository.new", "missing_database", errMissingDatabase)
	}
	return &Repository{db: db}, nil
}

// Save upserts notification.
func (r *Repository) Save(ctx context.Context, notification Notification) error {
	record := Record{
		ID:          notification.ID,
		FromName:    notification.From.Name,
		FromType:    string(notification.From.Type),
		Text:        notification.Text,
		CreatedAtMs: notification.Timestamp.UTC().UnixMilli(),
	}
	return r.db.WithContext(ctx).Save(&record).Error
}

// Delete removes the record with id. Missing records are not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&Record{}).Error
}

// List returns every record newest first.
func (r *Repository) List(ctx context.Context) ([]Notification, error) {
	var records []Record
	if err := r.db.WithContext(ctx).Order("created_at_ms DESC").Order("id DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	result := make([]Notification, 0, len(records))
	for _, record := range records {
		result = append(result, Notification{
			ID:        record.ID,
			From:      devices.Device{Name: record.FromName, Type: devices.ParseType(record.FromType)},
			Text:      record.Text,
			Timestamp: time.UnixMilli(record.CreatedAtMs).UTC(),
		})
	}
	return result, nil
}
