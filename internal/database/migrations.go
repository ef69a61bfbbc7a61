package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/clipnet/internal/images"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDropEmptyImages = "2026-09-30_drop_empty_images"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// migrationDefinition runs once per database. table names the table the
// migration rewrites; the migration waits until that table exists.
type migrationDefinition struct {
	name  string
	table any
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropEmptyImages, table: &images.Image{}, apply: dropEmptyImages},
	}

	for _, migration := range migrations {
		if !db.Migrator().HasTable(migration.table) {
			continue
		}
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropEmptyImages removes rows that carry no image bytes.
func dropEmptyImages(db *gorm.DB) error {
	return db.Where("original_bytes = 0").Delete(&images.Image{}).Error
}
