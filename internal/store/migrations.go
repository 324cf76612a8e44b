package store

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/0019-KDU/online-lab-env/internal/session"
)

// Migrations returns the ordered schema migrations for the session store
func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "20251015_create_lab_sessions_table",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&session.LabSession{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("lab_sessions")
			},
		},
	}
}

// Migrate applies all pending migrations
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, Migrations())
	return m.Migrate()
}
