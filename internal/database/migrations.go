package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillSessionCreators = "2026-09-14_backfill_session_creators"
	migrationRepairOwnerPermissions  = "2026-09-21_repair_owner_permissions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSessionCreators, apply: backfillSessionCreators},
		{name: migrationRepairOwnerPermissions, apply: repairOwnerPermissions},
	}

	for _, migration := range migrations {
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

// backfillSessionCreators records the earliest participant as creator for
// sessions persisted before the creator column existed.
func backfillSessionCreators(db *gorm.DB) error {
	return db.Exec(`UPDATE collab_code_sessions
SET creator_user_id = (
	SELECT p.user_id FROM collab_session_participants p
	WHERE p.session_id = collab_code_sessions.session_id
	ORDER BY p.id ASC LIMIT 1
)
WHERE creator_user_id = ''
AND EXISTS (
	SELECT 1 FROM collab_session_participants p
	WHERE p.session_id = collab_code_sessions.session_id
)`).Error
}

// repairOwnerPermissions restores read-write on every room owner's record.
func repairOwnerPermissions(db *gorm.DB) error {
	return db.Exec(`UPDATE collab_room_participants
SET permission = 'read-write'
WHERE permission <> 'read-write'
AND EXISTS (
	SELECT 1 FROM collab_rooms r
	WHERE r.room_id = collab_room_participants.room_id
	AND r.owner_user_id = collab_room_participants.user_id
)`).Error
}
