package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates a request carried no usable user identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// DirectoryConfig describes the dependencies of the user directory.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Directory resolves user identifiers to display names for outbound payloads.
type Directory struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map // user id -> display name
}

// NewDirectory constructs the directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Remember upserts the profile of userID. An empty display name keeps the
// stored one and only refreshes last_seen_at.
func (d *Directory) Remember(ctx context.Context, userID, displayName string) error {
	id := normalize(userID)
	if id == "" {
		return ErrInvalidIdentity
	}
	name := normalize(displayName)

	if cached, ok := d.cache.Load(id); ok && cached.(string) == name && name != "" {
		return nil
	}

	profile := Profile{
		UserID:      id,
		DisplayName: name,
		LastSeenAt:  d.now().UTC(),
	}
	updateColumns := []string{"last_seen_at", "updated_at"}
	if name != "" {
		updateColumns = append(updateColumns, "user_display_name")
	}
	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(updateColumns),
		}).
		Create(&profile).
		Error
	if err != nil {
		d.logger.Error("user profile upsert failed",
			zap.String("operation", "users.remember"),
			zap.String("user_id", id),
			zap.Error(err))
		return err
	}
	if name != "" {
		d.cache.Store(id, name)
	}
	return nil
}

// DisplayName resolves a single user; unknown users resolve to their id.
func (d *Directory) DisplayName(ctx context.Context, userID string) string {
	return d.DisplayNames(ctx, []string{userID})[userID]
}

// DisplayNames resolves every id in userIDs. Lookup failures are logged and
// the affected users resolve to their id.
func (d *Directory) DisplayNames(ctx context.Context, userIDs []string) map[string]string {
	names := make(map[string]string, len(userIDs))
	missing := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		if cached, ok := d.cache.Load(userID); ok {
			names[userID] = cached.(string)
			continue
		}
		names[userID] = userID
		missing = append(missing, userID)
	}
	if len(missing) == 0 {
		return names
	}

	var profiles []Profile
	if err := d.db.WithContext(ctx).Where("user_id IN ?", missing).Find(&profiles).Error; err != nil {
		d.logger.Warn("user profile lookup failed",
			zap.String("operation", "users.display_names"),
			zap.Int("count", len(missing)),
			zap.Error(err))
		return names
	}
	for _, profile := range profiles {
		if profile.DisplayName == "" {
			continue
		}
		names[profile.UserID] = profile.DisplayName
		d.cache.Store(profile.UserID, profile.DisplayName)
	}
	return names
}
