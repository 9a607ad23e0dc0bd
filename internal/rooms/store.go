package rooms

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew                 = "rooms.store.new"
	opCreateRoom               = "rooms.create_room"
	opFindRoom                 = "rooms.find_room"
	opDeleteRoom               = "rooms.delete_room"
	opAddRoomParticipant       = "rooms.add_room_participant"
	opRemoveRoomParticipant    = "rooms.remove_room_participant"
	opFindRoomParticipant      = "rooms.find_room_participant"
	opListRoomParticipants     = "rooms.list_room_participants"
	opCreateSession            = "rooms.create_session"
	opFindSession              = "rooms.find_session"
	opListSessions             = "rooms.list_sessions"
	opSetSessionStatus         = "rooms.set_session_status"
	opFindSessionParticipant   = "rooms.find_session_participant"
	opListSessionParticipants  = "rooms.list_session_participants"
	opSetSessionPermission     = "rooms.set_session_permission"
	opSessionCreator           = "rooms.session_creator"
	queryRoomID                = "room_id = ?"
	querySessionID             = "session_id = ?"
	queryRoomUser              = "room_id = ? AND user_id = ?"
	querySessionUser           = "session_id = ? AND user_id = ?"
	orderIDAsc                 = "id ASC"
	orderCreatedAsc            = "created_at ASC, session_id ASC"
	reasonMissingDatabase      = "missing_database"
	reasonMissingIDProvider    = "missing_id_provider"
	reasonIDGenerationFailed   = "id_generation_failed"
	reasonRoomNotFound         = "room_not_found"
	reasonSessionNotFound      = "session_not_found"
	reasonParticipantNotFound  = "participant_not_found"
	reasonQueryFailed          = "query_failed"
	reasonInsertFailed         = "insert_failed"
	reasonDeleteFailed         = "delete_failed"
	reasonUpdateFailed         = "update_failed"
	reasonOwnerNotRemovable    = "owner_not_removable"
	reasonCreatorNotInRoom     = "creator_not_participant"
	reasonCreatorUnknown       = "creator_unknown"
	defaultStoreTimeout        = 2 * time.Second
	fieldRoomID                = "room_id"
	fieldSessionID             = "session_id"
	fieldUserID                = "user_id"
	fieldOwnerID               = "owner_id"
	fieldCreatorID             = "creator_id"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// StoreConfig describes the dependencies of the durable room store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	// Timeout bounds every store call; callers may pass a shorter deadline.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Store persists rooms, sessions and their membership records.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	timeout    time.Duration
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, NewError(opStoreNew, reasonMissingDatabase, ErrInvalidArgument, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, NewError(opStoreNew, reasonMissingIDProvider, ErrInvalidArgument, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// CreateRoom persists a room and its owner's read-write participant record.
func (s *Store) CreateRoom(ctx context.Context, name, ownerID string) (Room, error) {
	roomName, err := normalizeName(opCreateRoom, name)
	if err != nil {
		return Room{}, err
	}
	owner, err := normalizeIdentifier(opCreateRoom, fieldOwnerID, ownerID)
	if err != nil {
		return Room{}, err
	}
	roomID, err := s.idProvider.NewID()
	if err != nil {
		return Room{}, s.fail(opCreateRoom, reasonIDGenerationFailed, err)
	}

	now := s.clock().UTC()
	room := Room{
		RoomID:      roomID,
		Name:        roomName,
		OwnerUserID: owner,
		CreatedAt:   now,
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		return tx.Create(&RoomParticipant{
			RoomID:     room.RoomID,
			UserID:     owner,
			Permission: PermissionReadWrite,
			CreatedAt:  now,
		}).Error
	})
	if err != nil {
		return Room{}, s.fail(opCreateRoom, reasonInsertFailed, err, zap.String(fieldOwnerID, owner))
	}
	return room, nil
}

// FindRoom loads a room by its external identifier.
func (s *Store) FindRoom(ctx context.Context, roomID string) (Room, error) {
	id, err := normalizeIdentifier(opFindRoom, fieldRoomID, roomID)
	if err != nil {
		return Room{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	room, err := takeRoom(s.db.WithContext(ctx), id)
	if err != nil {
		return Room{}, s.fail(opFindRoom, reasonRoomNotFound, err, zap.String(fieldRoomID, id))
	}
	return room, nil
}

// DeleteRoom removes a room together with every dependent session and
// participant record.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	id, err := normalizeIdentifier(opDeleteRoom, fieldRoomID, roomID)
	if err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := takeRoom(tx, id); err != nil {
			return classifyStoreError(opDeleteRoom, reasonRoomNotFound, err)
		}
		sessionIDs, err := roomSessionIDs(tx, id)
		if err != nil {
			return err
		}
		if len(sessionIDs) > 0 {
			if err := tx.Where("session_id IN ?", sessionIDs).Delete(&SessionParticipant{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where(queryRoomID, id).Delete(&CodeSession{}).Error; err != nil {
			return err
		}
		if err := tx.Where(queryRoomID, id).Delete(&RoomParticipant{}).Error; err != nil {
			return err
		}
		return tx.Where(queryRoomID, id).Delete(&Room{}).Error
	})
	if err != nil {
		return s.fail(opDeleteRoom, reasonDeleteFailed, err, zap.String(fieldRoomID, id))
	}
	return nil
}

// AddRoomParticipant registers userID as a read-only member of the room. It is
// idempotent: re-joining returns the existing record and created=false. A new
// member also receives read-only rows for the room's existing sessions.
func (s *Store) AddRoomParticipant(ctx context.Context, roomID, userID string) (RoomParticipant, bool, error) {
	room, err := normalizeIdentifier(opAddRoomParticipant, fieldRoomID, roomID)
	if err != nil {
		return RoomParticipant{}, false, err
	}
	user, err := normalizeIdentifier(opAddRoomParticipant, fieldUserID, userID)
	if err != nil {
		return RoomParticipant{}, false, err
	}

	var (
		participant RoomParticipant
		created     bool
	)
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := takeRoom(tx, room); err != nil {
			return classifyStoreError(opAddRoomParticipant, reasonRoomNotFound, err)
		}
		err := tx.Where(queryRoomUser, room, user).Take(&participant).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := s.clock().UTC()
		participant = RoomParticipant{
			RoomID:     room,
			UserID:     user,
			Permission: PermissionReadOnly,
			CreatedAt:  now,
		}
		if err := tx.Create(&participant).Error; err != nil {
			return err
		}
		created = true

		sessionIDs, err := roomSessionIDs(tx, room)
		if err != nil {
			return err
		}
		for _, sessionID := range sessionIDs {
			row := SessionParticipant{
				SessionID:  sessionID,
				UserID:     user,
				Permission: PermissionReadOnly,
				CreatedAt:  now,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return RoomParticipant{}, false, s.fail(opAddRoomParticipant, reasonInsertFailed, err,
			zap.String(fieldRoomID, room), zap.String(fieldUserID, user))
	}
	return participant, created, nil
}

// RemoveRoomParticipant deletes userID's room record and every session
// participant record the user holds in the room's sessions, atomically. The
// owner's record can never be removed.
func (s *Store) RemoveRoomParticipant(ctx context.Context, roomID, userID string) error {
	room, err := normalizeIdentifier(opRemoveRoomParticipant, fieldRoomID, roomID)
	if err != nil {
		return err
	}
	user, err := normalizeIdentifier(opRemoveRoomParticipant, fieldUserID, userID)
	if err != nil {
		return err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := takeRoom(tx, room)
		if err != nil {
			return classifyStoreError(opRemoveRoomParticipant, reasonRoomNotFound, err)
		}
		if stored.OwnerUserID == user {
			return NewError(opRemoveRoomParticipant, reasonOwnerNotRemovable, ErrInvalidArgument, nil)
		}
		result := tx.Where(queryRoomUser, room, user).Delete(&RoomParticipant{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return NewError(opRemoveRoomParticipant, reasonParticipantNotFound, ErrNotFound, nil)
		}
		sessionIDs, err := roomSessionIDs(tx, room)
		if err != nil {
			return err
		}
		if len(sessionIDs) == 0 {
			return nil
		}
		return tx.Where("session_id IN ? AND user_id = ?", sessionIDs, user).Delete(&SessionParticipant{}).Error
	})
	if err != nil {
		return s.fail(opRemoveRoomParticipant, reasonDeleteFailed, err,
			zap.String(fieldRoomID, room), zap.String(fieldUserID, user))
	}
	return nil
}

// FindRoomParticipant loads the membership record of userID in roomID.
func (s *Store) FindRoomParticipant(ctx context.Context, roomID, userID string) (RoomParticipant, error) {
	room, err := normalizeIdentifier(opFindRoomParticipant, fieldRoomID, roomID)
	if err != nil {
		return RoomParticipant{}, err
	}
	user, err := normalizeIdentifier(opFindRoomParticipant, fieldUserID, userID)
	if err != nil {
		return RoomParticipant{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var participant RoomParticipant
	if err := s.db.WithContext(ctx).Where(queryRoomUser, room, user).Take(&participant).Error; err != nil {
		return RoomParticipant{}, s.fail(opFindRoomParticipant, reasonParticipantNotFound, err,
			zap.String(fieldRoomID, room), zap.String(fieldUserID, user))
	}
	return participant, nil
}

// ListRoomParticipants returns the room's members in join order.
func (s *Store) ListRoomParticipants(ctx context.Context, roomID string) ([]RoomParticipant, error) {
	room, err := normalizeIdentifier(opListRoomParticipants, fieldRoomID, roomID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	db := s.db.WithContext(ctx)
	if _, err := takeRoom(db, room); err != nil {
		return nil, s.fail(opListRoomParticipants, reasonRoomNotFound, err, zap.String(fieldRoomID, room))
	}
	var participants []RoomParticipant
	if err := db.Where(queryRoomID, room).Order(orderIDAsc).Find(&participants).Error; err != nil {
		return nil, s.fail(opListRoomParticipants, reasonQueryFailed, err, zap.String(fieldRoomID, room))
	}
	return participants, nil
}

// CreateSession persists a new inactive session in roomID. The creator gets a
// read-write row and every other room member a read-only row, in the same
// transaction as the session insert.
func (s *Store) CreateSession(ctx context.Context, roomID, name, creatorID string) (CodeSession, error) {
	room, err := normalizeIdentifier(opCreateSession, fieldRoomID, roomID)
	if err != nil {
		return CodeSession{}, err
	}
	sessionName, err := normalizeName(opCreateSession, name)
	if err != nil {
		return CodeSession{}, err
	}
	creator, err := normalizeIdentifier(opCreateSession, fieldCreatorID, creatorID)
	if err != nil {
		return CodeSession{}, err
	}
	sessionID, err := s.idProvider.NewID()
	if err != nil {
		return CodeSession{}, s.fail(opCreateSession, reasonIDGenerationFailed, err)
	}

	now := s.clock().UTC()
	session := CodeSession{
		SessionID:     sessionID,
		RoomID:        room,
		Name:          sessionName,
		Status:        SessionStatusInactive,
		CreatorUserID: creator,
		CreatedAt:     now,
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := takeRoom(tx, room); err != nil {
			return classifyStoreError(opCreateSession, reasonRoomNotFound, err)
		}
		var members []RoomParticipant
		if err := tx.Where(queryRoomID, room).Order(orderIDAsc).Find(&members).Error; err != nil {
			return err
		}
		if !containsUser(members, creator) {
			return NewError(opCreateSession, reasonCreatorNotInRoom, ErrForbidden, nil)
		}
		if err := tx.Create(&session).Error; err != nil {
			return err
		}

		rows := make([]SessionParticipant, 0, len(members))
		rows = append(rows, SessionParticipant{
			SessionID:  sessionID,
			UserID:     creator,
			Permission: PermissionReadWrite,
			CreatedAt:  now,
		})
		for _, member := range members {
			if member.UserID == creator {
				continue
			}
			rows = append(rows, SessionParticipant{
				SessionID:  sessionID,
				UserID:     member.UserID,
				Permission: PermissionReadOnly,
				CreatedAt:  now,
			})
		}
		// Rows are inserted one at a time so the creator keeps the lowest id.
		for index := range rows {
			if err := tx.Create(&rows[index]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return CodeSession{}, s.fail(opCreateSession, reasonInsertFailed, err,
			zap.String(fieldRoomID, room), zap.String(fieldCreatorID, creator))
	}
	return session, nil
}

// FindSession loads a session by its external identifier.
func (s *Store) FindSession(ctx context.Context, sessionID string) (CodeSession, error) {
	id, err := normalizeIdentifier(opFindSession, fieldSessionID, sessionID)
	if err != nil {
		return CodeSession{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	session, err := takeSession(s.db.WithContext(ctx), id)
	if err != nil {
		return CodeSession{}, s.fail(opFindSession, reasonSessionNotFound, err, zap.String(fieldSessionID, id))
	}
	return session, nil
}

// ListSessions returns the room's sessions in creation order.
func (s *Store) ListSessions(ctx context.Context, roomID string) ([]CodeSession, error) {
	room, err := normalizeIdentifier(opListSessions, fieldRoomID, roomID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	db := s.db.WithContext(ctx)
	if _, err := takeRoom(db, room); err != nil {
		return nil, s.fail(opListSessions, reasonRoomNotFound, err, zap.String(fieldRoomID, room))
	}
	var sessions []CodeSession
	if err := db.Where(queryRoomID, room).Order(orderCreatedAsc).Find(&sessions).Error; err != nil {
		return nil, s.fail(opListSessions, reasonQueryFailed, err, zap.String(fieldRoomID, room))
	}
	return sessions, nil
}

// SetSessionStatus records the durable status of a session.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	id, err := normalizeIdentifier(opSetSessionStatus, fieldSessionID, sessionID)
	if err != nil {
		return err
	}
	if _, err := ParseSessionStatus(string(status)); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := takeSession(tx, id); err != nil {
			return classifyStoreError(opSetSessionStatus, reasonSessionNotFound, err)
		}
		return tx.Model(&CodeSession{}).Where(querySessionID, id).Update("status", status).Error
	})
	if err != nil {
		return s.fail(opSetSessionStatus, reasonUpdateFailed, err, zap.String(fieldSessionID, id))
	}
	return nil
}

// FindSessionParticipant loads the permission record of userID in sessionID.
func (s *Store) FindSessionParticipant(ctx context.Context, sessionID, userID string) (SessionParticipant, error) {
	session, err := normalizeIdentifier(opFindSessionParticipant, fieldSessionID, sessionID)
	if err != nil {
		return SessionParticipant{}, err
	}
	user, err := normalizeIdentifier(opFindSessionParticipant, fieldUserID, userID)
	if err != nil {
		return SessionParticipant{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var participant SessionParticipant
	if err := s.db.WithContext(ctx).Where(querySessionUser, session, user).Take(&participant).Error; err != nil {
		return SessionParticipant{}, s.fail(opFindSessionParticipant, reasonParticipantNotFound, err,
			zap.String(fieldSessionID, session), zap.String(fieldUserID, user))
	}
	return participant, nil
}

// ListSessionParticipants returns the session's permission records, earliest first.
func (s *Store) ListSessionParticipants(ctx context.Context, sessionID string) ([]SessionParticipant, error) {
	id, err := normalizeIdentifier(opListSessionParticipants, fieldSessionID, sessionID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	db := s.db.WithContext(ctx)
	if _, err := takeSession(db, id); err != nil {
		return nil, s.fail(opListSessionParticipants, reasonSessionNotFound, err, zap.String(fieldSessionID, id))
	}
	var participants []SessionParticipant
	if err := db.Where(querySessionID, id).Order(orderIDAsc).Find(&participants).Error; err != nil {
		return nil, s.fail(opListSessionParticipants, reasonQueryFailed, err, zap.String(fieldSessionID, id))
	}
	return participants, nil
}

// SetSessionPermission updates the permission of an existing session participant.
func (s *Store) SetSessionPermission(ctx context.Context, sessionID, userID string, permission Permission) (SessionParticipant, error) {
	session, err := normalizeIdentifier(opSetSessionPermission, fieldSessionID, sessionID)
	if err != nil {
		return SessionParticipant{}, err
	}
	user, err := normalizeIdentifier(opSetSessionPermission, fieldUserID, userID)
	if err != nil {
		return SessionParticipant{}, err
	}
	if _, err := ParsePermission(string(permission)); err != nil {
		return SessionParticipant{}, err
	}

	var participant SessionParticipant
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := takeSession(tx, session); err != nil {
			return classifyStoreError(opSetSessionPermission, reasonSessionNotFound, err)
		}
		if err := tx.Where(querySessionUser, session, user).Take(&participant).Error; err != nil {
			return classifyStoreError(opSetSessionPermission, reasonParticipantNotFound, err)
		}
		if err := tx.Model(&SessionParticipant{}).Where("id = ?", participant.ID).Update("permission", permission).Error; err != nil {
			return err
		}
		participant.Permission = permission
		return nil
	})
	if err != nil {
		return SessionParticipant{}, s.fail(opSetSessionPermission, reasonUpdateFailed, err,
			zap.String(fieldSessionID, session), zap.String(fieldUserID, user))
	}
	return participant, nil
}

// SessionCreator returns the creator of a session. Sessions persisted before
// the creator column existed fall back to their earliest participant record.
func (s *Store) SessionCreator(ctx context.Context, sessionID string) (string, error) {
	id, err := normalizeIdentifier(opSessionCreator, fieldSessionID, sessionID)
	if err != nil {
		return "", err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	db := s.db.WithContext(ctx)
	session, err := takeSession(db, id)
	if err != nil {
		return "", s.fail(opSessionCreator, reasonSessionNotFound, err, zap.String(fieldSessionID, id))
	}
	if session.CreatorUserID != "" {
		return session.CreatorUserID, nil
	}
	var earliest SessionParticipant
	if err := db.Where(querySessionID, id).Order(orderIDAsc).Take(&earliest).Error; err != nil {
		return "", s.fail(opSessionCreator, reasonCreatorUnknown, err, zap.String(fieldSessionID, id))
	}
	return earliest.UserID, nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// fail classifies err and logs it when it is not a caller-side failure.
func (s *Store) fail(operation, reason string, err error, fields ...zap.Field) error {
	classified := classifyStoreError(operation, reason, err)
	if errors.Is(classified, ErrUnavailable) {
		s.logError(operation, reason, err, fields...)
	}
	return classified
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("room store error", attrs...)
}

func takeRoom(db *gorm.DB, roomID string) (Room, error) {
	var room Room
	err := db.Where(queryRoomID, roomID).Take(&room).Error
	return room, err
}

func takeSession(db *gorm.DB, sessionID string) (CodeSession, error) {
	var session CodeSession
	err := db.Where(querySessionID, sessionID).Take(&session).Error
	return session, err
}

func roomSessionIDs(db *gorm.DB, roomID string) ([]string, error) {
	var sessionIDs []string
	err := db.Model(&CodeSession{}).Where(queryRoomID, roomID).Pluck("session_id", &sessionIDs).Error
	return sessionIDs, err
}

func containsUser(members []RoomParticipant, userID string) bool {
	for _, member := range members {
		if member.UserID == userID {
			return true
		}
	}
	return false
}
