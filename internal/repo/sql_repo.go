package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type roomRecord struct {
	ID            string  `gorm:"primaryKey;size:32"`
	Name          string  `gorm:"size:100;not null"`
	OwnerID       string  `gorm:"size:64;not null;index"`
	IsPrivate     bool    `gorm:"not null;index"`
	AccessCode    *string `gorm:"size:6;uniqueIndex"`
	CreatedAt     int64   `gorm:"not null;autoCreateTime:false"`
	LastMessage   string
	LastMessageAt int64
}

func (roomRecord) TableName() string { return "chat_rooms" }

type memberRecord struct {
	RoomID   string `gorm:"primaryKey;size:32"`
	UserID   string `gorm:"primaryKey;size:64;index"`
	JoinedAt int64
}

func (memberRecord) TableName() string { return "chat_room_members" }

type messageRecord struct {
	ID        string  `gorm:"primaryKey;size:26"`
	RoomID    string  `gorm:"size:32;not null;index"`
	UserID    *string `gorm:"size:64;index"`
	UserName  string  `gorm:"size:100"`
	Content   string  `gorm:"type:text;not null"`
	CreatedAt int64   `gorm:"not null;index;autoCreateTime:false"`
}

func (messageRecord) TableName() string { return "messages" }

// SQLRepo はgorm(SQLite)を使った Store の実装
type SQLRepo struct{ db *gorm.DB }

// OpenSQLite はSQLiteに接続します
// SQLiteは書き込みが直列化されるため接続数を1に制限します
func OpenSQLite(dsn string, lg *slog.Logger) (*gorm.DB, error) {
	if lg == nil {
		lg = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger: logger.New(slog.NewLogLogger(lg.Handler(), slog.LevelWarn), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLRepo はテーブルをマイグレーションしてSQLRepoを作成します
func NewSQLRepo(db *gorm.DB) (*SQLRepo, error) {
	if err := db.AutoMigrate(&roomRecord{}, &memberRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLRepo{db: db}, nil
}

func toRecord(r models.Room) roomRecord {
	rec := roomRecord{
		ID:        r.RoomId,
		Name:      r.Name,
		OwnerID:   r.OwnerId,
		IsPrivate: r.IsPrivate(),
		CreatedAt: r.CreatedAt,
	}
	if r.IsPrivate() {
		code := r.AccessCode
		rec.AccessCode = &code
	}
	return rec
}

func (rec roomRecord) toModel() models.Room {
	r := models.Room{
		RoomId:        rec.ID,
		Name:          rec.Name,
		OwnerId:       rec.OwnerID,
		Visibility:    models.VisibilityPublic,
		CreatedAt:     rec.CreatedAt,
		LastMessage:   rec.LastMessage,
		LastMessageAt: rec.LastMessageAt,
	}
	if rec.IsPrivate {
		r.Visibility = models.VisibilityPrivate
	}
	if rec.AccessCode != nil {
		r.AccessCode = *rec.AccessCode
	}
	return r
}

func (s *SQLRepo) CreateRoom(ctx context.Context, room models.Room) error {
	rec := toRecord(room)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&roomRecord{}).Where("id = ?", rec.ID)
		if rec.AccessCode != nil {
			q = q.Or("access_code = ?", *rec.AccessCode)
		}
		var n int64
		if err := q.Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return tx.Create(&memberRecord{RoomID: room.RoomId, UserID: room.OwnerId, JoinedAt: room.CreatedAt}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

func (s *SQLRepo) GetRoom(ctx context.Context, roomId string) (models.Room, bool, error) {
	return s.findRoom(ctx, "id = ?", roomId)
}

func (s *SQLRepo) findRoom(ctx context.Context, cond string, arg any) (models.Room, bool, error) {
	var rec roomRecord
	if err := s.db.WithContext(ctx).Where(cond, arg).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Room{}, false, nil
		}
		return models.Room{}, false, err
	}
	rooms, err := s.withCounts(ctx, []roomRecord{rec})
	if err != nil {
		return models.Room{}, false, err
	}
	return rooms[0], true, nil
}

func (s *SQLRepo) ExistsRoom(ctx context.Context, roomId string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&roomRecord{}).Where("id = ?", roomId).Count(&n).Error
	return n > 0, err
}

func (s *SQLRepo) FindRoomByAccessCode(ctx context.Context, code string) (models.Room, bool, error) {
	return s.findRoom(ctx, "access_code = ?", code)
}

func (s *SQLRepo) AccessCodeExists(ctx context.Context, code string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&roomRecord{}).Where("access_code = ?", code).Count(&n).Error
	return n > 0, err
}

func (s *SQLRepo) RenameRoom(ctx context.Context, roomId, name string) error {
	res := s.db.WithContext(ctx).Model(&roomRecord{}).Where("id = ?", roomId).Update("name", name)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLRepo) DeleteRoom(ctx context.Context, roomId string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteRoomTx(tx, roomId)
	})
}

func deleteRoomTx(tx *gorm.DB, roomId string) error {
	if err := tx.Where("room_id = ?", roomId).Delete(&messageRecord{}).Error; err != nil {
		return err
	}
	if err := tx.Where("room_id = ?", roomId).Delete(&memberRecord{}).Error; err != nil {
		return err
	}
	res := tx.Where("id = ?", roomId).Delete(&roomRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLRepo) AddMember(ctx context.Context, roomId, userId string) (bool, error) {
	var added bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&roomRecord{}).Where("id = ?", roomId).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&memberRecord{RoomID: roomId, UserID: userId, JoinedAt: time.Now().UnixMilli()})
		if res.Error != nil {
			return res.Error
		}
		added = res.RowsAffected == 1
		return nil
	})
	return added, err
}

func (s *SQLRepo) IsMember(ctx context.Context, roomId, userId string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&memberRecord{}).
		Where("room_id = ? AND user_id = ?", roomId, userId).Count(&n).Error
	return n > 0, err
}

func (s *SQLRepo) ListMembers(ctx context.Context, roomId string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&memberRecord{}).
		Where("room_id = ?", roomId).Order("user_id").Pluck("user_id", &ids).Error
	return ids, err
}

func (s *SQLRepo) ListPublicRooms(ctx context.Context) ([]models.Room, error) {
	var recs []roomRecord
	if err := s.db.WithContext(ctx).Where("is_private = ?", false).Find(&recs).Error; err != nil {
		return nil, err
	}
	return s.withCounts(ctx, recs)
}

func (s *SQLRepo) ListMemberRooms(ctx context.Context, userId string) ([]models.Room, error) {
	var recs []roomRecord
	err := s.db.WithContext(ctx).Model(&roomRecord{}).
		Joins("JOIN chat_room_members ON chat_room_members.room_id = chat_rooms.id").
		Where("chat_room_members.user_id = ?", userId).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return s.withCounts(ctx, recs)
}

func (s *SQLRepo) RemoveUser(ctx context.Context, userId string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owned []string
		if err := tx.Model(&roomRecord{}).Where("owner_id = ?", userId).Pluck("id", &owned).Error; err != nil {
			return err
		}
		for _, roomId := range owned {
			if err := deleteRoomTx(tx, roomId); err != nil {
				return fmt.Errorf("delete owned room %s: %w", roomId, err)
			}
		}
		if err := tx.Where("user_id = ?", userId).Delete(&memberRecord{}).Error; err != nil {
			return err
		}
		return tx.Model(&messageRecord{}).Where("user_id = ?", userId).Update("user_id", nil).Error
	})
}

func (s *SQLRepo) CreateMessage(ctx context.Context, msg models.Message) error {
	rec := messageRecord{
		ID:        msg.MessageId,
		RoomID:    msg.RoomId,
		UserName:  msg.UserName,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	if msg.UserId != "" {
		uid := msg.UserId
		rec.UserID = &uid
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&roomRecord{}).Where("id = ?", msg.RoomId).Updates(map[string]any{
			"last_message":    msg.Content,
			"last_message_at": msg.CreatedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Create(&rec).Error
	})
}

func (s *SQLRepo) ListMessages(ctx context.Context, roomId string) ([]models.Message, error) {
	var recs []messageRecord
	err := s.db.WithContext(ctx).Where("room_id = ?", roomId).Order("created_at ASC, id ASC").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	res := make([]models.Message, 0, len(recs))
	for _, rec := range recs {
		m := models.Message{
			MessageId: rec.ID,
			RoomId:    rec.RoomID,
			UserName:  rec.UserName,
			Content:   rec.Content,
			CreatedAt: rec.CreatedAt,
		}
		if rec.UserID != nil {
			m.UserId = *rec.UserID
		}
		res = append(res, m)
	}
	return res, nil
}

func (s *SQLRepo) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLRepo) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withCounts はルームごとのメンバー数を付与してモデルに変換します
func (s *SQLRepo) withCounts(ctx context.Context, recs []roomRecord) ([]models.Room, error) {
	res := make([]models.Room, 0, len(recs))
	if len(recs) == 0 {
		return res, nil
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	var rows []struct {
		RoomID string
		N      int
	}
	err := s.db.WithContext(ctx).Model(&memberRecord{}).
		Select("room_id, count(*) AS n").
		Where("room_id IN ?", ids).
		Group("room_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.RoomID] = row.N
	}
	for _, rec := range recs {
		r := rec.toModel()
		r.MemberCount = counts[rec.ID]
		res = append(res, r)
	}
	return res, nil
}
