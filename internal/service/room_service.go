// Package service はビジネスロジックを担当します
// ルームの作成・参加・名前変更・削除、メッセージの保存と履歴取得を提供します
package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/idgen"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/repo"
	"golang.org/x/sync/errgroup"
)

// RoomService はルームとメンバーシップのビジネスロジックを提供します
type RoomService struct {
	repo  repo.RoomRepo // データ永続化を担当するリポジトリ
	idg   IDGenerator   // ルームID生成器
	codes IDGenerator   // 参加コード生成器
	now   func() time.Time
}

// IDGenerator はユニークなIDを生成するインターフェース
type IDGenerator interface {
	New() (string, error) // 新しいIDを生成
}

// IDGeneratorFunc は関数を IDGenerator として扱います
type IDGeneratorFunc func() (string, error)

func (f IDGeneratorFunc) New() (string, error) { return f() }

// NewRoomIDGenerator はルームID生成器を返します
func NewRoomIDGenerator() IDGenerator {
	return IDGeneratorFunc(idgen.NewRoomID)
}

// NewAccessCodeGenerator は6桁の参加コード生成器を返します
func NewAccessCodeGenerator() IDGenerator {
	return IDGeneratorFunc(idgen.NewAccessCode)
}

// NewRoomService は新しいRoomServiceを作成します
func NewRoomService(r repo.RoomRepo, idg, codes IDGenerator) *RoomService {
	return &RoomService{repo: r, idg: idg, codes: codes, now: time.Now}
}

// JoinTarget は参加するルームの指定方法
// RoomId と AccessCode のどちらか（または両方）を指定します
type JoinTarget struct {
	RoomId     string
	AccessCode string
}

// Create は新しいルームを作成します
// 処理の流れ:
// 1. ルーム名を検証
// 2. ユニークなルームID（プライベートの場合は参加コードも）を生成（重複チェック付き、最大10回リトライ）
// 3. ルームとオーナーのメンバーシップをアトミックに保存
// 保存時に重複が見つかった場合も再生成して続行し、重複はクライアントに返しません
func (s *RoomService) Create(ctx context.Context, owner models.User, name string, isPrivate bool) (models.Room, error) {
	const maxRetries = 10 // ID生成の最大リトライ回数

	name, err := ValidateRoomName(name)
	if err != nil {
		return models.Room{}, err
	}

	failure := ErrRoomIDGenerationFailed
	for i := 0; i < maxRetries; i++ {
		roomId, err := s.idg.New()
		if err != nil {
			return models.Room{}, err
		}
		exists, err := s.repo.ExistsRoom(ctx, roomId)
		if err != nil {
			return models.Room{}, err
		}
		if exists {
			failure = ErrRoomIDGenerationFailed
			continue
		}

		room := models.Room{
			RoomId:      roomId,
			Name:        name,
			OwnerId:     owner.UserId,
			Visibility:  models.VisibilityPublic,
			CreatedAt:   s.now().UnixMilli(),
			MemberCount: 1,
		}
		if isPrivate {
			code, err := s.codes.New()
			if err != nil {
				return models.Room{}, err
			}
			taken, err := s.repo.AccessCodeExists(ctx, code)
			if err != nil {
				return models.Room{}, err
			}
			if taken {
				failure = ErrAccessCodeGenerationFailed
				continue
			}
			room.Visibility = models.VisibilityPrivate
			room.AccessCode = code
		}

		err = s.repo.CreateRoom(ctx, room)
		if errors.Is(err, repo.ErrConflict) {
			// チェック後に他で使われた場合
			continue
		}
		if err != nil {
			return models.Room{}, err
		}
		return room, nil
	}
	return models.Room{}, failure
}

// Get は指定されたルームを取得します
func (s *RoomService) Get(ctx context.Context, roomId string) (models.Room, error) {
	room, ok, err := s.repo.GetRoom(ctx, roomId)
	if err != nil {
		return models.Room{}, err
	}
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	return room, nil
}

// Join はユーザーをルームに参加させます
// 参加コード指定の場合は完全一致するルームに、ルームID指定の場合はそのルームに参加します
// プライベートルームにID指定で参加するには一致する参加コードが必要です（既存メンバーは不要）
// 両方指定されてIDのルームが存在しない場合は参加コードで探します
// 既にメンバーの場合は何もせず成功します。戻り値の bool は新規に参加したかどうか
func (s *RoomService) Join(ctx context.Context, user models.User, target JoinTarget) (models.Room, bool, error) {
	roomId := strings.TrimSpace(target.RoomId)
	code := strings.TrimSpace(target.AccessCode)

	var (
		room models.Room
		err  error
	)
	switch {
	case roomId != "":
		room, err = s.resolveRoomId(ctx, user.UserId, roomId, code)
		if errors.Is(err, ErrRoomNotFound) && code != "" {
			// IDが見つからなければ参加コードで探す
			room, err = s.resolveAccessCode(ctx, code)
		}
	case code != "":
		room, err = s.resolveAccessCode(ctx, code)
	default:
		err = ErrJoinTargetRequired
	}
	if err != nil {
		return models.Room{}, false, err
	}

	added, err := s.repo.AddMember(ctx, room.RoomId, user.UserId)
	if errors.Is(err, repo.ErrNotFound) {
		return models.Room{}, false, ErrRoomNotFound
	}
	if err != nil {
		return models.Room{}, false, err
	}
	if added {
		room.MemberCount++
	}
	return room, added, nil
}

// resolveRoomId はIDでルームを探します
// プライベートルームはメンバーでなければ参加コードの一致が必要です
func (s *RoomService) resolveRoomId(ctx context.Context, userId, roomId, code string) (models.Room, error) {
	r, err := s.Get(ctx, roomId)
	if err != nil {
		return models.Room{}, err
	}
	if !r.IsPrivate() {
		return r, nil
	}
	member, err := s.repo.IsMember(ctx, r.RoomId, userId)
	if err != nil {
		return models.Room{}, err
	}
	if !member && (code == "" || code != r.AccessCode) {
		return models.Room{}, ErrAccessCodeMismatch
	}
	return r, nil
}

func (s *RoomService) resolveAccessCode(ctx context.Context, code string) (models.Room, error) {
	if err := ValidateAccessCode(code); err != nil {
		return models.Room{}, err
	}
	r, ok, err := s.repo.FindRoomByAccessCode(ctx, code)
	if err != nil {
		return models.Room{}, err
	}
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	return r, nil
}

// Rename はルーム名を変更します（オーナーのみ実行可能）
func (s *RoomService) Rename(ctx context.Context, userId, roomId, name string) (models.Room, error) {
	name, err := ValidateRoomName(name)
	if err != nil {
		return models.Room{}, err
	}
	room, err := s.ownedRoom(ctx, userId, roomId)
	if err != nil {
		return models.Room{}, err
	}
	if err := s.repo.RenameRoom(ctx, roomId, name); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return models.Room{}, ErrRoomNotFound
		}
		return models.Room{}, err
	}
	room.Name = name
	return room, nil
}

// Delete はルームを削除します（オーナーのみ実行可能）
// 処理の流れ:
// 1. ルームの存在確認
// 2. リクエストユーザーがオーナーかを確認
// 3. 通知先のために削除前のメンバー一覧を取得
// 4. メンバーシップ・メッセージごとルームを削除
func (s *RoomService) Delete(ctx context.Context, userId, roomId string) (models.Room, []string, error) {
	room, err := s.ownedRoom(ctx, userId, roomId)
	if err != nil {
		return models.Room{}, nil, err
	}
	members, err := s.repo.ListMembers(ctx, roomId)
	if err != nil {
		return models.Room{}, nil, err
	}
	if err := s.repo.DeleteRoom(ctx, roomId); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return models.Room{}, nil, ErrRoomNotFound
		}
		return models.Room{}, nil, err
	}
	return room, members, nil
}

func (s *RoomService) ownedRoom(ctx context.Context, userId, roomId string) (models.Room, error) {
	room, err := s.Get(ctx, roomId)
	if err != nil {
		return models.Room{}, err
	}
	if room.OwnerId != userId {
		return models.Room{}, ErrNotRoomOwner
	}
	return room, nil
}

// RoomsVisibleTo はユーザーに見えるルーム（公開ルームと参加中のルーム）を返します
// 最終アクティビティの新しい順に並び、参加コードはオーナーにのみ含まれます
func (s *RoomService) RoomsVisibleTo(ctx context.Context, userId string) ([]models.RoomView, error) {
	var public, joined []models.Room
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		public, err = s.repo.ListPublicRooms(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		joined, err = s.repo.ListMemberRooms(gctx, userId)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byId := make(map[string]models.Room, len(public)+len(joined))
	for _, r := range public {
		byId[r.RoomId] = r
	}
	for _, r := range joined {
		byId[r.RoomId] = r
	}
	rooms := make([]models.Room, 0, len(byId))
	for _, r := range byId {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if a, b := rooms[i].LastActivity(), rooms[j].LastActivity(); a != b {
			return a > b
		}
		return rooms[i].RoomId < rooms[j].RoomId
	})

	views := make([]models.RoomView, len(rooms))
	for i, r := range rooms {
		views[i] = r.ViewFor(userId)
	}
	return views, nil
}

// MemberRooms はユーザーが参加しているルームを返します
func (s *RoomService) MemberRooms(ctx context.Context, userId string) ([]models.Room, error) {
	return s.repo.ListMemberRooms(ctx, userId)
}

// IsMember はユーザーがルームのメンバーかどうかを返します
func (s *RoomService) IsMember(ctx context.Context, roomId, userId string) (bool, error) {
	return s.repo.IsMember(ctx, roomId, userId)
}

// Members はルームのメンバーのユーザーID一覧を返します
func (s *RoomService) Members(ctx context.Context, roomId string) ([]string, error) {
	return s.repo.ListMembers(ctx, roomId)
}

// CanView はユーザーがルームを閲覧できるか（公開ルームまたはメンバー）を返します
func (s *RoomService) CanView(ctx context.Context, room models.Room, userId string) (bool, error) {
	if !room.IsPrivate() {
		return true, nil
	}
	return s.repo.IsMember(ctx, room.RoomId, userId)
}

// RemovedRoom はユーザー削除に伴って削除されたルームと、削除前のメンバー
type RemovedRoom struct {
	Room    models.Room
	Members []string
}

// RemovalResult はユーザー削除の結果
type RemovalResult struct {
	Deleted []RemovedRoom // 所有していたため削除されたルーム
	Left    []models.Room // メンバーから外れたルーム（メンバー数は削除後の値）
}

// RemoveUser はユーザーのデータを削除します
// 所有ルームは削除され、参加中のルームからは外れ、送信済みメッセージの送信者IDは空になります
func (s *RoomService) RemoveUser(ctx context.Context, userId string) (RemovalResult, error) {
	rooms, err := s.repo.ListMemberRooms(ctx, userId)
	if err != nil {
		return RemovalResult{}, err
	}
	var res RemovalResult
	for _, r := range rooms {
		if r.OwnerId != userId {
			r.MemberCount--
			res.Left = append(res.Left, r)
			continue
		}
		members, err := s.repo.ListMembers(ctx, r.RoomId)
		if err != nil {
			return RemovalResult{}, err
		}
		res.Deleted = append(res.Deleted, RemovedRoom{Room: r, Members: members})
	}
	if err := s.repo.RemoveUser(ctx, userId); err != nil {
		return RemovalResult{}, err
	}
	return res, nil
}

// Ping はストレージへの疎通を確認します
func (s *RoomService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
