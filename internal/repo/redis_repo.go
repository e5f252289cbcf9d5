package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisRepo はRedisを使った Store の実装
//
// キー構成:
//
//	rooms:{id}            ルーム本体(JSON)
//	rooms:{id}:members    メンバーのユーザーID(set)
//	rooms:{id}:messages   メッセージ(JSONのlist、送信順)
//	rooms:{id}:last       最新メッセージのプレビュー(hash)
//	rooms:public          公開ルームのID(set)
//	rooms:code:{code}     参加コード -> ルームID
//	users:{uid}:rooms     ユーザーが参加しているルームのID(set)
//	users:{uid}:owned     ユーザーが所有するルームのID(set)
type RedisRepo struct{ rdb *redis.Client }

func NewRedisRepo(rdb *redis.Client) *RedisRepo {
	return &RedisRepo{rdb: rdb}
}

const publicRoomsKey = "rooms:public"

func roomKey(id string) string {
	return fmt.Sprintf("rooms:%s", id)
}
func membersKey(id string) string {
	return fmt.Sprintf("rooms:%s:members", id)
}
func messagesKey(id string) string {
	return fmt.Sprintf("rooms:%s:messages", id)
}
func lastKey(id string) string {
	return fmt.Sprintf("rooms:%s:last", id)
}
func codeKey(code string) string {
	return fmt.Sprintf("rooms:code:%s", code)
}
func userRoomsKey(uid string) string {
	return fmt.Sprintf("users:%s:rooms", uid)
}
func userOwnedKey(uid string) string {
	return fmt.Sprintf("users:%s:owned", uid)
}

// ルーム作成: ID・参加コードの重複がなければ、ルームとオーナーのメンバーシップを登録
var createRoomScript = redis.NewScript(`
	local room_key = KEYS[1]
	local members_key = KEYS[2]
	local user_rooms_key = KEYS[3]
	local user_owned_key = KEYS[4]
	local public_key = KEYS[5]
	local code_key = KEYS[6]
	local room_json = ARGV[1]
	local room_id = ARGV[2]
	local owner_id = ARGV[3]
	local is_private = ARGV[4]

	if redis.call('EXISTS', room_key) == 1 then
		return 0
	end
	if is_private == '1' then
		if redis.call('SETNX', code_key, room_id) == 0 then
			return 0
		end
	end

	redis.call('SET', room_key, room_json)
	redis.call('SADD', members_key, owner_id)
	redis.call('SADD', user_rooms_key, room_id)
	redis.call('SADD', user_owned_key, room_id)
	if is_private ~= '1' then
		redis.call('SADD', public_key, room_id)
	end
	return 1
`)

// ルーム削除: メンバー・メッセージ・参加コード・索引をまとめて削除
var deleteRoomScript = redis.NewScript(`
	local room_key = KEYS[1]
	local members_key = KEYS[2]
	local messages_key = KEYS[3]
	local last_key = KEYS[4]
	local public_key = KEYS[5]
	local room_id = ARGV[1]

	local raw = redis.call('GET', room_key)
	if not raw then
		return 0
	end
	local room = cjson.decode(raw)

	-- 各メンバーの参加ルーム一覧から外す
	local user_ids = redis.call('SMEMBERS', members_key)
	for _, uid in ipairs(user_ids) do
		redis.call('SREM', 'users:' .. uid .. ':rooms', room_id)
	end
	if room.ownerId then
		redis.call('SREM', 'users:' .. room.ownerId .. ':owned', room_id)
	end
	if type(room.accessCode) == 'string' and room.accessCode ~= '' then
		redis.call('DEL', 'rooms:code:' .. room.accessCode)
	end
	redis.call('SREM', public_key, room_id)
	redis.call('DEL', room_key, members_key, messages_key, last_key)
	return 1
`)

// メンバー追加: ルームが存在しなければ -1、追加なら 1、既にメンバーなら 0
var addMemberScript = redis.NewScript(`
	local room_key = KEYS[1]
	local members_key = KEYS[2]
	local user_rooms_key = KEYS[3]
	local room_id = ARGV[1]
	local user_id = ARGV[2]

	if redis.call('EXISTS', room_key) == 0 then
		return -1
	end
	local added = redis.call('SADD', members_key, user_id)
	redis.call('SADD', user_rooms_key, room_id)
	return added
`)

// メッセージ追加: ルームが存在する場合のみ追加し、プレビューを更新
var createMessageScript = redis.NewScript(`
	local room_key = KEYS[1]
	local messages_key = KEYS[2]
	local last_key = KEYS[3]

	if redis.call('EXISTS', room_key) == 0 then
		return 0
	end
	redis.call('RPUSH', messages_key, ARGV[1])
	redis.call('HSET', last_key, 'content', ARGV[2], 'at', ARGV[3])
	return 1
`)

func (rr *RedisRepo) CreateRoom(ctx context.Context, room models.Room) error {
	stored := room
	stored.LastMessage, stored.LastMessageAt, stored.MemberCount = "", 0, 0
	b, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	private := "0"
	if room.IsPrivate() {
		private = "1"
	}
	keys := []string{
		roomKey(room.RoomId),
		membersKey(room.RoomId),
		userRoomsKey(room.OwnerId),
		userOwnedKey(room.OwnerId),
		publicRoomsKey,
		codeKey(room.AccessCode),
	}
	n, err := createRoomScript.Run(ctx, rr.rdb, keys, b, room.RoomId, room.OwnerId, private).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (rr *RedisRepo) GetRoom(ctx context.Context, roomId string) (models.Room, bool, error) {
	rooms, err := rr.loadRooms(ctx, []string{roomId})
	if err != nil {
		return models.Room{}, false, err
	}
	if len(rooms) == 0 {
		return models.Room{}, false, nil
	}
	return rooms[0], true, nil
}

func (rr *RedisRepo) ExistsRoom(ctx context.Context, roomId string) (bool, error) {
	n, err := rr.rdb.Exists(ctx, roomKey(roomId)).Result()
	return n == 1, err
}

func (rr *RedisRepo) FindRoomByAccessCode(ctx context.Context, code string) (models.Room, bool, error) {
	roomId, err := rr.rdb.Get(ctx, codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Room{}, false, nil
	}
	if err != nil {
		return models.Room{}, false, err
	}
	return rr.GetRoom(ctx, roomId)
}

func (rr *RedisRepo) AccessCodeExists(ctx context.Context, code string) (bool, error) {
	n, err := rr.rdb.Exists(ctx, codeKey(code)).Result()
	return n == 1, err
}

// RenameRoom はWATCHで楽観ロックしながらルーム名を更新します
func (rr *RedisRepo) RenameRoom(ctx context.Context, roomId, name string) error {
	const maxRetries = 3
	key := roomKey(roomId)
	update := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var room models.Room
		if err := json.Unmarshal(b, &room); err != nil {
			return err
		}
		room.Name = name
		nb, err := json.Marshal(room)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nb, 0)
			return nil
		})
		return err
	}
	for i := 0; i < maxRetries; i++ {
		err := rr.rdb.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (rr *RedisRepo) DeleteRoom(ctx context.Context, roomId string) error {
	keys := []string{roomKey(roomId), membersKey(roomId), messagesKey(roomId), lastKey(roomId), publicRoomsKey}
	n, err := deleteRoomScript.Run(ctx, rr.rdb, keys, roomId).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (rr *RedisRepo) AddMember(ctx context.Context, roomId, userId string) (bool, error) {
	keys := []string{roomKey(roomId), membersKey(roomId), userRoomsKey(userId)}
	n, err := addMemberScript.Run(ctx, rr.rdb, keys, roomId, userId).Int()
	if err != nil {
		return false, err
	}
	if n < 0 {
		return false, ErrNotFound
	}
	return n == 1, nil
}

func (rr *RedisRepo) IsMember(ctx context.Context, roomId, userId string) (bool, error) {
	return rr.rdb.SIsMember(ctx, membersKey(roomId), userId).Result()
}

func (rr *RedisRepo) ListMembers(ctx context.Context, roomId string) ([]string, error) {
	ids, err := rr.rdb.SMembers(ctx, membersKey(roomId)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (rr *RedisRepo) ListPublicRooms(ctx context.Context) ([]models.Room, error) {
	ids, err := rr.rdb.SMembers(ctx, publicRoomsKey).Result()
	if err != nil {
		return nil, err
	}
	return rr.loadRooms(ctx, ids)
}

func (rr *RedisRepo) ListMemberRooms(ctx context.Context, userId string) ([]models.Room, error) {
	ids, err := rr.rdb.SMembers(ctx, userRoomsKey(userId)).Result()
	if err != nil {
		return nil, err
	}
	return rr.loadRooms(ctx, ids)
}

func (rr *RedisRepo) RemoveUser(ctx context.Context, userId string) error {
	owned, err := rr.rdb.SMembers(ctx, userOwnedKey(userId)).Result()
	if err != nil {
		return err
	}
	for _, roomId := range owned {
		if err := rr.DeleteRoom(ctx, roomId); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("delete owned room %s: %w", roomId, err)
		}
	}

	joined, err := rr.rdb.SMembers(ctx, userRoomsKey(userId)).Result()
	if err != nil {
		return err
	}
	for _, roomId := range joined {
		if err := rr.clearSender(ctx, roomId, userId); err != nil {
			return fmt.Errorf("clear sender in room %s: %w", roomId, err)
		}
	}

	pipe := rr.rdb.TxPipeline()
	for _, roomId := range joined {
		pipe.SRem(ctx, membersKey(roomId), userId)
	}
	pipe.Del(ctx, userRoomsKey(userId), userOwnedKey(userId))
	_, err = pipe.Exec(ctx)
	return err
}

// clearSender はルーム内でユーザーが送信したメッセージの送信者IDを空にします
func (rr *RedisRepo) clearSender(ctx context.Context, roomId, userId string) error {
	vals, err := rr.rdb.LRange(ctx, messagesKey(roomId), 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := rr.rdb.TxPipeline()
	changed := 0
	for i, raw := range vals {
		var m models.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil || m.UserId != userId {
			continue
		}
		m.UserId = ""
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		pipe.LSet(ctx, messagesKey(roomId), int64(i), b)
		changed++
	}
	if changed == 0 {
		return nil
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (rr *RedisRepo) CreateMessage(ctx context.Context, msg models.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	keys := []string{roomKey(msg.RoomId), messagesKey(msg.RoomId), lastKey(msg.RoomId)}
	n, err := createMessageScript.Run(ctx, rr.rdb, keys, b, msg.Content, msg.CreatedAt).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (rr *RedisRepo) ListMessages(ctx context.Context, roomId string) ([]models.Message, error) {
	vals, err := rr.rdb.LRange(ctx, messagesKey(roomId), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	res := make([]models.Message, 0, len(vals))
	for _, raw := range vals {
		var m models.Message
		if json.Unmarshal([]byte(raw), &m) == nil {
			res = append(res, m)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt < res[j].CreatedAt })
	return res, nil
}

func (rr *RedisRepo) Ping(ctx context.Context) error {
	return rr.rdb.Ping(ctx).Err()
}

func (rr *RedisRepo) Close() error {
	return rr.rdb.Close()
}

// loadRooms はルーム本体・メンバー数・最新メッセージを一括取得します
// 存在しないIDは結果から除外されます
func (rr *RedisRepo) loadRooms(ctx context.Context, ids []string) ([]models.Room, error) {
	if len(ids) == 0 {
		return []models.Room{}, nil
	}
	pipe := rr.rdb.Pipeline()
	gets := make([]*redis.StringCmd, len(ids))
	counts := make([]*redis.IntCmd, len(ids))
	lasts := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		gets[i] = pipe.Get(ctx, roomKey(id))
		counts[i] = pipe.SCard(ctx, membersKey(id))
		lasts[i] = pipe.HMGet(ctx, lastKey(id), "content", "at")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	res := make([]models.Room, 0, len(ids))
	for i := range ids {
		b, err := gets[i].Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var r models.Room
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, err
		}
		r.MemberCount = int(counts[i].Val())
		if last := lasts[i].Val(); len(last) == 2 {
			if content, ok := last[0].(string); ok {
				r.LastMessage = content
			}
			if at, ok := last[1].(string); ok {
				r.LastMessageAt, _ = strconv.ParseInt(at, 10, 64)
			}
		}
		res = append(res, r)
	}
	return res, nil
}
