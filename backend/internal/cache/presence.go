package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceEntry 是一条在线连接的元数据，进程挂起或重启后可以从 Redis 恢复房间成员视图
type PresenceEntry struct {
	ConnID      string          `json:"connId"`
	UserID      string          `json:"userId"`
	UserName    string          `json:"userName"`
	UserEmail   string          `json:"userEmail,omitempty"`
	ConnectedAt time.Time       `json:"connectedAt"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
}

type PresenceCache interface {
	AddConnection(ctx context.Context, room string, entry PresenceEntry, ttl time.Duration) error
	RemoveConnection(ctx context.Context, room, connID string) error
	ListConnections(ctx context.Context, room string) ([]PresenceEntry, error)
	Rooms(ctx context.Context) ([]string, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期连接（score=expireAt <= now），同时删掉名字表里的对应项
var sweepScript = redis.NewScript(`
-- KEYS[1] = roomKey(room)
-- KEYS[2] = entriesKey(room)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return redis.call("ZCARD", KEYS[1])
`)

// 删除一条连接，返回房间剩余连接数；房间空了就把两个 key 一起删掉
var removeScript = redis.NewScript(`
-- KEYS[1] = roomKey(room)
-- KEYS[2] = entriesKey(room)
-- ARGV[1] = connID
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
local left = redis.call("ZCARD", KEYS[1])
if left == 0 then
	redis.call("DEL", KEYS[1], KEYS[2])
end
return left
`)

// AddConnection 写入或刷新一条连接，刷新 TTL、更新光标也直接调用它
func (p *redisPresence) AddConnection(ctx context.Context, room string, entry PresenceEntry, ttl time.Duration) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	expireAt := time.Now().Add(ttl).Unix()

	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(room), redis.Z{Score: float64(expireAt), Member: entry.ConnID})
	tx.HSet(ctx, entriesKey(room), entry.ConnID, b)
	tx.SAdd(ctx, roomsKey(), room)
	_, err = tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveConnection(ctx context.Context, room, connID string) error {
	left, err := removeScript.Run(ctx, p.rdb, []string{roomKey(room), entriesKey(room)}, connID).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if left == 0 {
		// 房间索引和房间本身不在同一个 slot，单独删
		return p.rdb.SRem(ctx, roomsKey(), room).Err()
	}
	return nil
}

// ListConnections 先清理过期连接，再按 connectedAt 升序返回在线连接
func (p *redisPresence) ListConnections(ctx context.Context, room string) ([]PresenceEntry, error) {
	now := time.Now().Unix()
	left, err := sweepScript.Run(ctx, p.rdb, []string{roomKey(room), entriesKey(room)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if left == 0 {
		_ = p.rdb.SRem(ctx, roomsKey(), room).Err()
		return nil, nil
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(room), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	raws, err := p.rdb.HMGet(ctx, entriesKey(room), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	entries := make([]PresenceEntry, 0, len(raws))
	for _, v := range raws {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e PresenceEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ConnectedAt.Before(entries[j].ConnectedAt)
	})
	return entries, nil
}

func (p *redisPresence) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := p.rdb.SMembers(ctx, roomsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(rooms)
	return rooms, nil
}
