package cache

import "fmt"

// 键语义：
// - roomKey(room):     房间在线连接（ZSet<connID, expireAtUnix>，score=expireAt）
// - entriesKey(room):  房间内 connID→PresenceEntry JSON（Hash）
// - roomsKey():        有在线连接的房间索引（Set<room>）
//
// room 形如 "submission:42" / "document:7"，两个命名空间互不相交

const (
	keyRoomFmt    = "presence:room:{room:%s}"         // ZSet<connID, expireAtUnix>
	keyEntriesFmt = "presence:room:entries:{room:%s}" // Hash<connID -> json>
	keyRoomsSet   = "presence:rooms"                  // Set<room>
)

func roomKey(room string) string    { return fmt.Sprintf(keyRoomFmt, room) }
func entriesKey(room string) string { return fmt.Sprintf(keyEntriesFmt, room) }
func roomsKey() string              { return keyRoomsSet }
