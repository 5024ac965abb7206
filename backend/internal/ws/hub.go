package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"collabReview/backend/internal/cache"
	"collabReview/backend/internal/metrics"
)

const (
	defaultPresenceTTL = 10 * time.Minute
	presenceTimeout    = 500 * time.Millisecond

	CloseGoingAway   = 1001
	CloseSendFailure = 1011
)

var (
	ErrInvalidJoin = errors.New("room id, userId and userName are required")
	ErrHubClosed   = errors.New("hub closed")
	ErrNotInRoom   = errors.New("connection is not in a room")
	ErrEvicted     = errors.New("connection evicted during join")
)

// Sender 是一条连接的发送端；Send 不能阻塞，失败即视为连接已断开
type Sender interface {
	Send(msg Message) error
	Close(code int, reason string)
}

// PresenceMirror 把房间成员写到外部存储，进程挂起/重启后仍能查询；可以为 nil
type PresenceMirror interface {
	AddConnection(ctx context.Context, room string, entry cache.PresenceEntry, ttl time.Duration) error
	RemoveConnection(ctx context.Context, room, connID string) error
	ListConnections(ctx context.Context, room string) ([]cache.PresenceEntry, error)
	Rooms(ctx context.Context) ([]string, error)
}

// Connection 是一次在线会话，同一用户可以有多条（多个标签页）
type Connection struct {
	ID   string
	Room RoomID
	Participant
	ConnectedAt time.Time

	sender Sender
	// 由所在房间的锁保护
	cursor json.RawMessage
	// 离开房间时在 r.mu 内置位，之后不再写 presence 镜像
	departed atomic.Bool
}

// room 是单个房间的协调者：房间内的 Join/Receive/Leave 串行执行，不同房间互不影响
type room struct {
	id     RoomID
	mu     sync.Mutex
	conns  map[*Connection]struct{}
	closed bool // 已从 hub 摘除，后来者需要重新创建
}

type Hub struct {
	// 锁顺序：hub.mu -> room.mu
	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	presence    PresenceMirror
	presenceTTL time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

type HubOption func(*Hub)

func WithPresence(p PresenceMirror) HubOption {
	return func(h *Hub) { h.presence = p }
}

func WithHubLogger(log zerolog.Logger) HubOption {
	return func(h *Hub) { h.log = log }
}

func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		rooms:       make(map[string]*room),
		presenceTTL: defaultPresenceTTL,
		log:         zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// acquire 返回已加锁且仍然有效的房间，不存在时按需创建
func (h *Hub) acquire(id RoomID, create bool) (*room, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrHubClosed
		}
		r := h.rooms[id.String()]
		if r == nil {
			if !create {
				h.mu.Unlock()
				return nil, nil
			}
			r = &room{id: id, conns: make(map[*Connection]struct{})}
			h.rooms[id.String()] = r
			metrics.ActiveRooms.Inc()
		}
		h.mu.Unlock()

		r.mu.Lock()
		if !r.closed {
			return r, nil
		}
		// 刚被回收，重试
		r.mu.Unlock()
	}
}

// reap 在房间为空时把它从 hub 摘除
func (h *Hub) reap(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.conns) > 0 {
		return
	}
	r.closed = true
	if h.rooms[r.id.String()] == r {
		delete(h.rooms, r.id.String())
		metrics.ActiveRooms.Dec()
	}
}

// Join 注册新连接：先给新连接发 connected，再通知其他人 user_joined，
// 最后把去重后的 room_state 发给包括新连接在内的所有人
func (h *Hub) Join(id RoomID, p Participant, s Sender) (*Connection, error) {
	if !id.Valid() || p.UserID == "" || p.UserName == "" {
		return nil, ErrInvalidJoin
	}
	r, err := h.acquire(id, true)
	if err != nil {
		return nil, err
	}

	now := h.now().UTC()
	c := &Connection{
		ID:          ulid.Make().String(),
		Room:        id,
		Participant: p,
		ConnectedAt: now,
		sender:      s,
	}
	r.conns[c] = struct{}{}
	metrics.LiveConnections.Inc()

	var b batch
	h.sendTo(r, c, ConnectedMessage{
		Type:         TypeConnected,
		RoomRef:      id.Ref(),
		Participant:  p,
		ConnectionID: c.ID,
		Timestamp:    now,
	}, &b)
	h.fanout(r, UserJoinedMessage{Type: TypeUserJoined, RoomRef: id.Ref(), Participant: p, Timestamp: now}, c, &b)
	h.fanout(r, h.roomState(r), nil, &b)
	h.settle(r, &b)
	_, joined := r.conns[c]
	entry := presenceEntry(c)
	empty := len(r.conns) == 0
	r.mu.Unlock()

	h.finish(b.gone)
	if empty {
		h.reap(r)
	}
	if !joined {
		return nil, ErrEvicted
	}
	h.log.Info().Str("room", id.String()).Str("user_id", p.UserID).Str("conn_id", c.ID).Msg("joined")
	h.mirrorAdd(c, entry)
	return c, nil
}

// Receive 处理一条客户端消息：改写身份字段并打上服务端时间戳；
// heartbeat 只回复发送者，其余类型转发给房间内其他连接
func (h *Hub) Receive(c *Connection, payload []byte) error {
	r, err := h.acquire(c.Room, false)
	if err != nil {
		return err
	}
	if r == nil {
		return ErrNotInRoom
	}
	if _, ok := r.conns[c]; !ok {
		r.mu.Unlock()
		return ErrNotInRoom
	}

	now := h.now().UTC()
	var b batch
	var in inbound
	cursorMoved := false

	switch {
	case json.Unmarshal(payload, &in) != nil:
		h.sendTo(r, c, h.errorMessage(c.Room, "malformed message"), &b)
	case in.Type == "":
		h.sendTo(r, c, h.errorMessage(c.Room, "message type is required"), &b)
	case in.Type == TypeHeartbeat:
		h.sendTo(r, c, HeartbeatResponseMessage{Type: TypeHeartbeatResponse, RoomRef: c.Room.Ref(), Timestamp: now}, &b)
	case isServerOnly(in.Type):
		h.sendTo(r, c, h.errorMessage(c.Room, "message type "+in.Type+" is reserved"), &b)
	default:
		if in.Type == TypeCursorPosition {
			c.cursor = append(json.RawMessage(nil), in.Data...)
			cursorMoved = true
		}
		h.fanout(r, RelayMessage{
			Type:        in.Type,
			RoomRef:     c.Room.Ref(),
			Participant: c.Participant,
			Data:        in.Data,
			Timestamp:   now,
		}, c, &b)
	}
	h.settle(r, &b)
	_, alive := r.conns[c]
	entry := presenceEntry(c)
	empty := len(r.conns) == 0
	r.mu.Unlock()

	h.finish(b.gone)
	// 心跳和光标移动顺便刷新在线状态
	if alive && (in.Type == TypeHeartbeat || cursorMoved) {
		h.mirrorAdd(c, entry)
	}
	if empty {
		h.reap(r)
	}
	return nil
}

// Leave 移除连接，之后依次向剩余成员发送 user_left 和新的 room_state
func (h *Hub) Leave(c *Connection, code int, reason string) {
	r, err := h.acquire(c.Room, false)
	if err != nil || r == nil {
		return
	}
	if _, ok := r.conns[c]; !ok {
		r.mu.Unlock()
		return
	}
	var b batch
	h.depart(r, c, code, reason, &b)
	h.settle(r, &b)
	empty := len(r.conns) == 0
	r.mu.Unlock()

	h.finish(b.gone)
	h.log.Info().Str("room", c.Room.String()).Str("user_id", c.UserID).Str("conn_id", c.ID).Int("code", code).Msg("left")
	if empty {
		h.reap(r)
	}
}

// Broadcast 由外部注入消息，不改写身份、不排除任何连接；返回成功投递的连接数
func (h *Hub) Broadcast(id RoomID, msg Message) int {
	r, err := h.acquire(id, false)
	if err != nil || r == nil {
		return 0
	}
	var b batch
	before := len(r.conns)
	h.fanout(r, msg, nil, &b)
	delivered := before - len(b.evicted)
	h.settle(r, &b)
	empty := len(r.conns) == 0
	r.mu.Unlock()

	h.finish(b.gone)

	if empty {
		h.reap(r)
	}
	return delivered
}

type RoomSnapshot struct {
	RoomID    string   `json:"roomId"`
	Users     []Member `json:"users"`
	UserCount int      `json:"userCount"`
}

// Snapshot 返回房间当前成员；本进程没有该房间的连接时退回到 presence 镜像
func (h *Hub) Snapshot(ctx context.Context, id RoomID) (RoomSnapshot, error) {
	snap := RoomSnapshot{RoomID: id.ID, Users: []Member{}}
	r, err := h.acquire(id, false)
	if err != nil {
		return snap, err
	}
	if r != nil {
		snap.Users = liveMembers(r)
		r.mu.Unlock()
		snap.UserCount = len(snap.Users)
		return snap, nil
	}

	if h.presence == nil {
		return snap, nil
	}
	entries, err := h.presence.ListConnections(ctx, id.String())
	if err != nil {
		return snap, err
	}
	members := make([]Member, 0, len(entries))
	for _, e := range entries {
		members = append(members, Member{UserID: e.UserID, UserName: e.UserName, UserEmail: e.UserEmail, ConnectedAt: e.ConnectedAt})
	}
	snap.Users = DedupMembers(members)
	snap.UserCount = len(snap.Users)
	return snap, nil
}

// Rooms 列出有在线连接的房间（"kind:id"），合并本进程和 presence 镜像里的记录
func (h *Hub) Rooms(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	seen := make(map[string]struct{}, len(h.rooms))
	for k := range h.rooms {
		seen[k] = struct{}{}
	}
	h.mu.Unlock()

	var mirrorErr error
	if h.presence != nil {
		remote, err := h.presence.Rooms(ctx)
		mirrorErr = err
		for _, k := range remote {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, mirrorErr
}

// Close 关闭所有连接，之后 Join 返回 ErrHubClosed
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for k, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, k)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		var gone []departure
		r.mu.Lock()
		r.closed = true
		for c := range r.conns {
			delete(r.conns, c)
			c.departed.Store(true)
			metrics.LiveConnections.Dec()
			gone = append(gone, departure{c: c, code: CloseGoingAway, reason: "server shutting down"})
		}
		r.mu.Unlock()
		metrics.ActiveRooms.Dec()
		h.finish(gone)
	}
}

// DedupMembers 按 userId 合并成员，保留最早的 connectedAt，结果按 connectedAt 升序
func DedupMembers(in []Member) []Member {
	byUser := make(map[string]int, len(in))
	out := make([]Member, 0, len(in))
	for _, m := range in {
		i, ok := byUser[m.UserID]
		if !ok {
			byUser[m.UserID] = len(out)
			out = append(out, m)
			continue
		}
		if m.ConnectedAt.Before(out[i].ConnectedAt) {
			out[i] = m
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// batch 收集一次加锁期间产生的踢出和离开；关闭连接、写镜像都放到解锁之后
type batch struct {
	evicted []*Connection
	gone    []departure
}

type departure struct {
	c      *Connection
	code   int
	reason string
}

// finish 必须在 r.mu 之外调用：关闭连接并清理镜像
func (h *Hub) finish(gone []departure) {
	for _, d := range gone {
		d.c.sender.Close(d.code, d.reason)
		h.mirrorRemove(d.c)
	}
}

// ---- 以下函数都要求调用方持有 r.mu ----

func liveMembers(r *room) []Member {
	members := make([]Member, 0, len(r.conns))
	for c := range r.conns {
		members = append(members, Member{
			UserID:      c.UserID,
			UserName:    c.UserName,
			UserEmail:   c.UserEmail,
			ConnectedAt: c.ConnectedAt,
		})
	}
	return DedupMembers(members)
}

func (h *Hub) roomState(r *room) RoomStateMessage {
	users := liveMembers(r)
	return RoomStateMessage{
		Type:      TypeRoomState,
		RoomRef:   r.id.Ref(),
		Users:     users,
		UserCount: len(users),
		Timestamp: h.now().UTC(),
	}
}

func (h *Hub) errorMessage(id RoomID, text string) ErrorMessage {
	return ErrorMessage{Type: TypeError, RoomRef: id.Ref(), Data: ErrorData{Message: text}, Timestamp: h.now().UTC()}
}

// sendTo 单发；失败的连接移出房间并记入 b.evicted
func (h *Hub) sendTo(r *room, c *Connection, msg Message, b *batch) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	if err := c.sender.Send(msg); err != nil {
		h.log.Warn().Err(err).Str("room", r.id.String()).Str("conn_id", c.ID).Str("type", msg.MessageType()).Msg("send failed, evicting")
		delete(r.conns, c)
		b.evicted = append(b.evicted, c)
		return
	}
	metrics.MessagesDelivered.WithLabelValues(msg.MessageType()).Inc()
}

// fanout 发给房间内除 except 外的所有连接，单个失败不影响其他连接
func (h *Hub) fanout(r *room, msg Message, except *Connection, b *batch) {
	targets := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		if c != except {
			targets = append(targets, c)
		}
	}
	for _, c := range targets {
		h.sendTo(r, c, msg, b)
	}
}

// depart 把 c 移出房间并通知剩余成员，关闭连接留给 finish
func (h *Hub) depart(r *room, c *Connection, code int, reason string, b *batch) {
	delete(r.conns, c)
	c.departed.Store(true)
	metrics.LiveConnections.Dec()
	b.gone = append(b.gone, departure{c: c, code: code, reason: reason})

	h.fanout(r, UserLeftMessage{
		Type:        TypeUserLeft,
		RoomRef:     r.id.Ref(),
		Participant: c.Participant,
		Code:        code,
		Reason:      reason,
		Timestamp:   h.now().UTC(),
	}, nil, b)
	h.fanout(r, h.roomState(r), nil, b)
}

// settle 处理发送失败被踢出的连接，它们的离开通知可能又导致新的失败
func (h *Hub) settle(r *room, b *batch) {
	for len(b.evicted) > 0 {
		c := b.evicted[0]
		b.evicted = b.evicted[1:]
		metrics.ConnectionsEvicted.Inc()
		h.depart(r, c, CloseSendFailure, "send failed", b)
	}
}

func isServerOnly(typ string) bool {
	_, ok := serverOnlyTypes[typ]
	return ok
}

// presenceEntry 需要持有 r.mu（读 cursor）
func presenceEntry(c *Connection) cache.PresenceEntry {
	return cache.PresenceEntry{
		ConnID:      c.ID,
		UserID:      c.UserID,
		UserName:    c.UserName,
		UserEmail:   c.UserEmail,
		ConnectedAt: c.ConnectedAt,
		Cursor:      append(json.RawMessage(nil), c.cursor...),
	}
}

// mirrorAdd 在锁外执行，期间连接可能已经离开：写之前跳过，写之后发现已离开就撤销
func (h *Hub) mirrorAdd(c *Connection, entry cache.PresenceEntry) {
	if h.presence == nil || c.departed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.AddConnection(ctx, c.Room.String(), entry, h.presenceTTL); err != nil {
		h.log.Warn().Err(err).Str("room", c.Room.String()).Str("conn_id", entry.ConnID).Msg("presence add failed")
	}
	if c.departed.Load() {
		h.mirrorRemove(c)
	}
}

func (h *Hub) mirrorRemove(c *Connection) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.RemoveConnection(ctx, c.Room.String(), c.ID); err != nil {
		h.log.Warn().Err(err).Str("room", c.Room.String()).Str("conn_id", c.ID).Msg("presence remove failed")
	}
}
