package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"collabReview/backend/internal/cache"
)

type fakeSender struct {
	mu      sync.Mutex
	msgs    []map[string]any
	fail    bool
	closed  bool
	code    int
	reasons []string
}

func (s *fakeSender) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || s.closed {
		return errors.New("boom")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *fakeSender) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed, s.code = true, code
		s.reasons = append(s.reasons, reason)
	}
}

func (s *fakeSender) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i], _ = m["type"].(string)
	}
	return out
}

func (s *fakeSender) last() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return nil
	}
	return s.msgs[len(s.msgs)-1]
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestHub(opts ...HubOption) *Hub {
	clock := &stepClock{t: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	return NewHub(append([]HubOption{WithHubClock(clock.Now)}, opts...)...)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mustJoin(t *testing.T, h *Hub, room RoomID, p Participant, s Sender) *Connection {
	t.Helper()
	c, err := h.Join(room, p, s)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	return c
}

var (
	ann = Participant{UserID: "u-ann", UserName: "Ann", UserEmail: "ann@example.com"}
	ben = Participant{UserID: "u-ben", UserName: "Ben"}
)

func TestHub_JoinMessageOrder(t *testing.T) {
	h := newTestHub()
	room := SubmissionRoom("42")
	a, b := &fakeSender{}, &fakeSender{}

	mustJoin(t, h, room, ann, a)
	if got := a.types(); !equalStrings(got, []string{TypeConnected, TypeRoomState}) {
		t.Fatalf("first joiner got %v", got)
	}
	a.reset()

	mustJoin(t, h, room, ben, b)
	if got := b.types(); !equalStrings(got, []string{TypeConnected, TypeRoomState}) {
		t.Fatalf("second joiner got %v", got)
	}
	if got := a.types(); !equalStrings(got, []string{TypeUserJoined, TypeRoomState}) {
		t.Fatalf("existing member got %v", got)
	}

	joined := a.msgs[0]
	if joined["userId"] != "u-ben" || joined["submissionId"] != "42" {
		t.Fatalf("user_joined = %v", joined)
	}
	if _, ok := joined["documentId"]; ok {
		t.Fatalf("submission room message should not carry documentId: %v", joined)
	}
	state := a.last()
	if state["userCount"] != float64(2) {
		t.Fatalf("room_state userCount = %v, want 2", state["userCount"])
	}
}

func TestHub_PresenceDedup(t *testing.T) {
	h := newTestHub()
	room := DocumentRoom("doc-1")
	tab1, tab2, other := &fakeSender{}, &fakeSender{}, &fakeSender{}

	first := mustJoin(t, h, room, ann, tab1)
	mustJoin(t, h, room, ann, tab2)
	mustJoin(t, h, room, ben, other)

	state := other.last()
	if state["type"] != TypeRoomState {
		t.Fatalf("last message = %v, want room_state", state["type"])
	}
	users := state["users"].([]any)
	if len(users) != 2 || state["userCount"] != float64(2) {
		t.Fatalf("room_state users = %v", users)
	}
	u := users[0].(map[string]any)
	if u["userId"] != "u-ann" {
		t.Fatalf("first member = %v, want u-ann", u)
	}
	if u["connectedAt"] != first.ConnectedAt.Format(time.RFC3339Nano) {
		t.Fatalf("connectedAt = %v, want earliest %v", u["connectedAt"], first.ConnectedAt)
	}

	snap, err := h.Snapshot(context.Background(), room)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.RoomID != "doc-1" || snap.UserCount != 2 || !snap.Users[0].ConnectedAt.Equal(first.ConnectedAt) {
		t.Fatalf("Snapshot() = %+v", snap)
	}
}

func TestHub_SenderExclusion(t *testing.T) {
	h := newTestHub()
	room := SubmissionRoom("7")
	a, b := &fakeSender{}, &fakeSender{}
	connA := mustJoin(t, h, room, ann, a)
	mustJoin(t, h, room, ben, b)
	a.reset()
	b.reset()

	// 客户端伪造的身份字段会被覆盖
	payload := []byte(`{"type":"text_operation","userId":"evil","userName":"Mallory","data":{"op":1}}`)
	if err := h.Receive(connA, payload); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	if got := a.types(); len(got) != 0 {
		t.Fatalf("sender received %v", got)
	}
	msg := b.last()
	if msg == nil || msg["type"] != TypeTextOperation {
		t.Fatalf("peer got %v", msg)
	}
	if msg["userId"] != "u-ann" || msg["userName"] != "Ann" || msg["userEmail"] != "ann@example.com" {
		t.Fatalf("identity not rewritten: %v", msg)
	}
	if msg["submissionId"] != "7" {
		t.Fatalf("room field = %v", msg["submissionId"])
	}
	if data := msg["data"].(map[string]any); data["op"] != float64(1) {
		t.Fatalf("data = %v", data)
	}
	if _, ok := msg["timestamp"].(string); !ok {
		t.Fatalf("missing server timestamp: %v", msg)
	}
}

func TestHub_HeartbeatIsolation(t *testing.T) {
	h := newTestHub()
	room := SubmissionRoom("7")
	a, b := &fakeSender{}, &fakeSender{}
	connA := mustJoin(t, h, room, ann, a)
	mustJoin(t, h, room, ben, b)
	a.reset()
	b.reset()

	if err := h.Receive(connA, []byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if got := a.types(); !equalStrings(got, []string{TypeHeartbeatResponse}) {
		t.Fatalf("sender got %v", got)
	}
	if got := b.types(); len(got) != 0 {
		t.Fatalf("peer got %v", got)
	}
}

func TestHub_RejectsBadPayloads(t *testing.T) {
	h := newTestHub()
	room := SubmissionRoom("7")
	a, b := &fakeSender{}, &fakeSender{}
	connA := mustJoin(t, h, room, ann, a)
	mustJoin(t, h, room, ben, b)
	a.reset()
	b.reset()

	for _, payload := range []string{`not json`, `{"data":{}}`, `{"type":"room_state","users":[]}`, `{"type":"user_joined"}`} {
		if err := h.Receive(connA, []byte(payload)); err != nil {
			t.Fatalf("Receive(%s) error = %v", payload, err)
		}
	}
	if got := a.types(); !equalStrings(got, []string{TypeError, TypeError, TypeError, TypeError}) {
		t.Fatalf("sender got %v", got)
	}
	if got := b.types(); len(got) != 0 {
		t.Fatalf("peer got %v", got)
	}

	// 房间仍然正常工作
	if err := h.Receive(connA, []byte(`{"type":"cursor_position","data":{"pos":3}}`)); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if got := b.types(); !equalStrings(got, []string{TypeCursorPosition}) {
		t.Fatalf("peer got %v", got)
	}
}

func TestHub_LeaveOrderingAndReap(t *testing.T) {
	h := newTestHub()
	room := DocumentRoom("doc-9")
	a, b := &fakeSender{}, &fakeSender{}
	connA := mustJoin(t, h, room, ann, a)
	connB := mustJoin(t, h, room, ben, b)
	b.reset()

	h.Leave(connA, 1000, "bye")
	if got := b.types(); !equalStrings(got, []string{TypeUserLeft, TypeRoomState}) {
		t.Fatalf("remaining member got %v", got)
	}
	if left := b.msgs[0]; left["userId"] != "u-ann" || left["reason"] != "bye" {
		t.Fatalf("user_left = %v", left)
	}
	if state := b.last(); state["userCount"] != float64(1) {
		t.Fatalf("room_state after leave = %v", state)
	}

	// 重复 Leave 无副作用
	h.Leave(connA, 1000, "bye")
	if got := b.types(); len(got) != 2 {
		t.Fatalf("duplicate leave produced %v", got)
	}

	h.Leave(connB, 1000, "")
	h.mu.Lock()
	n := len(h.rooms)
	h.mu.Unlock()
	if n != 0 {
		t.Fatalf("empty room not reaped, rooms = %d", n)
	}
	if err := h.Receive(connB, []byte(`{"type":"heartbeat"}`)); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("Receive() after leave error = %v", err)
	}
}

func TestHub_SendFailureEvicts(t *testing.T) {
	h := newTestHub()
	room := SubmissionRoom("1")
	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}
	connA := mustJoin(t, h, room, ann, a)
	mustJoin(t, h, room, ben, b)
	mustJoin(t, h, room, Participant{UserID: "u-cat", UserName: "Cat"}, c)
	a.reset()
	c.reset()

	b.mu.Lock()
	b.fail = true
	b.mu.Unlock()

	if err := h.Receive(connA, []byte(`{"type":"text_operation","data":{}}`)); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	// c 仍然收到原消息，随后收到 b 离开的通知
	if got := c.types(); !equalStrings(got, []string{TypeTextOperation, TypeUserLeft, TypeRoomState}) {
		t.Fatalf("healthy peer got %v", got)
	}
	if got := a.types(); !equalStrings(got, []string{TypeUserLeft, TypeRoomState}) {
		t.Fatalf("sender got %v", got)
	}
	if !b.closed || b.code != CloseSendFailure {
		t.Fatalf("failed connection not closed: closed=%v code=%d", b.closed, b.code)
	}

	snap, _ := h.Snapshot(context.Background(), room)
	if snap.UserCount != 2 {
		t.Fatalf("Snapshot() after eviction = %+v", snap)
	}
}

func TestHub_JoinValidation(t *testing.T) {
	h := newTestHub()
	cases := []struct {
		room RoomID
		p    Participant
	}{
		{RoomID{}, ann},
		{RoomID{Kind: "blog", ID: "1"}, ann},
		{SubmissionRoom(" "), ann},
		{SubmissionRoom("1"), Participant{UserName: "Ann"}},
		{SubmissionRoom("1"), Participant{UserID: "u"}},
	}
	for _, tc := range cases {
		if _, err := h.Join(tc.room, tc.p, &fakeSender{}); !errors.Is(err, ErrInvalidJoin) {
			t.Fatalf("Join(%+v, %+v) error = %v, want ErrInvalidJoin", tc.room, tc.p, err)
		}
	}
}

func TestHub_NamespacesAreDisjoint(t *testing.T) {
	h := newTestHub()
	doc, sub := &fakeSender{}, &fakeSender{}
	mustJoin(t, h, DocumentRoom("5"), ann, doc)
	mustJoin(t, h, SubmissionRoom("5"), ben, sub)

	if got := doc.types(); !equalStrings(got, []string{TypeConnected, TypeRoomState}) {
		t.Fatalf("document room member got %v", got)
	}
}

func TestHub_Broadcast(t *testing.T) {
	h := newTestHub()
	room := SubmissionRoom("3")
	a, b := &fakeSender{}, &fakeSender{}
	mustJoin(t, h, room, ann, a)
	mustJoin(t, h, room, ben, b)
	a.reset()
	b.reset()

	msg, err := NewPushMessage([]byte(`{"type":"content_updated","submissionId":"3","data":{"field":"title"}}`))
	if err != nil {
		t.Fatalf("NewPushMessage() error = %v", err)
	}
	if n := h.Broadcast(room, msg); n != 2 {
		t.Fatalf("Broadcast() = %d, want 2", n)
	}
	for _, s := range []*fakeSender{a, b} {
		got := s.last()
		if got["type"] != TypeContentUpdated || got["data"].(map[string]any)["field"] != "title" {
			t.Fatalf("pushed message = %v", got)
		}
	}

	if n := h.Broadcast(SubmissionRoom("nobody"), msg); n != 0 {
		t.Fatalf("Broadcast() to empty room = %d", n)
	}
}

func TestBuildPushMessage(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg, err := BuildPushMessage(DocumentRoom("d1"), TypeCommentAdded, map[string]string{"commentId": "c1"}, at)
	if err != nil {
		t.Fatalf("BuildPushMessage() error = %v", err)
	}
	b, _ := json.Marshal(msg)
	want := `{"type":"comment_added","documentId":"d1","data":{"commentId":"c1"},"timestamp":"2026-01-02T03:04:05Z"}`
	if string(b) != want {
		t.Fatalf("json = %s, want %s", b, want)
	}

	if _, err := NewPushMessage([]byte(`{"data":1}`)); !errors.Is(err, ErrMissingType) {
		t.Fatalf("NewPushMessage() without type error = %v", err)
	}
}

type fakeMirror struct {
	mu      sync.Mutex
	entries map[string]map[string]cache.PresenceEntry
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{entries: make(map[string]map[string]cache.PresenceEntry)}
}

func (m *fakeMirror) AddConnection(ctx context.Context, room string, e cache.PresenceEntry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[room] == nil {
		m.entries[room] = make(map[string]cache.PresenceEntry)
	}
	m.entries[room][e.ConnID] = e
	return nil
}

func (m *fakeMirror) RemoveConnection(ctx context.Context, room, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries[room], connID)
	return nil
}

func (m *fakeMirror) ListConnections(ctx context.Context, room string) ([]cache.PresenceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]cache.PresenceEntry, 0)
	for _, e := range m.entries[room] {
		out = append(out, e)
	}
	return out, nil
}

func (m *fakeMirror) Rooms(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for room, conns := range m.entries {
		if len(conns) > 0 {
			out = append(out, room)
		}
	}
	return out, nil
}

func TestHub_Rooms(t *testing.T) {
	mirror := newFakeMirror()
	h := newTestHub(WithPresence(mirror))
	mustJoin(t, h, DocumentRoom("7"), ann, &fakeSender{})
	_ = mirror.AddConnection(context.Background(), "submission:3", cache.PresenceEntry{ConnID: "remote", UserID: "u-ben", UserName: "Ben"}, time.Minute)

	rooms, err := h.Rooms(context.Background())
	if err != nil {
		t.Fatalf("Rooms() error = %v", err)
	}
	if len(rooms) != 2 || rooms[0] != "document:7" || rooms[1] != "submission:3" {
		t.Fatalf("Rooms() = %v", rooms)
	}
}

func TestHub_PresenceMirror(t *testing.T) {
	mirror := newFakeMirror()
	h := newTestHub(WithPresence(mirror))
	room := SubmissionRoom("8")

	a := &fakeSender{}
	connA := mustJoin(t, h, room, ann, a)
	if err := h.Receive(connA, []byte(`{"type":"cursor_position","data":{"line":4}}`)); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	entry := mirror.entries[room.String()][connA.ID]
	if string(entry.Cursor) != `{"line":4}` {
		t.Fatalf("mirrored cursor = %s", entry.Cursor)
	}

	h.Leave(connA, 1000, "")
	if n := len(mirror.entries[room.String()]); n != 0 {
		t.Fatalf("mirror still has %d entries", n)
	}

	// 另一个进程留下的在线记录：本地没有该房间时从镜像读取
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_ = mirror.AddConnection(context.Background(), room.String(), cache.PresenceEntry{ConnID: "x1", UserID: "u-ben", UserName: "Ben", ConnectedAt: at.Add(time.Minute)}, time.Minute)
	_ = mirror.AddConnection(context.Background(), room.String(), cache.PresenceEntry{ConnID: "x2", UserID: "u-ben", UserName: "Ben", ConnectedAt: at}, time.Minute)
	snap, err := h.Snapshot(context.Background(), room)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.UserCount != 1 || !snap.Users[0].ConnectedAt.Equal(at) {
		t.Fatalf("Snapshot() from mirror = %+v", snap)
	}
}

// hookMirror 在读写镜像时回调，用来模拟锁外的并发操作
type hookMirror struct {
	*fakeMirror
	beforeAdd func()
	onRemove  func()
}

func (m *hookMirror) AddConnection(ctx context.Context, room string, e cache.PresenceEntry, ttl time.Duration) error {
	if f := m.beforeAdd; f != nil {
		m.beforeAdd = nil
		f()
	}
	return m.fakeMirror.AddConnection(ctx, room, e, ttl)
}

func (m *hookMirror) RemoveConnection(ctx context.Context, room, connID string) error {
	if m.onRemove != nil {
		m.onRemove()
	}
	return m.fakeMirror.RemoveConnection(ctx, room, connID)
}

// roomUnlocked 判断此刻能否拿到房间锁；持锁调用时会等到超时
func roomUnlocked(h *Hub, room RoomID) bool {
	done := make(chan struct{})
	go func() {
		_, _ = h.Snapshot(context.Background(), room)
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(time.Second):
		return false
	}
}

type lockProbeSender struct {
	fakeSender
	h        *Hub
	room     RoomID
	unlocked bool
}

func (s *lockProbeSender) Close(code int, reason string) {
	s.unlocked = roomUnlocked(s.h, s.room)
	s.fakeSender.Close(code, reason)
}

func TestHub_LeaveDuringMirrorWriteIsNotResurrected(t *testing.T) {
	mirror := &hookMirror{fakeMirror: newFakeMirror()}
	h := newTestHub(WithPresence(mirror))
	room := SubmissionRoom("ghost")
	connA := mustJoin(t, h, room, ann, &fakeSender{})

	// 锁已释放、镜像还没写入时连接离开
	mirror.beforeAdd = func() { h.Leave(connA, 1000, "") }
	if err := h.Receive(connA, []byte(`{"type":"cursor_position","data":{"line":1}}`)); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	if n := len(mirror.entries[room.String()]); n != 0 {
		t.Fatalf("mirror still has %d entries after leave", n)
	}
	snap, err := h.Snapshot(context.Background(), room)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.UserCount != 0 {
		t.Fatalf("Snapshot() after leave = %+v", snap)
	}
	rooms, _ := h.Rooms(context.Background())
	if len(rooms) != 0 {
		t.Fatalf("Rooms() after leave = %v", rooms)
	}

	// 已离开的连接不会再写镜像
	_ = h.Receive(connA, []byte(`{"type":"heartbeat"}`))
	h.mirrorAdd(connA, presenceEntry(connA))
	if n := len(mirror.entries[room.String()]); n != 0 {
		t.Fatalf("departed connection written to mirror")
	}
}

func TestHub_EvictionClosesOutsideRoomLock(t *testing.T) {
	mirror := &hookMirror{fakeMirror: newFakeMirror()}
	h := newTestHub(WithPresence(mirror))
	room := SubmissionRoom("slow")
	mustJoin(t, h, room, ann, &fakeSender{})
	slow := &lockProbeSender{h: h, room: room}
	mustJoin(t, h, room, ben, slow)

	var removeUnlocked []bool
	mirror.onRemove = func() { removeUnlocked = append(removeUnlocked, roomUnlocked(h, room)) }

	slow.mu.Lock()
	slow.fail = true
	slow.mu.Unlock()
	msg, err := NewPushMessage([]byte(`{"type":"content_updated"}`))
	if err != nil {
		t.Fatalf("NewPushMessage() error = %v", err)
	}
	if n := h.Broadcast(room, msg); n != 1 {
		t.Fatalf("Broadcast() delivered = %d, want 1", n)
	}

	if !slow.closed || slow.code != CloseSendFailure {
		t.Fatalf("evicted connection not closed: closed=%v code=%d", slow.closed, slow.code)
	}
	if !slow.unlocked {
		t.Fatalf("sender closed while holding the room lock")
	}
	if len(removeUnlocked) != 1 || !removeUnlocked[0] {
		t.Fatalf("mirror remove under room lock: %v", removeUnlocked)
	}
}

func TestHub_Close(t *testing.T) {
	h := newTestHub()
	a := &fakeSender{}
	mustJoin(t, h, SubmissionRoom("1"), ann, a)

	h.Close()
	if !a.closed || a.code != CloseGoingAway {
		t.Fatalf("connection not closed on shutdown")
	}
	if _, err := h.Join(SubmissionRoom("1"), ben, &fakeSender{}); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("Join() after Close error = %v", err)
	}
}

func TestDedupMembers(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := DedupMembers([]Member{
		{UserID: "b", ConnectedAt: t0.Add(3 * time.Second)},
		{UserID: "a", ConnectedAt: t0.Add(2 * time.Second)},
		{UserID: "b", ConnectedAt: t0.Add(1 * time.Second)},
		{UserID: "a", ConnectedAt: t0.Add(5 * time.Second)},
	})
	if len(got) != 2 || got[0].UserID != "b" || got[1].UserID != "a" {
		t.Fatalf("DedupMembers() = %+v", got)
	}
	if !got[0].ConnectedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("kept connectedAt = %v", got[0].ConnectedAt)
	}
}
