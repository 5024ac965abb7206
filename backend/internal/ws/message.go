package ws

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	TypeConnected         = "connected"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeRoomState         = "room_state"
	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatResponse = "heartbeat_response"
	TypeCursorPosition    = "cursor_position"
	TypeTextOperation     = "text_operation"
	TypeContentUpdated    = "content_updated"
	TypeCommentAdded      = "comment_added"
	TypeError             = "error"
)

// 只能由服务端产生的类型，客户端发来一律拒绝
var serverOnlyTypes = map[string]struct{}{
	TypeConnected:         {},
	TypeUserJoined:        {},
	TypeUserLeft:          {},
	TypeRoomState:         {},
	TypeHeartbeatResponse: {},
	TypeError:             {},
}

type RoomKind string

const (
	KindDocument   RoomKind = "document"
	KindSubmission RoomKind = "submission"
)

// ParseRoomKind 同时接受单复数形式，方便路由里写 /rooms/submissions/:id
func ParseRoomKind(s string) (RoomKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "document", "documents":
		return KindDocument, true
	case "submission", "submissions":
		return KindSubmission, true
	}
	return "", false
}

// RoomID 标识一个房间，文档和 submission 两个命名空间互不相交
type RoomID struct {
	Kind RoomKind
	ID   string
}

func DocumentRoom(id string) RoomID   { return RoomID{Kind: KindDocument, ID: id} }
func SubmissionRoom(id string) RoomID { return RoomID{Kind: KindSubmission, ID: id} }

func (r RoomID) Valid() bool {
	return (r.Kind == KindDocument || r.Kind == KindSubmission) && strings.TrimSpace(r.ID) != ""
}

func (r RoomID) String() string { return string(r.Kind) + ":" + r.ID }

// Ref 返回消息里携带的房间字段：documentId 或 submissionId
func (r RoomID) Ref() RoomRef {
	if r.Kind == KindDocument {
		return RoomRef{DocumentID: r.ID}
	}
	return RoomRef{SubmissionID: r.ID}
}

type RoomRef struct {
	DocumentID   string `json:"documentId,omitempty"`
	SubmissionID string `json:"submissionId,omitempty"`
}

// Participant 是连接的权威身份，来自鉴权上下文，不信任消息体里的字段
type Participant struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail,omitempty"`
}

// Member 是去重后的房间成员，同一 userId 的多个连接只保留最早的 connectedAt
type Member struct {
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName"`
	UserEmail   string    `json:"userEmail,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// 出站消息接口，每种 type 一个具体结构
type Message interface {
	MessageType() string
}

func (m ConnectedMessage) MessageType() string         { return m.Type }
func (m UserJoinedMessage) MessageType() string        { return m.Type }
func (m UserLeftMessage) MessageType() string          { return m.Type }
func (m RoomStateMessage) MessageType() string         { return m.Type }
func (m HeartbeatResponseMessage) MessageType() string { return m.Type }
func (m ErrorMessage) MessageType() string             { return m.Type }
func (m RelayMessage) MessageType() string             { return m.Type }
func (m PushMessage) MessageType() string              { return m.typ }

// 建立连接后只发给新连接自己
type ConnectedMessage struct {
	Type string `json:"type"` // 固定 "connected"
	RoomRef
	Participant
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

type UserJoinedMessage struct {
	Type string `json:"type"` // 固定 "user_joined"
	RoomRef
	Participant
	Timestamp time.Time `json:"timestamp"`
}

type UserLeftMessage struct {
	Type string `json:"type"` // 固定 "user_left"
	RoomRef
	Participant
	Code      int       `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type RoomStateMessage struct {
	Type string `json:"type"` // 固定 "room_state"
	RoomRef
	Users     []Member  `json:"users"`
	UserCount int       `json:"userCount"`
	Timestamp time.Time `json:"timestamp"`
}

type HeartbeatResponseMessage struct {
	Type string `json:"type"` // 固定 "heartbeat_response"
	RoomRef
	Timestamp time.Time `json:"timestamp"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type ErrorMessage struct {
	Type string `json:"type"` // 固定 "error"
	RoomRef
	Data      ErrorData `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// RelayMessage 是客户端发来、被改写身份后转发给其他人的消息
// （cursor_position / text_operation / content_updated 等）
type RelayMessage struct {
	Type string `json:"type"`
	RoomRef
	Participant
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PushMessage 是外部（HTTP 接口）注入房间的消息，原样下发
type PushMessage struct {
	typ string
	raw json.RawMessage
}

var ErrMissingType = errors.New("message type is required")

// NewPushMessage 校验 raw 是带 type 字段的 JSON 对象
func NewPushMessage(raw []byte) (PushMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return PushMessage{}, err
	}
	if head.Type == "" {
		return PushMessage{}, ErrMissingType
	}
	return PushMessage{typ: head.Type, raw: append(json.RawMessage(nil), raw...)}, nil
}

// BuildPushMessage 按统一信封构造一条服务端推送
func BuildPushMessage(room RoomID, typ string, data any, at time.Time) (PushMessage, error) {
	if typ == "" {
		return PushMessage{}, ErrMissingType
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return PushMessage{}, err
	}
	raw, err := json.Marshal(pushEnvelope{Type: typ, RoomRef: room.Ref(), Data: payload, Timestamp: at})
	if err != nil {
		return PushMessage{}, err
	}
	return PushMessage{typ: typ, raw: raw}, nil
}

type pushEnvelope struct {
	Type string `json:"type"`
	RoomRef
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (m PushMessage) MarshalJSON() ([]byte, error) {
	if len(m.raw) == 0 {
		return []byte("null"), nil
	}
	return m.raw, nil
}

// inbound 是客户端消息里服务端关心的部分，身份字段直接忽略
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
