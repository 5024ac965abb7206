package events

import "time"

type EventType string

const (
	EventChangeCreated  EventType = "CHANGE_CREATED"
	EventChangeApproved EventType = "CHANGE_APPROVED"
	EventChangeRejected EventType = "CHANGE_REJECTED"
	EventChangeUndone   EventType = "CHANGE_UNDONE"
	EventCommentAdded   EventType = "COMMENT_ADDED"
)

// ChangeEvent 是变更审批流程对外发布的事件，以 submissionId 作为 kafka key。
// KafkaDispatcher 让同一 submission 的事件由同一个 worker 依次发送，落在同一分区
type ChangeEvent struct {
	EventType    EventType `json:"eventType"`
	ChangeID     string    `json:"changeId"`
	SubmissionID string    `json:"submissionId"`
	Field        string    `json:"field,omitempty"`
	Status       string    `json:"status,omitempty"`
	ActorID      string    `json:"actorId,omitempty"`
	ActorName    string    `json:"actorName,omitempty"`
	CommentID    string    `json:"commentId,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}
