package tracked

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

var (
	ErrChangeNotFound    = errors.New("tracked change not found")
	ErrInvalidStatus     = errors.New("status must be approved or rejected")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrEmptyComment      = errors.New("comment content is empty")
	ErrMissingField      = errors.New("submissionId and field are required")

	ErrInvalidSubmissionID = errors.New("submissionId must not contain '/'")
)

// Actor 是执行操作的用户，身份由调用方（鉴权中间件）提供
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TrackedChange 记录对某个 submission 某个字段的一次修改提议。
// OldValue/NewValue 只保存相对上一个提议版本的增量，完整文本在 CompleteProposedVersion。
type TrackedChange struct {
	ID            string    `json:"id"`
	SubmissionID  string    `json:"submissionId"`
	Field         string    `json:"field"`
	OldValue      string    `json:"oldValue"`
	NewValue      string    `json:"newValue"`
	ChangedBy     string    `json:"changedBy"`
	ChangedByName string    `json:"changedByName"`
	Timestamp     time.Time `json:"timestamp"`
	Status        Status    `json:"status"`
	IsIncremental bool      `json:"isIncremental"`

	PreviousVersionID       string  `json:"previousVersionId,omitempty"`
	CompleteProposedVersion *string `json:"completeProposedVersion,omitempty"`
	RichTextOldValue        string  `json:"richTextOldValue,omitempty"`
	RichTextNewValue        string  `json:"richTextNewValue,omitempty"`

	ApprovedBy     string     `json:"approvedBy,omitempty"`
	ApprovedByName string     `json:"approvedByName,omitempty"`
	ApprovedAt     *time.Time `json:"approvedAt,omitempty"`
	RejectedBy     string     `json:"rejectedBy,omitempty"`
	RejectedByName string     `json:"rejectedByName,omitempty"`
	RejectedAt     *time.Time `json:"rejectedAt,omitempty"`
}

// ProposedText 返回该变更生效后字段的完整文本
func (c *TrackedChange) ProposedText() string {
	if c.IsIncremental && c.CompleteProposedVersion != nil {
		return *c.CompleteProposedVersion
	}
	return c.NewValue
}

type ChangeComment struct {
	ID           string    `json:"id"`
	ChangeID     string    `json:"changeId"`
	SubmissionID string    `json:"submissionId"`
	Content      string    `json:"content"`
	AuthorID     string    `json:"authorId"`
	AuthorName   string    `json:"authorName"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewChange 是创建变更的入参，OldValue/NewValue 为调用方看到的完整字段文本
type NewChange struct {
	SubmissionID     string
	Field            string
	OldValue         string
	NewValue         string
	Author           Actor
	RichTextOldValue string
	RichTextNewValue string
}

type changeIndex struct {
	SubmissionID string `json:"submissionId"`
}
