package tracked

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"collabReview/backend/internal/events"
)

// AddComment 给变更追加一条评论，评论创建后不可修改
func (e *Engine) AddComment(ctx context.Context, changeID, content string, author Actor) (*ChangeComment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyComment
	}
	change, err := e.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}

	cm := &ChangeComment{
		ID:           e.newID(),
		ChangeID:     change.ID,
		SubmissionID: change.SubmissionID,
		Content:      content,
		AuthorID:     author.ID,
		AuthorName:   author.Name,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.store.PutObject(ctx, commentKey(change.ID, cm.ID), cm, 0); err != nil {
		e.log.Error().Err(err).Str("change_id", change.ID).Msg("store comment failed")
		return nil, fmt.Errorf("store comment on %s: %w", change.ID, err)
	}

	if e.pub != nil {
		e.publishComment(ctx, cm)
	}
	return cm, nil
}

func (e *Engine) publishComment(ctx context.Context, cm *ChangeComment) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := e.pub.Enqueue(ctx, events.ChangeEvent{
		EventType:    events.EventCommentAdded,
		ChangeID:     cm.ChangeID,
		SubmissionID: cm.SubmissionID,
		ActorID:      cm.AuthorID,
		ActorName:    cm.AuthorName,
		CommentID:    cm.ID,
		OccurredAt:   cm.CreatedAt,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("comment_id", cm.ID).Msg("enqueue comment event failed")
	}
}

// ListComments 按创建时间正序返回
func (e *Engine) ListComments(ctx context.Context, changeID string) ([]ChangeComment, error) {
	entries, err := e.store.ListObjects(ctx, commentsPrefix(changeID))
	if err != nil {
		return nil, fmt.Errorf("list comments of %s: %w", changeID, err)
	}
	out := make([]ChangeComment, 0, len(entries))
	for _, ent := range entries {
		var cm ChangeComment
		if err := ent.Decode(&cm); err != nil {
			e.log.Warn().Err(err).Str("key", ent.Key).Msg("skip undecodable comment")
			continue
		}
		out = append(out, cm)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
