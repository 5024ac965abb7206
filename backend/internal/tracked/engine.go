package tracked

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collabReview/backend/internal/events"
	"collabReview/backend/internal/metrics"
	"collabReview/backend/internal/objstore"
)

const (
	defaultListTTL = 5 * time.Minute
	publishTimeout = 200 * time.Millisecond
)

// Publisher 接收变更事件，events.KafkaDispatcher 实现了它
type Publisher interface {
	Enqueue(ctx context.Context, evt events.ChangeEvent) error
}

// Engine 管理变更记录的持久化、提议版本重建和审批状态机。
// 没有内置并发控制：CreateTrackedChange 先读最新提议版本再写，
// 同一字段上同时到达的两次修改可能链到同一个 previousVersionId 上。
type Engine struct {
	store   objstore.Store
	pub     Publisher
	log     zerolog.Logger
	now     func() time.Time
	newID   func() string
	listTTL time.Duration
}

type Option func(*Engine)

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

func WithListTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.listTTL = ttl }
}

func NewEngine(store objstore.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		log:     zerolog.Nop(),
		now:     time.Now,
		newID:   newUUID,
		listTTL: defaultListTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// uuid v7 按时间有序，存储里按 key 列出时大致就是创建顺序
func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// changeList 是聚合缓存的内容，Generation 与当前代数不一致时视为过期
type changeList struct {
	Generation string          `json:"generation"`
	Changes    []TrackedChange `json:"changes"`
}

// ListChanges 返回 submission 下全部变更，时间倒序。
// 优先读聚合缓存，未命中或代数不符时从存储重建并回填。
// 代数在列举之前读取：列举期间发生的写入会推进代数，回填的旧列表不会再被采用。
func (e *Engine) ListChanges(ctx context.Context, submissionID string) ([]TrackedChange, error) {
	gen, genErr := e.generation(ctx, submissionID)
	if genErr == nil {
		var cached changeList
		found, err := e.store.GetObject(ctx, aggregateKey(submissionID), &cached)
		switch {
		case err != nil:
			e.log.Warn().Err(err).Str("submission_id", submissionID).Msg("read change list cache failed")
		case found && cached.Generation == gen:
			if cached.Changes == nil {
				return []TrackedChange{}, nil
			}
			return cached.Changes, nil
		}
	}

	changes, err := e.loadChanges(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	// 读不到代数时不回填
	if genErr == nil {
		list := changeList{Generation: gen, Changes: changes}
		if err := e.store.PutObject(ctx, aggregateKey(submissionID), list, e.listTTL); err != nil {
			e.log.Warn().Err(err).Str("submission_id", submissionID).Msg("write change list cache failed")
		}
	}
	return changes, nil
}

// loadChanges 直接从存储列出 submission 的变更，不经过聚合缓存
func (e *Engine) loadChanges(ctx context.Context, submissionID string) ([]TrackedChange, error) {
	entries, err := e.store.ListObjects(ctx, changesPrefix(submissionID))
	if err != nil {
		return nil, fmt.Errorf("list changes of %s: %w", submissionID, err)
	}
	changes := e.decodeChanges(entries)
	// 前缀只是粗筛
	changes = slices.DeleteFunc(changes, func(c TrackedChange) bool { return c.SubmissionID != submissionID })
	sortNewestFirst(changes)
	return changes, nil
}

func (e *Engine) generation(ctx context.Context, submissionID string) (string, error) {
	var gen string
	if _, err := e.store.GetObject(ctx, generationKey(submissionID), &gen); err != nil {
		e.log.Warn().Err(err).Str("submission_id", submissionID).Msg("read change list generation failed")
		return "", err
	}
	return gen, nil
}

func (e *Engine) ListFieldChanges(ctx context.Context, submissionID, field string) ([]TrackedChange, error) {
	all, err := e.ListChanges(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	out := make([]TrackedChange, 0, len(all))
	for _, c := range all {
		if c.Field == field {
			out = append(out, c)
		}
	}
	return out, nil
}

// latestProposed 找字段上时间最新且未被拒绝的变更，被拒绝的变更直接跳过。
// 链式修改依赖它，所以总是读存储本身
func (e *Engine) latestProposed(ctx context.Context, submissionID, field string) (*TrackedChange, error) {
	changes, err := e.loadChanges(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	for i := range changes {
		if changes[i].Field == field && changes[i].Status != StatusRejected {
			return &changes[i], nil
		}
	}
	return nil, nil
}

func (e *Engine) CreateTrackedChange(ctx context.Context, nc NewChange) (*TrackedChange, error) {
	if strings.TrimSpace(nc.SubmissionID) == "" || strings.TrimSpace(nc.Field) == "" {
		return nil, ErrMissingField
	}
	if strings.Contains(nc.SubmissionID, "/") {
		return nil, ErrInvalidSubmissionID
	}

	latest, err := e.latestProposed(ctx, nc.SubmissionID, nc.Field)
	if err != nil {
		return nil, err
	}

	base := nc.OldValue
	change := &TrackedChange{
		ID:               e.newID(),
		SubmissionID:     nc.SubmissionID,
		Field:            nc.Field,
		ChangedBy:        nc.Author.ID,
		ChangedByName:    nc.Author.Name,
		Timestamp:        e.now().UTC(),
		Status:           StatusPending,
		IsIncremental:    true,
		RichTextOldValue: nc.RichTextOldValue,
		RichTextNewValue: nc.RichTextNewValue,
	}

	if latest != nil {
		proposed := latest.ProposedText()
		if proposed != nc.OldValue {
			e.log.Debug().
				Str("submission_id", nc.SubmissionID).
				Str("field", nc.Field).
				Str("previous_id", latest.ID).
				Msg("caller base is stale, chaining onto latest proposed version")
		}
		base = proposed
		change.PreviousVersionID = latest.ID
		// 链上的时间必须严格递增，否则"最新"无法判定
		if !change.Timestamp.After(latest.Timestamp) {
			change.Timestamp = latest.Timestamp.Add(time.Nanosecond)
		}
	}

	d := CalculateIncrementalChange(base, nc.NewValue)
	change.OldValue = d.OldValue
	change.NewValue = d.NewValue
	full := nc.NewValue
	change.CompleteProposedVersion = &full

	if err := e.store.PutObject(ctx, changeKey(change.SubmissionID, change.ID), change, 0); err != nil {
		e.log.Error().Err(err).Str("change_id", change.ID).Msg("store tracked change failed")
		return nil, fmt.Errorf("store change %s: %w", change.ID, err)
	}
	if err := e.store.PutObject(ctx, changeIndexKey(change.ID), changeIndex{SubmissionID: change.SubmissionID}, 0); err != nil {
		// 索引缺失时 GetChange 会退化为扫描并补写
		e.log.Warn().Err(err).Str("change_id", change.ID).Msg("store change index failed")
	}
	e.invalidate(ctx, change.SubmissionID)

	metrics.TrackedChangeTransitions.WithLabelValues("created").Inc()
	e.publish(ctx, events.EventChangeCreated, change, nc.Author)
	return change, nil
}

// GetLatestProposedVersion 返回字段当前提议的完整文本，没有提议时 ok=false
func (e *Engine) GetLatestProposedVersion(ctx context.Context, submissionID, field string) (string, bool, error) {
	latest, err := e.latestProposed(ctx, submissionID, field)
	if err != nil || latest == nil {
		return "", false, err
	}
	return latest.ProposedText(), true, nil
}

func (e *Engine) GetCompleteProposedVersion(ctx context.Context, submissionID, field string) (string, bool, error) {
	return e.GetLatestProposedVersion(ctx, submissionID, field)
}

// GetCompleteRichTextProposedVersion 优先返回记录下来的富文本；
// 没有富文本时返回纯文本提议版本，由调用方决定是否合并回文档
func (e *Engine) GetCompleteRichTextProposedVersion(ctx context.Context, submissionID, field string) (string, bool, error) {
	latest, err := e.latestProposed(ctx, submissionID, field)
	if err != nil || latest == nil {
		return "", false, err
	}
	if latest.RichTextNewValue != "" {
		return latest.RichTextNewValue, true, nil
	}
	return latest.ProposedText(), true, nil
}

// ResolveRichTextProposedVersion 返回可直接渲染的富文本：
// 有记录的富文本直接用，否则把纯文本提议合并进 originalDoc
func (e *Engine) ResolveRichTextProposedVersion(ctx context.Context, submissionID, field, originalDoc string) (string, bool, error) {
	latest, err := e.latestProposed(ctx, submissionID, field)
	if err != nil || latest == nil {
		return "", false, err
	}
	if latest.RichTextNewValue != "" {
		return latest.RichTextNewValue, true, nil
	}
	return MergeTextIntoRichDocument(originalDoc, latest.ProposedText()), true, nil
}

// GetChange 先走 change-index，索引缺失时扫描全部变更并补写索引
func (e *Engine) GetChange(ctx context.Context, changeID string) (*TrackedChange, error) {
	var idx changeIndex
	found, err := e.store.GetObject(ctx, changeIndexKey(changeID), &idx)
	if err != nil {
		e.log.Warn().Err(err).Str("change_id", changeID).Msg("read change index failed")
	}
	if found {
		var c TrackedChange
		ok, err := e.store.GetObject(ctx, changeKey(idx.SubmissionID, changeID), &c)
		if err != nil {
			return nil, fmt.Errorf("get change %s: %w", changeID, err)
		}
		if ok {
			return &c, nil
		}
	}

	entries, err := e.store.ListObjects(ctx, changesRoot)
	if err != nil {
		return nil, fmt.Errorf("scan changes for %s: %w", changeID, err)
	}
	for _, c := range e.decodeChanges(entries) {
		if c.ID != changeID {
			continue
		}
		if err := e.store.PutObject(ctx, changeIndexKey(c.ID), changeIndex{SubmissionID: c.SubmissionID}, 0); err != nil {
			e.log.Warn().Err(err).Str("change_id", c.ID).Msg("repair change index failed")
		}
		return &c, nil
	}
	return nil, ErrChangeNotFound
}

// UpdateChangeStatus 只允许 pending -> approved / rejected，
// 已审批或已拒绝的变更必须先 UndoChange
func (e *Engine) UpdateChangeStatus(ctx context.Context, changeID string, status Status, actor Actor) (*TrackedChange, error) {
	if status != StatusApproved && status != StatusRejected {
		return nil, ErrInvalidStatus
	}
	c, err := e.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, status)
	}

	at := e.now().UTC()
	c.Status = status
	evt := events.EventChangeApproved
	if status == StatusApproved {
		c.ApprovedBy, c.ApprovedByName, c.ApprovedAt = actor.ID, actor.Name, &at
	} else {
		c.RejectedBy, c.RejectedByName, c.RejectedAt = actor.ID, actor.Name, &at
		evt = events.EventChangeRejected
	}

	if err := e.save(ctx, c); err != nil {
		return nil, err
	}
	metrics.TrackedChangeTransitions.WithLabelValues(string(status)).Inc()
	e.publish(ctx, evt, c, actor)
	return c, nil
}

// UndoChange 把 approved / rejected 的变更恢复为 pending，并清空两组审批字段
func (e *Engine) UndoChange(ctx context.Context, changeID string, actor Actor) (*TrackedChange, error) {
	c, err := e.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusApproved && c.Status != StatusRejected {
		return nil, fmt.Errorf("%w: undo %s change", ErrInvalidTransition, c.Status)
	}

	c.Status = StatusPending
	c.ApprovedBy, c.ApprovedByName, c.ApprovedAt = "", "", nil
	c.RejectedBy, c.RejectedByName, c.RejectedAt = "", "", nil

	if err := e.save(ctx, c); err != nil {
		return nil, err
	}
	metrics.TrackedChangeTransitions.WithLabelValues("undone").Inc()
	e.publish(ctx, events.EventChangeUndone, c, actor)
	return c, nil
}

func (e *Engine) save(ctx context.Context, c *TrackedChange) error {
	if err := e.store.PutObject(ctx, changeKey(c.SubmissionID, c.ID), c, 0); err != nil {
		e.log.Error().Err(err).Str("change_id", c.ID).Msg("store tracked change failed")
		return fmt.Errorf("store change %s: %w", c.ID, err)
	}
	e.invalidate(ctx, c.SubmissionID)
	return nil
}

// invalidate 先推进代数再删聚合缓存，必须在变更写入之后调用
func (e *Engine) invalidate(ctx context.Context, submissionID string) {
	if err := e.store.PutObject(ctx, generationKey(submissionID), newUUID(), 0); err != nil {
		e.log.Warn().Err(err).Str("submission_id", submissionID).Msg("bump change list generation failed")
	}
	if err := e.store.DeleteObject(ctx, aggregateKey(submissionID)); err != nil {
		e.log.Warn().Err(err).Str("submission_id", submissionID).Msg("invalidate change list cache failed")
	}
}

func (e *Engine) decodeChanges(entries []objstore.Entry) []TrackedChange {
	out := make([]TrackedChange, 0, len(entries))
	for _, ent := range entries {
		var c TrackedChange
		if err := ent.Decode(&c); err != nil {
			e.log.Warn().Err(err).Str("key", ent.Key).Msg("skip undecodable change")
			continue
		}
		out = append(out, c)
	}
	return out
}

// 事件发布失败只记录日志，不影响变更本身
func (e *Engine) publish(ctx context.Context, typ events.EventType, c *TrackedChange, actor Actor) {
	if e.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	evt := events.ChangeEvent{
		EventType:    typ,
		ChangeID:     c.ID,
		SubmissionID: c.SubmissionID,
		Field:        c.Field,
		Status:       string(c.Status),
		ActorID:      actor.ID,
		ActorName:    actor.Name,
		OccurredAt:   e.now().UTC(),
	}
	if err := e.pub.Enqueue(ctx, evt); err != nil {
		e.log.Warn().Err(err).Str("event", string(typ)).Str("change_id", c.ID).Msg("enqueue change event failed")
	}
}

func sortNewestFirst(changes []TrackedChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		if !changes[i].Timestamp.Equal(changes[j].Timestamp) {
			return changes[i].Timestamp.After(changes[j].Timestamp)
		}
		return changes[i].ID > changes[j].ID
	})
}
