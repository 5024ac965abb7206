package tracked

import (
	"context"
	"fmt"
	"time"
)

const historyLimit = 100

// HistoryFilter 的时间范围两端都包含；零值表示不限
type HistoryFilter struct {
	Start  time.Time
	End    time.Time
	UserID string
}

type HistoryStats struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Approved     int `json:"approved"`
	Rejected     int `json:"rejected"`
	Contributors int `json:"contributors"`
}

type History struct {
	Changes []TrackedChange `json:"changes"`
	Stats   HistoryStats    `json:"stats"`
}

func (f HistoryFilter) match(c *TrackedChange) bool {
	if !f.Start.IsZero() && c.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && c.Timestamp.After(f.End) {
		return false
	}
	if f.UserID != "" && c.ChangedBy != f.UserID {
		return false
	}
	return true
}

// GetChangeHistory 是统计用的读路径：扫描全部变更，过滤后按时间倒序取最近 100 条。
// 统计值基于过滤后的全集，不受截断影响。
func (e *Engine) GetChangeHistory(ctx context.Context, f HistoryFilter) (*History, error) {
	entries, err := e.store.ListObjects(ctx, changesRoot)
	if err != nil {
		return nil, fmt.Errorf("scan change history: %w", err)
	}

	all := e.decodeChanges(entries)
	matched := make([]TrackedChange, 0, len(all))
	authors := make(map[string]struct{})
	var stats HistoryStats
	for i := range all {
		c := &all[i]
		if !f.match(c) {
			continue
		}
		matched = append(matched, *c)
		authors[c.ChangedBy] = struct{}{}
		switch c.Status {
		case StatusPending:
			stats.Pending++
		case StatusApproved:
			stats.Approved++
		case StatusRejected:
			stats.Rejected++
		}
	}
	stats.Total = len(matched)
	stats.Contributors = len(authors)

	sortNewestFirst(matched)
	if len(matched) > historyLimit {
		matched = matched[:historyLimit]
	}
	return &History{Changes: matched, Stats: stats}, nil
}
