// Package objstore 提供变更引擎使用的持久化键值对象存储：
// get / put / delete / list-by-prefix，值以 JSON 编码保存。
package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Entry 是 ListObjects 返回的一条记录，Value 为原始 JSON
type Entry struct {
	Key   string
	Value json.RawMessage
}

// Decode 把 Value 解码到 out
func (e Entry) Decode(out any) error {
	return json.Unmarshal(e.Value, out)
}

type Store interface {
	// GetObject 读取 key 并解码到 out；不存在（或已过期）时返回 false, nil
	GetObject(ctx context.Context, key string, out any) (bool, error)
	// PutObject 写入 value；ttl <= 0 表示永不过期
	PutObject(ctx context.Context, key string, value any, ttl time.Duration) error
	DeleteObject(ctx context.Context, key string) error
	// ListObjects 按 key 升序返回所有以 prefix 开头的未过期记录
	ListObjects(ctx context.Context, prefix string) ([]Entry, error)
}

func encode(key string, value any) ([]byte, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	return b, nil
}

func decode(key string, data []byte, out any) error {
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func expiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

// escapeLike 转义 LIKE 模式中的通配符，前缀匹配时使用
func escapeLike(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}
