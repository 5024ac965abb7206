package objstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// objectRow 对应 collab_objects 表
type objectRow struct {
	ObjectKey string     `gorm:"column:object_key;primaryKey;type:varchar(255)"`
	Value     []byte     `gorm:"column:value;type:longblob;not null"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

func (objectRow) TableName() string { return "collab_objects" }

type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Store = (*GormStore)(nil)

// OpenMySQL 解析 DSN（强制 parseTime），打开 gorm 连接并建表
func OpenMySQL(dsn string) (*GormStore, error) {
	dsnCfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	dsnCfg.ParseTime = true
	dsnCfg.Loc = time.UTC

	db, err := gorm.Open(gormmysql.New(gormmysql.Config{DSNConfig: dsnCfg}), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	s, err := NewGormStore(db)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return s, nil
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&objectRow{}); err != nil {
		return nil, fmt.Errorf("migrate collab_objects: %w", err)
	}
	return &GormStore{db: db, now: time.Now}, nil
}

// Close 关闭底层连接池
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) GetObject(ctx context.Context, key string, out any) (bool, error) {
	var row objectRow
	err := s.db.WithContext(ctx).Where("object_key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if row.ExpiresAt != nil && !s.now().Before(*row.ExpiresAt) {
		// 过期记录惰性删除
		_ = s.DeleteObject(ctx, key)
		return false, nil
	}
	if err := decode(key, row.Value, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *GormStore) PutObject(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(key, value)
	if err != nil {
		return err
	}
	row := objectRow{
		ObjectKey: key,
		Value:     data,
		ExpiresAt: expiry(s.now(), ttl),
		UpdatedAt: s.now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

func (s *GormStore) DeleteObject(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("object_key = ?", key).Delete(&objectRow{}).Error
}

func (s *GormStore) ListObjects(ctx context.Context, prefix string) ([]Entry, error) {
	var rows []objectRow
	err := s.db.WithContext(ctx).
		Where("object_key LIKE ?", escapeLike(prefix)+"%").
		Where("expires_at IS NULL OR expires_at > ?", s.now().UTC()).
		Order("object_key").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{Key: r.ObjectKey, Value: r.Value})
	}
	return out, nil
}
