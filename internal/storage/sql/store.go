package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"txopito/backend/internal/domain"
	"txopito/backend/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *sql.DB
	gorm       *gorm.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建 SQL 数据库存储
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	// 验证驱动类型
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	// 打开数据库连接
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 初始化 GORM
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var gormDB *gorm.DB
	if driverName == "mysql" {
		gormDB, err = gorm.Open(mysql.New(mysql.Config{Conn: db}), gormConfig)
	} else {
		gormDB, err = gorm.Open(postgres.New(postgres.Config{Conn: db}), gormConfig)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gorm:       gormDB,
		driverName: driverName,
	}

	// 自动执行数据库迁移
	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Migrate 执行数据库迁移（GORM AutoMigrate）
func (s *Store) Migrate() error {
	return s.gorm.AutoMigrate(
		&domain.KeyRecord{},
		&domain.RotationState{},
		&domain.RotationEvent{},
		&domain.ErrorRecord{},
	)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// ========== KeyRepository ==========

// SaveKey 保存新的凭证记录
func (s *Store) SaveKey(key *domain.KeyRecord) error {
	var count int64
	if err := s.gorm.Model(&domain.KeyRecord{}).Where("secret = ?", key.Secret).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return storage.ErrKeyExists
	}
	return s.gorm.Create(key).Error
}

// GetKey 按 ID 获取凭证
func (s *Store) GetKey(id string) (*domain.KeyRecord, error) {
	var key domain.KeyRecord
	if err := s.gorm.First(&key, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, err
	}
	return &key, nil
}

// GetKeyBySecret 按原始密钥精确匹配获取凭证
func (s *Store) GetKeyBySecret(secret string) (*domain.KeyRecord, error) {
	var key domain.KeyRecord
	if err := s.gorm.First(&key, "secret = ?", secret).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, err
	}
	return &key, nil
}

// ListKeys 按插入顺序返回全部凭证
func (s *Store) ListKeys() ([]*domain.KeyRecord, error) {
	var keys []*domain.KeyRecord
	if err := s.gorm.Order("position asc").Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// UpdateKey 更新凭证记录（secret 与 position 不可变更）
func (s *Store) UpdateKey(key *domain.KeyRecord) error {
	result := s.gorm.Model(&domain.KeyRecord{}).Where("id = ?", key.ID).
		Select("name", "is_active", "quota_exceeded", "last_used_at",
			"success_count", "error_count", "last_error", "updated_at").
		Updates(key)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrKeyNotFound
	}
	return nil
}

// DeleteKey 删除凭证记录
func (s *Store) DeleteKey(id string) error {
	result := s.gorm.Delete(&domain.KeyRecord{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrKeyNotFound
	}
	return nil
}

// CountUsableKeys 统计可用凭证数量
func (s *Store) CountUsableKeys() (int, error) {
	var count int64
	err := s.gorm.Model(&domain.KeyRecord{}).
		Where("is_active = ? AND quota_exceeded = ?", true, false).
		Count(&count).Error
	return int(count), err
}

// DeleteInvalidKeys 删除长期失效的凭证
func (s *Store) DeleteInvalidKeys(minErrors int64, before time.Time) (int, error) {
	result := s.gorm.
		Where("is_active = ? AND error_count >= ? AND updated_at < ?", false, minErrors, before).
		Delete(&domain.KeyRecord{})
	return int(result.RowsAffected), result.Error
}

// ========== RotationStateRepository ==========

// GetRotationState 获取轮换状态（单行，不存在时返回零值）
func (s *Store) GetRotationState() (*domain.RotationState, error) {
	var state domain.RotationState
	err := s.gorm.First(&state, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.RotationState{ID: 1}, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveRotationState 保存轮换状态
func (s *Store) SaveRotationState(state *domain.RotationState) error {
	state.ID = 1
	state.UpdatedAt = time.Now()
	return s.gorm.Save(state).Error
}

// ========== EventRepository ==========

// AppendEvent 追加轮换事件
func (s *Store) AppendEvent(event *domain.RotationEvent) error {
	return s.gorm.Create(event).Error
}

// ListEvents 按时间倒序返回最近的事件
func (s *Store) ListEvents(limit int) ([]*domain.RotationEvent, error) {
	var events []*domain.RotationEvent
	q := s.gorm.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// PruneEvents 裁剪事件日志
func (s *Store) PruneEvents(maxCount int, before time.Time) (int, error) {
	removed := 0

	// 按时长裁剪
	result := s.gorm.Where("created_at < ?", before).Delete(&domain.RotationEvent{})
	if result.Error != nil {
		return 0, result.Error
	}
	removed += int(result.RowsAffected)

	// 按数量裁剪：删除最近 maxCount 条之外的所有条目
	if maxCount > 0 {
		var ids []string
		err := s.gorm.Model(&domain.RotationEvent{}).
			Order("created_at desc").Offset(maxCount).Pluck("id", &ids).Error
		if err != nil {
			return removed, err
		}
		if len(ids) > 0 {
			result = s.gorm.Delete(&domain.RotationEvent{}, "id IN ?", ids)
			if result.Error != nil {
				return removed, result.Error
			}
			removed += int(result.RowsAffected)
		}
	}
	return removed, nil
}

// ========== ErrorLogRepository ==========

// AppendError 追加错误记录
func (s *Store) AppendError(record *domain.ErrorRecord) error {
	return s.gorm.Create(record).Error
}

// ListErrors 按时间倒序返回最近的错误
func (s *Store) ListErrors(limit int) ([]*domain.ErrorRecord, error) {
	var records []*domain.ErrorRecord
	q := s.gorm.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ClearErrors 清空错误日志
func (s *Store) ClearErrors() error {
	return s.gorm.Where("1 = 1").Delete(&domain.ErrorRecord{}).Error
}

// CountErrorsSince 统计某时间之后的错误数量
func (s *Store) CountErrorsSince(t time.Time) (int, error) {
	var count int64
	err := s.gorm.Model(&domain.ErrorRecord{}).Where("created_at >= ?", t).Count(&count).Error
	return int(count), err
}

// PruneErrors 淘汰最老的错误条目
func (s *Store) PruneErrors(maxCount int) (int, error) {
	if maxCount <= 0 {
		return 0, nil
	}
	var ids []string
	err := s.gorm.Model(&domain.ErrorRecord{}).
		Order("created_at desc").Offset(maxCount).Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.gorm.Delete(&domain.ErrorRecord{}, "id IN ?", ids)
	return int(result.RowsAffected), result.Error
}

// 确保接口实现完整
var _ storage.Store = (*Store)(nil)
