package service

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"txopito/backend/internal/domain"
	"txopito/backend/internal/storage"
)

// ErrorLogService 封装分类错误日志：带上限的追加写与统计读取。
type ErrorLogService struct {
	repo storage.ErrorLogRepository
	log  *zap.Logger

	maxCount          int
	warningThreshold  int
	criticalThreshold int
}

// NewErrorLogService 创建错误日志服务。
// maxCount 为日志保留上限，超出后淘汰最老条目；
// warning/critical 阈值按最近 24 小时错误数给系统健康分档。
func NewErrorLogService(repo storage.ErrorLogRepository, log *zap.Logger, maxCount, warningThreshold, criticalThreshold int) *ErrorLogService {
	return &ErrorLogService{
		repo:              repo,
		log:               log.Named("errorlog"),
		maxCount:          maxCount,
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

// Record 把一条分类结果写入错误日志并裁剪到容量上限。
// 日志写入失败只记录告警，不影响主流程。
func (s *ErrorLogService) Record(c domain.Classification) *domain.ErrorRecord {
	record := &domain.ErrorRecord{
		ID:           uuid.NewString(),
		Category:     c.Category,
		Severity:     c.Severity,
		RawMessage:   c.RawMessage,
		UserMessage:  c.UserMessage,
		AdminMessage: c.AdminMessage,
		Context:      c.Context,
		CreatedAt:    time.Now(),
	}

	if err := s.repo.AppendError(record); err != nil {
		s.log.Warn("append error record failed", zap.Error(err))
		return record
	}
	if _, err := s.repo.PruneErrors(s.maxCount); err != nil {
		s.log.Warn("prune error log failed", zap.Error(err))
	}
	return record
}

// GetLog 按时间倒序返回最近的错误条目。
func (s *ErrorLogService) GetLog(limit int) ([]*domain.ErrorRecord, error) {
	return s.repo.ListErrors(limit)
}

// ClearLog 清空错误日志。
func (s *ErrorLogService) ClearLog() error {
	return s.repo.ClearErrors()
}

// GetStats 汇总错误日志统计：总数、按类别、按严重度、最近 24 小时计数。
func (s *ErrorLogService) GetStats() (*domain.ErrorLogStats, error) {
	records, err := s.repo.ListErrors(0)
	if err != nil {
		return nil, err
	}

	stats := &domain.ErrorLogStats{
		Total:      len(records),
		ByCategory: make(map[domain.ErrorCategory]int),
		BySeverity: make(map[domain.ErrorSeverity]int),
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, r := range records {
		stats.ByCategory[r.Category]++
		stats.BySeverity[r.Severity]++
		if r.CreatedAt.After(cutoff) {
			stats.Last24h++
		}
	}
	return stats, nil
}

// GetSystemStatus 按最近 24 小时错误数给出健康分档。
func (s *ErrorLogService) GetSystemStatus() (domain.SystemStatus, int, error) {
	count, err := s.repo.CountErrorsSince(time.Now().Add(-24 * time.Hour))
	if err != nil {
		return "", 0, err
	}
	switch {
	case count >= s.criticalThreshold:
		return domain.StatusCritical, count, nil
	case count >= s.warningThreshold:
		return domain.StatusWarning, count, nil
	default:
		return domain.StatusHealthy, count, nil
	}
}
