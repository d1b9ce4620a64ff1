package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"txopito/backend/internal/domain"
	"txopito/backend/internal/llm"
	"txopito/backend/internal/pool"
	"txopito/backend/internal/service"
	"txopito/backend/internal/storage"
)

var errNoUsableKeys = errors.New("no usable keys in pool")

const (
	proberWorkers   = 4
	proberQueueSize = 64
	// proberRate 限制探测频率，避免探测本身触发上游限流
	proberRate = rate.Limit(2)
)

// ProbeResult 单条凭证的探测结果
type ProbeResult struct {
	KeyID    string               `json:"keyId"`
	KeyName  string               `json:"keyName"`
	OK       bool                 `json:"ok"`
	Category domain.ErrorCategory `json:"category,omitempty"`
	Detail   string               `json:"detail,omitempty"`
	Elapsed  time.Duration        `json:"elapsedMs"`
}

// DiagnosticsReport 一次完整诊断的汇总
type DiagnosticsReport struct {
	CheckedAt time.Time     `json:"checkedAt"`
	Total     int           `json:"total"`
	Healthy   int           `json:"healthy"`
	Failed    int           `json:"failed"`
	Results   []ProbeResult `json:"results"`
}

// KeyProber 逐条探测凭证有效性。
//
// 探测走上游的模型列表端点，会消耗配额，因此周期探测默认关闭，
// 仅在管理员显式触发诊断或配置了探测周期时运行。
// 探测结果回写凭证健康：失效凭证记错误，配额恢复的凭证重新启用。
type KeyProber struct {
	client  llm.Client
	store   storage.KeyRepository
	keys    *service.KeyStoreService
	log     *zap.Logger
	limiter *rate.Limiter
}

// NewKeyProber 创建凭证探测器
func NewKeyProber(client llm.Client, store storage.KeyRepository, keys *service.KeyStoreService, log *zap.Logger) *KeyProber {
	return &KeyProber{
		client:  client,
		store:   store,
		keys:    keys,
		log:     log.Named("prober"),
		limiter: rate.NewLimiter(proberRate, 1),
	}
}

// RunDiagnostics 并发探测全部凭证并汇总报告。
// 由管理端"运行诊断"动作触发。
func (p *KeyProber) RunDiagnostics(ctx context.Context) (*DiagnosticsReport, error) {
	records, err := p.store.ListKeys()
	if err != nil {
		return nil, err
	}
	return p.sweep(ctx, records), nil
}

// sweep 并发探测给定凭证并汇总报告。
func (p *KeyProber) sweep(ctx context.Context, records []*domain.KeyRecord) *DiagnosticsReport {
	report := &DiagnosticsReport{
		CheckedAt: time.Now(),
		Total:     len(records),
		Results:   make([]ProbeResult, len(records)),
	}

	workers := pool.NewWorkerPool(proberWorkers, proberQueueSize, p.log)
	workers.Start(ctx)

	var wg sync.WaitGroup
	for i, record := range records {
		i, record := i, record
		wg.Add(1)
		workers.Submit(func() {
			defer wg.Done()
			report.Results[i] = p.probe(ctx, record)
		})
	}
	wg.Wait()
	workers.Stop()

	for _, r := range report.Results {
		if r.OK {
			report.Healthy++
		} else {
			report.Failed++
		}
	}
	p.log.Info("diagnostics finished",
		zap.Int("total", report.Total),
		zap.Int("healthy", report.Healthy),
		zap.Int("failed", report.Failed),
	)
	return report
}

// RunSuspectCheck 只探测失效或有错误记录的凭证。
// 周期任务走这条路径：健康凭证不消耗探测配额，恢复的凭证重新启用。
func (p *KeyProber) RunSuspectCheck(ctx context.Context) (*DiagnosticsReport, error) {
	records, err := p.store.ListKeys()
	if err != nil {
		return nil, err
	}
	suspects := make([]*domain.KeyRecord, 0, len(records))
	for _, record := range records {
		if !record.IsUsable() || record.ErrorCount > 0 {
			suspects = append(suspects, record)
		}
	}
	return p.sweep(ctx, suspects), nil
}

// Run 周期探测循环，interval <= 0 时直接返回。
func (p *KeyProber) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.RunSuspectCheck(ctx); err != nil {
				p.log.Warn("periodic key probe failed", zap.Error(err))
			}
		}
	}
}

// probe 探测一条凭证并回写健康状态。
func (p *KeyProber) probe(ctx context.Context, record *domain.KeyRecord) ProbeResult {
	result := ProbeResult{
		KeyID:   record.ID,
		KeyName: record.Name,
	}

	if err := p.limiter.Wait(ctx); err != nil {
		result.Category = domain.CategorySystem
		result.Detail = err.Error()
		return result
	}

	start := time.Now()
	err := p.client.CheckKey(ctx, record.Secret)
	result.Elapsed = time.Since(start)

	if err == nil {
		result.OK = true
		// 曾被标记失效的凭证探测通过后恢复可用
		if !record.IsUsable() {
			if rerr := p.keys.Reactivate(record.ID); rerr != nil {
				p.log.Warn("reactivate recovered key failed",
					zap.String("keyId", record.ID), zap.Error(rerr))
			}
		}
		return result
	}

	classification := service.Classify(err.Error(), "key probe")
	result.Category = classification.Category
	result.Detail = classification.AdminMessage

	switch classification.Category {
	case domain.CategoryQuota:
		if merr := p.keys.MarkQuotaExceeded(record.ID, err.Error()); merr != nil {
			p.log.Warn("mark quota exceeded failed", zap.String("keyId", record.ID), zap.Error(merr))
		}
	case domain.CategoryAuth:
		if merr := p.keys.MarkError(record.ID, err.Error()); merr != nil {
			p.log.Warn("mark key error failed", zap.String("keyId", record.ID), zap.Error(merr))
		}
	default:
		// 网络/超时类故障是环境问题，不改动凭证健康
	}
	return result
}
