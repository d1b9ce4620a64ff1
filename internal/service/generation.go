package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"txopito/backend/internal/domain"
	"txopito/backend/internal/llm"
)

// ErrEmptyHistory 消息历史为空，请求在任何网络调用之前被拒绝。
var ErrEmptyHistory = errors.New("empty message history")

// GenerationError 一次生成调用的类型化失败。
// 携带分类结果供表现层按角色渲染；Fatal 表示无可用凭证的
// 终态配置错误，调用方不应换凭证重试。
type GenerationError struct {
	Classification domain.Classification
	Fatal          bool
	Err            error
}

// Error 实现 error 接口
func (e *GenerationError) Error() string {
	return e.Classification.AdminMessage
}

// Unwrap 支持 errors.Is/As 链式判定
func (e *GenerationError) Unwrap() error {
	return e.Err
}

// GenerationService 生成请求处理器。
//
// 每次调用只做一次逻辑尝试：先走流式，流式传输因瞬时原因失败时
// 回退为一次非流式调用。失败以类型化错误上抛，绝不对同一请求
// 静默重试；跨凭证的重试由调用方在轮换引擎推进后重新发起。
type GenerationService struct {
	client   llm.Client
	keys     *KeyStoreService
	rotator  *RotationService
	errorLog *ErrorLogService
	log      *zap.Logger
}

// NewGenerationService 创建生成请求处理器。
func NewGenerationService(client llm.Client, keys *KeyStoreService, rotator *RotationService, errorLog *ErrorLogService, log *zap.Logger) *GenerationService {
	return &GenerationService{
		client:   client,
		keys:     keys,
		rotator:  rotator,
		errorLog: errorLog,
		log:      log.Named("generation"),
	}
}

// Generate 发起一次生成调用。
//
// sink 非空时流式输出逐块写入 sink；流式失败且属瞬时传输
// 问题时回退为非流式（此时 sink 收不到增量，结果整体返回）。
// 空消息历史与无可用凭证都在任何网络调用之前被拒绝。
func (s *GenerationService) Generate(ctx context.Context, req *domain.GenerationRequest, sink llm.StreamSink) (*domain.GenerationResult, error) {
	if req == nil || req.IsEmpty() {
		return nil, s.record(Classify("empty message history", "generation request rejected"), false, ErrEmptyHistory)
	}

	key, err := s.rotator.Current()
	if err != nil {
		if errors.Is(err, ErrNoUsableKey) {
			return nil, s.record(Classify("no usable key available", "generation aborted before network call"), true, err)
		}
		return nil, s.record(Classify(err.Error(), "rotation state lookup failed"), false, err)
	}

	start := time.Now()
	text, streamed, callErr := s.callUpstream(ctx, key.Secret, req, sink)
	elapsed := time.Since(start)

	if callErr != nil {
		classification := Classify(callErr.Error(), "upstream call failed, key "+key.ID)
		s.creditFailure(key.ID, classification)
		s.log.Warn("generation failed",
			zap.String("keyId", key.ID),
			zap.String("category", string(classification.Category)),
			zap.Duration("elapsed", elapsed),
			zap.Error(callErr),
		)
		return nil, s.record(classification, false, callErr)
	}

	if err := s.keys.MarkUsed(key.ID); err != nil {
		s.log.Warn("mark key used failed", zap.String("keyId", key.ID), zap.Error(err))
	}
	s.log.Info("generation succeeded",
		zap.String("keyId", key.ID),
		zap.Bool("streamed", streamed),
		zap.Int("chars", len(text)),
		zap.Duration("elapsed", elapsed),
	)
	return &domain.GenerationResult{
		Text:     text,
		KeyID:    key.ID,
		Streamed: streamed,
		Elapsed:  elapsed,
	}, nil
}

// callUpstream 执行一次上游调用：优先流式，瞬时失败时回退非流式。
func (s *GenerationService) callUpstream(ctx context.Context, secret string, req *domain.GenerationRequest, sink llm.StreamSink) (string, bool, error) {
	if sink == nil {
		text, err := s.client.Generate(ctx, secret, req)
		return text, false, err
	}

	text, err := s.client.GenerateStream(ctx, secret, req, sink)
	if err == nil {
		return text, true, nil
	}
	if ctx.Err() != nil || !transientStreamFailure(err) {
		return "", true, err
	}

	s.log.Debug("streaming failed, falling back to non-streaming", zap.Error(err))
	text, err = s.client.Generate(ctx, secret, req)
	return text, false, err
}

// transientStreamFailure 判断流式失败是否值得非流式回退。
// 凭证、配额与内容安全问题换传输方式也不会好转，不回退。
func transientStreamFailure(err error) bool {
	switch Classify(err.Error(), "").Category {
	case domain.CategoryAuth, domain.CategoryQuota, domain.CategorySafety, domain.CategoryValidation:
		return false
	default:
		return true
	}
}

// creditFailure 按故障类别记录凭证健康。
// 配额类失败打配额标记，凭证类与未归类失败记错误计数（累积后
// 自动禁用）；网络/超时/内容安全/报文问题不归咎于凭证本身。
func (s *GenerationService) creditFailure(keyID string, c domain.Classification) {
	var err error
	switch c.Category {
	case domain.CategoryQuota:
		err = s.keys.MarkQuotaExceeded(keyID, c.RawMessage)
	case domain.CategoryAuth, domain.CategorySystem:
		err = s.keys.MarkError(keyID, c.RawMessage)
	default:
		return
	}
	if err != nil {
		s.log.Warn("credit key failure failed", zap.String("keyId", keyID), zap.Error(err))
	}
}

// record 把分类写入错误日志并包装为类型化错误。
func (s *GenerationService) record(c domain.Classification, fatal bool, cause error) *GenerationError {
	s.errorLog.Record(c)
	return &GenerationError{
		Classification: c,
		Fatal:          fatal,
		Err:            cause,
	}
}
