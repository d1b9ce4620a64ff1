package auth

import (
	"errors"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"txopito/backend/internal/config"
	"txopito/backend/internal/domain"
)

var (
	// ErrInvalidCredentials 用户名或密码错误
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotConfigured 管理员账户未配置
	ErrNotConfigured = errors.New("admin account not configured")
)

// Service 管理端认证服务。
// 账户来自配置而非数据库：网关只有少量受信任的运维账户。
type Service struct {
	username     string
	passwordHash []byte
	creatorName  string
	log          *zap.Logger
}

// NewService 创建认证服务。
// 优先使用配置中的 bcrypt 哈希；仅给出明文密码时即时哈希（开发环境）。
func NewService(cfg *config.AdminConfig, log *zap.Logger) (*Service, error) {
	var hash []byte
	switch {
	case cfg.PasswordHash != "":
		hash = []byte(cfg.PasswordHash)
	case cfg.Password != "":
		h, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		hash = h
		log.Warn("admin password configured in plaintext, use admin.password_hash in production")
	}

	return &Service{
		username:     cfg.Username,
		passwordHash: hash,
		creatorName:  cfg.CreatorName,
		log:          log,
	}, nil
}

// Authenticate 校验用户名密码，返回会话角色。
func (s *Service) Authenticate(username, password string) (domain.ViewerRole, error) {
	if len(s.passwordHash) == 0 {
		return "", ErrNotConfigured
	}
	if username != s.username {
		// 恒定时间比较意义不大（用户名非机密），但密码必须走 bcrypt
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	if s.creatorName != "" && username == s.creatorName {
		return domain.RoleViewerCreator, nil
	}
	return domain.RoleViewerAdmin, nil
}
