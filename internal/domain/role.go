package domain

// ViewerRole 会话角色，决定错误详情的可见程度。
type ViewerRole string

const (
	RoleViewerUser    ViewerRole = "user"
	RoleViewerAdmin   ViewerRole = "admin"
	RoleViewerCreator ViewerRole = "creator"
)

// Privileged 管理员与创建者可见技术细节
func (r ViewerRole) Privileged() bool {
	return r == RoleViewerAdmin || r == RoleViewerCreator
}
