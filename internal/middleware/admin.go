package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireAdmin 要求特权角色（admin 或 creator）。
// 必须挂在 JWTAuth.RequireAuth 之后。
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ViewerRoleFromContext(c).Privileged() {
			c.JSON(http.StatusForbidden, gin.H{
				"code": http.StatusForbidden,
				"msg":  "需要管理员权限",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
