package breaker

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StatesHandler は GET /api/admin/breakers のハンドラーを返します。
func StatesHandler(reg *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"breakers": reg.Snapshots(),
		})
	}
}

// ResetHandler は POST /api/admin/breakers/:name/reset のハンドラーを返します。
func ResetHandler(reg *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !reg.Reset(name) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "BREAKER_NOT_FOUND",
				"message": "指定されたブレーカーは存在しません。",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"name":   name,
			"status": StateClosed.String(),
		})
	}
}
