package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler отвечает на проверки живости сервиса взыскания
type HealthHandler struct {
	startedAt time.Time
}

// NewHealthHandler создает новый обработчик проверки живости
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{startedAt: time.Now()}
}

// Check возвращает статус сервиса и время работы с момента запуска
func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "OK",
		"service":        "dunning",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"time":           time.Now().Format(time.RFC3339),
	})
}
