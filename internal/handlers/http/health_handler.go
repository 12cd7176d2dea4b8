package http

import (
	"net/http"

	"voicechat/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checker *monitoring.HealthChecker
}

func NewHealthHandler(checker *monitoring.HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *gin.Context) {
	respond(c, h.checker.Liveness(c.Request.Context()))
}

func (h *HealthHandler) Ready(c *gin.Context) {
	respond(c, h.checker.Readiness(c.Request.Context()))
}

func respond(c *gin.Context, status monitoring.HealthStatus) {
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
