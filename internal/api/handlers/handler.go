package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/smartgazer/internal/api/smartcar"
	"github.com/langchou/smartgazer/internal/service"
	"github.com/langchou/smartgazer/internal/state"
	"github.com/langchou/smartgazer/pkg/ws"
)

// Authorizer 生成 Smartcar Connect 授权地址
type Authorizer interface {
	AuthURL(state string) string
}

// Dependencies Handler 依赖
type Dependencies struct {
	Ingest   *service.IngestService
	Tokens   *service.TokenManager
	Resolver *service.Resolver
	Admin    *service.AdminService
	Vehicles service.VehicleStore
	Auth     Authorizer
	Hub      *ws.Hub
	Machines *state.Manager

	// StoreMode 存储模式，postgres 或 memory
	StoreMode string
	// StorePing 检查存储连通性，内存模式为空
	StorePing func(ctx context.Context) error
	// BreakerState 上游熔断器状态，可为空
	BreakerState func() string
}

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	deps     Dependencies
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(logger *zap.Logger, deps Dependencies) *Handler {
	return &Handler{
		logger: logger,
		deps:   deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 移动端直连，不校验来源
			},
		},
	}
}

// respondError 把服务层错误映射成稳定的 JSON 错误
func (h *Handler) respondError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, smartcar.ErrRateLimited):
		var statusErr *smartcar.StatusError
		if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(statusErr.RetryAfter.Seconds())))
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "upstream rate limit reached", "retry": "later"})
	case errors.Is(err, smartcar.ErrUpstreamUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upstream temporarily unavailable", "retry": "later"})
	case errors.Is(err, service.ErrNoValidToken), errors.Is(err, smartcar.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "re-authentication required", "reauth": true})
	case errors.Is(err, service.ErrVehicleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "vehicle not found"})
	default:
		h.logger.Error("Failed to "+action, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + action})
	}
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "no data found"})
}

// HandleWebSocket WebSocket 处理，vehicle_id 为空时订阅全部车辆
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	h.deps.Hub.Serve(c.Request.Context(), conn, c.Query("vehicle_id"))
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"store":  h.deps.StoreMode,
	}
	if h.deps.Hub != nil {
		resp["ws_clients"] = h.deps.Hub.ClientCount()
	}
	if h.deps.Machines != nil {
		resp["credentials"] = h.deps.Machines.States()
	}
	if h.deps.BreakerState != nil {
		resp["upstream_breaker"] = h.deps.BreakerState()
	}

	code := http.StatusOK
	if h.deps.StorePing != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.StorePing(ctx); err != nil {
			h.logger.Warn("Store health check failed", zap.Error(err))
			resp["status"] = "degraded"
			resp["store_error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, resp)
}
