package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/langchou/smartgazer/internal/models"
)

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// Smartcar 回调
	r.POST("/webhook", h.HandleWebhook)
	r.GET("/login", h.Login)
	r.GET("/exchange", h.Exchange)

	api := r.Group("/api")
	{
		api.GET("/vehicles", h.ListVehicles)
		api.GET("/user/:user_id/vehicles", h.ListUserVehicles)

		h.registerVehicleRoutes(api.Group("/vehicle/:vehicle_id"))
		h.registerVehicleRoutes(api.Group("/user/:user_id/vehicle/:vehicle_id"))
	}

	// 运维工具，由网络层限制访问
	admin := r.Group("/admin")
	{
		admin.POST("/clear-events", h.ClearEvents)
		admin.POST("/clear-all", h.ClearAll)
		admin.GET("/dump", h.Dump)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// registerVehicleRoutes 单车读取接口，带或不带用户前缀各注册一份
func (h *Handler) registerVehicleRoutes(g *gin.RouterGroup) {
	g.GET("/location", h.GetSignal(models.EventLocation))
	g.GET("/odometer", h.GetSignal(models.EventOdometer))
	g.GET("/state-of-charge", h.GetSignal(models.EventStateOfCharge))
	g.GET("/nominal-capacity", h.GetSignal(models.EventNominalCapacity))
	g.GET("/charge-limits", h.GetSignal(models.EventChargeLimits))
	g.GET("/battery", h.GetBattery)
	g.GET("/latest-signals", h.GetLatestSignals)
	g.GET("/all", h.GetAllEvents)
}
