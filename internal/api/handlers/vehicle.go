package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/langchou/smartgazer/internal/models"
	"github.com/langchou/smartgazer/internal/service"
)

// ListVehicles 全部车辆
// GET /api/vehicles
func (h *Handler) ListVehicles(c *gin.Context) {
	vehicles, err := h.deps.Vehicles.ListVehicles(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "list vehicles")
		return
	}
	c.JSON(http.StatusOK, gin.H{"vehicles": orEmpty(vehicles)})
}

// ListUserVehicles 某个用户的车辆
// GET /api/user/:user_id/vehicles
func (h *Handler) ListUserVehicles(c *gin.Context) {
	userID := c.Param("user_id")
	vehicles, err := h.deps.Vehicles.ListVehiclesByUser(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "list vehicles")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "vehicles": orEmpty(vehicles)})
}

// GetSignal 单个信号的最新值，存储没有时位置和里程会实时读取
func (h *Handler) GetSignal(eventType models.EventType) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, vehicleID := c.Param("user_id"), c.Param("vehicle_id")

		res, err := h.deps.Resolver.Latest(c.Request.Context(), userID, vehicleID, eventType)
		if err != nil {
			h.respondError(c, err, "read "+eventType.Key())
			return
		}
		if !res.Found() {
			notFound(c)
			return
		}

		resp := h.envelope(userID, vehicleID, res.Event.RecordedAt, res.Outcome)
		addSignal(resp, res.Event)
		c.JSON(http.StatusOK, resp)
	}
}

// GetBattery 电量与标称容量
func (h *Handler) GetBattery(c *gin.Context) {
	userID, vehicleID := c.Param("user_id"), c.Param("vehicle_id")

	battery, err := h.deps.Resolver.Battery(c.Request.Context(), userID, vehicleID)
	if err != nil {
		h.respondError(c, err, "read battery")
		return
	}
	if battery == nil {
		notFound(c)
		return
	}

	var ts time.Time
	resp := gin.H{}
	for _, e := range []*models.Event{battery.StateOfCharge, battery.NominalCapacity} {
		if e == nil {
			continue
		}
		addSignal(resp, e)
		if e.RecordedAt.After(ts) {
			ts = e.RecordedAt
		}
	}
	for k, v := range h.envelope(userID, vehicleID, ts, service.OutcomeCache) {
		resp[k] = v
	}
	c.JSON(http.StatusOK, resp)
}

// GetLatestSignals 每种信号的最新值，只读存储
func (h *Handler) GetLatestSignals(c *gin.Context) {
	userID, vehicleID := c.Param("user_id"), c.Param("vehicle_id")

	latest, err := h.deps.Resolver.LatestSignals(c.Request.Context(), userID, vehicleID)
	if err != nil {
		h.respondError(c, err, "read latest signals")
		return
	}
	if len(latest) == 0 {
		notFound(c)
		return
	}

	signals := make(gin.H, len(latest))
	for t, e := range latest {
		signals[t.Key()] = gin.H{
			"event_type": t,
			"timestamp":  e.RecordedAt,
			"data":       e.Data,
		}
	}
	resp := gin.H{"vehicle_id": vehicleID, "signals": signals}
	if userID != "" {
		resp["user_id"] = userID
	}
	c.JSON(http.StatusOK, resp)
}

// GetAllEvents 车辆全部原始历史，按信号分组
func (h *Handler) GetAllEvents(c *gin.Context) {
	userID, vehicleID := c.Param("user_id"), c.Param("vehicle_id")

	grouped, total, err := h.deps.Resolver.All(c.Request.Context(), userID, vehicleID)
	if err != nil {
		h.respondError(c, err, "list events")
		return
	}
	if total == 0 {
		notFound(c)
		return
	}

	events := make(gin.H, len(grouped))
	for t, list := range grouped {
		events[t.Key()] = list
	}
	resp := gin.H{"vehicle_id": vehicleID, "total": total, "events": events}
	if userID != "" {
		resp["user_id"] = userID
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) envelope(userID, vehicleID string, ts time.Time, outcome service.Outcome) gin.H {
	resp := gin.H{
		"vehicle_id": vehicleID,
		"timestamp":  ts,
		"source":     outcome,
	}
	if userID != "" {
		resp["user_id"] = userID
	}
	return resp
}

// addSignal 按信号类型写入对外字段。载荷形状无法识别时原样返回 data。
func addSignal(resp gin.H, e *models.Event) {
	raw := e.Data
	switch e.Type {
	case models.EventLocation:
		if loc, ok := service.ExtractLocation(e.Data); ok {
			resp["location"] = loc
			return
		}
		resp["location"] = raw
	case models.EventOdometer:
		if v, ok := service.ExtractOdometer(e.Data); ok {
			resp["odometer"] = models.Odometer{Value: v}
			return
		}
		resp["odometer"] = raw
	case models.EventStateOfCharge:
		if v, ok := service.ExtractStateOfCharge(e.Data); ok {
			resp["state_of_charge"] = v
			return
		}
		resp["state_of_charge"] = raw
	case models.EventNominalCapacity:
		if v, ok := service.ExtractCapacity(e.Data); ok {
			resp["nominal_capacity"] = v
			return
		}
		resp["nominal_capacity"] = raw
	case models.EventChargeLimits:
		if limits, ok := service.ExtractChargeLimits(e.Data); ok {
			resp["charge_limit"] = limits.ActiveLimit
			resp["charge_limits"] = limits
			return
		}
		resp["charge_limits"] = raw
	default:
		resp["data"] = raw
	}
}

func orEmpty(vehicles []*models.Vehicle) []*models.Vehicle {
	if vehicles == nil {
		return []*models.Vehicle{}
	}
	return vehicles
}
