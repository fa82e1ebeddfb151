package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Login 跳转到 Smartcar Connect
// GET /login?user_id=
// 未提供 user_id 时生成一个新的，通过 OAuth state 带回 /exchange
func (h *Handler) Login(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = uuid.NewString()
	}
	c.Redirect(http.StatusFound, h.deps.Auth.AuthURL(userID))
}

// Exchange OAuth 回调：换取凭据并登记授权的车辆
// GET /exchange?code=&state=
func (h *Handler) Exchange(c *gin.Context) {
	if reason := c.Query("error"); reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": reason, "description": c.Query("error_description")})
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization code not found in request"})
		return
	}

	userID := c.Query("state")
	if userID == "" {
		userID = uuid.NewString()
	}

	result, err := h.deps.Tokens.ExchangeCode(c.Request.Context(), code, userID)
	if err != nil {
		h.respondError(c, err, "exchange code")
		return
	}

	h.logger.Info("Vehicles connected", zap.String("user_id", userID), zap.Int("count", len(result.Vehicles)))
	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"user_id":  result.UserID,
		"vehicles": result.Vehicles,
	})
}
