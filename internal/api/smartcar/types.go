package smartcar

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/langchou/smartgazer/internal/models"
)

var (
	// ErrUnauthorized token 过期或被撤销，需要重新授权
	ErrUnauthorized = errors.New("smartcar: unauthorized")
	// ErrRateLimited 触发上游限流，稍后再试
	ErrRateLimited = errors.New("smartcar: rate limited")
	// ErrUpstreamUnavailable 熔断器打开，暂不请求上游
	ErrUpstreamUnavailable = errors.New("smartcar: upstream unavailable")
)

// StatusError 上游返回的非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("smartcar: status=%d body=%s", e.StatusCode, e.Body)
}

// Unwrap 让 errors.Is 能识别 ErrUnauthorized / ErrRateLimited
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

// Token OAuth 令牌
type Token struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int       `json:"expires_in"`
	RefreshExpiresIn int       `json:"refresh_expires_in,omitempty"`
	ExpiresAt        time.Time `json:"-"`
}

// Credential 转换为持久化凭据
func (t *Token) Credential() models.Credential {
	return models.Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.ExpiresAt,
	}
}

// VehicleInfo 车辆基本信息
type VehicleInfo struct {
	ID    string `json:"id"`
	Make  string `json:"make"`
	Model string `json:"model"`
	Year  int    `json:"year"`
}

// Attributes 转换为车辆属性
func (v *VehicleInfo) Attributes() models.VehicleAttributes {
	return models.VehicleAttributes{
		SmartcarID: v.ID,
		Make:       v.Make,
		Model:      v.Model,
		Year:       v.Year,
	}
}

// Location 车辆位置
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Odometer 里程读数 (km)
type Odometer struct {
	Distance float64 `json:"distance"`
}

type vehicleIDsResponse struct {
	Vehicles []string `json:"vehicles"`
	Paging   struct {
		Count  int `json:"count"`
		Offset int `json:"offset"`
	} `json:"paging"`
}
