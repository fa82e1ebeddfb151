package models

import "time"

// User 用户，ID 来自客户端（OAuth state）或 webhook
type User struct {
	ID         int64     `json:"id" db:"id"`
	ExternalID string    `json:"user_id" db:"external_id"`
	Email      *string   `json:"email,omitempty" db:"email"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Credential OAuth 凭据，随车辆行一起原子写入
type Credential struct {
	AccessToken  string    `json:"-" db:"access_token"`
	RefreshToken string    `json:"-" db:"refresh_token"`
	ExpiresAt    time.Time `json:"token_expires_at" db:"token_expires_at"`
	Invalid      bool      `json:"credential_invalid" db:"credential_invalid"` // 刷新失败后置位，需重新授权
}

// Present 是否已有可用的 access token
func (c Credential) Present() bool {
	return c.AccessToken != ""
}

// Vehicle 车辆信息
type Vehicle struct {
	ID         int64      `json:"id" db:"id"`
	SmartcarID string     `json:"vehicle_id" db:"smartcar_id"`
	UserID     string     `json:"user_id" db:"user_external_id"` // 创建时确定，之后不再变更
	Make       string     `json:"make" db:"make"`
	Model      string     `json:"model" db:"model"`
	Year       int        `json:"year" db:"year"`
	Credential Credential `json:"credential" db:"-"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// VehicleAttributes webhook 或上游带来的描述信息，后写覆盖
type VehicleAttributes struct {
	SmartcarID string
	Make       string
	Model      string
	Year       int
}

// Dump 调试用的全表导出
type Dump struct {
	Users    []*User    `json:"users"`
	Vehicles []*Vehicle `json:"vehicles"`
	Events   []*Event   `json:"events"`
}
