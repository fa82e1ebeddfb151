package service

import (
	"context"
	"errors"

	"github.com/langchou/smartgazer/internal/api/smartcar"
	"github.com/langchou/smartgazer/internal/models"
)

var (
	// ErrNoValidToken 凭据已失效或刷新失败，需要用户重新授权
	ErrNoValidToken = errors.New("no valid token, re-authentication required")
	// ErrNoCredential 车辆从未完成授权
	ErrNoCredential = errors.New("no credential stored for vehicle")
	// ErrVehicleNotFound 车辆不存在或不属于该用户
	ErrVehicleNotFound = errors.New("vehicle not found")
	// ErrUnsupportedPayload 合法 JSON 但不是已知的 webhook 形状
	ErrUnsupportedPayload = errors.New("unsupported webhook payload")
)

// EventStore 事件存储
type EventStore interface {
	Append(ctx context.Context, event *models.Event) error
	Latest(ctx context.Context, vehicleID string, eventType models.EventType) (*models.Event, error)
	ListByVehicle(ctx context.Context, vehicleID string) ([]*models.Event, error)
	Purge(ctx context.Context) (int64, error)
}

// VehicleStore 车辆与凭据存储
type VehicleStore interface {
	GetVehicle(ctx context.Context, smartcarID string) (*models.Vehicle, error)
	UpsertVehicle(ctx context.Context, attrs models.VehicleAttributes, ownerID string) (*models.Vehicle, bool, error)
	SaveCredential(ctx context.Context, smartcarID string, cred models.Credential) error
	InvalidateCredential(ctx context.Context, smartcarID string) error
	ListVehicles(ctx context.Context) ([]*models.Vehicle, error)
	ListVehiclesByUser(ctx context.Context, userID string) ([]*models.Vehicle, error)
}

// AdminStore 运维操作
type AdminStore interface {
	PurgeAll(ctx context.Context) error
	Dump(ctx context.Context) (*models.Dump, error)
}

// Upstream Smartcar API
type Upstream interface {
	ExchangeCode(ctx context.Context, code string) (*smartcar.Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (*smartcar.Token, error)
	GetVehicleIDs(ctx context.Context, accessToken string) ([]string, error)
	VehicleInfo(ctx context.Context, accessToken, vehicleID string) (*smartcar.VehicleInfo, error)
	VehicleLocation(ctx context.Context, accessToken, vehicleID string) (*smartcar.Location, error)
	VehicleOdometer(ctx context.Context, accessToken, vehicleID string) (*smartcar.Odometer, error)
}

// Publisher 推送新事件给订阅者
type Publisher interface {
	Publish(vehicleID, msgType string, data any)
}

// Metrics 服务层用到的指标
type Metrics interface {
	RecordDelivery(shape string)
	RecordEventIngested(eventType string)
	RecordSignalsDropped(n int)
	RecordPlaceholderOwner()
	RecordResolverOutcome(signal, outcome string)
	RecordTokenRefresh(result string)
}

type nopMetrics struct{}

func (nopMetrics) RecordDelivery(string)                {}
func (nopMetrics) RecordEventIngested(string)           {}
func (nopMetrics) RecordSignalsDropped(int)             {}
func (nopMetrics) RecordPlaceholderOwner()              {}
func (nopMetrics) RecordResolverOutcome(string, string) {}
func (nopMetrics) RecordTokenRefresh(string)            {}

func orNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
