package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/smartgazer/internal/api/smartcar"
	"github.com/langchou/smartgazer/internal/models"
	"github.com/langchou/smartgazer/internal/repository"
)

// Outcome 查询结果来源
type Outcome string

const (
	OutcomeCache    Outcome = "cache"
	OutcomeLive     Outcome = "live"
	OutcomeNotFound Outcome = "not_found"
)

// Resolution 某个信号的最新值及其来源
type Resolution struct {
	Outcome Outcome
	Event   *models.Event
}

// Found 是否有值
func (r *Resolution) Found() bool {
	return r != nil && r.Event != nil
}

// Resolver 回答“车辆 Y 的信号 X 最新值是多少”：先查存储，缺失时实时读取上游
type Resolver struct {
	logger   *zap.Logger
	events   EventStore
	vehicles VehicleStore
	tokens   *TokenManager
	upstream Upstream
	metrics  Metrics
	now      func() time.Time
}

// NewResolver 创建 Resolver
func NewResolver(
	logger *zap.Logger,
	events EventStore,
	vehicles VehicleStore,
	tokens *TokenManager,
	upstream Upstream,
	metrics Metrics,
) *Resolver {
	return &Resolver{
		logger:   logger,
		events:   events,
		vehicles: vehicles,
		tokens:   tokens,
		upstream: upstream,
		metrics:  orNop(metrics),
		now:      time.Now,
	}
}

// Authorize 校验车辆归属。userID 为空表示不限定用户。
func (r *Resolver) Authorize(ctx context.Context, userID, vehicleID string) error {
	if userID == "" {
		return nil
	}
	v, err := r.vehicles.GetVehicle(ctx, vehicleID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrVehicleNotFound, vehicleID)
	}
	if err != nil {
		return fmt.Errorf("load vehicle: %w", err)
	}
	if v.UserID != userID {
		return fmt.Errorf("%w: %s for user %s", ErrVehicleNotFound, vehicleID, userID)
	}
	return nil
}

// Latest 获取最新值：存储命中返回 cache；位置和里程缺失时实时读取（不入库）。
// 上游限流和认证失败以类型化错误返回。
func (r *Resolver) Latest(ctx context.Context, userID, vehicleID string, eventType models.EventType) (*Resolution, error) {
	if err := r.Authorize(ctx, userID, vehicleID); err != nil {
		return nil, err
	}

	res, err := r.resolve(ctx, vehicleID, eventType)
	if err != nil {
		r.metrics.RecordResolverOutcome(eventType.Key(), "error")
		return nil, err
	}
	r.metrics.RecordResolverOutcome(eventType.Key(), string(res.Outcome))
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, vehicleID string, eventType models.EventType) (*Resolution, error) {
	cached, err := r.events.Latest(ctx, vehicleID, eventType)
	if err == nil {
		return &Resolution{Outcome: OutcomeCache, Event: cached}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("read latest %s: %w", eventType, err)
	}

	if eventType != models.EventLocation && eventType != models.EventOdometer {
		return &Resolution{Outcome: OutcomeNotFound}, nil
	}

	token, err := r.tokens.GetValidToken(ctx, vehicleID)
	if errors.Is(err, ErrNoCredential) {
		return &Resolution{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	live, err := r.fetchLive(ctx, token, vehicleID, eventType)
	switch {
	case err == nil:
		return &Resolution{Outcome: OutcomeLive, Event: live}, nil
	case errors.Is(err, smartcar.ErrUnauthorized):
		if invErr := r.tokens.Invalidate(ctx, vehicleID); invErr != nil {
			r.logger.Error("Failed to invalidate rejected credential",
				zap.String("vehicle_id", vehicleID),
				zap.Error(invErr))
		}
		return nil, fmt.Errorf("%w: %v", ErrNoValidToken, err)
	case errors.Is(err, smartcar.ErrRateLimited), errors.Is(err, smartcar.ErrUpstreamUnavailable):
		return nil, err
	default:
		r.logger.Error("Failed to read live signal",
			zap.String("vehicle_id", vehicleID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		return &Resolution{Outcome: OutcomeNotFound}, nil
	}
}

// fetchLive 合成一条未持久化的事件
func (r *Resolver) fetchLive(ctx context.Context, token, vehicleID string, eventType models.EventType) (*models.Event, error) {
	var value any
	switch eventType {
	case models.EventLocation:
		loc, err := r.upstream.VehicleLocation(ctx, token, vehicleID)
		if err != nil {
			return nil, err
		}
		value = models.Location{Latitude: loc.Latitude, Longitude: loc.Longitude}
	case models.EventOdometer:
		odo, err := r.upstream.VehicleOdometer(ctx, token, vehicleID)
		if err != nil {
			return nil, err
		}
		value = models.Odometer{Value: odo.Distance}
	default:
		return nil, fmt.Errorf("no live read for %s", eventType)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode live %s: %w", eventType, err)
	}
	now := r.now().UTC()
	return &models.Event{
		VehicleID:  vehicleID,
		Type:       eventType,
		RecordedAt: now,
		Data:       data,
		CreatedAt:  now,
	}, nil
}

// LatestSignals 每种信号在存储中的最新值，不访问上游
func (r *Resolver) LatestSignals(ctx context.Context, userID, vehicleID string) (map[models.EventType]*models.Event, error) {
	if err := r.Authorize(ctx, userID, vehicleID); err != nil {
		return nil, err
	}

	out := make(map[models.EventType]*models.Event, len(models.EventTypes))
	for _, t := range models.EventTypes {
		e, err := r.events.Latest(ctx, vehicleID, t)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read latest %s: %w", t, err)
		}
		out[t] = e
	}
	return out, nil
}

// All 车辆全部事件，按类型分组，组内时间倒序
func (r *Resolver) All(ctx context.Context, userID, vehicleID string) (map[models.EventType][]*models.Event, int, error) {
	if err := r.Authorize(ctx, userID, vehicleID); err != nil {
		return nil, 0, err
	}

	events, err := r.events.ListByVehicle(ctx, vehicleID)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}

	grouped := make(map[models.EventType][]*models.Event)
	for _, e := range events {
		grouped[e.Type] = append(grouped[e.Type], e.WithoutRaw())
	}
	return grouped, len(events), nil
}

// Battery 电量与标称容量的组合读取，只查存储
type Battery struct {
	StateOfCharge   *models.Event
	NominalCapacity *models.Event
}

// Battery 返回两项中已有的值，都没有时返回 nil
func (r *Resolver) Battery(ctx context.Context, userID, vehicleID string) (*Battery, error) {
	if err := r.Authorize(ctx, userID, vehicleID); err != nil {
		return nil, err
	}

	out := &Battery{}
	for _, t := range []models.EventType{models.EventStateOfCharge, models.EventNominalCapacity} {
		e, err := r.events.Latest(ctx, vehicleID, t)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read latest %s: %w", t, err)
		}
		if t == models.EventStateOfCharge {
			out.StateOfCharge = e
		} else {
			out.NominalCapacity = e
		}
	}
	if out.StateOfCharge == nil && out.NominalCapacity == nil {
		return nil, nil
	}
	return out, nil
}
