package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/smartgazer/internal/models"
	"github.com/langchou/smartgazer/internal/repository"
	"github.com/langchou/smartgazer/internal/webhook"
	"github.com/langchou/smartgazer/pkg/ws"
)

// IngestResult 一次 webhook 投递的处理结果
type IngestResult struct {
	Shape       webhook.Shape
	Challenge   string // 仅校验请求
	Events      int
	Diagnostics []string
}

// IngestService 把 webhook 请求体规范化后写入存储并推送
type IngestService struct {
	logger      *zap.Logger
	events      EventStore
	vehicles    VehicleStore
	verifier    *webhook.Verifier
	publisher   Publisher
	metrics     Metrics
	placeholder string
	now         func() time.Time
}

// NewIngestService 创建 IngestService
func NewIngestService(
	logger *zap.Logger,
	events EventStore,
	vehicles VehicleStore,
	verifier *webhook.Verifier,
	publisher Publisher,
	metrics Metrics,
	placeholderUserID string,
) *IngestService {
	return &IngestService{
		logger:      logger,
		events:      events,
		vehicles:    vehicles,
		verifier:    verifier,
		publisher:   publisher,
		metrics:     orNop(metrics),
		placeholder: placeholderUserID,
		now:         time.Now,
	}
}

// Ingest 处理一次投递。请求体无效返回 webhook.ErrMalformedPayload，
// 形状未知返回 ErrUnsupportedPayload，其余错误为内部错误。
func (s *IngestService) Ingest(ctx context.Context, body []byte) (*IngestResult, error) {
	delivery, err := webhook.Normalize(body, s.now())
	if err != nil {
		return nil, err
	}
	s.metrics.RecordDelivery(string(delivery.Shape))

	result := &IngestResult{Shape: delivery.Shape, Diagnostics: delivery.Diagnostics}
	if len(delivery.Diagnostics) > 0 {
		s.logger.Warn("Webhook payload drift",
			zap.String("shape", string(delivery.Shape)),
			zap.Strings("diagnostics", delivery.Diagnostics))
		s.metrics.RecordSignalsDropped(len(delivery.Diagnostics))
	}

	switch delivery.Shape {
	case webhook.ShapeVerification:
		challenge, err := s.verifier.Respond(delivery.Verification)
		if err != nil {
			return nil, fmt.Errorf("verify webhook: %w", err)
		}
		result.Challenge = challenge
		return result, nil
	case webhook.ShapeUnknown:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPayload, delivery.Diagnostics)
	}

	if err := s.applyHints(ctx, delivery.Vehicles); err != nil {
		return nil, err
	}
	if err := s.ensureVehicles(ctx, delivery); err != nil {
		return nil, err
	}

	for _, e := range delivery.Events {
		if err := s.events.Append(ctx, e); err != nil {
			return nil, fmt.Errorf("append %s event for %s: %w", e.Type, e.VehicleID, err)
		}
		result.Events++
		s.metrics.RecordEventIngested(string(e.Type))
		if s.publisher != nil {
			s.publisher.Publish(e.VehicleID, ws.MsgTypeSignal, e.WithoutRaw())
		}
	}

	s.logger.Debug("Webhook ingested",
		zap.String("shape", string(delivery.Shape)),
		zap.Int("events", result.Events))
	return result, nil
}

// applyHints 写入载荷携带的车辆属性；没有用户 ID 时归属占位用户
func (s *IngestService) applyHints(ctx context.Context, hints []webhook.VehicleHint) error {
	for _, hint := range hints {
		owner := hint.UserID
		if owner == "" {
			owner = s.placeholder
		}
		v, created, err := s.vehicles.UpsertVehicle(ctx, hint.Attributes, owner)
		if err != nil {
			return fmt.Errorf("upsert vehicle %s: %w", hint.Attributes.SmartcarID, err)
		}
		if created && hint.UserID == "" {
			s.placeholderCreated(v)
		}
		if hint.UserID != "" && v.UserID != hint.UserID {
			s.logger.Warn("Webhook user differs from vehicle owner, ownership unchanged",
				zap.String("vehicle_id", v.SmartcarID),
				zap.String("owner", v.UserID),
				zap.String("webhook_user", hint.UserID))
		}
	}
	return nil
}

// ensureVehicles 为没有属性提示的未知车辆创建占位归属
func (s *IngestService) ensureVehicles(ctx context.Context, delivery *webhook.Delivery) error {
	seen := make(map[string]bool, len(delivery.Vehicles))
	for _, hint := range delivery.Vehicles {
		seen[hint.Attributes.SmartcarID] = true
	}

	for _, e := range delivery.Events {
		if seen[e.VehicleID] {
			continue
		}
		seen[e.VehicleID] = true

		_, err := s.vehicles.GetVehicle(ctx, e.VehicleID)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("load vehicle %s: %w", e.VehicleID, err)
		}

		v, created, err := s.vehicles.UpsertVehicle(ctx, models.VehicleAttributes{SmartcarID: e.VehicleID}, s.placeholder)
		if err != nil {
			return fmt.Errorf("create vehicle %s: %w", e.VehicleID, err)
		}
		if created {
			s.placeholderCreated(v)
		}
	}
	return nil
}

func (s *IngestService) placeholderCreated(v *models.Vehicle) {
	s.metrics.RecordPlaceholderOwner()
	s.logger.Warn("Vehicle created under placeholder user",
		zap.String("vehicle_id", v.SmartcarID),
		zap.String("user_id", v.UserID))
}
