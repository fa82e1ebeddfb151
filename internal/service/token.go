package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/smartgazer/internal/api/smartcar"
	"github.com/langchou/smartgazer/internal/models"
	"github.com/langchou/smartgazer/internal/repository"
	"github.com/langchou/smartgazer/internal/state"
)

// TokenManager 管理每辆车的 OAuth 凭据：过期前刷新，刷新失败即作废
type TokenManager struct {
	logger   *zap.Logger
	vehicles VehicleStore
	upstream Upstream
	machines *state.Manager
	metrics  Metrics
	buffer   time.Duration
	now      func() time.Time
}

// NewTokenManager 创建 TokenManager
func NewTokenManager(
	logger *zap.Logger,
	vehicles VehicleStore,
	upstream Upstream,
	machines *state.Manager,
	metrics Metrics,
	buffer time.Duration,
) *TokenManager {
	return &TokenManager{
		logger:   logger,
		vehicles: vehicles,
		upstream: upstream,
		machines: machines,
		metrics:  orNop(metrics),
		buffer:   buffer,
		now:      time.Now,
	}
}

// ExchangeResult 授权码兑换结果
type ExchangeResult struct {
	UserID   string            `json:"user_id"`
	Vehicles []*models.Vehicle `json:"vehicles"`
}

// GetValidToken 返回可用的 access token。
// 进入过期缓冲区时同步刷新一次；刷新失败则作废凭据，之后直接失败直到重新授权。
func (t *TokenManager) GetValidToken(ctx context.Context, vehicleID string) (string, error) {
	machine := t.machines.GetOrCreate(vehicleID, state.StateAbsent)

	var token string
	err := machine.Exclusive(func() error {
		v, err := t.vehicles.GetVehicle(ctx, vehicleID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: vehicle %s", ErrNoCredential, vehicleID)
		}
		if err != nil {
			return fmt.Errorf("load credential: %w", err)
		}

		phase := state.PhaseFor(v.Credential, t.now(), t.buffer)
		t.observe(machine, phase)

		switch phase {
		case state.StateValid:
			token = v.Credential.AccessToken
			return nil
		case state.StateAbsent:
			return fmt.Errorf("%w: vehicle %s", ErrNoCredential, vehicleID)
		case state.StateInvalid:
			return fmt.Errorf("%w: vehicle %s", ErrNoValidToken, vehicleID)
		}

		token, err = t.refresh(ctx, machine, v)
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// observe 用持久化状态校准状态机，valid 到 expiring 走正常转换
func (t *TokenManager) observe(machine *state.Machine, phase string) {
	if machine.CurrentState() == state.StateValid && phase == state.StateExpiring {
		if err := machine.Trigger(state.EventExpire); err == nil {
			return
		}
	}
	machine.Observe(phase)
}

func (t *TokenManager) refresh(ctx context.Context, machine *state.Machine, v *models.Vehicle) (string, error) {
	if err := machine.Trigger(state.EventRefresh); err != nil {
		t.logger.Warn("Unexpected credential state before refresh", zap.Error(err))
	}

	tok, err := t.upstream.RefreshToken(ctx, v.Credential.RefreshToken)
	if err != nil {
		// 这几类错误不代表 refresh token 失效，保留凭据下次再试
		if errors.Is(err, smartcar.ErrUpstreamUnavailable) ||
			errors.Is(err, smartcar.ErrRateLimited) ||
			ctx.Err() != nil {
			machine.Observe(state.StateExpiring)
			return "", fmt.Errorf("refresh token: %w", err)
		}

		t.metrics.RecordTokenRefresh("failure")
		_ = machine.Trigger(state.EventRefreshFailed)
		if invErr := t.vehicles.InvalidateCredential(ctx, v.SmartcarID); invErr != nil {
			t.logger.Error("Failed to invalidate credential", zap.String("vehicle_id", v.SmartcarID), zap.Error(invErr))
		}
		t.logger.Warn("Token refresh failed, credential invalidated",
			zap.String("vehicle_id", v.SmartcarID),
			zap.Error(err))
		return "", fmt.Errorf("%w: refresh failed: %v", ErrNoValidToken, err)
	}

	cred := tok.Credential()
	if cred.RefreshToken == "" {
		cred.RefreshToken = v.Credential.RefreshToken
	}
	if err := t.vehicles.SaveCredential(ctx, v.SmartcarID, cred); err != nil {
		machine.Observe(state.StateExpiring)
		return "", fmt.Errorf("save refreshed credential: %w", err)
	}

	t.metrics.RecordTokenRefresh("success")
	_ = machine.Trigger(state.EventRefreshSucceeded)
	t.logger.Info("Token refreshed",
		zap.String("vehicle_id", v.SmartcarID),
		zap.Time("expires_at", cred.ExpiresAt))
	return cred.AccessToken, nil
}

// Invalidate 上游拒绝 access token 时作废凭据，之后直接失败直到重新授权
func (t *TokenManager) Invalidate(ctx context.Context, vehicleID string) error {
	machine := t.machines.GetOrCreate(vehicleID, state.StateAbsent)
	return machine.Exclusive(func() error {
		if err := t.vehicles.InvalidateCredential(ctx, vehicleID); err != nil {
			return fmt.Errorf("invalidate credential: %w", err)
		}
		if err := machine.Trigger(state.EventInvalidate); err != nil {
			machine.Observe(state.StateInvalid)
		}
		t.logger.Warn("Credential rejected upstream, invalidated", zap.String("vehicle_id", vehicleID))
		return nil
	})
}

// ExchangeCode 用授权码换取凭据，写入该令牌可访问的每一辆车
func (t *TokenManager) ExchangeCode(ctx context.Context, code, userID string) (*ExchangeResult, error) {
	tok, err := t.upstream.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	ids, err := t.upstream.GetVehicleIDs(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no vehicles authorized for user %s", ErrVehicleNotFound, userID)
	}

	result := &ExchangeResult{UserID: userID}
	cred := tok.Credential()
	for _, id := range ids {
		attrs := models.VehicleAttributes{SmartcarID: id}
		if info, err := t.upstream.VehicleInfo(ctx, tok.AccessToken, id); err != nil {
			t.logger.Warn("Failed to fetch vehicle info", zap.String("vehicle_id", id), zap.Error(err))
		} else {
			attrs = info.Attributes()
			attrs.SmartcarID = id
		}

		v, _, err := t.vehicles.UpsertVehicle(ctx, attrs, userID)
		if err != nil {
			return nil, fmt.Errorf("upsert vehicle %s: %w", id, err)
		}
		if v.UserID != userID {
			t.logger.Warn("Vehicle already owned by another user, ownership unchanged",
				zap.String("vehicle_id", id),
				zap.String("owner", v.UserID),
				zap.String("user_id", userID))
		}

		if err := t.vehicles.SaveCredential(ctx, id, cred); err != nil {
			return nil, fmt.Errorf("save credential for %s: %w", id, err)
		}
		_ = t.machines.GetOrCreate(id, state.StateAbsent).Trigger(state.EventStore)

		v.Credential = cred
		result.Vehicles = append(result.Vehicles, v)
	}

	t.logger.Info("OAuth code exchanged",
		zap.String("user_id", userID),
		zap.Int("vehicles", len(result.Vehicles)))
	return result, nil
}
