package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/langchou/smartgazer/internal/models"
	"github.com/langchou/smartgazer/internal/state"
)

// AdminService 运维操作：清空事件、清空全部数据、导出
type AdminService struct {
	logger   *zap.Logger
	events   EventStore
	store    AdminStore
	machines *state.Manager
}

// NewAdminService 创建 AdminService
func NewAdminService(logger *zap.Logger, events EventStore, store AdminStore, machines *state.Manager) *AdminService {
	return &AdminService{
		logger:   logger,
		events:   events,
		store:    store,
		machines: machines,
	}
}

// ClearEvents 删除全部事件，保留用户、车辆和凭据
func (s *AdminService) ClearEvents(ctx context.Context) (int64, error) {
	n, err := s.events.Purge(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	s.logger.Info("Events cleared", zap.Int64("count", n))
	return n, nil
}

// ClearAll 删除全部用户、车辆和事件，并重置凭据状态机
func (s *AdminService) ClearAll(ctx context.Context) error {
	if err := s.store.PurgeAll(ctx); err != nil {
		return fmt.Errorf("purge all: %w", err)
	}
	if s.machines != nil {
		s.machines.Reset()
	}
	s.logger.Info("All data cleared")
	return nil
}

// Dump 导出全部表内容
func (s *AdminService) Dump(ctx context.Context) (*models.Dump, error) {
	dump, err := s.store.Dump(ctx)
	if err != nil {
		return nil, fmt.Errorf("dump tables: %w", err)
	}
	return dump, nil
}
