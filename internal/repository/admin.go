package repository

import (
	"context"
	"fmt"

	"github.com/langchou/smartgazer/internal/models"
)

// AdminRepository 运维用的清空与导出
type AdminRepository struct {
	db       *DB
	users    *UserRepository
	vehicles *VehicleRepository
	events   *EventRepository
}

// NewAdminRepository 创建运维仓库
func NewAdminRepository(db *DB, users *UserRepository, vehicles *VehicleRepository, events *EventRepository) *AdminRepository {
	return &AdminRepository{db: db, users: users, vehicles: vehicles, events: events}
}

// PurgeAll 清空事件、车辆和用户
func (r *AdminRepository) PurgeAll(ctx context.Context) error {
	if _, err := r.db.Pool.Exec(ctx, `TRUNCATE events, vehicles, users RESTART IDENTITY CASCADE`); err != nil {
		return fmt.Errorf("purge all: %w", err)
	}
	return nil
}

// Dump 导出全部数据
func (r *AdminRepository) Dump(ctx context.Context) (*models.Dump, error) {
	users, err := r.users.List(ctx)
	if err != nil {
		return nil, err
	}
	vehicles, err := r.vehicles.ListVehicles(ctx)
	if err != nil {
		return nil, err
	}
	events, err := r.events.List(ctx)
	if err != nil {
		return nil, err
	}
	return &models.Dump{Users: users, Vehicles: vehicles, Events: events}, nil
}
